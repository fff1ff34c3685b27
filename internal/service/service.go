package service

import (
	"context"
	"errors"
	"time"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/repository"

	"github.com/shopspring/decimal"
)

var (
	ErrVerificationFailed = errors.New("transaction verification failed")
	ErrInvalidEvent       = errors.New("invalid deposit event")
	ErrInvalidAddress     = errors.New("invalid wallet address")
	ErrTooManyConflicts   = errors.New("too many concurrent updates")
)

type Service struct {
	*RewardsService
	*LeaderboardService
}

func NewService(rewardsService *RewardsService, leaderboardService *LeaderboardService) *Service {
	return &Service{
		RewardsService:     rewardsService,
		LeaderboardService: leaderboardService,
	}
}

type RewardsServiceI interface {
	ApplyDeposit(ctx context.Context, event model.DepositEvent) (*model.DepositResult, error)
}

type LeaderboardServiceI interface {
	TopN(ctx context.Context, n int) ([]model.LeaderboardEntry, error)
	Overview(ctx context.Context, address string) (*Overview, error)
	Export(ctx context.Context) ([]model.ExportRow, error)
}

// LedgerStore is implemented by every repository store.
type LedgerStore interface {
	Update(ctx context.Context, locks []string, fn repository.UpdateFunc) error
	View(ctx context.Context, fn repository.ViewFunc) error
}

type Verifier interface {
	Verify(ctx context.Context, txHash string, amount decimal.Decimal, sender string) (*model.Verification, error)
}

// Publisher receives a points update for every account a committed deposit changed.
type Publisher interface {
	Publish(update model.PointsUpdate)
}

type Recorder interface {
	Deposit(outcome string)
	Referral(event string)
	StoreConflict()
	ObserveVerify(d time.Duration)
}

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"

	ReferralEventLinked        = "linked"
	ReferralEventValidated     = "validated"
	ReferralEventSybilRejected = "sybil_rejected"
)

type nopPublisher struct{}

func (nopPublisher) Publish(model.PointsUpdate) {}

type nopRecorder struct{}

func (nopRecorder) Deposit(string)              {}
func (nopRecorder) Referral(string)             {}
func (nopRecorder) StoreConflict()              {}
func (nopRecorder) ObserveVerify(time.Duration) {}
