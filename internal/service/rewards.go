package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/repository"
	"who_knows_rewards/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WindowPolicy string

const (
	// WindowAccumulate never resets the daily and weekly volume counters.
	WindowAccumulate WindowPolicy = "accumulate"
	// WindowCalendar resets daily volume at the UTC day boundary and weekly
	// volume at the ISO week boundary, measured from the previous deposit.
	WindowCalendar WindowPolicy = "calendar"
)

const (
	DefaultMaxAttempts   = 5
	DefaultVerifyTimeout = 10 * time.Second
)

type RewardsConfig struct {
	MaxAttempts   int           `mapstructure:"maxAttempts"`
	WindowPolicy  WindowPolicy  `mapstructure:"windowPolicy"`
	BlockSharedIP bool          `mapstructure:"blockSharedIP"`
	VerifyTimeout time.Duration `mapstructure:"-"`
}

var errLockSetChanged = errors.New("lock set changed")

type RewardsService struct {
	store    LedgerStore
	verifier Verifier
	feed     Publisher
	metrics  Recorder
	catalog  []Quest
	gate     Gate
	cfg      RewardsConfig
	now      func() time.Time
}

type Option func(*RewardsService)

func WithPublisher(p Publisher) Option {
	return func(s *RewardsService) {
		s.feed = p
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *RewardsService) {
		s.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *RewardsService) {
		s.now = now
	}
}

func WithCatalog(catalog []Quest) Option {
	return func(s *RewardsService) {
		s.catalog = catalog
	}
}

func NewRewardsService(store LedgerStore, verifier Verifier, cfg RewardsConfig, opts ...Option) *RewardsService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.WindowPolicy == "" {
		cfg.WindowPolicy = WindowAccumulate
	}

	s := &RewardsService{
		store:    store,
		verifier: verifier,
		feed:     nopPublisher{},
		metrics:  nopRecorder{},
		catalog:  QuestCatalog,
		gate:     Gate{BlockSharedIP: cfg.BlockSharedIP},
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyDeposit applies one verified deposit to the ledger. A hash already
// applied to the address returns the stored account with Duplicate set.
func (s *RewardsService) ApplyDeposit(ctx context.Context, event model.DepositEvent) (*model.DepositResult, error) {
	ev, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}

	log := logger.Named("rewards").With(
		zap.String("address", ev.Address),
		zap.String("hash", ev.TxHash))

	if err := s.verify(ctx, ev); err != nil {
		log.Info("deposit rejected", zap.Error(err))
		s.metrics.Deposit(OutcomeRejected)
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		locks, err := s.planLocks(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("failed to plan locks: %w", err)
		}

		var (
			result  *model.DepositResult
			changes *model.ChangeSet
		)
		err = s.store.Update(ctx, locks, func(ctx context.Context, tx repository.Tx) (*model.ChangeSet, error) {
			var err error
			result, changes, err = s.apply(ctx, tx, ev, locks)
			return changes, err
		})
		switch {
		case errors.Is(err, errLockSetChanged):
			log.Debug("inviter changed under lock, replanning", zap.Int("attempt", attempt))
			continue
		case errors.Is(err, repository.ErrStoreConflict):
			log.Debug("store conflict, retrying", zap.Int("attempt", attempt))
			s.metrics.StoreConflict()
			continue
		case err != nil:
			log.Error("failed to apply deposit", zap.Error(err))
			return nil, err
		}

		s.afterCommit(result, changes)
		log.Info("deposit applied",
			zap.Bool("duplicate", result.Duplicate),
			zap.Int64("points", result.PointsAwarded),
			zap.Bool("referral_linked", result.ReferralLinked),
			zap.Bool("referral_validated", result.ReferralValidated),
			zap.String("reason", result.ReferralRejection))
		return result, nil
	}

	log.Error("giving up after repeated conflicts", zap.Int("attempts", s.cfg.MaxAttempts))
	return nil, ErrTooManyConflicts
}

func normalizeEvent(ev model.DepositEvent) (model.DepositEvent, error) {
	address, ok := model.ParseAddress(ev.Address)
	if !ok {
		return ev, fmt.Errorf("%w: malformed address %q", ErrInvalidEvent, ev.Address)
	}
	ev.Address = address

	ev.TxHash = strings.ToLower(strings.TrimSpace(ev.TxHash))
	if ev.TxHash == "" {
		return ev, fmt.Errorf("%w: missing transaction hash", ErrInvalidEvent)
	}
	if !ev.Amount.IsPositive() {
		return ev, fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	}

	ev.ReferralCode = strings.ToUpper(strings.TrimSpace(ev.ReferralCode))
	ev.Fingerprint = strings.TrimSpace(ev.Fingerprint)
	ev.SourceIP = strings.TrimSpace(ev.SourceIP)
	return ev, nil
}

// verify bounds the verifier call; a timeout counts as a rejection.
func (s *RewardsService) verify(ctx context.Context, ev model.DepositEvent) error {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.verifier.Verify(vctx, ev.TxHash, ev.Amount, ev.Address)
	s.metrics.ObserveVerify(time.Since(start))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if res == nil || !res.Verified {
		return ErrVerificationFailed
	}
	return nil
}

// planLocks reads the current state to find every key the update will touch.
func (s *RewardsService) planLocks(ctx context.Context, ev model.DepositEvent) ([]string, error) {
	locks := []string{repository.AccountLock(ev.Address)}

	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		acc, err := tx.LoadAccount(ctx, ev.Address)
		if err != nil {
			return err
		}
		inviter, err := s.resolveInviter(ctx, tx, acc, ev)
		if err != nil {
			return err
		}
		if inviter != "" {
			locks = append(locks, repository.AccountLock(inviter))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev.Fingerprint != "" {
		locks = append(locks, repository.FingerprintLock(ev.Fingerprint))
	}
	if s.cfg.BlockSharedIP && ev.SourceIP != "" {
		locks = append(locks, repository.IPLock(ev.SourceIP))
	}
	return locks, nil
}

// resolveInviter returns the inviter account this deposit may write to: the
// existing inviter while the referral is still pending, or the owner of the
// referral code on a first deposit.
func (s *RewardsService) resolveInviter(ctx context.Context, tx repository.Tx, acc *model.Account, ev model.DepositEvent) (string, error) {
	if acc.ReferredBy != "" {
		ref, err := tx.Referral(ctx, acc.Address)
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if ref.State() == model.ReferralPending {
			return ref.Inviter, nil
		}
		return "", nil
	}

	if acc.Transactions > 0 || ev.ReferralCode == "" {
		return "", nil
	}
	inviter, err := tx.AccountByReferralCode(ctx, ev.ReferralCode)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if inviter.Address == acc.Address {
		return "", nil
	}
	return inviter.Address, nil
}

func (s *RewardsService) apply(ctx context.Context, tx repository.Tx, ev model.DepositEvent, locks []string) (*model.DepositResult, *model.ChangeSet, error) {
	now := s.now().UTC()

	acc, err := tx.LoadAccount(ctx, ev.Address)
	if err != nil {
		return nil, nil, err
	}
	if acc.HasProcessed(ev.TxHash) {
		return &model.DepositResult{Account: acc, Duplicate: true}, nil, nil
	}

	inviterAddr, err := s.resolveInviter(ctx, tx, acc, ev)
	if err != nil {
		return nil, nil, err
	}
	if inviterAddr != "" && !holds(locks, repository.AccountLock(inviterAddr)) {
		return nil, nil, errLockSetChanged
	}

	result := &model.DepositResult{}
	changes := &model.ChangeSet{}
	firstTx := acc.Transactions == 0

	linkAllowed := firstTx && ev.ReferralCode != ""
	if linkAllowed {
		reason, err := s.gate.Check(ctx, tx, acc.Address, ev.Fingerprint, ev.SourceIP)
		if err != nil {
			return nil, nil, fmt.Errorf("anti-sybil check: %w", err)
		}
		if reason != "" {
			result.ReferralRejection = reason
			linkAllowed = false
		}
	}

	rec, err := tx.AntiSybil(ctx, acc.Address)
	if errors.Is(err, repository.ErrNotFound) {
		rec = &model.AntiSybilRecord{Address: acc.Address, FirstSeenAt: now}
	} else if err != nil {
		return nil, nil, err
	}
	if rec.Fill(ev.Fingerprint, ev.SourceIP) {
		changes.AntiSybil = append(changes.AntiSybil, rec)
	}

	s.rollWindows(acc, now)
	acc.Transactions++
	acc.Volume = acc.Volume.Add(ev.Amount)
	acc.DailyVolume = acc.DailyVolume.Add(ev.Amount)
	acc.WeeklyVolume = acc.WeeklyVolume.Add(ev.Amount)
	acc.LastTxAt = now
	acc.ProcessedHashes = append(acc.ProcessedHashes, ev.TxHash)

	var (
		inviter *model.Account
		ref     *model.Referral
	)
	if inviterAddr != "" {
		inviter, err = tx.LoadAccount(ctx, inviterAddr)
		if err != nil {
			return nil, nil, err
		}
	}

	if linkAllowed && inviter != nil {
		existing, err := tx.Referral(ctx, acc.Address)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, nil, err
		}
		if canLink(acc, inviter, existing) {
			ref = link(acc, inviter, now)
			result.ReferralLinked = true
		}
	}

	outcome := EvaluateQuests(s.catalog, acc.Counters(), acc.Quests)
	for _, id := range outcome.Completed {
		acc.Quests[id] = true
	}
	acc.QuestPoints += outcome.Points
	acc.CompletedQuestsCount = acc.Quests.Completed()
	result.PointsAwarded = outcome.Points
	result.NewQuests = outcome.Completed

	if ref == nil && acc.ReferredBy != "" && inviter != nil {
		ref, err = tx.Referral(ctx, acc.Address)
		if errors.Is(err, repository.ErrNotFound) {
			ref = nil
		} else if err != nil {
			return nil, nil, err
		}
	}
	if ref != nil && validate(ref, acc, inviter, now) {
		result.ReferralValidated = true
	}

	changes.Accounts = append(changes.Accounts, acc)
	if ref != nil && (result.ReferralLinked || result.ReferralValidated) {
		changes.Referrals = append(changes.Referrals, ref)
		changes.Accounts = append(changes.Accounts, inviter)
	}

	result.Account = acc.Clone()
	return result, changes, nil
}

func (s *RewardsService) rollWindows(acc *model.Account, now time.Time) {
	if s.cfg.WindowPolicy != WindowCalendar || acc.LastTxAt.IsZero() {
		return
	}
	last := acc.LastTxAt.UTC()

	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		acc.DailyVolume = decimal.Zero
	}

	lwy, lw := last.ISOWeek()
	nwy, nw := now.ISOWeek()
	if lwy != nwy || lw != nw {
		acc.WeeklyVolume = decimal.Zero
	}
}

func (s *RewardsService) afterCommit(result *model.DepositResult, changes *model.ChangeSet) {
	if result.Duplicate {
		s.metrics.Deposit(OutcomeDuplicate)
		return
	}
	s.metrics.Deposit(OutcomeApplied)
	if result.ReferralRejection != "" {
		s.metrics.Referral(ReferralEventSybilRejected)
	}
	if result.ReferralLinked {
		s.metrics.Referral(ReferralEventLinked)
	}
	if result.ReferralValidated {
		s.metrics.Referral(ReferralEventValidated)
	}

	if changes == nil {
		return
	}
	now := s.now().UTC()
	for _, acc := range changes.Accounts {
		s.feed.Publish(model.PointsUpdate{
			Address:        acc.Address,
			QuestPoints:    acc.QuestPoints,
			ReferralPoints: acc.ReferralPoints,
			TotalPoints:    acc.TotalPoints(),
			Completed:      acc.CompletedQuestsCount,
			At:             now,
		})
	}
}

func holds(locks []string, key string) bool {
	for _, l := range locks {
		if l == key {
			return true
		}
	}
	return false
}
