package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type rewardsRoutes struct {
	rs service.RewardsServiceI
	ls service.LeaderboardServiceI
}

func NewRewardsRoutes(handler *gin.RouterGroup, rs service.RewardsServiceI, ls service.LeaderboardServiceI, limiter *middleware.RateLimiter) {
	r := &rewardsRoutes{rs: rs, ls: ls}
	h := handler.Group("/rewards")
	{
		h.GET("", r.GetRewards)
		h.POST("", limiter.Middleware(), r.SubmitDeposit)
	}
}

type DepositRequest struct {
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	Hash         string          `json:"hash"`
	ReferralCode string          `json:"referralCode"`
	Fingerprint  string          `json:"fingerprint"`
}

type UserResponse struct {
	Address              string          `json:"address"`
	Points               int64           `json:"points"`
	ReferralPoints       int64           `json:"referralPoints"`
	TotalPoints          int64           `json:"totalPoints"`
	ReferralCode         string          `json:"referralCode"`
	ReferredBy           *string         `json:"referredBy"`
	CompletedQuestsCount int             `json:"completedQuestsCount"`
	Invites              []string        `json:"invites"`
	Transactions         int64           `json:"transactions"`
	Volume               decimal.Decimal `json:"volume"`
	DailyVolume          decimal.Decimal `json:"dailyVolume"`
	WeeklyVolume         decimal.Decimal `json:"weeklyVolume"`
	LastTxTimestamp      *time.Time      `json:"lastTxTimestamp"`
	Quests               map[string]bool `json:"quests"`
}

type ReferralOutcome struct {
	Linked    bool   `json:"linked"`
	Validated bool   `json:"validated"`
	Rejected  string `json:"rejected,omitempty"`
}

type DepositResponse struct {
	User         UserResponse    `json:"user"`
	EarnedPoints int64           `json:"earnedPoints"`
	NewQuests    []model.QuestID `json:"newQuests"`
	Duplicate    bool            `json:"duplicate"`
	Referral     ReferralOutcome `json:"referral"`
}

type LeaderboardEntry struct {
	Address string `json:"address"`
	Points  int64  `json:"points"`
}

type PendingReferral struct {
	Address         string `json:"address"`
	QuestsCompleted int    `json:"questsCompleted"`
	QuestsRequired  int    `json:"questsRequired"`
}

type SuccessfulReferral struct {
	Address     string     `json:"address"`
	ValidatedAt *time.Time `json:"validatedAt"`
}

type ReferralStats struct {
	Pending    []PendingReferral    `json:"pending"`
	Successful []SuccessfulReferral `json:"successful"`
}

type RewardsResponse struct {
	User          UserResponse       `json:"user"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
	ReferralStats ReferralStats      `json:"referralStats"`
}

func (r *rewardsRoutes) SubmitDeposit(c *gin.Context) {
	log := logger.Logger().With(zap.String("request_id", middleware.RequestID(c)))

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Info("failed to bind request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing data"})
		return
	}
	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.Hash) == "" || req.Amount.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing data"})
		return
	}

	res, err := r.rs.ApplyDeposit(c.Request.Context(), model.DepositEvent{
		Address:      req.Address,
		Amount:       req.Amount,
		TxHash:       req.Hash,
		ReferralCode: req.ReferralCode,
		Fingerprint:  req.Fingerprint,
		SourceIP:     middleware.SourceIP(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid deposit"})
		case errors.Is(err, service.ErrVerificationFailed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Transaction verification failed"})
		case errors.Is(err, service.ErrTooManyConflicts):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Busy, retry later"})
		default:
			log.Error("failed to apply deposit",
				zap.String("address", req.Address),
				zap.String("hash", req.Hash),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	newQuests := res.NewQuests
	if newQuests == nil {
		newQuests = []model.QuestID{}
	}
	c.JSON(http.StatusOK, DepositResponse{
		User:         toUserResponse(res.Account),
		EarnedPoints: res.PointsAwarded,
		NewQuests:    newQuests,
		Duplicate:    res.Duplicate,
		Referral: ReferralOutcome{
			Linked:    res.ReferralLinked,
			Validated: res.ReferralValidated,
			Rejected:  res.ReferralRejection,
		},
	})
}

func (r *rewardsRoutes) GetRewards(c *gin.Context) {
	log := logger.Logger().With(zap.String("request_id", middleware.RequestID(c)))

	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address required"})
		return
	}

	overview, err := r.ls.Overview(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
			return
		}
		if errors.Is(err, service.ErrTooManyConflicts) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Busy, retry later"})
			return
		}
		log.Error("failed to get rewards", zap.String("address", address), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	board := make([]LeaderboardEntry, 0, len(overview.Leaderboard))
	for _, e := range overview.Leaderboard {
		board = append(board, LeaderboardEntry{Address: e.Address, Points: e.Points})
	}

	stats := ReferralStats{
		Pending:    make([]PendingReferral, 0, len(overview.ReferralStats.Pending)),
		Successful: make([]SuccessfulReferral, 0, len(overview.ReferralStats.Successful)),
	}
	for _, p := range overview.ReferralStats.Pending {
		stats.Pending = append(stats.Pending, PendingReferral(p))
	}
	for _, s := range overview.ReferralStats.Successful {
		stats.Successful = append(stats.Successful, SuccessfulReferral(s))
	}

	c.JSON(http.StatusOK, RewardsResponse{
		User:          toUserResponse(overview.User),
		Leaderboard:   board,
		ReferralStats: stats,
	})
}

func toUserResponse(acc *model.Account) UserResponse {
	quests := make(map[string]bool, len(service.QuestCatalog))
	for _, q := range service.QuestCatalog {
		quests[string(q.ID)] = acc.Quests.Done(q.ID)
	}

	out := UserResponse{
		Address:              acc.Address,
		Points:               acc.QuestPoints,
		ReferralPoints:       acc.ReferralPoints,
		TotalPoints:          acc.TotalPoints(),
		ReferralCode:         acc.ReferralCode,
		CompletedQuestsCount: acc.CompletedQuestsCount,
		Invites:              acc.Invites,
		Transactions:         acc.Transactions,
		Volume:               acc.Volume,
		DailyVolume:          acc.DailyVolume,
		WeeklyVolume:         acc.WeeklyVolume,
		Quests:               quests,
	}
	if out.Invites == nil {
		out.Invites = []string{}
	}
	if acc.ReferredBy != "" {
		referredBy := acc.ReferredBy
		out.ReferredBy = &referredBy
	}
	if !acc.LastTxAt.IsZero() {
		last := acc.LastTxAt
		out.LastTxTimestamp = &last
	}
	return out
}
