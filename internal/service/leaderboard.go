package service

import (
	"context"
	"errors"
	"fmt"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/repository"
)

const LeaderboardSize = 50

type Overview struct {
	User          *model.Account
	Leaderboard   []model.LeaderboardEntry
	ReferralStats model.ReferralStats
}

type LeaderboardService struct {
	store       LedgerStore
	maxAttempts int
}

func NewLeaderboardService(store LedgerStore) *LeaderboardService {
	return &LeaderboardService{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
	}
}

func (s *LeaderboardService) TopN(ctx context.Context, n int) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entries, err = topN(ctx, tx, n)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	return entries, nil
}

// Overview persists the account on first sight, then projects it together
// with the leaderboard and its referral statistics.
func (s *LeaderboardService) Overview(ctx context.Context, address string) (*Overview, error) {
	normalized, ok := model.ParseAddress(address)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	address = normalized

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		out, err := s.overview(ctx, address)
		if errors.Is(err, repository.ErrStoreConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get overview: %w", err)
		}
		return out, nil
	}
	return nil, ErrTooManyConflicts
}

// overview makes one attempt. A concurrent first deposit for the same
// address surfaces as ErrStoreConflict.
func (s *LeaderboardService) overview(ctx context.Context, address string) (*Overview, error) {
	var out *Overview
	err := s.store.Update(ctx, []string{repository.AccountLock(address)}, func(ctx context.Context, tx repository.Tx) (*model.ChangeSet, error) {
		acc, err := tx.LoadAccount(ctx, address)
		if err != nil {
			return nil, err
		}

		board, err := topN(ctx, tx, LeaderboardSize)
		if err != nil {
			return nil, err
		}
		stats, err := referralStats(ctx, tx, acc)
		if err != nil {
			return nil, err
		}

		out = &Overview{User: acc.Clone(), Leaderboard: board, ReferralStats: stats}
		if acc.IsNew() {
			return &model.ChangeSet{Accounts: []*model.Account{acc}}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Export returns one row per account in first-seen order.
func (s *LeaderboardService) Export(ctx context.Context) ([]model.ExportRow, error) {
	var rows []model.ExportRow
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		accounts, err := tx.Accounts(ctx)
		if err != nil {
			return err
		}

		var invited []string
		for _, acc := range accounts {
			invited = append(invited, acc.Invites...)
		}
		refs, err := tx.Referrals(ctx, invited)
		if err != nil {
			return err
		}

		rows = make([]model.ExportRow, 0, len(accounts))
		for _, acc := range accounts {
			valid := 0
			for _, addr := range acc.Invites {
				if refs[addr].State() == model.ReferralValidated {
					valid++
				}
			}
			rows = append(rows, model.ExportRow{
				Address:          acc.Address,
				QuestPoints:      acc.QuestPoints,
				ReferralPoints:   acc.ReferralPoints,
				TotalPoints:      acc.TotalPoints(),
				ValidReferrals:   valid,
				PendingReferrals: len(acc.Invites) - valid,
				CompletedQuests:  acc.CompletedQuestsCount,
				TotalVolume:      acc.Volume,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export accounts: %w", err)
	}
	return rows, nil
}

func topN(ctx context.Context, tx repository.Tx, n int) ([]model.LeaderboardEntry, error) {
	accounts, err := tx.TopAccounts(ctx, n)
	if err != nil {
		return nil, err
	}
	entries := make([]model.LeaderboardEntry, 0, len(accounts))
	for _, acc := range accounts {
		entries = append(entries, model.LeaderboardEntry{
			Address: acc.Address,
			Points:  acc.TotalPoints(),
		})
	}
	return entries, nil
}

// referralStats splits the invites of acc by referral state, keeping invite order.
func referralStats(ctx context.Context, tx repository.Tx, acc *model.Account) (model.ReferralStats, error) {
	stats := model.ReferralStats{
		Pending:    []model.PendingReferral{},
		Successful: []model.SuccessfulReferral{},
	}
	if len(acc.Invites) == 0 {
		return stats, nil
	}

	refs, err := tx.Referrals(ctx, acc.Invites)
	if err != nil {
		return stats, err
	}

	for _, addr := range acc.Invites {
		ref := refs[addr]
		if ref.State() == model.ReferralValidated {
			stats.Successful = append(stats.Successful, model.SuccessfulReferral{
				Address:     addr,
				ValidatedAt: ref.ValidatedAt,
			})
			continue
		}

		invited, err := tx.LoadAccount(ctx, addr)
		if err != nil {
			return stats, err
		}
		stats.Pending = append(stats.Pending, model.PendingReferral{
			Address:         addr,
			QuestsCompleted: invited.CompletedQuestsCount,
			QuestsRequired:  ReferralQuestThreshold,
		})
	}
	return stats, nil
}
