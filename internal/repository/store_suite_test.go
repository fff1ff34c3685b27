package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"who_knows_rewards/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerStore interface {
	Update(ctx context.Context, locks []string, fn UpdateFunc) error
	View(ctx context.Context, fn ViewFunc) error
}

// runStoreSuite checks the behaviour every ledger store has to share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) ledgerStore) {
	t.Run("LoadAccountDefaults", func(t *testing.T) { testLoadAccountDefaults(t, newStore(t)) })
	t.Run("CommitAndReload", func(t *testing.T) { testCommitAndReload(t, newStore(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("ErrorCommitsNothing", func(t *testing.T) { testErrorCommitsNothing(t, newStore(t)) })
	t.Run("ReferralCodeConflict", func(t *testing.T) { testReferralCodeConflict(t, newStore(t)) })
	t.Run("ReferralWriteOnce", func(t *testing.T) { testReferralWriteOnce(t, newStore(t)) })
	t.Run("AntiSybilWriteOnce", func(t *testing.T) { testAntiSybilWriteOnce(t, newStore(t)) })
	t.Run("SerializedUpdates", func(t *testing.T) { testSerializedUpdates(t, newStore(t)) })
}

func saveAccount(t *testing.T, s ledgerStore, acc *model.Account) {
	t.Helper()
	err := s.Update(context.Background(), []string{AccountLock(acc.Address)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
		return &model.ChangeSet{Accounts: []*model.Account{acc}}, nil
	})
	require.NoError(t, err)
}

func loadAccount(t *testing.T, s ledgerStore, address string) *model.Account {
	t.Helper()
	var acc *model.Account
	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		acc, err = tx.LoadAccount(ctx, address)
		return err
	})
	require.NoError(t, err)
	return acc
}

func listAccounts(t *testing.T, s ledgerStore) []*model.Account {
	t.Helper()
	var accounts []*model.Account
	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		accounts, err = tx.Accounts(ctx)
		return err
	})
	require.NoError(t, err)
	return accounts
}

func testLoadAccountDefaults(t *testing.T, s ledgerStore) {
	acc := loadAccount(t, s, "0xAbC0000000000000000000000000000000000001")

	assert.True(t, acc.IsNew())
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", acc.Address)
	assert.Len(t, acc.ReferralCode, referralCodeLength)
	assert.Zero(t, acc.TotalPoints())
	assert.Empty(t, acc.Invites)
	assert.Empty(t, listAccounts(t, s), "loading must not persist")
}

func testCommitAndReload(t *testing.T, s ledgerStore) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	acc := model.NewAccount("0x00000000000000000000000000000000000000a1", "CMT001", now)
	acc.QuestPoints = 1100
	acc.Transactions = 10
	acc.Volume = decimal.RequireFromString("1.25")
	acc.DailyVolume = decimal.RequireFromString("1.25")
	acc.WeeklyVolume = decimal.RequireFromString("1.25")
	acc.Quests[model.QuestDailyTx] = true
	acc.Quests[model.QuestDailyVol1] = true
	acc.CompletedQuestsCount = 2
	acc.ProcessedHashes = []string{"0x01"}
	acc.LastTxAt = now
	saveAccount(t, s, acc)

	got := loadAccount(t, s, acc.Address)
	assert.False(t, got.IsNew())
	assert.Equal(t, int64(1100), got.QuestPoints)
	assert.Equal(t, int64(10), got.Transactions)
	assert.True(t, got.Volume.Equal(acc.Volume))
	assert.True(t, got.Quests.Done(model.QuestDailyVol1))
	assert.Equal(t, 2, got.CompletedQuestsCount)
	assert.Equal(t, []string{"0x01"}, got.ProcessedHashes)
	assert.WithinDuration(t, now, got.LastTxAt, time.Second)

	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		owner, err := tx.AccountByReferralCode(ctx, "CMT001")
		require.NoError(t, err)
		assert.Equal(t, acc.Address, owner.Address)

		_, err = tx.AccountByReferralCode(ctx, "NOPE00")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testOrdering(t *testing.T, s ledgerStore) {
	now := time.Now().UTC()
	points := []struct {
		address string
		code    string
		points  int64
	}{
		{"0x00000000000000000000000000000000000000b1", "ORD001", 100},
		{"0x00000000000000000000000000000000000000b2", "ORD002", 500},
		{"0x00000000000000000000000000000000000000b3", "ORD003", 100},
	}
	for _, p := range points {
		acc := model.NewAccount(p.address, p.code, now)
		acc.QuestPoints = p.points
		saveAccount(t, s, acc)
	}

	accounts := listAccounts(t, s)
	require.Len(t, accounts, 3)
	for i, acc := range accounts {
		assert.Equal(t, points[i].address, acc.Address, "first-seen order")
	}

	var top []*model.Account
	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		top, err = tx.TopAccounts(ctx, 2)
		return err
	})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, points[1].address, top[0].Address)
	assert.Equal(t, points[0].address, top[1].Address, "ties broken by first-seen order")
}

func testErrorCommitsNothing(t *testing.T, s ledgerStore) {
	boom := errors.New("boom")
	address := "0x00000000000000000000000000000000000000c1"

	err := s.Update(context.Background(), []string{AccountLock(address)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
		acc, err := tx.LoadAccount(ctx, address)
		require.NoError(t, err)
		acc.QuestPoints = 100
		return &model.ChangeSet{Accounts: []*model.Account{acc}}, boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, listAccounts(t, s))
}

func testReferralCodeConflict(t *testing.T, s ledgerStore) {
	now := time.Now().UTC()
	saveAccount(t, s, model.NewAccount("0x00000000000000000000000000000000000000d1", "DUP001", now))

	fresh := model.NewAccount("0x00000000000000000000000000000000000000d2", "FRE001", now)
	clash := model.NewAccount("0x00000000000000000000000000000000000000d3", "DUP001", now)
	err := s.Update(context.Background(), []string{AccountLock(fresh.Address), AccountLock(clash.Address)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
		return &model.ChangeSet{Accounts: []*model.Account{fresh, clash}}, nil
	})
	assert.True(t, errors.Is(err, ErrStoreConflict), "got %v", err)

	accounts := listAccounts(t, s)
	require.Len(t, accounts, 1, "a rejected change set writes nothing")
	assert.Equal(t, "0x00000000000000000000000000000000000000d1", accounts[0].Address)
}

func testReferralWriteOnce(t *testing.T, s ledgerStore) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	inviter := "0x00000000000000000000000000000000000000e1"
	invited := "0x00000000000000000000000000000000000000e2"

	write := func(ref *model.Referral) {
		err := s.Update(context.Background(), []string{AccountLock(inviter)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
			return &model.ChangeSet{Referrals: []*model.Referral{ref}}, nil
		})
		require.NoError(t, err)
	}

	validated := model.NewReferral(inviter, invited, now)
	validated.IsValidated = true
	validated.ValidatedAt = &now
	write(validated)
	write(model.NewReferral(inviter, invited, now))

	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		ref, err := tx.Referral(ctx, invited)
		require.NoError(t, err)
		assert.Equal(t, model.ReferralValidated, ref.State())
		require.NotNil(t, ref.ValidatedAt)
		assert.WithinDuration(t, now, *ref.ValidatedAt, time.Second)
		assert.Equal(t, inviter, ref.Inviter)

		refs, err := tx.Referrals(ctx, []string{invited, "0x00000000000000000000000000000000000000e3"})
		require.NoError(t, err)
		assert.Len(t, refs, 1)

		_, err = tx.Referral(ctx, "0x00000000000000000000000000000000000000e3")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testAntiSybilWriteOnce(t *testing.T, s ledgerStore) {
	now := time.Now().UTC()
	address := "0x00000000000000000000000000000000000000f1"

	write := func(fp, ip string) {
		err := s.Update(context.Background(), []string{AccountLock(address)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
			return &model.ChangeSet{AntiSybil: []*model.AntiSybilRecord{{
				Address:     address,
				Fingerprint: fp,
				SourceIP:    ip,
				FirstSeenAt: now,
			}}}, nil
		})
		require.NoError(t, err)
	}
	write("fp-1", "")
	write("fp-2", "10.0.0.1")

	err := s.View(context.Background(), func(ctx context.Context, tx Tx) error {
		rec, err := tx.AntiSybil(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, "fp-1", rec.Fingerprint)
		assert.Equal(t, "10.0.0.1", rec.SourceIP)

		holders, err := tx.FingerprintHolders(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, []string{address}, holders)

		holders, err = tx.IPHolders(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, []string{address}, holders)

		holders, err = tx.FingerprintHolders(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, holders)
		return nil
	})
	require.NoError(t, err)
}

func testSerializedUpdates(t *testing.T, s ledgerStore) {
	address := "0x0000000000000000000000000000000000000a01"
	saveAccount(t, s, model.NewAccount(address, "SER001", time.Now().UTC()))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := s.Update(context.Background(), []string{AccountLock(address)}, func(ctx context.Context, tx Tx) (*model.ChangeSet, error) {
					acc, err := tx.LoadAccount(ctx, address)
					if err != nil {
						return nil, err
					}
					acc.Transactions++
					return &model.ChangeSet{Accounts: []*model.Account{acc}}, nil
				})
				if errors.Is(err, ErrStoreConflict) {
					continue
				}
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(workers), loadAccount(t, s, address).Transactions)
}
