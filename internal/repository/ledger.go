package repository

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"who_knows_rewards/internal/model"

	"github.com/pkg/errors"
)

// Tx is the read surface available inside a ledger update or view.
// LoadAccount never fails with ErrNotFound: an unknown address yields a fresh,
// not yet persisted account. The other lookups return ErrNotFound.
type Tx interface {
	LoadAccount(ctx context.Context, address string) (*model.Account, error)
	AccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	Referral(ctx context.Context, invited string) (*model.Referral, error)
	Referrals(ctx context.Context, invited []string) (map[string]*model.Referral, error)
	AntiSybil(ctx context.Context, address string) (*model.AntiSybilRecord, error)
	FingerprintHolders(ctx context.Context, fingerprint string) ([]string, error)
	IPHolders(ctx context.Context, ip string) ([]string, error)
	Accounts(ctx context.Context) ([]*model.Account, error)
	TopAccounts(ctx context.Context, n int) ([]*model.Account, error)
}

// UpdateFunc computes the change set for one logical transaction. A nil or
// empty change set commits nothing.
type UpdateFunc func(ctx context.Context, tx Tx) (*model.ChangeSet, error)

type ViewFunc func(ctx context.Context, tx Tx) error

const (
	lockAccount     = "account:"
	lockFingerprint = "fingerprint:"
	lockIP          = "ip:"
)

func AccountLock(address string) string {
	return lockAccount + model.NormalizeAddress(address)
}

func FingerprintLock(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	return lockFingerprint + fingerprint
}

func IPLock(ip string) string {
	if ip == "" {
		return ""
	}
	return lockIP + ip
}

// orderLocks drops empty keys and duplicates and sorts the rest, which is the
// acquisition order every store uses.
func orderLocks(locks []string) []string {
	seen := make(map[string]struct{}, len(locks))
	out := make([]string, 0, len(locks))
	for _, key := range locks {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

const (
	referralCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	referralCodeLength   = 6
	referralCodeAttempts = 8
)

func GenerateReferralCode() (string, error) {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}
	return string(buf), nil
}

// newAccount builds a default account with a referral code that is not in use
// as seen by tx. Stores still enforce uniqueness at commit.
func newAccount(ctx context.Context, tx Tx, address string, now time.Time) (*model.Account, error) {
	for i := 0; i < referralCodeAttempts; i++ {
		code, err := GenerateReferralCode()
		if err != nil {
			return nil, err
		}
		_, err = tx.AccountByReferralCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return model.NewAccount(address, code, now), nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to allocate referral code for %s", address)
}

// rankAccounts sorts by total points descending, first-seen order on ties.
func rankAccounts(accounts []*model.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		ti, tj := accounts[i].TotalPoints(), accounts[j].TotalPoints()
		if ti != tj {
			return ti > tj
		}
		return accounts[i].Seq < accounts[j].Seq
	})
}

func sortBySeq(accounts []*model.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Seq < accounts[j].Seq
	})
}

func topOf(accounts []*model.Account, n int) []*model.Account {
	rankAccounts(accounts)
	if n >= 0 && len(accounts) > n {
		accounts = accounts[:n]
	}
	return accounts
}
