package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Account struct {
	Address              string
	Seq                  int64
	QuestPoints          int64
	ReferralPoints       int64
	ReferralCode         string
	ReferredBy           string
	CompletedQuestsCount int
	Quests               QuestFlags
	Invites              []string
	Transactions         int64
	Volume               decimal.Decimal
	DailyVolume          decimal.Decimal
	WeeklyVolume         decimal.Decimal
	LastTxAt             time.Time
	ProcessedHashes      []string
	CreatedAt            time.Time
}

// NormalizeAddress is the single place addresses are canonicalized.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address and returns it
// normalized. Every inbound address goes through here.
func ParseAddress(address string) (string, bool) {
	a := strings.TrimSpace(address)
	if len(a) < 2 || (a[:2] != "0x" && a[:2] != "0X") || !common.IsHexAddress(a) {
		return "", false
	}
	return NormalizeAddress(a), true
}

func NewAccount(address, referralCode string, now time.Time) *Account {
	return &Account{
		Address:         NormalizeAddress(address),
		ReferralCode:    referralCode,
		Quests:          QuestFlags{},
		Invites:         []string{},
		ProcessedHashes: []string{},
		CreatedAt:       now,
	}
}

func (a *Account) TotalPoints() int64 {
	return a.QuestPoints + a.ReferralPoints
}

// IsNew reports whether the account has never been persisted.
func (a *Account) IsNew() bool {
	return a.Seq == 0
}

func (a *Account) HasProcessed(hash string) bool {
	for _, h := range a.ProcessedHashes {
		if h == hash {
			return true
		}
	}
	return false
}

func (a *Account) HasInvite(address string) bool {
	for _, invited := range a.Invites {
		if invited == address {
			return true
		}
	}
	return false
}

// Repair fills fields missing from records written by older versions and
// recomputes the completed quest counter from the flags. It reports whether
// anything changed.
func (a *Account) Repair() bool {
	changed := false

	normalized := NormalizeAddress(a.Address)
	if normalized != a.Address {
		a.Address = normalized
		changed = true
	}
	if a.Quests == nil {
		a.Quests = QuestFlags{}
		changed = true
	}
	if a.Invites == nil {
		a.Invites = []string{}
		changed = true
	}
	if a.ProcessedHashes == nil {
		a.ProcessedHashes = []string{}
		changed = true
	}
	if a.ReferredBy != "" {
		a.ReferredBy = NormalizeAddress(a.ReferredBy)
	}
	if count := a.Quests.Completed(); count != a.CompletedQuestsCount {
		a.CompletedQuestsCount = count
		changed = true
	}
	if a.QuestPoints < 0 {
		a.QuestPoints = 0
		changed = true
	}
	if a.ReferralPoints < 0 {
		a.ReferralPoints = 0
		changed = true
	}

	return changed
}

// Clone returns a deep copy so that stores never hand out shared slices.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Quests = make(QuestFlags, len(a.Quests))
	for id, done := range a.Quests {
		c.Quests[id] = done
	}
	c.Invites = append([]string{}, a.Invites...)
	c.ProcessedHashes = append([]string{}, a.ProcessedHashes...)
	return &c
}
