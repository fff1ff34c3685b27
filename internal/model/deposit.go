package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositEvent struct {
	Address      string
	Amount       decimal.Decimal
	TxHash       string
	ReferralCode string
	Fingerprint  string
	SourceIP     string
}

type DepositResult struct {
	Account           *Account
	PointsAwarded     int64
	NewQuests         []QuestID
	Duplicate         bool
	ReferralLinked    bool
	ReferralValidated bool
	ReferralRejection string
}

type Verification struct {
	Verified    bool
	ChainID     int64
	BlockNumber uint64
	Value       decimal.Decimal
}

// ChangeSet is everything one ledger update writes. Stores persist it as a unit.
type ChangeSet struct {
	Accounts  []*Account
	Referrals []*Referral
	AntiSybil []*AntiSybilRecord
}

func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Accounts) == 0 && len(c.Referrals) == 0 && len(c.AntiSybil) == 0)
}

type LeaderboardEntry struct {
	Address string
	Points  int64
}

type PointsUpdate struct {
	Address        string
	QuestPoints    int64
	ReferralPoints int64
	TotalPoints    int64
	Completed      int
	At             time.Time
}

type ExportRow struct {
	Address          string
	QuestPoints      int64
	ReferralPoints   int64
	TotalPoints      int64
	ValidReferrals   int
	PendingReferrals int
	CompletedQuests  int
	TotalVolume      decimal.Decimal
}
