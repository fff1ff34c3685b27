package model

import "time"

type ReferralState string

const (
	ReferralNone      ReferralState = "none"
	ReferralPending   ReferralState = "pending"
	ReferralValidated ReferralState = "validated"
)

type Referral struct {
	Inviter     string
	Invited     string
	IsValidated bool
	CreatedAt   time.Time
	ValidatedAt *time.Time
}

func NewReferral(inviter, invited string, now time.Time) *Referral {
	return &Referral{
		Inviter:   NormalizeAddress(inviter),
		Invited:   NormalizeAddress(invited),
		CreatedAt: now,
	}
}

// State is nil-safe: a missing record is ReferralNone.
func (r *Referral) State() ReferralState {
	switch {
	case r == nil:
		return ReferralNone
	case r.IsValidated:
		return ReferralValidated
	default:
		return ReferralPending
	}
}

func (r *Referral) Clone() *Referral {
	if r == nil {
		return nil
	}
	c := *r
	if r.ValidatedAt != nil {
		at := *r.ValidatedAt
		c.ValidatedAt = &at
	}
	return &c
}

type ReferralStats struct {
	Pending    []PendingReferral
	Successful []SuccessfulReferral
}

type PendingReferral struct {
	Address         string
	QuestsCompleted int
	QuestsRequired  int
}

type SuccessfulReferral struct {
	Address     string
	ValidatedAt *time.Time
}
