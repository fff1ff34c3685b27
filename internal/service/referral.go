package service

import (
	"time"

	"who_knows_rewards/internal/model"
)

const (
	ReferralAward          int64 = 500
	ReferralQuestThreshold       = 2
)

// canLink reports whether invitee may be attributed to inviter on this deposit.
func canLink(invitee, inviter *model.Account, existing *model.Referral) bool {
	switch {
	case inviter == nil || inviter.IsNew():
		return false
	case inviter.Address == invitee.Address:
		return false
	case invitee.ReferredBy != "":
		return false
	case existing != nil:
		return false
	}
	return true
}

// link moves the pair from NONE to PENDING.
func link(invitee, inviter *model.Account, now time.Time) *model.Referral {
	invitee.ReferredBy = inviter.Address
	if !inviter.HasInvite(invitee.Address) {
		inviter.Invites = append(inviter.Invites, invitee.Address)
	}
	return model.NewReferral(inviter.Address, invitee.Address, now)
}

// validate moves ref from PENDING to VALIDATED once invitee has completed
// enough quests and credits the inviter. It reports whether the transition
// happened; a validated record is never touched again.
func validate(ref *model.Referral, invitee, inviter *model.Account, now time.Time) bool {
	if ref.State() != model.ReferralPending {
		return false
	}
	if invitee.CompletedQuestsCount < ReferralQuestThreshold {
		return false
	}
	if inviter == nil || ref.Inviter != inviter.Address {
		return false
	}

	at := now
	ref.IsValidated = true
	ref.ValidatedAt = &at
	inviter.ReferralPoints += ReferralAward
	return true
}
