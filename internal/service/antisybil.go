package service

import (
	"context"

	"who_knows_rewards/internal/repository"
)

const (
	RejectDuplicateDevice = "duplicate_device"
	RejectDuplicateIP     = "duplicate_ip"
)

// Gate decides whether a first deposit may be attributed to an inviter. It
// only reads, so callers must hold the fingerprint (and, with BlockSharedIP,
// the IP) lock to keep the holder sets stable until commit.
type Gate struct {
	BlockSharedIP bool
}

// Check returns the rejection reason, or "" when linkage is allowed.
func (g Gate) Check(ctx context.Context, tx repository.Tx, address, fingerprint, sourceIP string) (string, error) {
	if fingerprint != "" {
		holders, err := tx.FingerprintHolders(ctx, fingerprint)
		if err != nil {
			return "", err
		}
		if heldByOther(holders, address) {
			return RejectDuplicateDevice, nil
		}
	}

	if g.BlockSharedIP && sourceIP != "" {
		holders, err := tx.IPHolders(ctx, sourceIP)
		if err != nil {
			return "", err
		}
		if heldByOther(holders, address) {
			return RejectDuplicateIP, nil
		}
	}

	return "", nil
}

func heldByOther(holders []string, address string) bool {
	for _, holder := range holders {
		if holder != address {
			return true
		}
	}
	return false
}
