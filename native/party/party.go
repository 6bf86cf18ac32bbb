package party

import (
	"agentmarket/core/errors"
	"agentmarket/core/types"
)

const moduleName = "party"

// TotalShareBps is the exact sum the beneficiary-role shares must reach.
const TotalShareBps = 10_000

// Role identifies the function an address plays in an escrow or listing.
type Role uint8

const (
	RoleDepositor Role = iota + 1
	RoleBeneficiary
	RoleArbitrator
	RoleReferrer
	RolePlatform
)

func (r Role) String() string {
	switch r {
	case RoleDepositor:
		return "depositor"
	case RoleBeneficiary:
		return "beneficiary"
	case RoleArbitrator:
		return "arbitrator"
	case RoleReferrer:
		return "referrer"
	case RolePlatform:
		return "platform"
	default:
		return "unknown"
	}
}

// Valid reports whether the role value is within the supported range.
func (r Role) Valid() bool {
	switch r {
	case RoleDepositor, RoleBeneficiary, RoleArbitrator, RoleReferrer, RolePlatform:
		return true
	default:
		return false
	}
}

// Party pairs an address with a role and, for beneficiaries and referrers,
// its share of a split in basis points. ShareBps is signed so malformed
// negative configurations can be rejected instead of silently wrapping.
type Party struct {
	Address  types.Address
	Role     Role
	ShareBps int64
}

// ValidateShares checks a multi-party split configuration. The beneficiary
// shares must sum to exactly TotalShareBps; every share must be positive and
// no address may appear under two conflicting roles.
func ValidateShares(parties []Party) error {
	if len(parties) == 0 {
		return errors.Validationf(moduleName, "empty party configuration")
	}
	seen := make(map[types.Address]Role, len(parties))
	var beneficiarySum int64
	for _, p := range parties {
		if !p.Role.Valid() {
			return errors.Validationf(moduleName, "invalid role %d", p.Role)
		}
		if p.Address.IsZero() {
			return errors.Validationf(moduleName, "zero address for role %s", p.Role)
		}
		if prev, ok := seen[p.Address]; ok && prev != p.Role {
			return errors.Validationf(moduleName, "address %s holds conflicting roles %s and %s", p.Address.Hex(), prev, p.Role)
		}
		seen[p.Address] = p.Role
		switch p.Role {
		case RoleBeneficiary, RoleReferrer:
			if p.ShareBps < 0 {
				return errors.Validationf(moduleName, "negative share %d for %s", p.ShareBps, p.Address.Hex())
			}
			if p.ShareBps == 0 {
				return errors.Validationf(moduleName, "zero share for %s", p.Address.Hex())
			}
			if p.ShareBps > TotalShareBps {
				return errors.Validationf(moduleName, "share %d exceeds %d bps", p.ShareBps, TotalShareBps)
			}
			if p.Role == RoleBeneficiary {
				beneficiarySum += p.ShareBps
			}
		default:
			if p.ShareBps != 0 {
				return errors.Validationf(moduleName, "role %s must not carry a share", p.Role)
			}
		}
	}
	if beneficiarySum != TotalShareBps {
		return errors.Validationf(moduleName, "beneficiary shares sum to %d bps, want %d", beneficiarySum, TotalShareBps)
	}
	return nil
}
