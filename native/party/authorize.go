package party

import (
	"agentmarket/core/errors"
	"agentmarket/core/types"
)

// Action enumerates every signer-gated operation across the escrow and
// auction engines. Keeping the role-to-action table in one place means each
// engine enforces the same permissions.
type Action uint8

const (
	ActionFund Action = iota + 1
	ActionDeliver
	ActionRelease
	ActionCancel
	ActionDispute
	ActionResolve
	ActionEndAuction
	ActionCancelAuction
)

func (a Action) String() string {
	switch a {
	case ActionFund:
		return "fund"
	case ActionDeliver:
		return "deliver"
	case ActionRelease:
		return "release"
	case ActionCancel:
		return "cancel"
	case ActionDispute:
		return "dispute"
	case ActionResolve:
		return "resolve"
	case ActionEndAuction:
		return "end_auction"
	case ActionCancelAuction:
		return "cancel_auction"
	default:
		return "unknown"
	}
}

// Roster names the addresses holding each role for a single entity. Unused
// roles stay zero. Seller doubles as the authority for auction actions.
type Roster struct {
	Depositor   types.Address
	Beneficiary types.Address
	Arbitrator  types.Address
	Seller      types.Address
}

// allowed maps each action to the roles that may perform it. Conditional
// refinements (beneficiary release only once auto-release conditions hold,
// arbitrator release only after a dispute) are enforced by the owning engine
// on top of this table.
var allowed = map[Action][]Role{
	ActionFund:          {RoleDepositor},
	ActionDeliver:       {RoleBeneficiary},
	ActionRelease:       {RoleDepositor, RoleBeneficiary, RoleArbitrator},
	ActionCancel:        {RoleDepositor},
	ActionDispute:       {RoleDepositor, RoleBeneficiary},
	ActionResolve:       {RoleArbitrator},
	ActionEndAuction:    {RoleDepositor},
	ActionCancelAuction: {RoleDepositor},
}

func (r Roster) holder(role Role, action Action) types.Address {
	switch role {
	case RoleDepositor:
		if action == ActionEndAuction || action == ActionCancelAuction {
			return r.Seller
		}
		return r.Depositor
	case RoleBeneficiary:
		return r.Beneficiary
	case RoleArbitrator:
		return r.Arbitrator
	default:
		return types.Address{}
	}
}

// Authorize checks that signer holds a role permitted to perform action on
// the entity described by the roster.
func (r Roster) Authorize(signer types.Address, action Action) error {
	if signer.IsZero() {
		return errors.Authorizationf(moduleName, "missing signer for %s", action)
	}
	roles, ok := allowed[action]
	if !ok {
		return errors.Authorizationf(moduleName, "unknown action %d", action)
	}
	for _, role := range roles {
		holder := r.holder(role, action)
		if !holder.IsZero() && holder == signer {
			return nil
		}
	}
	return errors.Authorizationf(moduleName, "signer %s not permitted to %s", signer.Hex(), action)
}
