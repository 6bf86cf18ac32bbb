package party

import (
	"agentmarket/core/errors"
	"agentmarket/core/types"
	"agentmarket/native/common"
)

// Payout is one leg of an absolute-amount distribution awaiting release.
type Payout struct {
	Address types.Address
	Role    Role
	Amount  uint64
}

// ValidatePayouts checks a release distribution: every leg positive, no
// recipient repeated, roles valid, and the checked sum equal to total. The
// sum must match exactly so a release can never over- or under-pay.
func ValidatePayouts(total uint64, payouts []Payout) error {
	if len(payouts) == 0 {
		return errors.Validationf(moduleName, "empty distribution")
	}
	seen := make(map[types.Address]struct{}, len(payouts))
	var sum uint64
	for _, p := range payouts {
		if !p.Role.Valid() {
			return errors.Validationf(moduleName, "invalid role %d in distribution", p.Role)
		}
		if p.Address.IsZero() {
			return errors.Validationf(moduleName, "zero recipient in distribution")
		}
		if p.Amount == 0 {
			return errors.Validationf(moduleName, "zero amount for %s", p.Address.Hex())
		}
		if _, ok := seen[p.Address]; ok {
			return errors.Validationf(moduleName, "duplicate recipient %s", p.Address.Hex())
		}
		seen[p.Address] = struct{}{}
		next, ok := common.SafeAdd(sum, p.Amount)
		if !ok {
			return errors.Arithmeticf(moduleName, "distribution sum overflows")
		}
		sum = next
	}
	if sum != total {
		return errors.Validationf(moduleName, "distribution sums to %d, escrow holds %d", sum, total)
	}
	return nil
}
