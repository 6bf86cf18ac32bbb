package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaBidsExceeded    = errors.New("quota bids exceeded")
	ErrQuotaStakeExceeded   = errors.New("quota stake cap exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the running usage counters for one bidder on one listing.
type QuotaNow struct {
	BidCount    uint32
	StakeAtRisk uint64
}

// Quota defines per-bidder limits enforced for a single listing. Zero values
// disable the corresponding limit.
type Quota struct {
	MaxBids  uint32
	MaxStake uint64
}

// CheckQuota verifies that one more bid with the given stake fits within the
// quota. The returned QuotaNow reflects the updated counters when allowed;
// counters are left untouched on denial.
func CheckQuota(q Quota, prev QuotaNow, addStake uint64) (QuotaNow, error) {
	next := prev
	if next.BidCount == math.MaxUint32 {
		return prev, ErrQuotaCounterOverflow
	}
	next.BidCount++
	if q.MaxBids > 0 && next.BidCount > q.MaxBids {
		return prev, ErrQuotaBidsExceeded
	}
	if addStake > 0 {
		if next.StakeAtRisk > math.MaxUint64-addStake {
			return prev, ErrQuotaCounterOverflow
		}
		next.StakeAtRisk += addStake
	}
	if q.MaxStake > 0 && next.StakeAtRisk > q.MaxStake {
		return prev, ErrQuotaStakeExceeded
	}
	return next, nil
}
