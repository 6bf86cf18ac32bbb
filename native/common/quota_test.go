package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaBidLimit(t *testing.T) {
	q := Quota{MaxBids: 3}
	now := QuotaNow{}

	var err error
	for i := 0; i < 3; i++ {
		now, err = CheckQuota(q, now, 0)
		if err != nil {
			t.Fatalf("bid %d unexpectedly denied: %v", i+1, err)
		}
	}
	if now.BidCount != 3 {
		t.Fatalf("unexpected bid count: %d", now.BidCount)
	}

	denied, err := CheckQuota(q, now, 0)
	if !errors.Is(err, ErrQuotaBidsExceeded) {
		t.Fatalf("expected ErrQuotaBidsExceeded, got %v", err)
	}
	if denied != now {
		t.Fatalf("expected counters to remain unchanged on denial")
	}
}

func TestCheckQuotaStakeCap(t *testing.T) {
	q := Quota{MaxStake: 1000}

	next, err := CheckQuota(q, QuotaNow{}, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.StakeAtRisk != 1000 {
		t.Fatalf("unexpected stake: %d", next.StakeAtRisk)
	}

	if _, err := CheckQuota(q, next, 1); !errors.Is(err, ErrQuotaStakeExceeded) {
		t.Fatalf("expected ErrQuotaStakeExceeded, got %v", err)
	}
}

func TestSafeMath(t *testing.T) {
	if _, ok := SafeAdd(^uint64(0), 1); ok {
		t.Fatalf("expected add overflow")
	}
	if v, ok := SafeAdd(40, 2); !ok || v != 42 {
		t.Fatalf("unexpected add result %d %v", v, ok)
	}
	if _, ok := SafeSub(1, 2); ok {
		t.Fatalf("expected sub underflow")
	}
	if _, ok := SafeMul(^uint64(0), 2); ok {
		t.Fatalf("expected mul overflow")
	}
	if v, ok := SafeMul(6, 7); !ok || v != 42 {
		t.Fatalf("unexpected mul result %d %v", v, ok)
	}
}
