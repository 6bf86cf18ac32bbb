package common

import "math"

// Checked arithmetic for ledger amounts. Amounts are unsigned 64-bit; any
// overflow must abort the owning transition rather than wrap or clamp.

// SafeAdd returns a+b and reports whether the sum fits in uint64.
func SafeAdd(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// SafeSub returns a-b and reports whether the difference is non-negative.
func SafeSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

// SafeMul returns a*b and reports whether the product fits in uint64.
func SafeMul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}
