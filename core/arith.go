package core

import (
	"math"
	"math/bits"
)

// All helpers work on non-negative operands and saturate at math.MaxInt64
// instead of wrapping.

func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func mulSat(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}

// mulAddDiv computes floor((a*b + c) / d) and the remainder using 128-bit
// intermediates. ok is false when the quotient does not fit in an int64.
func mulAddDiv(a, b, c, d int64) (q, r int64, ok bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	var carry uint64
	lo, carry = bits.Add64(lo, uint64(c), 0)
	hi += carry
	if hi >= uint64(d) {
		return 0, 0, false
	}
	uq, ur := bits.Div64(hi, lo, uint64(d))
	if uq > math.MaxInt64 {
		return 0, 0, false
	}
	return int64(uq), int64(ur), true
}

// mulSubDivCeil computes ceil((a*b - c) / d), saturating. The caller guarantees c <= a*b.
func mulSubDivCeil(a, b, c, d int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	var borrow uint64
	lo, borrow = bits.Sub64(lo, uint64(c), 0)
	hi -= borrow
	if hi >= uint64(d) {
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, uint64(d))
	if q >= math.MaxInt64 {
		return math.MaxInt64
	}
	if r != 0 {
		q++
	}
	return int64(q)
}

// floorDiv rounds toward negative infinity; d must be positive.
func floorDiv(n, d int64) int64 {
	q := n / d
	if n%d < 0 {
		q--
	}
	return q
}

// elapsedSat returns now-since, saturating at math.MaxInt64 instead of wrapping.
// The result is not positive when now is not after since.
func elapsedSat(now, since int64) int64 {
	if since < 0 && now > math.MaxInt64+since {
		return math.MaxInt64
	}
	if since > 0 && now < math.MinInt64+since {
		return math.MinInt64
	}
	return now - since
}
