// Package sizing provides overflow-checked arithmetic for archive offsets.
package sizing

import "math"

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// RangeEnd returns the exclusive end of the range [off, off+length), or
// false when it does not fit in a uint64.
func RangeEnd(off, length uint64) (uint64, bool) {
	return AddUint64(off, length)
}
