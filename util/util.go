// Package util contains small numeric helpers shared by every layer of the
// allocator: order/PFN arithmetic, alignment, and bitmap sizing all reduce
// to these few generic functions.
package util

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// RoundPow2Minus1 rounds v up to the nearest value of the form 2^n - 1.
// Used to size PCP batches: a power-of-two batch size would make every
// CPU drain on the same cache-color stride, so the kernel rounds batches
// down to one below the next power of two instead.
func RoundPow2Minus1[T Int](v T) T {
	var n T = 1
	for n < v+1 {
		n <<= 1
	}
	return n - 1
}

// IsAligned reports whether v is a multiple of 1<<order.
func IsAligned[T Int](v T, order uint) bool {
	mask := (T(1) << order) - 1
	return v&mask == 0
}

// Log2Ceil returns the smallest n such that 1<<n >= v (v > 0). Used to
// round a byte or page count up to the buddy order that covers it, the
// same rounding alloc_pages_exact performs before calling into the
// ordinary order-based allocator.
func Log2Ceil[T Int](v T) uint {
	var n uint
	var p T = 1
	for p < v {
		p <<= 1
		n++
	}
	return n
}
