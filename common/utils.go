package common

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Coalesce returns the first non-zero value from the provided values, or the zero value if all are zero.
//
// Parameters:
//   - values: a variadic list of values to check for non-zero status
//
// Returns:
//   - T: the first non-zero value from the input, or the zero value if all are zero
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// DivCeil returns ceil(a / b) for positive integers.
func DivCeil[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// SliceToBytes returns a byte view over a slice of fixed-size values. The view aliases the input.
//
// Parameters:
//   - data: source slice
//
// Returns:
//   - []byte: the byte view, or nil if data is empty
func SliceToBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), int(unsafe.Sizeof(zero))*len(data))
}

// BytesToSlice is the inverse of SliceToBytes. Trailing bytes that do not fill a whole T are ignored.
func BytesToSlice[T any](data []byte) []T {
	var zero T
	n := len(data) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}
