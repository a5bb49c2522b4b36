// Package hostmem converts between typed Go slices and the raw byte slices
// the dispatch session transfers. Conversions share memory; nothing is
// copied or tagged.
package hostmem

import (
	"fmt"
	"unsafe"
)

// Scalar is an element type with a fixed in-memory layout
type Scalar interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 |
		~float32 | ~float64
}

// SizeOf returns the element size of T in bytes
func SizeOf[T Scalar]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

// Bytes returns the memory of s as a byte slice
func Bytes[T Scalar](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*SizeOf[T]())
}

// View returns b as a slice of T. The length of b must be a multiple of the
// element size and its start suitably aligned.
func View[T Scalar](b []byte) ([]T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	size := SizeOf[T]()
	if len(b)%size != 0 {
		return nil, fmt.Errorf("byte length %d is not a multiple of element size %d", len(b), size)
	}
	var zero T
	if align := unsafe.Alignof(zero); uintptr(unsafe.Pointer(&b[0]))%align != 0 {
		return nil, fmt.Errorf("byte slice is not %d-byte aligned", align)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size), nil
}

// MustView is View that panics on error
func MustView[T Scalar](b []byte) []T {
	v, err := View[T](b)
	if err != nil {
		panic(err)
	}
	return v
}

// Alloc returns an aligned zeroed byte slice of n elements of T and its
// typed view
func Alloc[T Scalar](n int) ([]byte, []T) {
	s := make([]T, n)
	return Bytes(s), s
}
