//go:build !linux

package doorbell

import "unsafe"

// allocRegion falls back to heap memory. Backing it with uint32s keeps
// every register 4-byte aligned for the atomic accessors.
func allocRegion(size int) ([]byte, error) {
	words := make([]uint32, (size+Stride-1)/Stride)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*Stride), nil
}

func freeRegion([]byte) error {
	return nil
}
