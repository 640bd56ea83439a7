//go:build linux

package doorbell

import "golang.org/x/sys/unix"

// allocRegion maps a page-aligned shared anonymous region so the register
// file can be handed to a hypervisor as guest-visible memory.
func allocRegion(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	length := (size + pageSize - 1) &^ (pageSize - 1)
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
}

func freeRegion(region []byte) error {
	return unix.Munmap(region)
}
