// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM maps anonymous memory for the physical address space. The
// mapping is page aligned, which the atomic word accesses rely on.
func allocRAM(size int) ([]byte, func() error, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("sim: mmap RAM: %w", err)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
