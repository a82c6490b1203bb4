// SPDX-License-Identifier: Unlicense OR MIT

package mem

import (
	"fmt"

	"eliasnaur.com/kcore/hal"
)

// Error is an error type usable in kernel code.
type Error string

const (
	ErrOutOfMemory     Error = "mem: out of memory"
	ErrInvalidArgument Error = "mem: invalid argument"
	ErrUnsupported     Error = "mem: unsupported"
	ErrUnexpected      Error = "mem: unexpected"
)

// UnmappedError reports the first page of a protection change that
// lacks an intermediate page table.
type UnmappedError struct {
	VA hal.VirtualAddress
}

func (e Error) Error() string {
	return string(e)
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("mem: no page table for %#x", uint64(e.VA))
}

func (e *UnmappedError) Unwrap() error {
	return ErrInvalidArgument
}
