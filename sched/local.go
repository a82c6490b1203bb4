// SPDX-License-Identifier: Unlicense OR MIT

package sched

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// local is the scheduler state of one processor. It is only touched
// by the thread running on the processor, with interrupts masked.
type local struct {
	_ cpu.CacheLinePad
	// current is the handle of the running thread. Other processors
	// read it for statistics only.
	current atomic.Uint64
	idle    *thread
	// retiring is the thread switched away from, retired by the
	// thread switched to once the old context is saved.
	retiring *thread
	_        cpu.CacheLinePad
}
