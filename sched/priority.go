// SPDX-License-Identifier: Unlicense OR MIT

package sched

import "fmt"

// Priority orders threads. Threads of different priorities only
// preempt each other cooperatively; a Realtime thread runs until it
// blocks.
type Priority int

const (
	Idle Priority = iota
	Low
	Normal
	High
	Realtime
)

// Quantum counts the timer ticks a thread may run before it is
// preempted.
type Quantum struct {
	current int
	def     int
}

func NewQuantum(p Priority) Quantum {
	var n int
	switch p {
	case High:
		n = 25
	case Normal:
		n = 10
	case Low:
		n = 5
	default:
		n = 1
	}
	return Quantum{current: n, def: n}
}

// consume uses up one tick. It reports whether the quantum ran out,
// in which case it is refilled.
func (q *Quantum) consume() bool {
	if q.current > 1 {
		q.current--
		return false
	}
	q.current = q.def
	return true
}

// Default returns the ticks in a full quantum.
func (q Quantum) Default() int {
	return q.def
}

func (p Priority) useful() bool {
	return p > Idle && p <= Realtime
}

func (p Priority) String() string {
	switch p {
	case Idle:
		return "idle"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Realtime:
		return "realtime"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
