// SPDX-License-Identifier: Unlicense OR MIT

package sched

import (
	"math"
	"time"

	"eliasnaur.com/kcore/hal"
	"eliasnaur.com/kcore/ksync"
)

// Timer is a deadline on the monotonic clock.
type Timer int64

const (
	// TimerNull has always expired.
	TimerNull Timer = 0
	// TimerForever never expires.
	TimerForever Timer = math.MaxInt64
)

// NewTimer returns the deadline d from now. A zero duration gives
// TimerNull and ksync.Forever gives TimerForever.
func NewTimer(c hal.Clock, d time.Duration) Timer {
	switch {
	case d <= 0:
		return TimerNull
	case d == ksync.Forever:
		return TimerForever
	}
	t := c.Monotonic() + d
	if t < 0 {
		return TimerForever
	}
	return Timer(t)
}

// Until reports whether the deadline is still ahead.
func (t Timer) Until(c hal.Clock) bool {
	switch t {
	case TimerNull:
		return false
	case TimerForever:
		return true
	}
	return c.Monotonic() < time.Duration(t)
}

func (t Timer) String() string {
	switch t {
	case TimerNull:
		return "null"
	case TimerForever:
		return "forever"
	}
	return time.Duration(t).String()
}
