// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console is the kernel's serial line. Writes from every processor are
// serialized so that lines never interleave.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: w}
}

func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(b)
}

// Printf writes a formatted message, terminated by a newline unless it
// already ends in one.
func (c *Console) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	io.WriteString(c, msg)
}

// Logf returns a Printf that prefixes every message with
// [subsystem].
func (c *Console) Logf(subsystem string) func(format string, args ...interface{}) {
	prefix := "[" + subsystem + "] "
	return func(format string, args ...interface{}) {
		c.Printf(prefix+format, args...)
	}
}
