// Copyright 2025 OPENGIS.ch
// SPDX-License-Identifier: Apache-2.0

package pum

import (
	"sync/atomic"
)

// Canceller requests cooperative cancellation of a running operation.
// The flag is checked between change units, never mid-statement: a unit
// already started runs to completion before cancellation is honored and
// the enclosing transaction is rolled back. Cancelling the operation's
// context instead aborts the in-flight statement and is the caller's
// unsafe escape hatch (see MsgForcedTermination).
type Canceller struct {
	flag atomic.Bool
}

// Cancel requests cancellation. Safe to call from any goroutine, more
// than once.
func (c *Canceller) Cancel() {
	c.flag.Store(true)
}

// Cancelled reports whether cancellation has been requested. A nil
// canceller reports false.
func (c *Canceller) Cancelled() bool {
	return c != nil && c.flag.Load()
}

// Reset clears the flag so the canceller can be reused for another
// operation.
func (c *Canceller) Reset() {
	c.flag.Store(false)
}
