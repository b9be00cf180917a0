// Package refcount provides the reference-counting primitive used for
// vnodes and open files (memory objects keep their own count in mmo): a
// count that calls a destroy hook the moment it reaches zero, so every
// ref/put pair is visible in the static structure of the code.
package refcount

import (
	"fmt"
	"sync"
)

// Counter is an explicit, code-visible ref/put pair. A ref may never follow
// a final put; Put panics if asked to drop more references than exist.
type Counter struct {
	mu      sync.Mutex
	n       int64
	destroy func()
}

// New creates a counter starting at 1 (the reference returned to the
// caller that creates the object). destroy is invoked synchronously the
// moment the count reaches zero.
func New(destroy func()) *Counter {
	return &Counter{n: 1, destroy: destroy}
}

// Ref adds one reference. Panics if the object was already destroyed.
func (c *Counter) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n <= 0 {
		panic("refcount: Ref after final Put")
	}
	c.n++
}

// Put drops one reference, running destroy and returning true if this was
// the last one. The destroy hook runs outside the counter's own lock.
func (c *Counter) Put() (destroyed bool) {
	c.mu.Lock()
	if c.n <= 0 {
		c.mu.Unlock()
		panic("refcount: Put on already-destroyed object")
	}
	c.n--
	last := c.n == 0
	c.mu.Unlock()

	if last {
		if c.destroy != nil {
			c.destroy()
		}
		destroyed = true
	}
	return
}

// Count returns the current reference count, for invariant checks and
// tests only; callers must not branch production logic on it beyond
// asserting invariants.
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *Counter) String() string { return fmt.Sprintf("refcount(%d)", c.Count()) }
