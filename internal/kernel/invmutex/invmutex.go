// Package invmutex provides an invariant-checking mutex: a small,
// well-understood pattern owned locally rather than pulled in as a
// single-purpose dependency (see DESIGN.md).
package invmutex

import "sync"

// InvariantMutex is a sync.Locker that calls a CheckInvariants hook on
// every Unlock, before the lock is released, so a scoped ownership violation is caught immediately
// rather than surfacing later as corrupted state.
type InvariantMutex struct {
	mu    sync.Mutex
	check func()
}

// New creates an InvariantMutex that calls check on every Unlock,
// before releasing the lock.
// check must be safe to call with the mutex held.
func New(check func()) *InvariantMutex {
	return &InvariantMutex{check: check}
}

func (m *InvariantMutex) Lock() { m.mu.Lock() }

func (m *InvariantMutex) Unlock() {
	if m.check != nil {
		m.check()
	}
	m.mu.Unlock()
}
