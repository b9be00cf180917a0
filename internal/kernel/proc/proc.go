// Package proc implements the process table: PID allocation,
// parent/child bookkeeping, and waitpid/zombie reaping, including the
// -1 wildcard and a WNOHANG-equivalent non-blocking poll.
package proc

import (
	"context"
	"sort"
	"sync"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/ksync"
)

// State is a process's lifecycle state.
type State int

const (
	Running State = iota
	Zombie
	Dead
)

// PID is a process identifier.
type PID int32

// Any is the waitpid wildcard pid meaning "any child".
const Any PID = -1

// Proc is one process table entry: identity, lineage, and exit status.
// The address space and file descriptor table live one layer up, in
// internal/proc, which embeds *Proc.
type Proc struct {
	mu sync.Mutex

	pid    PID
	name   string
	state  State
	status int

	parent   *Proc
	children map[PID]*Proc

	exited *ksync.WaitQueue
}

// Table is the system-wide process table: PID allocation and the set
// of live/zombie processes.
type Table struct {
	mu    sync.Mutex
	next  PID
	procs map[PID]*Proc
}

// NewTable creates an empty process table. PID 1 goes to the first
// process a caller creates (the init-equivalent); pid 0 is never
// handed out.
func NewTable() *Table {
	return &Table{next: 1, procs: make(map[PID]*Proc)}
}

// Create allocates a new process named name with parent as its parent
// (nil for the root process). The returned Proc starts Running.
func (t *Table) Create(name string, parent *Proc) *Proc {
	t.mu.Lock()
	pid := t.next
	t.next++
	p := &Proc{
		pid:      pid,
		name:     name,
		state:    Running,
		parent:   parent,
		children: make(map[PID]*Proc),
		exited:   &ksync.WaitQueue{},
	}
	t.procs[pid] = p
	t.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children[pid] = p
		parent.mu.Unlock()
	}
	return p
}

func (p *Proc) PID() PID     { return p.pid }
func (p *Proc) Name() string { return p.name }

func (p *Proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Exit marks p as a zombie carrying status and wakes anyone blocked
// in Wait on it. Orphans are not reparented: there is no adopting init
// process here, so children of an exited parent stay in the table
// unreaped. Acceptable for an instructional kernel with no
// long-running orphan chains; see DESIGN.md.
func (p *Proc) Exit(status int) {
	p.mu.Lock()
	p.state = Zombie
	p.status = status
	parent := p.parent
	p.mu.Unlock()

	// Wake both anyone watching this process directly and the parent
	// blocked in Wait on its own child-exit queue.
	p.exited.Broadcast()
	if parent != nil {
		parent.exited.Broadcast()
	}
}

// Wait implements waitpid. pid == Any waits for any child; otherwise
// it waits for the specific child pid. If nohang is true, Wait returns
// immediately with (0, 0, nil) when no matching child has exited yet
// instead of blocking (the WNOHANG-equivalent poll).
func (p *Proc) Wait(ctx context.Context, pid PID, nohang bool) (PID, int, error) {
	for {
		// Register before polling so an exit landing mid-poll still
		// wakes this waiter instead of being lost.
		w := p.exited.Prepare()

		p.mu.Lock()
		var found *Proc
		for cpid, c := range p.children {
			if pid != Any && cpid != pid {
				continue
			}
			c.mu.Lock()
			isZombie := c.state == Zombie
			c.mu.Unlock()
			if isZombie {
				found = c
				break
			}
		}
		haveCandidate := pid == Any && len(p.children) > 0
		if pid != Any {
			_, haveCandidate = p.children[pid]
		}
		p.mu.Unlock()

		if found != nil {
			w.Cancel()
			found.mu.Lock()
			status := found.status
			fpid := found.pid
			found.state = Dead
			found.mu.Unlock()

			p.mu.Lock()
			delete(p.children, fpid)
			p.mu.Unlock()
			return fpid, status, nil
		}

		if !haveCandidate {
			w.Cancel()
			return 0, 0, kerrno.NoChild
		}
		if nohang {
			w.Cancel()
			return 0, 0, nil
		}

		if err := w.Wait(ctx); err != nil {
			return 0, 0, err
		}
	}
}

// ExitWaiter registers a waiter on p's child-exit queue without
// blocking. Callers that must drop a lock before sleeping (the syscall
// dispatcher releases the big kernel lock at this suspension point)
// register first, re-poll, then block on the waiter, so an exit
// between poll and sleep is never missed.
func (p *Proc) ExitWaiter() *ksync.Waiter {
	return p.exited.Prepare()
}

// Children returns the live/zombie PIDs currently parented to p, sorted
// for deterministic iteration in tests and fsck-style reports.
func (p *Proc) Children() []PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PID, 0, len(p.children))
	for pid := range p.children {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
