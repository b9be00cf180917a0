// Package thread models the minimal per-thread bookkeeping fork
// duplicates: a stand-in for the trap frame a real kernel would copy,
// kept so Fork's contract is unit-testable even though this module has
// no real trap frames. No kernel stack is modeled.
package thread

// TrapFrame stands in for the saved user-mode register state a real
// kernel copies when forking a thread. Regs is opaque here; the one
// convention modeled explicitly is that the child's syscall return
// value is forced to 0.
type TrapFrame struct {
	Regs           map[string]uint64
	SyscallReturn  int64
}

// Clone copies regs into fresh state for a child thread: copy the
// trap frame, then force the child's return value to 0.
func (t *TrapFrame) Clone() *TrapFrame {
	regs := make(map[string]uint64, len(t.Regs))
	for k, v := range t.Regs {
		regs[k] = v
	}
	return &TrapFrame{Regs: regs, SyscallReturn: 0}
}

// State is a thread's run state.
type State int

const (
	Running State = iota
	Runnable
	Blocked
	Dead
)

// Thread is the single thread each Proc in this module owns (no
// multithreaded processes), holding its trap frame and run state.
type Thread struct {
	Frame *TrapFrame
	State State
}

// NewThread creates a thread with a fresh, empty trap frame.
func NewThread() *Thread {
	return &Thread{Frame: &TrapFrame{Regs: make(map[string]uint64)}, State: Running}
}

// Fork produces the child's thread: a cloned trap frame (return value
// forced to 0) and a runnable state, ready for the scheduler to pick
// up.
func (t *Thread) Fork() *Thread {
	return &Thread{Frame: t.Frame.Clone(), State: Runnable}
}
