// Package syscall is the kernel's dispatch switchboard: one method per
// syscall, marshaling arguments into the vfs.Process and internal/proc
// calls that implement them, all serialized under the big kernel lock
// the way every other kernel entry point is.
package syscall

import (
	"context"
	"errors"

	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/clock"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/klog"
	"github.com/weenixfs/kernel/internal/kernel/ksync"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
	"github.com/weenixfs/kernel/internal/kernel/pframe"
	procTable "github.com/weenixfs/kernel/internal/kernel/proc"
	"github.com/weenixfs/kernel/internal/proc"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

// Table dispatches syscalls for one running kernel instance: the
// process table every fork/waitpid/exit call mutates, the BKL every
// call holds for its duration, and the metrics handle every call
// reports its latency to.
type Table struct {
	Procs *procTable.Table
	BKL   *ksync.BKL
	Met   metrics.Handle
	Clk   clock.Clock
}

// New creates a dispatch table over an already-populated process table.
func New(procs *procTable.Table, met metrics.Handle) *Table {
	if met == nil {
		met = metrics.NoOp()
	}
	return &Table{Procs: procs, BKL: &ksync.BKL{}, Met: met, Clk: clock.Real{}}
}

func (t *Table) locked(ctx context.Context, name string, f func() error) error {
	t.BKL.Acquire()
	defer t.BKL.Release()
	start := t.Clk.Now()
	err := f()
	t.Met.SyscallLatencyMS(ctx, name, float64(t.Clk.Now().Sub(start).Microseconds())/1000)
	return err
}

func (t *Table) Open(ctx context.Context, p *proc.Proc, path string, flags vfs.OpenFlags) (vfs.FD, error) {
	var fd vfs.FD
	err := t.locked(ctx, "open", func() error {
		var e error
		fd, e = p.Files.Open(ctx, path, flags)
		return e
	})
	return fd, err
}

func (t *Table) Read(ctx context.Context, p *proc.Proc, fd vfs.FD, buf []byte) (int, error) {
	var n int
	err := t.locked(ctx, "read", func() error {
		var e error
		n, e = p.Files.Read(ctx, fd, buf)
		return e
	})
	return n, err
}

func (t *Table) Write(ctx context.Context, p *proc.Proc, fd vfs.FD, buf []byte) (int, error) {
	var n int
	err := t.locked(ctx, "write", func() error {
		var e error
		n, e = p.Files.Write(ctx, fd, buf)
		return e
	})
	return n, err
}

func (t *Table) Close(ctx context.Context, p *proc.Proc, fd vfs.FD) error {
	return t.locked(ctx, "close", func() error { return p.Files.Close(fd) })
}

func (t *Table) Dup(ctx context.Context, p *proc.Proc, fd vfs.FD) (vfs.FD, error) {
	var nfd vfs.FD
	err := t.locked(ctx, "dup", func() error {
		var e error
		nfd, e = p.Files.Dup(fd)
		return e
	})
	return nfd, err
}

func (t *Table) Dup2(ctx context.Context, p *proc.Proc, ofd, nfd vfs.FD) error {
	return t.locked(ctx, "dup2", func() error { return p.Files.Dup2(ofd, nfd) })
}

func (t *Table) Lseek(ctx context.Context, p *proc.Proc, fd vfs.FD, off int64, whence vfs.Whence) (int64, error) {
	var pos int64
	err := t.locked(ctx, "lseek", func() error {
		var e error
		pos, e = p.Files.Lseek(fd, off, whence)
		return e
	})
	return pos, err
}

func (t *Table) Stat(ctx context.Context, p *proc.Proc, path string) (vfs.StatInfo, error) {
	var info vfs.StatInfo
	err := t.locked(ctx, "stat", func() error {
		var e error
		info, e = p.Files.Stat(ctx, path)
		return e
	})
	return info, err
}

func (t *Table) Chdir(ctx context.Context, p *proc.Proc, path string) error {
	return t.locked(ctx, "chdir", func() error { return p.Files.Chdir(ctx, path) })
}

func (t *Table) Mkdir(ctx context.Context, p *proc.Proc, path string) error {
	return t.locked(ctx, "mkdir", func() error { return p.Files.Mkdir(ctx, path) })
}

func (t *Table) Rmdir(ctx context.Context, p *proc.Proc, path string) error {
	return t.locked(ctx, "rmdir", func() error { return p.Files.Rmdir(ctx, path) })
}

func (t *Table) Unlink(ctx context.Context, p *proc.Proc, path string) error {
	return t.locked(ctx, "unlink", func() error { return p.Files.Unlink(ctx, path) })
}

func (t *Table) Link(ctx context.Context, p *proc.Proc, from, to string) error {
	return t.locked(ctx, "link", func() error { return p.Files.Link(ctx, from, to) })
}

func (t *Table) Rename(ctx context.Context, p *proc.Proc, from, to string) error {
	return t.locked(ctx, "rename", func() error { return p.Files.Rename(ctx, from, to) })
}

func (t *Table) Mknod(ctx context.Context, p *proc.Proc, path string, mode vfs.Mode, devid uint32) error {
	return t.locked(ctx, "mknod", func() error { return p.Files.Mknod(ctx, path, mode, devid) })
}

func (t *Table) Getdent(ctx context.Context, p *proc.Proc, fd vfs.FD) (*vfs.Dirent, error) {
	var d *vfs.Dirent
	err := t.locked(ctx, "getdent", func() error {
		var e error
		d, e = p.Files.Getdent(ctx, fd)
		return e
	})
	return d, err
}

// Mmap maps npages pages of fd (or, when flags has MapAnon, an
// anonymous mapping, with fd ignored) into p's address space at the
// first fit, returning the first mapped virtual page number.
func (t *Table) Mmap(ctx context.Context, p *proc.Proc, fd vfs.FD, npages uint32, prot vmmap.Prot, flags vmmap.Flags, off uint64) (uint32, error) {
	var lopage uint32
	err := t.locked(ctx, "mmap", func() error {
		if npages == 0 {
			return kerrno.InvalidArgument
		}
		if shared, private := flags&vmmap.MapShared != 0, flags&vmmap.MapPrivate != 0; shared == private {
			return kerrno.InvalidArgument
		}
		var filler vmmap.Filler
		if flags&vmmap.MapAnon == 0 {
			f, e := p.Files.FDs.Get(fd)
			if e != nil {
				return e
			}
			filler = f
		}
		area, e := p.VM.Map(ctx, p.Cache(), filler, 0, npages, prot, flags, off)
		if e != nil {
			return e
		}
		lopage = area.Start
		return nil
	})
	return lopage, err
}

// Munmap unmaps [vfn, vfn+npages); areas partially covered are
// shortened or split rather than dropped whole.
func (t *Table) Munmap(ctx context.Context, p *proc.Proc, vfn, npages uint32) error {
	return t.locked(ctx, "munmap", func() error { return p.VM.Remove(vfn, npages) })
}

// Fork implements the fork syscall: allocate the child in the process
// table, duplicate the address space and descriptor table via
// internal/proc.Fork, and return the child process to the parent and 0
// to the child's own eventual syscall-return trap frame (modeled by
// the child thread's TrapFrame.SyscallReturn, not by this call's own
// return value, which always reports the child process to the caller —
// a real syscall dispatcher reads the thread's own SyscallReturn when
// resuming, rather than branching here).
func (t *Table) Fork(ctx context.Context, p *proc.Proc, name string) (*proc.Proc, error) {
	var child *proc.Proc
	err := t.locked(ctx, "fork", func() error {
		var e error
		child, e = p.Fork(t.Procs, name)
		return e
	})
	return child, err
}

// Waitpid polls for a reapable child under the BKL but releases it
// before sleeping — blocking on a child's exit is a suspension point,
// and the child needs the lock to run its own exit syscall. A canceled
// context while blocked surfaces as INTERRUPTED.
func (t *Table) Waitpid(ctx context.Context, p *proc.Proc, pid procTable.PID, nohang bool) (procTable.PID, int, error) {
	for {
		w := p.ExitWaiter()

		t.BKL.Acquire()
		start := t.Clk.Now()
		rpid, status, err := p.Wait(ctx, pid, true)
		t.Met.SyscallLatencyMS(ctx, "waitpid", float64(t.Clk.Now().Sub(start).Microseconds())/1000)
		t.BKL.Release()

		if err != nil || rpid != 0 {
			w.Cancel()
			return rpid, status, err
		}
		if nohang {
			w.Cancel()
			return 0, 0, nil
		}

		if werr := w.Wait(ctx); werr != nil {
			return 0, 0, kerrno.Wrap(kerrno.Interrupted, "waitpid", werr)
		}
	}
}

// PageFault is the fault-side kernel entry: resolve the fault through
// the process's address space, and on an access violation kill the
// process — its parent observes StatusFault through waitpid.
func (t *Table) PageFault(ctx context.Context, p *proc.Proc, vfn uint32, forWrite bool) (*pframe.Frame, error) {
	t.BKL.Acquire()
	defer t.BKL.Release()

	f, err := p.HandleFault(ctx, vfn, forWrite)
	if err != nil {
		if errors.Is(err, kerrno.Fault) {
			klog.For("syscall").Infow("killing process on access violation", "pid", p.PID(), "page", vfn)
			p.Exit(proc.StatusFault)
		}
		return nil, err
	}
	return f, nil
}

func (t *Table) Exit(ctx context.Context, p *proc.Proc, status int) error {
	return t.locked(ctx, "exit", func() error {
		p.Exit(status)
		return nil
	})
}

func (t *Table) Getpid(p *proc.Proc) procTable.PID { return p.PID() }

// Halt shuts the whole simulated kernel down: every still-running
// process is force-exited so a waiting parent's waitpid unblocks
// rather than hanging forever.
func (t *Table) Halt(ctx context.Context, procs []*proc.Proc) {
	t.BKL.Acquire()
	defer t.BKL.Release()
	klog.For("syscall").Infow("halt", "procs", len(procs))
	for _, p := range procs {
		if p.State() == procTable.Running {
			p.Exit(0)
		}
	}
}
