// Package proc ties the process table, virtual memory map, and
// filesystem process state into one runnable process, and implements
// fork(2) and the page-fault handler that glue vmmap and the mmo
// package together.
package proc

import (
	"context"

	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/klog"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
	"github.com/weenixfs/kernel/internal/kernel/pframe"
	procTable "github.com/weenixfs/kernel/internal/kernel/proc"
	"github.com/weenixfs/kernel/internal/kernel/thread"
	"github.com/weenixfs/kernel/internal/vm/mmo"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

// StatusFault is the exit status a process killed by an illegal memory
// access reports to its parent through waitpid.
const StatusFault = -int(kerrno.Fault)

// Proc is a complete runnable process: process-table identity, a
// single thread, an address space, and VFS-level state (descriptor
// table, cwd, root).
type Proc struct {
	*procTable.Proc
	Thread *thread.Thread
	VM     *vmmap.Map
	Files  *vfs.Process

	cache *pframe.Cache
	met   metrics.Handle
}

// New creates the first process in table, owning root as both its
// filesystem root and initial working directory, with an empty
// address space.
func New(table *procTable.Table, name string, root *vfs.Vnode, cache *pframe.Cache, met metrics.Handle) *Proc {
	if met == nil {
		met = metrics.NoOp()
	}
	return &Proc{
		Proc:   table.Create(name, nil),
		Thread: thread.NewThread(),
		VM:     vmmap.New(),
		Files:  vfs.NewProcess(root),
		cache:  cache,
		met:    met,
	}
}

// Fork duplicates the address space: the clone's areas point at the
// same backing objects with an added reference, then every MAP_PRIVATE
// area in both the parent and the child is swapped onto a fresh shadow
// so writes on either side are copy-on-write and invisible to the
// other; the file descriptor table is cloned and the child marked
// runnable. There is no real page table to unmap or TLB to flush in
// this simulated kernel; re-faulting through the new shadows happens
// naturally because every access goes through LookupPage.
func (p *Proc) Fork(table *procTable.Table, name string) (*Proc, error) {
	childVM := vmmap.New()

	for _, area := range p.VM.Areas() {
		if area.Flags&vmmap.MapPrivate == 0 {
			// MAP_SHARED: both sides keep pointing at the same object,
			// no copy-on-write needed.
			area.Obj.Ref()
			childVM.Insert(&vmmap.Area{
				Start: area.Start, End: area.End, Off: area.Off,
				Prot: area.Prot, Flags: area.Flags, Obj: area.Obj,
			})
			continue
		}

		// MAP_PRIVATE: both parent and child must see their own
		// copy-on-write view from this point forward, so both areas get
		// a fresh shadow over the same bottom object. The old shadow (if
		// any) becomes the shared parent of both new shadows.
		bottom := mmo.BottomOf(area.Obj)

		bottom.Ref()
		parentShadow := mmo.NewShadow(p.cache, area.Obj, bottom)

		bottom.Ref()
		childShadow := mmo.NewShadow(p.cache, area.Obj, bottom)

		area.Obj.Ref() // parentShadow and childShadow each hold a ref on the old top

		area.Obj = parentShadow
		childVM.Insert(&vmmap.Area{
			Start: area.Start, End: area.End, Off: area.Off,
			Prot: area.Prot, Flags: area.Flags, Obj: childShadow,
		})
	}

	child := &Proc{
		Proc:   table.Create(name, p.Proc),
		Thread: p.Thread.Fork(),
		VM:     childVM,
		Files: &vfs.Process{
			FDs:  p.Files.FDs.Clone(),
			Root: p.Files.Root.Ref(),
			Cwd:  p.Files.Cwd.Ref(),
			Devs: p.Files.Devs,
		},
		cache: p.cache,
		met:   p.met,
	}
	klog.For("proc").Debugw("fork", "parent", p.PID(), "child", child.PID())
	return child, nil
}

// HandleFault resolves the faulting virtual page to its area, rejects
// an access the area's protection bits disallow, fills (and, for a
// write fault, copy-on-write-dirties) the page, and reports the
// resident frame as the "installed mapping" — there is no real page
// table to install into in this simulated kernel.
func (p *Proc) HandleFault(ctx context.Context, vfn uint32, forWrite bool) (*pframe.Frame, error) {
	area := p.VM.Lookup(vfn)
	if area == nil {
		p.met.PageFault(ctx, "segv")
		return nil, kerrno.Wrap(kerrno.Fault, "page fault at unmapped page", nil)
	}

	if forWrite && area.Prot&vmmap.ProtWrite == 0 {
		p.met.PageFault(ctx, "protection")
		return nil, kerrno.Wrap(kerrno.Fault, "write fault on read-only area", nil)
	}
	if !forWrite && area.Prot&vmmap.ProtRead == 0 {
		p.met.PageFault(ctx, "protection")
		return nil, kerrno.Wrap(kerrno.Fault, "read fault on unreadable area", nil)
	}

	objPage := area.ObjPage(vfn)
	f, err := area.Obj.LookupPage(ctx, objPage, forWrite)
	if err != nil {
		return nil, err
	}
	if forWrite {
		if err := area.Obj.DirtyPage(ctx, objPage); err != nil {
			return nil, err
		}
	}
	p.met.PageFault(ctx, "minor")
	return f, nil
}

// Cache returns the page-frame cache new mappings in this process's
// address space should be built against.
func (p *Proc) Cache() *pframe.Cache { return p.cache }

// Exit tears down the process: the address space, every open file,
// cwd and root, and records the exit status for a parent's waitpid to
// collect.
func (p *Proc) Exit(status int) {
	p.VM.Destroy()
	p.Files.Exit()
	p.Proc.Exit(status)
	klog.For("proc").Debugw("exit", "pid", p.PID(), "status", status)
}
