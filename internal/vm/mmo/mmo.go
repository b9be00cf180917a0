// Package mmo implements the memory-object variants backing virtual
// mappings: a polymorphic source of pages. Anonymous, file-backed, and
// shadow objects are modeled as a tagged union (three concrete types
// implementing one Object interface) rather than inheritance — a shadow
// object's "resident frame or defer to an ancestor" lookup is the same
// shape as a read-only initial-content/dirtied-owned-copy split, one
// level per shadow instead of one level total.
package mmo

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

// Object is the operation table every MMO variant implements: ref, put,
// lookuppage, fillpage, dirtypage, cleanpage, plus the pframe.Source
// methods (ID/FillPage/WritePage) the page-frame cache calls back into.
type Object interface {
	pframe.Source

	// Ref adds one reference, e.g. when a VMA starts pointing at this
	// object.
	Ref()

	// Put drops one reference. Returns true if the object tore itself
	// down as a result (it must not be used again).
	Put() (destroyed bool)

	// LookupPage returns the frame backing pageno, filling it on demand.
	// forWrite distinguishes a read fault from a write fault; shadow
	// objects use it to decide whether to copy-on-write into themselves.
	LookupPage(ctx context.Context, pageno uint64, forWrite bool) (*pframe.Frame, error)

	// DirtyPage marks pageno as modified, allocating backing storage for
	// it if necessary (e.g. S5's sparse-block allocation hook).
	DirtyPage(ctx context.Context, pageno uint64) error

	// CleanPage writes pageno back to its backing store if dirty.
	CleanPage(ctx context.Context, pageno uint64) error

	// Resident reports the number of pages currently resident in this
	// object.
	Resident() int

	// RefCount reports the current reference count, for invariant
	// checks and tests.
	RefCount() int64
}

var nextID uint64

func allocID() uint64 { return atomic.AddUint64(&nextID, 1) }

// base is embedded by every concrete Object and owns the bookkeeping
// common to all three variants: an identity for the page-frame cache, a
// refcount, and the set of resident pages. Each resident page holds one
// reference on its object, so while any VMA or vnode can still reach
// the object the resident-page count stays strictly below the refcount;
// the two meeting is exactly the teardown condition.
type base struct {
	id uint64

	mu       sync.Mutex
	refcount int64
	pages    map[uint64]*pframe.Frame
	cache    *pframe.Cache
}

func newBase(cache *pframe.Cache) base {
	return base{
		id:       allocID(),
		refcount: 1,
		pages:    make(map[uint64]*pframe.Frame),
		cache:    cache,
	}
}

func (b *base) ID() uint64 { return b.id }

func (b *base) ref() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refcount <= 0 {
		panic("mmo: Ref after final Put")
	}
	b.refcount++
}

// put decrements the refcount and reports whether the object has become
// unreachable: refcount has dropped to the resident-page count, meaning
// every reference left is a page's own and no VMA or vnode still refers
// to it.
func (b *base) put() (tornDown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refcount <= 0 {
		panic("mmo: Put on already-destroyed object")
	}
	b.refcount--
	return b.refcount <= int64(len(b.pages))
}

func (b *base) resident() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

func (b *base) refCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refcount
}

func (b *base) checkInvariants() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refcount > 0 && int64(len(b.pages)) >= b.refcount {
		panic("mmo: resident-page count reached refcount on a live object")
	}
}

// getOrFill returns the resident frame for pageno, filling it via the
// page-frame cache if not already present, and records it in the
// resident set. A newly resident page takes one reference on the
// object. The caller must not hold b.mu.
func (b *base) getOrFill(ctx context.Context, src pframe.Source, pageno uint64) (*pframe.Frame, error) {
	b.mu.Lock()
	if f, ok := b.pages[pageno]; ok {
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	f, err := b.cache.Get(ctx, src, pageno)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.pages[pageno]; ok {
		b.mu.Unlock()
		f.Unpin()
		return existing, nil
	}
	b.pages[pageno] = f
	b.refcount++
	b.mu.Unlock()
	b.checkInvariants()
	return f, nil
}

// forgetAll releases every resident frame during final teardown. The
// pages' own references die with the object, so the refcount is zeroed
// rather than put one at a time; any ref or put after this panics.
func (b *base) forgetAll(src pframe.Source) {
	b.mu.Lock()
	pages := b.pages
	b.pages = nil
	b.refcount = 0
	b.mu.Unlock()

	for pageno, f := range pages {
		f.Unpin()
		b.cache.Forget(src, pageno)
	}
}

func (b *base) frame(pageno uint64) (*pframe.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.pages[pageno]
	return f, ok
}
