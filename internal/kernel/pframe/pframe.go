// Package pframe is the page-frame cache: Get(obj, pageno) -> frame, with
// pin, dirty, clean, and writeback hooks. Every MMO variant
// (internal/vm/mmo) and the S5 filesystem's block I/O (internal/fs/s5fs)
// go through this cache so that "a page of a file" and "a page of a
// block device" are the same kind of object from the rest of the
// kernel's point of view.
package pframe

import (
	"context"
	"fmt"
	"sync"
)

// PageSize matches blockdev.BlockSize: one frame holds exactly one disk
// block's worth of data.
const PageSize = 4096

// Source is anything pframe can fill a page from and write a dirtied page
// back to. MMOs and the S5 inode layer implement this.
type Source interface {
	// ID uniquely identifies this source for the lifetime of the process;
	// frames are cached per (ID, pageno).
	ID() uint64
	FillPage(ctx context.Context, pageno uint64, buf []byte) error
	WritePage(ctx context.Context, pageno uint64, buf []byte) error
}

// Frame is one resident page. Data is exactly PageSize bytes.
type Frame struct {
	Data   []byte
	objID  uint64
	pageno uint64

	mu    sync.Mutex
	pins  int
	dirty bool
}

func (f *Frame) Pageno() uint64 { return f.pageno }

// Pin increments the frame's pin count; every Pin must be matched by an
// Unpin on every exit path.
func (f *Frame) Pin() {
	f.mu.Lock()
	f.pins++
	f.mu.Unlock()
}

func (f *Frame) Unpin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pins <= 0 {
		panic("pframe: Unpin without matching Pin")
	}
	f.pins--
}

func (f *Frame) Pinned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins > 0
}

// Dirty marks the frame as needing writeback.
func (f *Frame) Dirty() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

func (f *Frame) IsDirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

type key struct {
	objID  uint64
	pageno uint64
}

// Cache is the system-wide page-frame cache, keyed by (object, page
// number). It is deliberately simple: frames are never evicted, only
// cleaned; what matters here is the pin/dirty/writeback contract the
// rest of the kernel relies on, not an eviction policy.
type Cache struct {
	mu     sync.Mutex
	frames map[key]*Frame
}

// New creates an empty page-frame cache.
func New() *Cache {
	return &Cache{frames: make(map[key]*Frame)}
}

// Get returns the resident frame for (src, pageno), filling it via
// src.FillPage if it was not already resident. The caller receives the
// frame already pinned exactly once by this call; FillPage is a
// suspension point and may block on I/O.
func (c *Cache) Get(ctx context.Context, src Source, pageno uint64) (*Frame, error) {
	k := key{objID: src.ID(), pageno: pageno}

	c.mu.Lock()
	f, ok := c.frames[k]
	if ok {
		c.mu.Unlock()
		f.Pin()
		return f, nil
	}
	c.mu.Unlock()

	data := make([]byte, PageSize)
	if err := src.FillPage(ctx, pageno, data); err != nil {
		return nil, fmt.Errorf("pframe: fill page %d: %w", pageno, err)
	}

	nf := &Frame{Data: data, objID: k.objID, pageno: pageno}

	c.mu.Lock()
	if existing, ok := c.frames[k]; ok {
		// Lost a race to fill the same page; use the winner.
		c.mu.Unlock()
		existing.Pin()
		return existing, nil
	}
	c.frames[k] = nf
	c.mu.Unlock()

	nf.Pin()
	return nf, nil
}

// Writeback cleans a single dirty frame via src.WritePage, clearing the
// dirty bit on success.
func (c *Cache) Writeback(ctx context.Context, src Source, f *Frame) error {
	if !f.IsDirty() {
		return nil
	}
	if err := src.WritePage(ctx, f.pageno, f.Data); err != nil {
		return fmt.Errorf("pframe: writeback page %d: %w", f.pageno, err)
	}
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
	return nil
}

// Forget drops a frame from the cache entirely, for use by an object's
// teardown path once it knows no VMA/vnode still refers to the page (e.g.
// mmo.Anon.put once refcount == resident-page count). The frame must be
// unpinned; forgetting a pinned frame is a bug in the caller.
func (c *Cache) Forget(src Source, pageno uint64) {
	k := key{objID: src.ID(), pageno: pageno}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[k]; ok {
		if f.Pinned() {
			panic("pframe: Forget on a pinned frame")
		}
		delete(c.frames, k)
	}
}

// Lookup returns the frame for (src, pageno) without filling or pinning
// it, or (nil, false) if not resident. Used by shadow MMOs to test
// ancestors for an already-resident page without forcing a fill.
func (c *Cache) Lookup(src Source, pageno uint64) (*Frame, bool) {
	k := key{objID: src.ID(), pageno: pageno}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[k]
	return f, ok
}
