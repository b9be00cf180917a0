package vfs

import (
	"context"
	"sync"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/refcount"
	"github.com/weenixfs/kernel/internal/vm/mmo"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

// File is an open-file object: a vnode reference, a byte offset, and the
// mode flags it was opened with. Created by open, duplicated by
// dup/dup2/fork, destroyed (dropping its vnode reference) when the last
// fd referring to it is closed.
type File struct {
	mu    sync.Mutex
	Vn    *Vnode
	Pos   int64
	Flags OpenFlags
	dev   CharDev
	ref   *refcount.Counter
}

func newFile(vn *Vnode, flags OpenFlags) *File {
	f := &File{Vn: vn, Flags: flags}
	f.ref = refcount.New(func() { vn.Put() })
	return f
}

// Ref adds one reference (dup/dup2/fork all share the same File).
func (f *File) Ref() *File {
	f.ref.Ref()
	return f
}

// Put drops one reference, releasing the underlying vnode when the last
// descriptor pointing at this File is closed.
func (f *File) Put() {
	f.ref.Put()
}

// Read reads up to len(buf) bytes from the file's current position,
// advancing it by the number of bytes actually read. Reading from a
// directory is rejected by the caller (vfs syscalls), not here.
func (f *File) Read(ctx context.Context, buf []byte) (int, error) {
	if f.Flags&ORead == 0 {
		return 0, kerrno.BadFD
	}
	if f.dev != nil {
		// Device files have no position; the driver decides what a
		// read yields (a terminal blocks for a line, /dev/zero fills).
		return f.dev.Read(ctx, buf)
	}
	f.mu.Lock()
	pos := f.Pos
	f.mu.Unlock()

	n, err := f.Vn.back.ReadAt(ctx, pos, buf)
	if err != nil {
		return n, err
	}
	f.mu.Lock()
	f.Pos += int64(n)
	f.mu.Unlock()
	return n, nil
}

// Write writes buf at the file's current position (or at end-of-file
// first, in APPEND mode), advancing the position by the bytes written.
func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	if f.Flags&OWrite == 0 {
		return 0, kerrno.BadFD
	}
	if f.dev != nil {
		return f.dev.Write(ctx, buf)
	}

	f.mu.Lock()
	if f.Flags&OAppend != 0 {
		f.Pos = f.Vn.Len()
	}
	pos := f.Pos
	f.mu.Unlock()

	n, err := f.Vn.back.WriteAt(ctx, pos, buf)
	if err != nil {
		return n, err
	}
	f.mu.Lock()
	f.Pos += int64(n)
	f.mu.Unlock()
	return n, nil
}

// Whence selects lseek's origin.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Lseek repositions the file's offset and returns the new value.
func (f *File) Lseek(off int64, whence Whence) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.Pos
	case SeekEnd:
		base = f.Vn.Len()
	default:
		return 0, kerrno.InvalidArgument
	}

	newPos := base + off
	if newPos < 0 {
		return 0, kerrno.InvalidArgument
	}
	f.Pos = newPos
	return newPos, nil
}

// Mmap builds a memory object backed by this file's vnode, for use by
// vmmap.Map as its vmmap.Filler.
func (f *File) Mmap(ctx context.Context, prot vmmap.Prot, flags vmmap.Flags) (mmo.Object, error) {
	return f.Vn.back.Mmap(ctx, prot, flags)
}
