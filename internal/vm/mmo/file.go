package mmo

import (
	"context"

	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

// Filler is the vnode-supplied backing store a File-backed MMO reads from
// and writes back to. Defined here, rather than depending on the vfs
// package, so that any vnode implementation (S5 or otherwise) can back a
// mapping without mmo importing vfs.
type Filler interface {
	ReadPage(ctx context.Context, pageno uint64, buf []byte) error
	WritePage(ctx context.Context, pageno uint64, buf []byte) error
}

// File is a file-backed memory object: its pages are read from and
// written back to an underlying vnode through a Filler.
type File struct {
	base
	filler Filler
}

var _ Object = (*File)(nil)

// NewFile creates a file-backed object over filler, with one reference.
func NewFile(cache *pframe.Cache, filler Filler) *File {
	return &File{base: newBase(cache), filler: filler}
}

func (f *File) Ref() { f.ref() }

func (f *File) Put() bool {
	tornDown := f.put()
	if tornDown {
		f.forgetAll(f)
	}
	return tornDown
}

func (f *File) FillPage(ctx context.Context, pageno uint64, buf []byte) error {
	return f.filler.ReadPage(ctx, pageno, buf)
}

func (f *File) WritePage(ctx context.Context, pageno uint64, buf []byte) error {
	return f.filler.WritePage(ctx, pageno, buf)
}

func (f *File) LookupPage(ctx context.Context, pageno uint64, _ bool) (*pframe.Frame, error) {
	return f.getOrFill(ctx, f, pageno)
}

// DirtyPage marks the page modified and writes it through to the
// filler. The write path is what allocates a sparse backing block, so
// dirtying a hole materializes it on disk.
func (f *File) DirtyPage(ctx context.Context, pageno uint64) error {
	fr, err := f.getOrFill(ctx, f, pageno)
	if err != nil {
		return err
	}
	fr.Dirty()
	return f.cache.Writeback(ctx, f, fr)
}

func (f *File) CleanPage(ctx context.Context, pageno uint64) error {
	fr, ok := f.frame(pageno)
	if !ok {
		return nil
	}
	return f.cache.Writeback(ctx, f, fr)
}

func (f *File) Resident() int   { return f.resident() }
func (f *File) RefCount() int64 { return f.refCount() }
