// Package s5vfs is the glue between the filesystem-independent VFS core
// (internal/fs/vfs) and the S5 on-disk filesystem (internal/fs/s5fs):
// the concrete vnode operations table S5 exposes to the VFS.
package s5vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/vm/mmo"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

// Filesystem adapts *s5fs.FS to vfs.FileSystem.
type Filesystem struct {
	fs *s5fs.FS
}

// New wraps fs for use as a vfs.FileSystem.
func New(fs *s5fs.FS) *Filesystem { return &Filesystem{fs: fs} }

func (f *Filesystem) Name() string { return f.fs.Name() }

func (f *Filesystem) Root(ctx context.Context) (vfs.Backing, error) {
	return f.VGet(ctx, f.fs.RootIno())
}

func (f *Filesystem) VGet(ctx context.Context, ino uint32) (vfs.Backing, error) {
	vn, err := f.fs.GetVnode(ctx, ino)
	if err != nil {
		return nil, translate(err)
	}
	return &backing{fs: f.fs, vn: vn}, nil
}

func (f *Filesystem) Unmount(ctx context.Context) error {
	return f.fs.Unmount(ctx)
}

// backing adapts *s5fs.Vnode to vfs.Backing.
type backing struct {
	fs *s5fs.FS
	vn *s5fs.Vnode
}

func modeOf(t s5fs.InodeType) vfs.Mode {
	switch t {
	case s5fs.TypeDir:
		return vfs.ModeDir
	case s5fs.TypeChr:
		return vfs.ModeChr
	case s5fs.TypeBlk:
		return vfs.ModeBlk
	default:
		return vfs.ModeRegular
	}
}

func s5ModeOf(m vfs.Mode) s5fs.InodeType {
	switch m {
	case vfs.ModeDir:
		return s5fs.TypeDir
	case vfs.ModeChr:
		return s5fs.TypeChr
	case vfs.ModeBlk:
		return s5fs.TypeBlk
	default:
		return s5fs.TypeData
	}
}

func (b *backing) Stat() vfs.StatInfo {
	return vfs.StatInfo{
		Ino:       b.vn.Number(),
		Mode:      modeOf(b.vn.Type()),
		Size:      b.vn.SizeBytes(),
		DevID:     b.vn.Devid(),
		LinkCount: b.vn.LinkCount(),
	}
}

func (b *backing) ReadAt(ctx context.Context, off int64, buf []byte) (int, error) {
	n, err := b.vn.ReadFile(ctx, off, buf)
	return n, translate(err)
}

func (b *backing) WriteAt(ctx context.Context, off int64, buf []byte) (int, error) {
	if off >= s5fs.MaxFileSize {
		return 0, kerrno.InvalidArgument
	}
	n, err := b.vn.WriteFile(ctx, off, buf)
	return n, translate(err)
}

func (b *backing) Readdir(ctx context.Context) ([]vfs.Dirent, error) {
	ents, err := b.vn.Readdir(ctx)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]vfs.Dirent, len(ents))
	for i, e := range ents {
		out[i] = vfs.Dirent{Name: e.Name, Ino: e.Inode}
	}
	return out, nil
}

func (b *backing) Lookup(ctx context.Context, name string) (uint32, error) {
	ino, err := b.vn.FindDirent(ctx, name)
	return ino, translate(err)
}

func (b *backing) Create(ctx context.Context, name string) (vfs.Backing, error) {
	if len(name) > s5fs.MaxNameLen-1 {
		return nil, kerrno.NameTooLong
	}
	child, err := b.vn.Create(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	return &backing{fs: b.fs, vn: child}, nil
}

func (b *backing) Mknod(ctx context.Context, name string, mode vfs.Mode, devid uint32) (vfs.Backing, error) {
	if len(name) > s5fs.MaxNameLen-1 {
		return nil, kerrno.NameTooLong
	}
	child, err := b.vn.Mknod(ctx, name, s5ModeOf(mode), devid)
	if err != nil {
		return nil, translate(err)
	}
	return &backing{fs: b.fs, vn: child}, nil
}

func (b *backing) Mkdir(ctx context.Context, name string) (vfs.Backing, error) {
	if len(name) > s5fs.MaxNameLen-1 {
		return nil, kerrno.NameTooLong
	}
	child, err := b.vn.Mkdir(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	return &backing{fs: b.fs, vn: child}, nil
}

func (b *backing) Rmdir(ctx context.Context, name string) error {
	return translate(b.vn.Rmdir(ctx, name))
}

func (b *backing) Link(ctx context.Context, child vfs.Backing, name string) error {
	cb, ok := child.(*backing)
	if !ok {
		return fmt.Errorf("s5vfs: Link: child from a different filesystem")
	}
	return translate(b.vn.Link(ctx, cb.vn, name))
}

func (b *backing) Unlink(ctx context.Context, name string) error {
	return translate(b.vn.RemoveDirent(ctx, name))
}

func (b *backing) HasOtherLinks() bool {
	return b.vn.LinkCount() > 1
}

func (b *backing) CountBlocks(ctx context.Context) (uint32, error) {
	n, err := b.vn.CountBlocks(ctx)
	return n, translate(err)
}

// Mmap hands out the vnode's one memory object unreferenced; the
// mapping layer refs it (and, for MAP_PRIVATE, wraps it in a shadow)
// itself.
func (b *backing) Mmap(ctx context.Context, prot vmmap.Prot, flags vmmap.Flags) (mmo.Object, error) {
	return b.vn.Obj(), nil
}

func (b *backing) Release(context.Context) {
	b.vn.Put()
}

// translate maps s5fs's plain sentinel errors onto the VFS's closed
// kerrno set; errors s5fs didn't specifically classify pass through
// unchanged so callers still see the underlying cause.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, s5fs.ErrNotFound):
		return kerrno.NoEntry
	case errors.Is(err, s5fs.ErrExists):
		return kerrno.AlreadyExists
	case errors.Is(err, s5fs.ErrNotEmpty):
		return kerrno.NotEmpty
	case errors.Is(err, s5fs.ErrNoSpace):
		return kerrno.NoSpace
	case errors.Is(err, s5fs.ErrInvalid):
		return kerrno.InvalidArgument
	}
	return err
}
