// Package vfs implements the filesystem-independent core: vnodes, path
// resolution, open files, per-process descriptor tables, and the
// syscall-level operations that combine them. A concrete filesystem
// (internal/fs/s5vfs wrapping internal/fs/s5fs) supplies a Backing
// implementation per vnode — an operation table expressed as a plain
// Go interface rather than a struct of function pointers, with the
// object carrying both its state and its operations.
package vfs

import (
	"context"
	"sync"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/refcount"
	"github.com/weenixfs/kernel/internal/vm/mmo"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

// Mode distinguishes what kind of object a vnode addresses.
type Mode int

const (
	ModeRegular Mode = iota
	ModeDir
	ModeChr
	ModeBlk
)

// NameMax is the longest single path component accepted by path
// resolution, matching s5fs.MaxNameLen - 1 (one byte reserved for the
// NUL terminator of the on-disk name field).
const NameMax = 59

// Dirent is one directory entry as returned by Backing.Readdir/getdent.
type Dirent struct {
	Name string
	Ino  uint32
}

// StatInfo is the filesystem-independent metadata `stat` returns.
// Blocks is only populated by the stat syscall path, which has the
// context needed to walk the inode's block pointers.
type StatInfo struct {
	Ino       uint32
	Mode      Mode
	Size      int64
	DevID     uint32
	LinkCount uint32
	Blocks    uint32
}

// Backing is the operation table a concrete filesystem implements per
// in-core inode: lookups, mutations, data I/O, and the mmap hook vmmap
// uses to build a file-backed memory object.
type Backing interface {
	Stat() StatInfo

	// CountBlocks reports how many data blocks are actually allocated,
	// so stat can distinguish a sparse file from a dense one.
	CountBlocks(ctx context.Context) (uint32, error)

	ReadAt(ctx context.Context, off int64, buf []byte) (int, error)
	WriteAt(ctx context.Context, off int64, buf []byte) (int, error)

	Readdir(ctx context.Context) ([]Dirent, error)
	Lookup(ctx context.Context, name string) (uint32, error)

	Create(ctx context.Context, name string) (Backing, error)
	Mknod(ctx context.Context, name string, mode Mode, devid uint32) (Backing, error)
	Mkdir(ctx context.Context, name string) (Backing, error)
	Rmdir(ctx context.Context, name string) error
	Link(ctx context.Context, child Backing, name string) error
	Unlink(ctx context.Context, name string) error

	// HasOtherLinks reports whether any on-disk directory entry still
	// references this inode (link count > 1).
	HasOtherLinks() bool

	Mmap(ctx context.Context, prot vmmap.Prot, flags vmmap.Flags) (mmo.Object, error)

	// Release is called exactly once, when the owning Vnode's refcount
	// reaches zero: the filesystem-specific teardown (decrementing the
	// on-disk link count, freeing the inode if it hits zero).
	Release(ctx context.Context)
}

// FileSystem is a mounted filesystem: the factory for vnodes by inode
// number.
type FileSystem interface {
	Name() string
	Root(ctx context.Context) (Backing, error)
	VGet(ctx context.Context, ino uint32) (Backing, error)
	Unmount(ctx context.Context) error
}

// Vnode is the VFS-level handle for a filesystem object. Path
// resolution wraps a fresh Vnode around each Backing it resolves, so
// several Vnodes can name the same inode; each keeps its own count and
// releases its Backing when that count reaches zero.
type Vnode struct {
	FS   FileSystem
	back Backing
	ref  *refcount.Counter

	mu sync.Mutex
}

func wrap(ctx context.Context, fs FileSystem, back Backing) *Vnode {
	vn := &Vnode{FS: fs, back: back}
	vn.ref = refcount.New(func() { back.Release(ctx) })
	return vn
}

// NewVnode wraps an already-resolved Backing (e.g. from
// FileSystem.Root or FileSystem.VGet) as a freshly referenced Vnode.
// Exported for callers bootstrapping a process's initial root/cwd
// vnode outside of path resolution.
func NewVnode(ctx context.Context, fs FileSystem, back Backing) *Vnode {
	return wrap(ctx, fs, back)
}

// Ref adds one reference to vn and returns vn, for chaining at call
// sites that hand the same vnode to two owners.
func (vn *Vnode) Ref() *Vnode {
	vn.ref.Ref()
	return vn
}

// Put drops one reference, releasing the underlying inode through
// Backing.Release the moment the count reaches zero.
func (vn *Vnode) Put() {
	vn.ref.Put()
}

func (vn *Vnode) Stat() StatInfo { return vn.back.Stat() }

// HasOtherLinks reports whether any on-disk directory entry other than
// this live vnode's own VFS-held reference still names the inode,
// i.e. whether its link count exceeds 1.
func (vn *Vnode) HasOtherLinks() bool { return vn.back.HasOtherLinks() }

func (vn *Vnode) IsDir() bool   { return vn.back.Stat().Mode == ModeDir }
func (vn *Vnode) IsDev() bool   { m := vn.back.Stat().Mode; return m == ModeChr || m == ModeBlk }
func (vn *Vnode) Ino() uint32   { return vn.back.Stat().Ino }
func (vn *Vnode) Len() int64    { return vn.back.Stat().Size }
func (vn *Vnode) DevID() uint32 { return vn.back.Stat().DevID }

// Backing exposes the underlying operation table for callers (open-file
// read/write, mmap) that need to drive it directly.
func (vn *Vnode) Backing() Backing { return vn.back }

// Lookup resolves a single path component name within dir, returning a
// fresh referenced Vnode. dir must be a directory; "." and ".." are
// resolved by the underlying filesystem (root's ".." names root).
func Lookup(ctx context.Context, dir *Vnode, name string) (*Vnode, error) {
	if !dir.IsDir() {
		return nil, kerrno.NotADirectory
	}
	ino, err := dir.back.Lookup(ctx, name)
	if err != nil {
		return nil, asNoEntry(err)
	}
	back, err := dir.FS.VGet(ctx, ino)
	if err != nil {
		return nil, err
	}
	return wrap(ctx, dir.FS, back), nil
}

func asNoEntry(err error) error {
	if _, ok := kerrno.Kind(err); ok {
		return err
	}
	return kerrno.Wrap(kerrno.NoEntry, "lookup", err)
}
