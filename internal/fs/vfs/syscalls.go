package vfs

import (
	"context"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
)

// Process is the VFS-relevant slice of a process: its descriptor table,
// its current working directory, and the global root it shares with
// every other process. Each syscall below follows the same shape:
// resolve, check capabilities, call into the vnode op, release every
// vnode acquired on every exit path.
type Process struct {
	FDs  *FDTable
	Root *Vnode
	Cwd  *Vnode

	// Devs resolves device ids on device-special files. May be nil on a
	// system with no drivers registered, in which case opening a device
	// node fails.
	Devs DevResolver
}

// NewProcess creates a process rooted at root, with cwd starting at
// root as well.
func NewProcess(root *Vnode) *Process {
	return &Process{FDs: NewFDTable(), Root: root.Ref(), Cwd: root.Ref()}
}

func validateOpenFlags(flags OpenFlags) error {
	if flags&^(ORead|OWrite|OAppend|OCreate) != 0 {
		return kerrno.InvalidArgument
	}
	if flags&(ORead|OWrite) == 0 {
		return kerrno.InvalidArgument
	}
	return nil
}

// Open resolves path, creating it if flags has OCreate and it is
// missing, and installs a fresh File into a reserved descriptor. A
// device-special file is bound to its driver here, once.
func (p *Process) Open(ctx context.Context, path string, flags OpenFlags) (FD, error) {
	if err := validateOpenFlags(flags); err != nil {
		return -1, err
	}

	fd, err := p.FDs.Reserve()
	if err != nil {
		return -1, err
	}

	vn, err := OpenNamev(ctx, path, flags, nil, p.Root, p.Cwd)
	if err != nil {
		return -1, err
	}

	if vn.IsDir() && flags&OWrite != 0 {
		vn.Put()
		return -1, kerrno.IsDirectory
	}

	f := newFile(vn, flags)
	if vn.Stat().Mode == ModeChr {
		var dev CharDev
		ok := false
		if p.Devs != nil {
			dev, ok = p.Devs.CharDev(vn.DevID())
		}
		if !ok {
			f.Put()
			return -1, kerrno.NoEntry
		}
		f.dev = dev
	}
	p.FDs.Install(fd, f)
	return fd, nil
}

// Read reads from fd at its current offset; reading a directory is
// rejected.
func (p *Process) Read(ctx context.Context, fd FD, buf []byte) (int, error) {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return 0, err
	}
	if f.Vn.IsDir() {
		return 0, kerrno.IsDirectory
	}
	return f.Read(ctx, buf)
}

// Write writes to fd at its current offset (or end-of-file under
// APPEND).
func (p *Process) Write(ctx context.Context, fd FD, buf []byte) (int, error) {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(ctx, buf)
}

// Close drops fd's reference to its File.
func (p *Process) Close(fd FD) error {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return err
	}
	p.FDs.Clear(fd)
	f.Put()
	return nil
}

// Dup duplicates fd onto the lowest free descriptor.
func (p *Process) Dup(fd FD) (FD, error) {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return -1, err
	}
	nfd, err := p.FDs.Reserve()
	if err != nil {
		return -1, err
	}
	p.FDs.Install(nfd, f.Ref())
	return nfd, nil
}

// Dup2 makes nfd refer to whatever ofd does.
func (p *Process) Dup2(ofd, nfd FD) error {
	return p.FDs.Dup2(ofd, nfd)
}

// Lseek repositions fd's offset.
func (p *Process) Lseek(fd FD, off int64, whence Whence) (int64, error) {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return 0, err
	}
	return f.Lseek(off, whence)
}

// Getdent returns the directory entry at fd's current position and
// advances the position by one entry; at end of directory it returns a
// nil entry and a nil error.
func (p *Process) Getdent(ctx context.Context, fd FD) (*Dirent, error) {
	f, err := p.FDs.Get(fd)
	if err != nil {
		return nil, err
	}
	if !f.Vn.IsDir() {
		return nil, kerrno.NotADirectory
	}

	entries, err := f.Vn.back.Readdir(ctx)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	idx := f.Pos
	f.mu.Unlock()
	if idx < 0 || int(idx) >= len(entries) {
		return nil, nil
	}

	f.mu.Lock()
	f.Pos++
	f.mu.Unlock()
	d := entries[idx]
	return &d, nil
}

// Stat resolves path and returns its metadata, including the count of
// blocks actually allocated (holes excluded).
func (p *Process) Stat(ctx context.Context, path string) (StatInfo, error) {
	vn, err := OpenNamev(ctx, path, ORead, nil, p.Root, p.Cwd)
	if err != nil {
		return StatInfo{}, err
	}
	defer vn.Put()

	info := vn.Stat()
	blocks, err := vn.back.CountBlocks(ctx)
	if err != nil {
		return StatInfo{}, err
	}
	info.Blocks = blocks
	return info, nil
}

// Chdir replaces the process's cwd with the directory at path.
func (p *Process) Chdir(ctx context.Context, path string) error {
	vn, err := OpenNamev(ctx, path, ORead, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	if !vn.IsDir() {
		vn.Put()
		return kerrno.NotADirectory
	}
	old := p.Cwd
	p.Cwd = vn
	old.Put()
	return nil
}

// Mkdir creates a new, empty directory at path.
func (p *Process) Mkdir(ctx context.Context, path string) error {
	parent, name, err := DirNamev(ctx, path, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer parent.Put()

	back, err := parent.back.Mkdir(ctx, name)
	if err != nil {
		return err
	}
	back.Release(ctx)
	return nil
}

// Rmdir removes the empty directory at path.
func (p *Process) Rmdir(ctx context.Context, path string) error {
	parent, name, err := DirNamev(ctx, path, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer parent.Put()
	return parent.back.Rmdir(ctx, name)
}

// Unlink removes the name at path, reclaiming its inode once both the
// directory entry and every vnode reference are gone.
func (p *Process) Unlink(ctx context.Context, path string) error {
	parent, name, err := DirNamev(ctx, path, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer parent.Put()

	vn, err := Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	if vn.IsDir() {
		vn.Put()
		return kerrno.IsDirectory
	}
	vn.Put()

	return parent.back.Unlink(ctx, name)
}

// Link creates a new name "to" for the same inode as "from". Rejects
// ALREADY_EXISTS if "to" already names something.
func (p *Process) Link(ctx context.Context, from, to string) error {
	src, err := OpenNamev(ctx, from, ORead, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer src.Put()

	if src.IsDir() {
		return kerrno.Permission
	}

	parent, name, err := DirNamev(ctx, to, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer parent.Put()

	if existing, lerr := Lookup(ctx, parent, name); lerr == nil {
		existing.Put()
		return kerrno.AlreadyExists
	}

	return parent.back.Link(ctx, src.back, name)
}

// Rename implements rename as link-then-unlink. Deliberately not
// atomic: a crash between the two steps can leave both names linked
// (see DESIGN.md).
func (p *Process) Rename(ctx context.Context, from, to string) error {
	if err := p.Link(ctx, from, to); err != nil {
		return err
	}
	return p.Unlink(ctx, from)
}

// Mknod creates a device special file at path.
func (p *Process) Mknod(ctx context.Context, path string, mode Mode, devid uint32) error {
	if mode != ModeChr && mode != ModeBlk {
		return kerrno.InvalidArgument
	}
	parent, name, err := DirNamev(ctx, path, nil, p.Root, p.Cwd)
	if err != nil {
		return err
	}
	defer parent.Put()

	if existing, lerr := Lookup(ctx, parent, name); lerr == nil {
		existing.Put()
		return kerrno.AlreadyExists
	}

	back, err := parent.back.Mknod(ctx, name, mode, devid)
	if err != nil {
		return err
	}
	back.Release(ctx)
	return nil
}

// Exit releases every resource this process holds: every open
// descriptor, cwd, and root.
func (p *Process) Exit() {
	p.FDs.CloseAll()
	p.Cwd.Put()
	p.Root.Put()
}
