package s5fs

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by FindDirent when name does not exist in the
// directory.
var ErrNotFound = errors.New("s5fs: no such directory entry")

// ErrExists is returned by Link when name already exists in the directory.
var ErrExists = errors.New("s5fs: directory entry already exists")

// FindDirent scans dir's entries linearly for name and returns the
// inode number it refers to.
func (dir *Vnode) FindDirent(ctx context.Context, name string) (uint32, error) {
	dir.mu.Lock()
	size := int64(dir.in.Size)
	dir.mu.Unlock()

	buf := make([]byte, direntSize)
	for off := int64(0); off < size; off += direntSize {
		n, err := dir.ReadFile(ctx, off, buf)
		if err != nil {
			return 0, err
		}
		if n != direntSize {
			return 0, fmt.Errorf("s5fs: short dirent read in inode %d", dir.in.Number)
		}
		d := decodeDirent(buf)
		if d.Name == name {
			return d.Inode, nil
		}
	}
	return 0, ErrNotFound
}

// Readdir returns every entry in dir in on-disk order.
func (dir *Vnode) Readdir(ctx context.Context) ([]Dirent, error) {
	dir.mu.Lock()
	size := int64(dir.in.Size)
	dir.mu.Unlock()

	var out []Dirent
	buf := make([]byte, direntSize)
	for off := int64(0); off < size; off += direntSize {
		n, err := dir.ReadFile(ctx, off, buf)
		if err != nil {
			return nil, err
		}
		if n != direntSize {
			return nil, fmt.Errorf("s5fs: short dirent read in inode %d", dir.in.Number)
		}
		out = append(out, decodeDirent(buf))
	}
	return out, nil
}

// Link appends a directory entry named name pointing at child's inode to
// dir's entry list, incrementing child's link count unless name is ".".
func (dir *Vnode) Link(ctx context.Context, child *Vnode, name string) error {
	if len(name) > MaxNameLen-1 {
		return fmt.Errorf("s5fs: name %q too long", name)
	}

	if _, err := dir.FindDirent(ctx, name); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	d := Dirent{Name: name, Inode: child.in.Number}
	buf := make([]byte, direntSize)
	d.encode(buf)

	dir.mu.Lock()
	end := int64(dir.in.Size)
	dir.mu.Unlock()

	if _, err := dir.WriteFile(ctx, end, buf); err != nil {
		return err
	}

	if name != "." {
		child.mu.Lock()
		child.in.LinkCount++
		err := dir.fs.writeInode(ctx, child.in)
		child.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirent deletes the entry named name from dir, compacting the
// directory file by swapping the last entry into the freed slot, and
// decrements the removed entry's inode link count — except for ".",
// whose self-link was never counted by Link in the first place.
func (dir *Vnode) RemoveDirent(ctx context.Context, name string) error {
	dir.mu.Lock()
	size := int64(dir.in.Size)
	dir.mu.Unlock()

	buf := make([]byte, direntSize)
	found := int64(-1)
	var target Dirent

	for off := int64(0); off < size; off += direntSize {
		n, err := dir.ReadFile(ctx, off, buf)
		if err != nil {
			return err
		}
		if n != direntSize {
			return fmt.Errorf("s5fs: short dirent read in inode %d", dir.in.Number)
		}
		d := decodeDirent(buf)
		if d.Name == name {
			found = off
			target = d
			break
		}
	}
	if found < 0 {
		return ErrNotFound
	}

	lastOff := size - direntSize
	if lastOff != found {
		if _, err := dir.ReadFile(ctx, lastOff, buf); err != nil {
			return err
		}
		if _, err := dir.WriteFile(ctx, found, buf); err != nil {
			return err
		}
	}

	if name != "." {
		removed, err := dir.fs.getVnode(ctx, target.Inode)
		if err != nil {
			return err
		}
		removed.mu.Lock()
		if removed.in.LinkCount > 0 {
			removed.in.LinkCount--
		}
		err = dir.fs.writeInode(ctx, removed.in)
		removed.mu.Unlock()
		removed.Put()
		if err != nil {
			return err
		}
	}

	dir.mu.Lock()
	dir.in.Size -= direntSize
	err := dir.fs.writeInode(ctx, dir.in)
	dir.mu.Unlock()
	return err
}

// Mkdir creates a new directory inode, links it into parent under name,
// and populates it with "." and ".." entries.
func (dir *Vnode) Mkdir(ctx context.Context, name string) (*Vnode, error) {
	in, err := dir.fs.allocInode(ctx, TypeDir, 0)
	if err != nil {
		return nil, err
	}

	child, err := dir.fs.getVnode(ctx, in.Number)
	if err != nil {
		return nil, err
	}

	if err := dir.Link(ctx, child, name); err != nil {
		child.Put()
		return nil, err
	}
	if err := child.Link(ctx, child, "."); err != nil {
		if rerr := dir.RemoveDirent(ctx, name); rerr != nil {
			panic(fmt.Sprintf("s5fs: mkdir rollback of %q failed: %v", name, rerr))
		}
		child.Put()
		return nil, err
	}
	if err := child.Link(ctx, dir, ".."); err != nil {
		if rerr := child.RemoveDirent(ctx, "."); rerr != nil {
			panic(fmt.Sprintf("s5fs: mkdir rollback of %q failed: %v", name, rerr))
		}
		if rerr := dir.RemoveDirent(ctx, name); rerr != nil {
			panic(fmt.Sprintf("s5fs: mkdir rollback of %q failed: %v", name, rerr))
		}
		child.Put()
		return nil, err
	}
	return child, nil
}

// ErrNotEmpty is returned by Rmdir when the target directory holds more
// than "." and "..", or is missing either of them.
var ErrNotEmpty = errors.New("s5fs: directory not empty")

// Rmdir removes the empty directory named name from dir. Reclaiming the
// child's inode, once its link count reaches zero, happens when the
// last live vnode reference to it is dropped (see FS.getVnode's
// teardown), not here.
func (dir *Vnode) Rmdir(ctx context.Context, name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("s5fs: cannot remove %q", name)
	}

	inum, err := dir.FindDirent(ctx, name)
	if err != nil {
		return err
	}
	child, err := dir.fs.getVnode(ctx, inum)
	if err != nil {
		return err
	}
	defer child.Put()

	entries, err := child.Readdir(ctx)
	if err != nil {
		return err
	}
	if len(entries) != 2 {
		return ErrNotEmpty
	}
	haveDot, haveDotDot := false, false
	for _, e := range entries {
		switch e.Name {
		case ".":
			haveDot = true
		case "..":
			haveDotDot = true
		}
	}
	if !haveDot || !haveDotDot {
		return ErrNotEmpty
	}

	// Drop the child's ".." first (releasing its hold on this
	// directory's link count), then the name itself; if the second
	// step fails, ".." is restored so the child is still well formed.
	if err := child.RemoveDirent(ctx, ".."); err != nil {
		return err
	}
	if err := dir.RemoveDirent(ctx, name); err != nil {
		if rerr := child.Link(ctx, dir, ".."); rerr != nil {
			panic(fmt.Sprintf("s5fs: rmdir rollback of %q failed: %v", name, rerr))
		}
		return err
	}
	return nil
}

// Create makes a new, empty regular-file inode and links it into dir
// under name.
func (dir *Vnode) Create(ctx context.Context, name string) (*Vnode, error) {
	in, err := dir.fs.allocInode(ctx, TypeData, 0)
	if err != nil {
		return nil, err
	}
	child, err := dir.fs.getVnode(ctx, in.Number)
	if err != nil {
		return nil, err
	}
	if err := dir.Link(ctx, child, name); err != nil {
		child.Put()
		return nil, err
	}
	return child, nil
}

// Mknod makes a new device-special inode of the given type (TypeChr or
// TypeBlk) storing devid in the inode's indirect-block slot, and links
// it into dir under name.
func (dir *Vnode) Mknod(ctx context.Context, name string, typ InodeType, devid uint32) (*Vnode, error) {
	in, err := dir.fs.allocInode(ctx, typ, devid)
	if err != nil {
		return nil, err
	}
	child, err := dir.fs.getVnode(ctx, in.Number)
	if err != nil {
		return nil, err
	}
	if err := dir.Link(ctx, child, name); err != nil {
		child.Put()
		return nil, err
	}
	return child, nil
}
