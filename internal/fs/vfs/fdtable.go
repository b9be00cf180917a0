package vfs

import (
	"sync"

	"github.com/weenixfs/kernel/internal/kernel/kerrno"
)

// MaxFD is the fixed size of a process's file-descriptor table.
const MaxFD = 256

// FD is a process-local file descriptor.
type FD int

// FDTable is a fixed-size array of open-file references indexed by small
// non-negative integers; unused slots are nil.
type FDTable struct {
	mu    sync.Mutex
	slots [MaxFD]*File
}

// NewFDTable creates an empty descriptor table.
func NewFDTable() *FDTable { return &FDTable{} }

// Reserve finds an empty slot and returns it without installing
// anything, so callers can build the File object and fail out cleanly
// before committing it with Install.
func (t *FDTable) Reserve() (FD, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			return FD(i), nil
		}
	}
	return -1, kerrno.TooManyFiles
}

// Install places f into fd, which must have come from Reserve and still
// be empty.
func (t *FDTable) Install(fd FD, f *File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[fd] = f
}

// Get returns the File at fd, or BadFD if the slot is empty or out of
// range.
func (t *FDTable) Get(fd FD) (*File, error) {
	if fd < 0 || int(fd) >= MaxFD {
		return nil, kerrno.BadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.slots[fd]
	if f == nil {
		return nil, kerrno.BadFD
	}
	return f, nil
}

// Clear empties fd and returns the File that was there, or nil if it was
// already empty. The caller is responsible for Put-ing the returned File.
func (t *FDTable) Clear(fd FD) *File {
	if fd < 0 || int(fd) >= MaxFD {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.slots[fd]
	t.slots[fd] = nil
	return f
}

// Dup2 makes nfd an additional reference to whatever ofd refers to,
// closing whatever nfd previously held. Dup2(fd, fd) is a no-op success.
func (t *FDTable) Dup2(ofd, nfd FD) error {
	if ofd == nfd {
		if _, err := t.Get(ofd); err != nil {
			return err
		}
		return nil
	}
	src, err := t.Get(ofd)
	if err != nil {
		return err
	}
	if nfd < 0 || int(nfd) >= MaxFD {
		return kerrno.BadFD
	}

	src.Ref()
	old := t.Clear(nfd)
	t.Install(nfd, src)
	if old != nil {
		old.Put()
	}
	return nil
}

// Clone duplicates every occupied slot into a fresh table with one
// additional reference per File, for fork's file-descriptor-table
// duplication step.
func (t *FDTable) Clone() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &FDTable{}
	for i, f := range t.slots {
		if f != nil {
			out.slots[i] = f.Ref()
		}
	}
	return out
}

// CloseAll closes every occupied slot, for process exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	files := t.slots
	t.slots = [MaxFD]*File{}
	t.mu.Unlock()

	for _, f := range files {
		if f != nil {
			f.Put()
		}
	}
}
