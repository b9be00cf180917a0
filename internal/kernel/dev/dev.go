// Package dev implements the character-device layer: device-id
// encoding, the driver registry the VFS binds device-special files
// against, the memory devices (null, zero), and the terminal driver
// that feeds reads through the line discipline.
package dev

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/tty"
)

// Device majors. Major 1 is the memory devices, major 2 the terminals.
const (
	MemMajor = 1
	TTYMajor = 2
)

// Memory-device minors under MemMajor.
const (
	NullMinor = 0
	ZeroMinor = 1
)

// ID packs a major/minor pair into the single device id a device inode
// stores.
func ID(major, minor uint8) uint32 {
	return uint32(major)<<8 | uint32(minor)
}

// Major extracts the driver class from a device id.
func Major(devid uint32) uint8 { return uint8(devid >> 8) }

// Minor extracts the instance number from a device id.
func Minor(devid uint32) uint8 { return uint8(devid) }

// Registry maps device ids to their drivers and satisfies
// vfs.DevResolver, so a process wired to it can open device nodes.
type Registry struct {
	mu   sync.Mutex
	devs map[uint32]vfs.CharDev
}

// NewRegistry creates an empty registry with no drivers bound.
func NewRegistry() *Registry {
	return &Registry{devs: make(map[uint32]vfs.CharDev)}
}

// Register binds devid to d, replacing any previous binding.
func (r *Registry) Register(devid uint32, d vfs.CharDev) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs[devid] = d
}

// CharDev resolves devid to its driver.
func (r *Registry) CharDev(devid uint32) (vfs.CharDev, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devs[devid]
	return d, ok
}

// RegisterMemDevs binds the standard memory devices: null at
// (MemMajor, NullMinor), zero at (MemMajor, ZeroMinor).
func (r *Registry) RegisterMemDevs() {
	r.Register(ID(MemMajor, NullMinor), Null{})
	r.Register(ID(MemMajor, ZeroMinor), Zero{})
}

// Null is the null device: reads hit immediate EOF, writes are
// swallowed whole.
type Null struct{}

var _ vfs.CharDev = Null{}

func (Null) Read(context.Context, []byte) (int, error) { return 0, nil }

func (Null) Write(_ context.Context, buf []byte) (int, error) { return len(buf), nil }

// Zero is the zero device: reads fill the buffer with zero bytes,
// writes are swallowed like null's.
type Zero struct{}

var _ vfs.CharDev = Zero{}

func (Zero) Read(_ context.Context, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (Zero) Write(_ context.Context, buf []byte) (int, error) { return len(buf), nil }

// TTY is one terminal: a line discipline between the raw input source
// and readers, and an output sink writes are echoed to.
type TTY struct {
	ldisc *tty.Discipline

	mu  sync.Mutex
	out io.Writer
}

var _ vfs.CharDev = (*TTY)(nil)

// NewTTY creates a terminal writing its output to out (nil discards
// output).
func NewTTY(out io.Writer) *TTY {
	return &TTY{ldisc: tty.New(), out: out}
}

// Discipline exposes the line discipline so a driver (or test) can
// inject incoming characters with ReceiveChar.
func (t *TTY) Discipline() *tty.Discipline { return t.ldisc }

// Read blocks until the line discipline has a cooked line (or raw
// bytes, in raw mode). A canceled context surfaces as INTERRUPTED, the
// cancellation indication a blocked reader is woken with.
func (t *TTY) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := t.ldisc.Read(ctx, buf)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, kerrno.Wrap(kerrno.Interrupted, "tty read", err)
		}
		return 0, err
	}
	return n, nil
}

// Write sends buf to the terminal's output, newline-expanding each
// character the way the line discipline's echo path does.
func (t *TTY) Write(_ context.Context, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return len(buf), nil
	}
	for _, c := range buf {
		if _, err := io.WriteString(t.out, tty.ProcessChar(c)); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}
