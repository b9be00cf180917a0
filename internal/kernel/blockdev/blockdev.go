// Package blockdev is the block-device collaborator pframe reads and
// writes fixed-size blocks to and from: a narrow storage interface with
// more than one backend, a local file or a cloud-object-backed image.
package blockdev

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// BlockSize is the fixed block size every device and filesystem on it
// agrees on.
const BlockSize = 4096

// Device is a random-access array of fixed-size blocks. "diskN" device
// identifiers passed to mount resolve to a Device via a Registry.
type Device interface {
	// ReadBlock reads exactly BlockSize bytes starting at block bno.
	ReadBlock(ctx context.Context, bno uint32, buf []byte) error
	// WriteBlock writes exactly BlockSize bytes starting at block bno.
	WriteBlock(ctx context.Context, bno uint32, buf []byte) error
	// NumBlocks returns the device's capacity in blocks.
	NumBlocks() uint32
	// Flush forces any buffered writes to the backing medium.
	Flush(ctx context.Context) error
	// Close releases resources held by the device.
	Close() error
}

// FileDevice backs a Device with a local file (or pre-opened *os.File),
// doing ReadAt/WriteAt directly against it.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	nblk uint32
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens (creating if necessary) a disk image at path sized
// to hold nblk blocks. If the file already exists and is larger, its
// existing block count is preserved.
func OpenFileDevice(path string, nblk uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := int64(nblk) * BlockSize
	actual := fi.Size()
	if actual > size {
		size = actual
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	blocks := uint32(size / BlockSize)
	return &FileDevice{f: f, nblk: blocks}, nil
}

func (d *FileDevice) ReadBlock(_ context.Context, bno uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("blockdev: buffer must be %d bytes", BlockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= d.nblk {
		return fmt.Errorf("blockdev: block %d out of range (%d blocks)", bno, d.nblk)
	}
	_, err := d.f.ReadAt(buf, int64(bno)*BlockSize)
	if err == io.EOF {
		err = nil
	}
	return err
}

func (d *FileDevice) WriteBlock(_ context.Context, bno uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("blockdev: buffer must be %d bytes", BlockSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= d.nblk {
		return fmt.Errorf("blockdev: block %d out of range (%d blocks)", bno, d.nblk)
	}
	_, err := d.f.WriteAt(buf, int64(bno)*BlockSize)
	return err
}

func (d *FileDevice) NumBlocks() uint32 { return d.nblk }

func (d *FileDevice) Flush(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Registry resolves "diskN" identifiers to Devices, the way mount is
// told to parse a device identifier.
type Registry struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Register associates name (e.g. "disk0") with dev.
func (r *Registry) Register(name string, dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = dev
}

// Lookup resolves name to a Device, or (nil, false) if unregistered.
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	return d, ok
}
