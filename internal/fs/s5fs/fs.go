package s5fs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/invmutex"
	"github.com/weenixfs/kernel/internal/kernel/klog"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
	"github.com/weenixfs/kernel/internal/kernel/pframe"
)

// ErrNoSpace is returned by allocBlock/allocInode when the respective
// free list has been exhausted.
var ErrNoSpace = errors.New("no space left on device")

// ErrInvalid is returned for offsets or block indices past the
// filesystem's limits.
var ErrInvalid = errors.New("invalid offset")

// errNoSpace is kept as the internal alias every allocation site wraps,
// so changing the public name doesn't require touching every call site.
var errNoSpace = ErrNoSpace

// FS is one mounted filesystem: a block device, the page-frame cache
// mediating all access to it, and the decoded superblock. mu is the
// filesystem-wide mutex serializing every free-list mutation; it
// re-checks the superblock's nfree bound on each unlock.
type FS struct {
	mu     *invmutex.InvariantMutex
	dev    blockdev.Device
	cache  *pframe.Cache
	raw    *rawSource
	super  *Superblock
	supFr  *pframe.Frame
	name   string
	log    *zap.SugaredLogger
	met    metrics.Handle
	vnodes map[uint32]*Vnode
}

// rawSource exposes a blockdev.Device as a pframe.Source addressed
// directly by block number, used for superblock, inode table, indirect
// block, and free-list continuation block access.
type rawSource struct {
	dev blockdev.Device
}

func (r *rawSource) ID() uint64 { return 0 }

func (r *rawSource) FillPage(ctx context.Context, pageno uint64, buf []byte) error {
	return r.dev.ReadBlock(ctx, uint32(pageno), buf)
}

func (r *rawSource) WritePage(ctx context.Context, pageno uint64, buf []byte) error {
	return r.dev.WriteBlock(ctx, uint32(pageno), buf)
}

// Mount reads and verifies the superblock on dev and returns a usable FS.
// Use Mkfs first to format a blank device.
func Mount(ctx context.Context, name string, dev blockdev.Device, met metrics.Handle) (*FS, error) {
	if met == nil {
		met = metrics.NoOp()
	}
	cache := pframe.New()
	raw := &rawSource{dev: dev}

	frame, err := cache.Get(ctx, raw, SuperblockNum)
	if err != nil {
		return nil, fmt.Errorf("s5fs: read superblock: %w", err)
	}

	super := decodeSuperblock(frame.Data)
	if super.Magic != SuperMagic {
		frame.Unpin()
		return nil, fmt.Errorf("s5fs: bad superblock magic %#x", super.Magic)
	}
	if super.Version != SuperVersion {
		frame.Unpin()
		return nil, fmt.Errorf("s5fs: unsupported version %d", super.Version)
	}
	if super.RootInode >= super.NumInodes {
		frame.Unpin()
		return nil, fmt.Errorf("s5fs: root inode %d out of range", super.RootInode)
	}
	if super.FreeInode != NoInode && super.FreeInode >= super.NumInodes {
		frame.Unpin()
		return nil, fmt.Errorf("s5fs: free inode head %d out of range", super.FreeInode)
	}

	fs := &FS{
		dev:    dev,
		cache:  cache,
		raw:    raw,
		super:  super,
		supFr:  frame,
		name:   name,
		log:    klog.For("s5fs"),
		met:    met,
		vnodes: make(map[uint32]*Vnode),
	}
	fs.mu = invmutex.New(func() {
		if fs.super.NFree >= FreeListSize {
			panic(fmt.Sprintf("s5fs: superblock nfree %d breached capacity %d", fs.super.NFree, FreeListSize))
		}
	})
	klog.For("s5fs").Infow("mounted", "name", name, "blocks", super.NumBlocks, "inodes", super.NumInodes)
	return fs, nil
}

func (fs *FS) lock()   { fs.mu.Lock() }
func (fs *FS) unlock() { fs.mu.Unlock() }

func (fs *FS) dirtySuper(ctx context.Context) error {
	fs.super.encode(fs.supFr.Data)
	fs.supFr.Dirty()
	return fs.cache.Writeback(ctx, fs.raw, fs.supFr)
}

// allocBlock pops one block off the free list, refilling it from the
// on-disk continuation chain if the in-memory list has run dry.
func (fs *FS) allocBlock(ctx context.Context) (uint32, error) {
	fs.lock()
	defer fs.unlock()

	s := fs.super
	if s.NFree == 0 && s.FreeBlocks[FreeListSize-1] == NoBlock {
		fs.met.FreeListExhausted(ctx, fs.name)
		return 0, fmt.Errorf("s5fs: %w", errNoSpace)
	}

	var blocknum uint32
	if s.NFree == 0 {
		// The in-memory array is dry: the last slot names the block
		// holding the next batch. Copy the batch in (its own last slot
		// chains onward), then hand the batch block itself out.
		blocknum = s.FreeBlocks[FreeListSize-1]
		frame, err := fs.cache.Get(ctx, fs.raw, uint64(blocknum))
		if err != nil {
			return 0, err
		}
		defer frame.Unpin()

		for i := 0; i < FreeListSize; i++ {
			s.FreeBlocks[i] = leUint32(frame.Data, i*entrySize)
		}
		s.NFree = FreeListSize - 1
	} else {
		s.NFree--
		blocknum = s.FreeBlocks[s.NFree]
	}

	if err := fs.dirtySuper(ctx); err != nil {
		return 0, err
	}
	fs.met.BlockAlloc(ctx, fs.name)
	return blocknum, nil
}

// freeBlock returns blockno to the free list. The caller must ensure the
// block is no longer resident or referenced.
func (fs *FS) freeBlock(ctx context.Context, blockno uint32) error {
	fs.lock()
	defer fs.unlock()

	s := fs.super
	if s.NFree == FreeListSize-1 {
		frame, err := fs.cache.Get(ctx, fs.raw, uint64(blockno))
		if err != nil {
			return err
		}
		for i := 0; i < FreeListSize; i++ {
			leputUint32(frame.Data, i*entrySize, s.FreeBlocks[i])
		}
		frame.Dirty()
		if err := fs.cache.Writeback(ctx, fs.raw, frame); err != nil {
			frame.Unpin()
			return err
		}
		frame.Unpin()

		s.NFree = 0
		s.FreeBlocks[FreeListSize-1] = blockno
	} else {
		s.FreeBlocks[s.NFree] = blockno
		s.NFree++
	}

	return fs.dirtySuper(ctx)
}

// allocInode takes the head of the inode free list and initializes it.
func (fs *FS) allocInode(ctx context.Context, typ InodeType, devid uint32) (*DiskInode, error) {
	fs.lock()
	if fs.super.FreeInode == NoInode {
		fs.unlock()
		return nil, fmt.Errorf("s5fs: %w", errNoSpace)
	}
	inum := fs.super.FreeInode
	fs.unlock()

	blk, off := inodeBlockAndOffset(inum)
	frame, err := fs.cache.Get(ctx, fs.raw, uint64(blk))
	if err != nil {
		return nil, err
	}
	in := decodeInode(frame.Data[off*InodeSize:])
	if in.Number != inum {
		frame.Unpin()
		return nil, fmt.Errorf("s5fs: inode free list corrupt at %d", inum)
	}

	fs.lock()
	fs.super.FreeInode = in.NextFree
	if err := fs.dirtySuper(ctx); err != nil {
		fs.unlock()
		frame.Unpin()
		return nil, err
	}
	fs.unlock()

	in.Size = 0
	in.Type = typ
	in.LinkCount = 0
	in.DirectBlocks = [NDirectBlocks]uint32{}
	in.IndirectBlock = 0
	in.NextFree = 0
	if typ == TypeChr || typ == TypeBlk {
		// Device inodes own no blocks; the indirect slot carries the
		// device id instead.
		in.IndirectBlock = devid
	}

	in.encode(frame.Data[off*InodeSize:])
	frame.Dirty()
	err = fs.cache.Writeback(ctx, fs.raw, frame)
	frame.Unpin()
	return in, err
}

// freeInode releases every block owned by in (direct, indirect, and the
// indirect block itself), then threads it back onto the inode free list.
func (fs *FS) freeInode(ctx context.Context, in *DiskInode) error {
	for i, b := range in.DirectBlocks {
		if b == NoBlock {
			continue
		}
		if err := fs.freeBlock(ctx, b); err != nil {
			return err
		}
		in.DirectBlocks[i] = NoBlock
	}

	if (in.Type == TypeData || in.Type == TypeDir) && in.IndirectBlock != NoBlock {
		frame, err := fs.cache.Get(ctx, fs.raw, uint64(in.IndirectBlock))
		if err != nil {
			return err
		}
		for i := 0; i < NIndirectBlocks; i++ {
			b := leUint32(frame.Data, i*entrySize)
			if b == in.IndirectBlock {
				panic(fmt.Sprintf("s5fs: indirect block %d of inode %d lists itself", b, in.Number))
			}
			if b != NoBlock {
				if err := fs.freeBlock(ctx, b); err != nil {
					frame.Unpin()
					return err
				}
			}
		}
		frame.Unpin()
		if err := fs.freeBlock(ctx, in.IndirectBlock); err != nil {
			return err
		}
	}

	in.IndirectBlock = 0
	in.Type = TypeFree

	fs.lock()
	in.NextFree = fs.super.FreeInode
	fs.super.FreeInode = in.Number
	err := fs.dirtySuper(ctx)
	fs.unlock()
	if err != nil {
		return err
	}

	return fs.writeInode(ctx, in)
}

// zeroBlock clears a freshly allocated metadata block so stale contents
// of a previously freed block can never be read back as block pointers.
func (fs *FS) zeroBlock(ctx context.Context, blockno uint32) error {
	frame, err := fs.cache.Get(ctx, fs.raw, uint64(blockno))
	if err != nil {
		return err
	}
	defer frame.Unpin()

	for i := range frame.Data {
		frame.Data[i] = 0
	}
	frame.Dirty()
	return fs.cache.Writeback(ctx, fs.raw, frame)
}

// writeInode re-encodes in into its slot in the inode table and writes
// the block through.
func (fs *FS) writeInode(ctx context.Context, in *DiskInode) error {
	blk, off := inodeBlockAndOffset(in.Number)
	frame, err := fs.cache.Get(ctx, fs.raw, uint64(blk))
	if err != nil {
		return err
	}
	defer frame.Unpin()

	in.encode(frame.Data[off*InodeSize:])
	frame.Dirty()
	return fs.cache.Writeback(ctx, fs.raw, frame)
}

func leUint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func leputUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// hasLiveVnode reports whether an in-core vnode for inum is currently
// materialized; each live vnode accounts for exactly one unit of the
// inode's on-disk link count.
func (fs *FS) hasLiveVnode(inum uint32) bool {
	fs.lock()
	defer fs.unlock()
	_, ok := fs.vnodes[inum]
	return ok
}

// Name returns the filesystem's mount name (e.g. "disk0").
func (fs *FS) Name() string { return fs.name }

// Cache returns the page-frame cache backing every vnode and block
// read through this filesystem, for callers (internal/proc) that need
// to build new memory mappings against the same cache.
func (fs *FS) Cache() *pframe.Cache { return fs.cache }

// RootIno returns the inode number of the filesystem's root directory.
func (fs *FS) RootIno() uint32 {
	fs.lock()
	defer fs.unlock()
	return fs.super.RootInode
}

// Unmount writes the superblock back, releases the superblock pin, and
// then flushes the underlying block device; it flushes no cached pages.
// Vnodes still live at unmount are logged, not released.
func (fs *FS) Unmount(ctx context.Context) error {
	fs.lock()
	live := len(fs.vnodes)
	fs.unlock()
	if live > 0 {
		fs.log.Warnw("unmounting with live vnodes", "count", live)
	}

	if err := fs.dirtySuper(ctx); err != nil {
		return err
	}
	fs.supFr.Unpin()
	return fs.dev.Flush(ctx)
}
