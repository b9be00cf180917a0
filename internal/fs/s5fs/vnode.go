package s5fs

import (
	"context"
	"fmt"
	"sync"

	"github.com/weenixfs/kernel/internal/kernel/refcount"
	"github.com/weenixfs/kernel/internal/vm/mmo"
)

// Vnode is one open in-core inode: the decoded DiskInode plus the
// memory object through which its data blocks are read and written.
type Vnode struct {
	fs  *FS
	mu  sync.Mutex
	in  *DiskInode
	ref *refcount.Counter
	obj mmo.Object
}

// vnodeSource adapts a Vnode to mmo.Filler, addressing it by logical
// file block rather than device block; seekToBlock does the translation.
type vnodeSource struct {
	vn *Vnode
}

func (s *vnodeSource) ReadPage(ctx context.Context, pageno uint64, buf []byte) error {
	return s.vn.fillPage(ctx, uint32(pageno), buf)
}

func (s *vnodeSource) WritePage(ctx context.Context, pageno uint64, buf []byte) error {
	return s.vn.writePage(ctx, uint32(pageno), buf)
}

// GetVnode returns the in-core Vnode for inum, reading it from the
// inode table and bumping its reference count if it is not already
// cached. Materializing a fresh vnode (the cache-miss path) increments
// the on-disk link count: an inode's link count equals the directory
// entries referencing it plus its live vnode, so the VFS holding a
// vnode open is itself counted as a link.
func (fs *FS) GetVnode(ctx context.Context, inum uint32) (*Vnode, error) {
	return fs.getVnode(ctx, inum)
}

func (fs *FS) getVnode(ctx context.Context, inum uint32) (*Vnode, error) {
	fs.lock()
	if vn, ok := fs.vnodes[inum]; ok {
		vn.ref.Ref()
		fs.unlock()
		return vn, nil
	}
	fs.unlock()

	blk, off := inodeBlockAndOffset(inum)
	frame, err := fs.cache.Get(ctx, fs.raw, uint64(blk))
	if err != nil {
		return nil, err
	}
	in := decodeInode(frame.Data[off*InodeSize:])
	frame.Unpin()

	if in.Type == TypeFree {
		return nil, fmt.Errorf("s5fs: inode %d is free", inum)
	}

	in.LinkCount++
	if err := fs.writeInode(ctx, in); err != nil {
		return nil, err
	}

	vn := &Vnode{fs: fs, in: in}
	vn.obj = mmo.NewFile(fs.cache, &vnodeSource{vn: vn})
	vn.ref = refcount.New(func() {
		fs.lock()
		delete(fs.vnodes, inum)
		fs.unlock()

		vn.mu.Lock()
		vn.in.LinkCount--
		linkCount := vn.in.LinkCount
		werr := fs.writeInode(context.Background(), vn.in)
		vn.mu.Unlock()
		if werr != nil && fs.log != nil {
			fs.log.Errorw("writeInode on vnode teardown failed", "ino", inum, "error", werr)
		}
		if linkCount == 0 {
			if ferr := fs.freeInode(context.Background(), vn.in); ferr != nil && fs.log != nil {
				fs.log.Errorw("freeInode on vnode teardown failed", "ino", inum, "error", ferr)
			}
		}

		vn.obj.Put()
	})

	fs.lock()
	fs.vnodes[inum] = vn
	fs.unlock()
	return vn, nil
}

// Put drops a reference to vn, evicting it from the FS's open-vnode
// cache and releasing its backing memory object once the count hits zero.
func (vn *Vnode) Put() {
	vn.ref.Put()
}

func (vn *Vnode) Inode() *DiskInode { return vn.in }

// seekToBlock returns the device block number backing logical block
// blockIdx of vn's file, allocating one if the block is sparse and
// alloc is true. Returns NoBlock for a sparse block when alloc is false.
func (vn *Vnode) seekToBlock(ctx context.Context, blockIdx uint32, alloc bool) (uint32, error) {
	if blockIdx >= MaxFileBlocks {
		return 0, fmt.Errorf("s5fs: block index %d: %w", blockIdx, ErrInvalid)
	}

	if blockIdx < NDirectBlocks {
		b := vn.in.DirectBlocks[blockIdx]
		if b != NoBlock {
			return b, nil
		}
		if !alloc {
			return NoBlock, nil
		}
		nb, err := vn.fs.allocBlock(ctx)
		if err != nil {
			return 0, err
		}
		vn.in.DirectBlocks[blockIdx] = nb
		if err := vn.fs.writeInode(ctx, vn.in); err != nil {
			vn.in.DirectBlocks[blockIdx] = NoBlock
			_ = vn.fs.freeBlock(ctx, nb)
			return 0, err
		}
		return nb, nil
	}

	if vn.in.Type != TypeData && vn.in.Type != TypeDir {
		return 0, fmt.Errorf("s5fs: inode %d has no indirect block: %w", vn.in.Number, ErrInvalid)
	}

	// The indirect block is allocated and zeroed before any data block
	// hangs off it; if anything after that fails, the allocation is
	// undone and the inode's indirect slot restored to sparse.
	idx := blockIdx - NDirectBlocks
	freshIndirect := false
	if vn.in.IndirectBlock == NoBlock {
		if !alloc {
			return NoBlock, nil
		}
		ib, err := vn.fs.allocBlock(ctx)
		if err != nil {
			return 0, err
		}
		if err := vn.fs.zeroBlock(ctx, ib); err != nil {
			_ = vn.fs.freeBlock(ctx, ib)
			return 0, err
		}
		vn.in.IndirectBlock = ib
		freshIndirect = true
	}

	undoIndirect := func() {
		if freshIndirect {
			ib := vn.in.IndirectBlock
			vn.in.IndirectBlock = NoBlock
			_ = vn.fs.freeBlock(ctx, ib)
		}
	}

	frame, err := vn.fs.cache.Get(ctx, vn.fs.raw, uint64(vn.in.IndirectBlock))
	if err != nil {
		undoIndirect()
		return 0, err
	}
	defer frame.Unpin()

	b := leUint32(frame.Data, int(idx)*entrySize)
	if b != NoBlock {
		return b, nil
	}
	if !alloc {
		return NoBlock, nil
	}

	nb, err := vn.fs.allocBlock(ctx)
	if err != nil {
		undoIndirect()
		return 0, err
	}
	leputUint32(frame.Data, int(idx)*entrySize, nb)
	frame.Dirty()
	if err := vn.fs.cache.Writeback(ctx, vn.fs.raw, frame); err != nil {
		leputUint32(frame.Data, int(idx)*entrySize, NoBlock)
		_ = vn.fs.freeBlock(ctx, nb)
		undoIndirect()
		return 0, err
	}
	if freshIndirect {
		if err := vn.fs.writeInode(ctx, vn.in); err != nil {
			leputUint32(frame.Data, int(idx)*entrySize, NoBlock)
			_ = vn.fs.freeBlock(ctx, nb)
			undoIndirect()
			return 0, err
		}
	}
	return nb, nil
}

// fillPage satisfies a read fault on logical block blockIdx: sparse
// blocks read as zero without touching the device.
func (vn *Vnode) fillPage(ctx context.Context, blockIdx uint32, buf []byte) error {
	vn.mu.Lock()
	blocknum, err := vn.seekToBlock(ctx, blockIdx, false)
	vn.mu.Unlock()
	if err != nil {
		return err
	}
	if blocknum == NoBlock {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return vn.fs.dev.ReadBlock(ctx, blocknum, buf)
}

// writePage allocates a block for blockIdx if necessary, then writes
// buf straight through to the device; the cache never defers writeback.
func (vn *Vnode) writePage(ctx context.Context, blockIdx uint32, buf []byte) error {
	vn.mu.Lock()
	blocknum, err := vn.seekToBlock(ctx, blockIdx, true)
	vn.mu.Unlock()
	if err != nil {
		return err
	}
	return vn.fs.dev.WriteBlock(ctx, blocknum, buf)
}

// ReadFile copies up to len(buf) bytes starting at off into buf,
// returning the number of bytes actually read (short at EOF).
func (vn *Vnode) ReadFile(ctx context.Context, off int64, buf []byte) (int, error) {
	vn.mu.Lock()
	size := int64(vn.in.Size)
	vn.mu.Unlock()

	if off >= size {
		return 0, nil
	}
	if int64(len(buf)) > size-off {
		buf = buf[:size-off]
	}

	n := 0
	for n < len(buf) {
		blockIdx := uint32((off + int64(n)) / BlockSize)
		within := int((off + int64(n)) % BlockSize)

		f, err := vn.obj.LookupPage(ctx, uint64(blockIdx), false)
		if err != nil {
			return n, err
		}
		c := copy(buf[n:], f.Data[within:])
		n += c
	}
	return n, nil
}

// WriteFile writes buf at off, growing the file (and its inode's Size)
// as necessary. Writes past MaxFileSize are truncated.
func (vn *Vnode) WriteFile(ctx context.Context, off int64, buf []byte) (int, error) {
	if off >= MaxFileSize {
		return 0, fmt.Errorf("s5fs: write at offset %d: %w", off, ErrInvalid)
	}
	if int64(len(buf)) > MaxFileSize-off {
		buf = buf[:MaxFileSize-off]
	}

	n := 0
	var werr error
	for n < len(buf) {
		blockIdx := uint32((off + int64(n)) / BlockSize)
		within := int((off + int64(n)) % BlockSize)

		f, err := vn.obj.LookupPage(ctx, uint64(blockIdx), true)
		if err != nil {
			werr = err
			break
		}
		c := copy(f.Data[within:], buf[n:])
		if derr := vn.obj.DirtyPage(ctx, uint64(blockIdx)); derr != nil {
			werr = derr
			break
		}
		n += c
	}

	// The length covers whatever part landed, even when a later block
	// ran the disk out of space.
	end := off + int64(n)
	vn.mu.Lock()
	if end > int64(vn.in.Size) {
		vn.in.Size = uint32(end)
		_ = vn.fs.writeInode(ctx, vn.in)
	}
	vn.mu.Unlock()
	return n, werr
}

// SizeBytes returns the file's current length.
func (vn *Vnode) SizeBytes() int64 {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return int64(vn.in.Size)
}

// Number returns the inode number this vnode addresses.
func (vn *Vnode) Number() uint32 {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return vn.in.Number
}

// Type returns the inode's on-disk type.
func (vn *Vnode) Type() InodeType {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return vn.in.Type
}

// LinkCount returns the inode's current on-disk link count.
func (vn *Vnode) LinkCount() uint32 {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	return vn.in.LinkCount
}

// Devid returns the device id stored in a char/block device inode's
// indirect-block slot, 0 for other inode types.
func (vn *Vnode) Devid() uint32 {
	vn.mu.Lock()
	defer vn.mu.Unlock()
	if vn.in.Type != TypeChr && vn.in.Type != TypeBlk {
		return 0
	}
	return vn.in.IndirectBlock
}

// CountBlocks returns the number of data blocks actually allocated to
// the file; holes contribute nothing, so a sparse file's count can be
// far below its size in blocks.
func (vn *Vnode) CountBlocks(ctx context.Context) (uint32, error) {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	var n uint32
	for _, b := range vn.in.DirectBlocks {
		if b != NoBlock {
			n++
		}
	}
	if (vn.in.Type == TypeData || vn.in.Type == TypeDir) && vn.in.IndirectBlock != NoBlock {
		frame, err := vn.fs.cache.Get(ctx, vn.fs.raw, uint64(vn.in.IndirectBlock))
		if err != nil {
			return 0, err
		}
		for i := 0; i < NIndirectBlocks; i++ {
			if leUint32(frame.Data, i*entrySize) != NoBlock {
				n++
			}
		}
		frame.Unpin()
	}
	return n, nil
}

// Obj returns the vnode's backing memory object, for building a
// file-backed mmap.
func (vn *Vnode) Obj() mmo.Object { return vn.obj }
