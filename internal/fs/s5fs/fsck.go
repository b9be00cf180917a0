package s5fs

import (
	"context"
	"fmt"
)

// Violation is one invariant failure fsck found.
type Violation struct {
	Message string
}

func (v Violation) Error() string { return v.Message }

// Check walks every inode and the block/inode free lists on a mounted
// filesystem and reports every link-count violation (an inode's link
// count must equal the directory entries naming it — "." excluded —
// plus its live in-core vnode, if any) along with the lower-level
// storage invariants a real fsck checks: no block is referenced by
// more than one inode or appears on both the free list and a live
// inode, no free-list block lies past the device end, and the inode
// free list only threads through inodes actually marked TypeFree.
func Check(ctx context.Context, fs *FS) ([]Violation, error) {
	var violations []Violation

	fs.lock()
	numInodes := fs.super.NumInodes
	numBlocks := fs.super.NumBlocks
	fs.unlock()

	freeBlocks, err := fs.walkFreeBlockList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fsck: walk free block list: %w", err)
	}
	for b := range freeBlocks {
		if b >= numBlocks {
			violations = append(violations, Violation{fmt.Sprintf("free list holds block %d past device end (%d blocks)", b, numBlocks)})
		}
	}
	freeInodes, err := fs.walkFreeInodeList(ctx, numInodes)
	if err != nil {
		return nil, fmt.Errorf("fsck: walk free inode list: %w", err)
	}

	blockOwner := make(map[uint32]uint32) // block -> owning inode
	linkRefs := make(map[uint32]uint32)   // inode -> directory entries found naming it

	for inum := uint32(0); inum < numInodes; inum++ {
		in, err := fs.readInodeRaw(ctx, inum)
		if err != nil {
			return nil, fmt.Errorf("fsck: read inode %d: %w", inum, err)
		}

		if in.Type == TypeFree {
			if !freeInodes[inum] {
				violations = append(violations, Violation{fmt.Sprintf("inode %d is TypeFree but not on the free list", inum)})
			}
			continue
		}
		if freeInodes[inum] {
			violations = append(violations, Violation{fmt.Sprintf("inode %d is in use but also on the free list", inum)})
		}

		blocks, err := fs.liveBlocksOf(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("fsck: walk blocks of inode %d: %w", inum, err)
		}
		for _, b := range blocks {
			if b == NoBlock {
				continue
			}
			if freeBlocks[b] {
				violations = append(violations, Violation{fmt.Sprintf("block %d used by inode %d but also on the free list", b, inum)})
			}
			if owner, ok := blockOwner[b]; ok {
				violations = append(violations, Violation{fmt.Sprintf("block %d referenced by both inode %d and inode %d", b, owner, inum)})
			} else {
				blockOwner[b] = inum
			}
		}

		if in.Type == TypeDir {
			ents, err := fs.readDirentsRaw(ctx, in)
			if err != nil {
				return nil, fmt.Errorf("fsck: read directory %d: %w", inum, err)
			}
			for _, e := range ents {
				if e.Name == "." {
					continue
				}
				linkRefs[e.Inode]++
			}
		}
	}

	for inum := uint32(0); inum < numInodes; inum++ {
		in, err := fs.readInodeRaw(ctx, inum)
		if err != nil {
			return nil, err
		}
		if in.Type == TypeFree {
			continue
		}
		expected := linkRefs[inum]
		if fs.hasLiveVnode(inum) {
			expected++
		}
		if expected != in.LinkCount {
			violations = append(violations, Violation{
				fmt.Sprintf("inode %d has link count %d but %d directory entries and live vnodes name it", inum, in.LinkCount, expected),
			})
		}
	}

	return violations, nil
}

func (fs *FS) readInodeRaw(ctx context.Context, inum uint32) (*DiskInode, error) {
	blk, off := inodeBlockAndOffset(inum)
	frame, err := fs.cache.Get(ctx, fs.raw, uint64(blk))
	if err != nil {
		return nil, err
	}
	defer frame.Unpin()
	return decodeInode(frame.Data[off*InodeSize:]), nil
}

func (fs *FS) liveBlocksOf(ctx context.Context, in *DiskInode) ([]uint32, error) {
	var blocks []uint32
	blocks = append(blocks, in.DirectBlocks[:]...)

	if (in.Type == TypeData || in.Type == TypeDir) && in.IndirectBlock != NoBlock {
		blocks = append(blocks, in.IndirectBlock)
		frame, err := fs.cache.Get(ctx, fs.raw, uint64(in.IndirectBlock))
		if err != nil {
			return nil, err
		}
		for i := 0; i < NIndirectBlocks; i++ {
			blocks = append(blocks, leUint32(frame.Data, i*entrySize))
		}
		frame.Unpin()
	}
	return blocks, nil
}

// readDirentsRaw walks a directory inode's entries straight off the
// device (directory data is written through the device, not the raw
// block cache), bounded by Size: bytes past the directory's length may
// still hold the ghost of a removed last entry and must not be counted.
func (fs *FS) readDirentsRaw(ctx context.Context, in *DiskInode) ([]Dirent, error) {
	perBlock := BlockSize / direntSize
	nents := int(in.Size) / direntSize

	var out []Dirent
	buf := make([]byte, BlockSize)
	loaded := -1
	for i := 0; i < nents; i++ {
		bi := i / perBlock
		if bi >= NDirectBlocks {
			break
		}
		b := in.DirectBlocks[bi]
		if b == NoBlock {
			continue
		}
		if bi != loaded {
			if err := fs.dev.ReadBlock(ctx, b, buf); err != nil {
				return nil, err
			}
			loaded = bi
		}
		out = append(out, decodeDirent(buf[(i%perBlock)*direntSize:]))
	}
	return out, nil
}

// walkFreeBlockList reconstructs the full set of free blocks: the
// slots already resident in the superblock's in-memory array, plus
// every block reachable by following the continuation chain rooted at
// FreeBlocks[FreeListSize-1] (itself always a free block, handed out
// whole the next time the in-memory list runs dry).
func (fs *FS) walkFreeBlockList(ctx context.Context) (map[uint32]bool, error) {
	fs.lock()
	free := make(map[uint32]bool)
	for i := uint32(0); i < fs.super.NFree; i++ {
		free[fs.super.FreeBlocks[i]] = true
	}
	next := fs.super.FreeBlocks[FreeListSize-1]
	fs.unlock()

	for next != NoBlock {
		free[next] = true
		frame, err := fs.cache.Get(ctx, fs.raw, uint64(next))
		if err != nil {
			return nil, err
		}
		var vals [FreeListSize]uint32
		for i := range vals {
			vals[i] = leUint32(frame.Data, i*entrySize)
		}
		frame.Unpin()

		for i := 0; i < FreeListSize-1; i++ {
			free[vals[i]] = true
		}
		next = vals[FreeListSize-1]
	}
	return free, nil
}

func (fs *FS) walkFreeInodeList(ctx context.Context, numInodes uint32) (map[uint32]bool, error) {
	fs.lock()
	next := fs.super.FreeInode
	fs.unlock()

	free := make(map[uint32]bool)
	seen := 0
	for next != NoInode && seen <= int(numInodes) {
		free[next] = true
		in, err := fs.readInodeRaw(ctx, next)
		if err != nil {
			return nil, err
		}
		next = in.NextFree
		seen++
	}
	return free, nil
}
