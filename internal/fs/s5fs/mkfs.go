package s5fs

import (
	"context"
	"fmt"

	"github.com/weenixfs/kernel/internal/kernel/blockdev"
)

// Mkfs formats dev with a fresh, empty filesystem: a superblock, every
// remaining block threaded onto the block free list, every inode
// threaded onto the inode free list, and a root directory inode
// containing "." and "..".
func Mkfs(ctx context.Context, dev blockdev.Device) error {
	numBlocks := dev.NumBlocks()
	if numBlocks < InodeTableStart+1 {
		return fmt.Errorf("s5fs: device too small to format (%d blocks)", numBlocks)
	}

	numInodes := (numBlocks - InodeTableStart) / 4
	if numInodes == 0 {
		numInodes = 1
	}
	inodeBlocks := (numInodes + InodesPerBlock - 1) / InodesPerBlock
	firstDataBlock := InodeTableStart + inodeBlocks

	zero := make([]byte, BlockSize)
	for b := firstDataBlock; b < numBlocks; b++ {
		if err := dev.WriteBlock(ctx, b, zero); err != nil {
			return fmt.Errorf("s5fs: mkfs: zero block %d: %w", b, err)
		}
	}

	rootInum := uint32(0)
	super := &Superblock{
		Magic:     SuperMagic,
		Version:   SuperVersion,
		NumBlocks: numBlocks,
		NumInodes: numInodes,
		RootInode: rootInum,
	}

	// Reserve one block for the root directory's data; thread the rest
	// of the data region onto the free list, spilling continuation
	// blocks as the in-memory array fills. The threading mirrors
	// freeBlock exactly: the last slot always carries the chain to the
	// next batch (NoBlock while the list is still short), and a batch
	// spills into the block being freed once slots 0..FreeListSize-2
	// are full, so allocBlock can treat any loaded batch uniformly.
	rootDataBlock := firstDataBlock
	freeStart := firstDataBlock + 1

	super.NFree = 0
	super.FreeBlocks[FreeListSize-1] = NoBlock
	for b := numBlocks - 1; b >= freeStart; b-- {
		if super.NFree == FreeListSize-1 {
			cont := make([]byte, BlockSize)
			for i := 0; i < FreeListSize; i++ {
				leputUint32(cont, i*entrySize, super.FreeBlocks[i])
			}
			if err := dev.WriteBlock(ctx, b, cont); err != nil {
				return fmt.Errorf("s5fs: mkfs: write free-list block %d: %w", b, err)
			}
			super.NFree = 0
			super.FreeBlocks[FreeListSize-1] = b
			continue
		}
		super.FreeBlocks[super.NFree] = b
		super.NFree++
	}

	// Inode 0 is the root directory; the rest form the free list,
	// threaded in ascending order through NextFree.
	inodeBuf := make([]byte, BlockSize)
	for blk := uint32(0); blk < inodeBlocks; blk++ {
		for i := 0; i < InodesPerBlock; i++ {
			inum := blk*InodesPerBlock + uint32(i)
			if inum >= numInodes {
				break
			}
			in := &DiskInode{Number: inum, Type: TypeFree}
			if inum+1 < numInodes {
				in.NextFree = inum + 1
			} else {
				in.NextFree = NoInode
			}
			in.encode(inodeBuf[i*InodeSize:])
		}
		if err := dev.WriteBlock(ctx, InodeTableStart+blk, inodeBuf); err != nil {
			return fmt.Errorf("s5fs: mkfs: write inode table block %d: %w", InodeTableStart+blk, err)
		}
	}
	super.FreeInode = 1

	root := &DiskInode{
		Number:        rootInum,
		Type:          TypeDir,
		LinkCount:     0,
		DirectBlocks:  [NDirectBlocks]uint32{0: rootDataBlock},
		IndirectBlock: NoBlock,
	}

	dotBuf := make([]byte, BlockSize)
	d := Dirent{Name: ".", Inode: rootInum}
	d.encode(dotBuf[0:])
	d2 := Dirent{Name: "..", Inode: rootInum}
	d2.encode(dotBuf[direntSize:])
	root.Size = uint32(2 * direntSize)
	// Root's ".." names root itself and counts; its "." self-link does
	// not, the same convention Link applies everywhere else.
	root.LinkCount = 1

	if err := dev.WriteBlock(ctx, rootDataBlock, dotBuf); err != nil {
		return fmt.Errorf("s5fs: mkfs: write root directory block: %w", err)
	}

	blk, off := inodeBlockAndOffset(rootInum)
	frame := make([]byte, BlockSize)
	if err := dev.ReadBlock(ctx, blk, frame); err != nil {
		return fmt.Errorf("s5fs: mkfs: read inode table block %d: %w", blk, err)
	}
	root.encode(frame[off*InodeSize:])
	if err := dev.WriteBlock(ctx, blk, frame); err != nil {
		return fmt.Errorf("s5fs: mkfs: write root inode: %w", err)
	}

	supBuf := make([]byte, BlockSize)
	super.encode(supBuf)
	if err := dev.WriteBlock(ctx, SuperblockNum, supBuf); err != nil {
		return fmt.Errorf("s5fs: mkfs: write superblock: %w", err)
	}

	return dev.Flush(ctx)
}
