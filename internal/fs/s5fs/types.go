// Package s5fs implements the on-disk filesystem: a superblock, a flat
// inode table, direct and single-indirect block pointers, and
// linked-list free lists for both blocks and inodes, laid out on top of
// a blockdev.Device through the shared page-frame cache.
package s5fs

import (
	"encoding/binary"

	"github.com/weenixfs/kernel/internal/kernel/blockdev"
)

const (
	// BlockSize is the filesystem's block size, fixed at the device's.
	BlockSize = blockdev.BlockSize

	// SuperblockNum is the block holding the Superblock.
	SuperblockNum = 0

	// InodeSize is the on-disk slot size of one DiskInode record (the
	// encoding itself is shorter; the slack keeps the table addressable
	// by shifting).
	InodeSize = 128
	// InodesPerBlock is how many inodes fit in one block of the inode
	// table, which starts immediately after the superblock.
	InodesPerBlock = BlockSize / InodeSize
	// InodeTableStart is the first block of the inode table.
	InodeTableStart = SuperblockNum + 1

	// NDirectBlocks is the number of direct block pointers in an inode.
	NDirectBlocks = 12
	// entrySize is the encoded size of one block-pointer slot, whether in
	// an indirect block or a free-list continuation block.
	entrySize = 4
	// NIndirectBlocks is the number of block pointers reachable through
	// an inode's single indirect block.
	NIndirectBlocks = BlockSize / entrySize
	// MaxFileBlocks is the largest number of data blocks a file may hold.
	MaxFileBlocks = NDirectBlocks + NIndirectBlocks
	// MaxFileSize is MaxFileBlocks worth of bytes.
	MaxFileSize = int64(MaxFileBlocks) * BlockSize

	// FreeListSize is the number of block numbers held in the
	// superblock and in each free-list continuation block; the last
	// slot always chains to the block holding the next batch (NoBlock
	// terminates the chain). Sized so the superblock record, array
	// included, still fits within one block.
	FreeListSize = 1000

	// NoBlock marks a sparse (unallocated) block pointer.
	NoBlock = 0
	// NoInode marks the end of the inode free list.
	NoInode = ^uint32(0)

	// SuperMagic identifies a formatted s5fs image.
	SuperMagic = 0x5a5f5401
	// SuperVersion is the on-disk layout version Mount insists on.
	SuperVersion = 1
)

// InodeType distinguishes what an inode addresses.
type InodeType uint16

const (
	TypeFree InodeType = iota
	TypeData
	TypeDir
	TypeChr
	TypeBlk
)

// Superblock is the filesystem's root metadata block.
type Superblock struct {
	Magic      uint32
	Version    uint32
	NumBlocks  uint32
	NumInodes  uint32
	RootInode  uint32
	FreeBlocks [FreeListSize]uint32
	NFree      uint32
	FreeInode  uint32
}

func (s *Superblock) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], s.Magic)
	le.PutUint32(buf[4:], s.Version)
	le.PutUint32(buf[8:], s.NumBlocks)
	le.PutUint32(buf[12:], s.NumInodes)
	le.PutUint32(buf[16:], s.RootInode)
	off := 20
	for _, b := range s.FreeBlocks {
		le.PutUint32(buf[off:], b)
		off += 4
	}
	le.PutUint32(buf[off:], s.NFree)
	le.PutUint32(buf[off+4:], s.FreeInode)
}

func decodeSuperblock(buf []byte) *Superblock {
	le := binary.LittleEndian
	s := &Superblock{
		Magic:     le.Uint32(buf[0:]),
		Version:   le.Uint32(buf[4:]),
		NumBlocks: le.Uint32(buf[8:]),
		NumInodes: le.Uint32(buf[12:]),
		RootInode: le.Uint32(buf[16:]),
	}
	off := 20
	for i := range s.FreeBlocks {
		s.FreeBlocks[i] = le.Uint32(buf[off:])
		off += 4
	}
	s.NFree = le.Uint32(buf[off:])
	s.FreeInode = le.Uint32(buf[off+4:])
	return s
}

// DiskInode is the on-disk metadata for one file, directory, or device
// node. NextFree is only meaningful while Type is TypeFree, threading
// the inode free list. For TypeChr/TypeBlk inodes IndirectBlock holds
// the device id instead of a block number; device nodes own no blocks.
type DiskInode struct {
	Number        uint32
	Size          uint32
	Type          InodeType
	LinkCount     uint32
	DirectBlocks  [NDirectBlocks]uint32
	IndirectBlock uint32
	NextFree      uint32
}

func (in *DiskInode) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], in.Number)
	le.PutUint32(buf[4:], in.Size)
	le.PutUint16(buf[8:], uint16(in.Type))
	le.PutUint32(buf[10:], in.LinkCount)
	off := 14
	for _, b := range in.DirectBlocks {
		le.PutUint32(buf[off:], b)
		off += 4
	}
	le.PutUint32(buf[off:], in.IndirectBlock)
	le.PutUint32(buf[off+4:], in.NextFree)
}

func decodeInode(buf []byte) *DiskInode {
	le := binary.LittleEndian
	in := &DiskInode{
		Number:    le.Uint32(buf[0:]),
		Size:      le.Uint32(buf[4:]),
		Type:      InodeType(le.Uint16(buf[8:])),
		LinkCount: le.Uint32(buf[10:]),
	}
	off := 14
	for i := range in.DirectBlocks {
		in.DirectBlocks[i] = le.Uint32(buf[off:])
		off += 4
	}
	in.IndirectBlock = le.Uint32(buf[off:])
	in.NextFree = le.Uint32(buf[off+4:])
	return in
}

func inodeBlockAndOffset(inum uint32) (block uint32, offset int) {
	return InodeTableStart + inum/InodesPerBlock, int(inum % InodesPerBlock)
}

// MaxNameLen is the longest name a single directory entry can hold.
const MaxNameLen = 60

// Dirent is one fixed-size directory entry.
type Dirent struct {
	Name  string
	Inode uint32
}

const direntSize = MaxNameLen + entrySize

func (d *Dirent) encode(buf []byte) {
	for i := range buf[:MaxNameLen] {
		buf[i] = 0
	}
	copy(buf[:MaxNameLen], d.Name)
	binary.LittleEndian.PutUint32(buf[MaxNameLen:], d.Inode)
}

func decodeDirent(buf []byte) Dirent {
	n := 0
	for n < MaxNameLen && buf[n] != 0 {
		n++
	}
	return Dirent{
		Name:  string(buf[:n]),
		Inode: binary.LittleEndian.Uint32(buf[MaxNameLen:]),
	}
}
