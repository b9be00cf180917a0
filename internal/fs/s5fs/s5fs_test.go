package s5fs_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
)

func mountFresh(t *testing.T, nblk uint32) *s5fs.FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.OpenFileDevice(path, nblk)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s5fs.Mkfs(ctx, dev))

	fs, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Unmount(ctx) })
	return fs
}

func TestMkfsAndMountProducesUsableRoot(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	assert.Equal(t, s5fs.TypeDir, root.Type())
	entries, err := root.Readdir(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "hello.txt")
	require.NoError(t, err)
	defer f.Put()

	payload := []byte("hello, weenix")
	n, err := f.WriteFile(ctx, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, int64(len(payload)), f.SizeBytes())

	buf := make([]byte, len(payload))
	n, err = f.ReadFile(ctx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestSparseReadReturnsZeroes(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "sparse.txt")
	require.NoError(t, err)
	defer f.Put()

	// Write a byte far past the first block to force a hole.
	_, err = f.WriteFile(ctx, s5fs.BlockSize*3, []byte{0x42})
	require.NoError(t, err)

	buf := make([]byte, s5fs.BlockSize)
	n, err := f.ReadFile(ctx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, s5fs.BlockSize, n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestWriteAtMaxFileSizeFails(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "big.txt")
	require.NoError(t, err)
	defer f.Put()

	_, err = f.WriteFile(ctx, s5fs.MaxFileSize, []byte("overflow"))
	assert.Error(t, err)
}

func TestMkdirLinkCountAndRmdir(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	sub, err := root.Mkdir(ctx, "sub")
	require.NoError(t, err)
	defer sub.Put()

	assert.Equal(t, uint32(2), sub.LinkCount()) // the parent's entry plus the live vnode

	_, err = sub.FindDirent(ctx, ".")
	require.NoError(t, err)
	_, err = sub.FindDirent(ctx, "..")
	require.NoError(t, err)

	require.NoError(t, root.Rmdir(ctx, "sub"))
	_, err = root.FindDirent(ctx, "sub")
	assert.ErrorIs(t, err, s5fs.ErrNotFound)
}

func TestRmdirNonEmptyFails(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	sub, err := root.Mkdir(ctx, "sub")
	require.NoError(t, err)
	defer sub.Put()

	child, err := sub.Create(ctx, "file")
	require.NoError(t, err)
	defer child.Put()

	err = root.Rmdir(ctx, "sub")
	assert.ErrorIs(t, err, s5fs.ErrNotEmpty)
}

func TestLinkExistingNameFails(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "a")
	require.NoError(t, err)
	defer f.Put()

	err = root.Link(ctx, f, "a")
	assert.ErrorIs(t, err, s5fs.ErrExists)
}

func TestUnlinkFreesInodeOnLastReference(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "gone")
	require.NoError(t, err)
	ino := f.Number()

	require.NoError(t, root.RemoveDirent(ctx, "gone"))
	f.Put() // drop VFS's own reference, should free the inode

	violations, err := s5fs.Check(ctx, fs)
	require.NoError(t, err)
	assert.Empty(t, violations)
	_ = ino
}

func TestFsckCleanOnFreshlyFormattedImage(t *testing.T) {
	fs := mountFresh(t, 32)
	violations, err := s5fs.Check(context.Background(), fs)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestMkdirThenRmdirRestoresLinkCountsAndFreeLists(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	linksBefore := root.LinkCount()

	sub, err := root.Mkdir(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, linksBefore+1, root.LinkCount()) // the child's ".."
	sub.Put()

	require.NoError(t, root.Rmdir(ctx, "d"))
	assert.Equal(t, linksBefore, root.LinkCount())

	violations, err := s5fs.Check(ctx, fs)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestLinkThenUnlinkRestoresLinkCount(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "a")
	require.NoError(t, err)
	defer f.Put()

	linksBefore := f.LinkCount()
	require.NoError(t, root.Link(ctx, f, "b"))
	assert.Equal(t, linksBefore+1, f.LinkCount())

	require.NoError(t, root.RemoveDirent(ctx, "b"))
	assert.Equal(t, linksBefore, f.LinkCount())

	violations, err := s5fs.Check(ctx, fs)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestRemoveDirentCompactsByMovingLastEntry(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	for _, name := range []string{"A", "B", "C"} {
		f, err := root.Create(ctx, name)
		require.NoError(t, err)
		f.Put()
	}

	require.NoError(t, root.RemoveDirent(ctx, "B"))

	entries, err := root.Readdir(ctx)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	// "C" takes "B"'s former slot; nothing is listed twice.
	assert.Equal(t, []string{".", "..", "A", "C"}, names)
}

func TestDataSurvivesUnmountAndRemount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.OpenFileDevice(path, 64)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s5fs.Mkfs(ctx, dev))

	fs, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	f, err := root.Create(ctx, "keep.txt")
	require.NoError(t, err)
	_, err = f.WriteFile(ctx, 0, []byte("durable"))
	require.NoError(t, err)
	f.Put()
	root.Put()
	require.NoError(t, fs.Unmount(ctx))

	fs2, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { fs2.Unmount(ctx) })

	root2, err := fs2.GetVnode(ctx, fs2.RootIno())
	require.NoError(t, err)
	defer root2.Put()

	ino, err := root2.FindDirent(ctx, "keep.txt")
	require.NoError(t, err)
	f2, err := fs2.GetVnode(ctx, ino)
	require.NoError(t, err)
	defer f2.Put()

	buf := make([]byte, 7)
	n, err := f2.ReadFile(ctx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(buf[:n]))
}

func TestWriteExhaustsFreeListWithNoSpace(t *testing.T) {
	fs := mountFresh(t, 16)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "fill")
	require.NoError(t, err)
	defer f.Put()

	block := make([]byte, s5fs.BlockSize)
	var werr error
	for i := 0; i < s5fs.MaxFileBlocks; i++ {
		if _, werr = f.WriteFile(ctx, int64(i)*s5fs.BlockSize, block); werr != nil {
			break
		}
	}
	require.Error(t, werr)
	assert.ErrorIs(t, werr, s5fs.ErrNoSpace)
}

func TestBlockFreeListContinuationRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("formats and fills a multi-batch image")
	}
	// Enough blocks that mkfs threads more than one free-list batch,
	// and a max-size file drains the superblock's array far enough to
	// pull a continuation batch back in.
	fs := mountFresh(t, 2200)
	ctx := context.Background()

	violations, err := s5fs.Check(ctx, fs)
	require.NoError(t, err)
	require.Empty(t, violations)

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "big")
	require.NoError(t, err)

	block := make([]byte, s5fs.BlockSize)
	for i := 0; i < s5fs.MaxFileBlocks; i++ {
		_, err = f.WriteFile(ctx, int64(i)*s5fs.BlockSize, block)
		require.NoError(t, err)
	}

	violations, err = s5fs.Check(ctx, fs)
	require.NoError(t, err)
	assert.Empty(t, violations)

	require.NoError(t, root.RemoveDirent(ctx, "big"))
	f.Put()

	violations, err = s5fs.Check(ctx, fs)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestZeroLengthReadAndWriteTouchNothing(t *testing.T) {
	fs := mountFresh(t, 64)
	ctx := context.Background()

	root, err := fs.GetVnode(ctx, fs.RootIno())
	require.NoError(t, err)
	defer root.Put()

	f, err := root.Create(ctx, "empty")
	require.NoError(t, err)
	defer f.Put()

	n, err := f.WriteFile(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), f.SizeBytes())

	n, err = f.ReadFile(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
