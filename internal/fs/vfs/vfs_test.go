package vfs_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/fs/s5vfs"
	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
)

func newProcess(t *testing.T) *vfs.Process {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.OpenFileDevice(path, 64)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s5fs.Mkfs(ctx, dev))

	fs, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Unmount(ctx) })

	vfsFS := s5vfs.New(fs)
	rootBack, err := vfsFS.Root(ctx)
	require.NoError(t, err)
	root := vfs.NewVnode(ctx, vfsFS, rootBack)

	return vfs.NewProcess(root)
}

func TestOpenCreateWriteReadClose(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/file.txt", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)

	n, err := p.Write(ctx, fd, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = p.Lseek(fd, 0, vfs.SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 7)
	n, err = p.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	require.NoError(t, p.Close(fd))
	_, err = p.Read(ctx, fd, buf)
	assert.ErrorIs(t, err, kerrno.BadFD)
}

func TestOpenWithoutCreateOnMissingPathFails(t *testing.T) {
	p := newProcess(t)
	_, err := p.Open(context.Background(), "/nope.txt", vfs.ORead)
	assert.Error(t, err)
}

func TestMkdirChdirRmdir(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/sub"))
	require.NoError(t, p.Chdir(ctx, "/sub"))

	st, err := p.Stat(ctx, ".")
	require.NoError(t, err)
	assert.Equal(t, vfs.ModeDir, st.Mode)

	require.NoError(t, p.Chdir(ctx, "/"))
	require.NoError(t, p.Rmdir(ctx, "/sub"))

	_, err = p.Stat(ctx, "/sub")
	assert.Error(t, err)
}

func TestDupSharesOffset(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/a.txt", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)
	_, err = p.Write(ctx, fd, []byte("abcdef"))
	require.NoError(t, err)
	_, err = p.Lseek(fd, 0, vfs.SeekSet)
	require.NoError(t, err)

	dupfd, err := p.Dup(fd)
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = p.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	// Dup shares the same File, so its offset moved too.
	_, err = p.Read(ctx, dupfd, buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf))
}

func TestLinkAndUnlinkPreservesDataUntilLastReference(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/orig.txt", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)
	_, err = p.Write(ctx, fd, []byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, p.Close(fd))

	require.NoError(t, p.Link(ctx, "/orig.txt", "/alias.txt"))
	require.NoError(t, p.Unlink(ctx, "/orig.txt"))

	fd2, err := p.Open(ctx, "/alias.txt", vfs.ORead)
	require.NoError(t, err)
	buf := make([]byte, 3)
	n, err := p.Read(ctx, fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf[:n]))
}

func TestRenameIsLinkThenUnlink(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/a.txt", vfs.OCreate|vfs.OWrite)
	require.NoError(t, err)
	require.NoError(t, p.Close(fd))

	require.NoError(t, p.Rename(ctx, "/a.txt", "/b.txt"))

	_, err = p.Stat(ctx, "/a.txt")
	assert.Error(t, err)
	_, err = p.Stat(ctx, "/b.txt")
	assert.NoError(t, err)
}

func TestGetdentWalksDirectoryEntries(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/d"))
	fd, err := p.Open(ctx, "/d", vfs.ORead)
	require.NoError(t, err)

	names := map[string]bool{}
	for {
		d, err := p.Getdent(ctx, fd)
		require.NoError(t, err)
		if d == nil {
			break
		}
		names[d.Name] = true
	}
	assert.True(t, names["."])
	assert.True(t, names[".."])
}

func TestSparseFileStatCountsOnlyAllocatedBlocks(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/s", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)

	_, err = p.Lseek(fd, 8192, vfs.SeekSet)
	require.NoError(t, err)
	_, err = p.Write(ctx, fd, []byte("x"))
	require.NoError(t, err)

	st, err := p.Stat(ctx, "/s")
	require.NoError(t, err)
	assert.Equal(t, int64(8193), st.Size)
	assert.Equal(t, uint32(1), st.Blocks)

	_, err = p.Lseek(fd, 0, vfs.SeekSet)
	require.NoError(t, err)
	buf := make([]byte, 8193)
	n, err := p.Read(ctx, fd, buf)
	require.NoError(t, err)
	require.Equal(t, 8193, n)
	for i := 0; i < 8192; i++ {
		if buf[i] != 0 {
			t.Fatalf("hole byte %d = %#x, want 0", i, buf[i])
		}
	}
	assert.Equal(t, byte('x'), buf[8192])
}

func TestGetdentSeesCompactedOrderAfterUnlink(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	for _, name := range []string{"/A", "/B", "/C"} {
		fd, err := p.Open(ctx, name, vfs.OCreate|vfs.OWrite)
		require.NoError(t, err)
		require.NoError(t, p.Close(fd))
	}
	require.NoError(t, p.Unlink(ctx, "/B"))

	fd, err := p.Open(ctx, "/", vfs.ORead)
	require.NoError(t, err)

	var names []string
	for {
		d, err := p.Getdent(ctx, fd)
		require.NoError(t, err)
		if d == nil {
			break
		}
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{".", "..", "A", "C"}, names)
}

func TestReadAtEOFReturnsZero(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	fd, err := p.Open(ctx, "/f", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)
	_, err = p.Write(ctx, fd, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := p.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLinkDirectoryRejected(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/d"))
	err := p.Link(ctx, "/d", "/d2")
	assert.ErrorIs(t, err, kerrno.Permission)
}

func TestLinkToExistingNameFails(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	for _, name := range []string{"/a", "/b"} {
		fd, err := p.Open(ctx, name, vfs.OCreate|vfs.OWrite)
		require.NoError(t, err)
		require.NoError(t, p.Close(fd))
	}
	err := p.Link(ctx, "/a", "/b")
	assert.ErrorIs(t, err, kerrno.AlreadyExists)
}

func TestRmdirRejectsNonEmptyUntilCleared(t *testing.T) {
	p := newProcess(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/d"))
	fd, err := p.Open(ctx, "/d/x", vfs.OCreate|vfs.OWrite)
	require.NoError(t, err)
	require.NoError(t, p.Close(fd))

	err = p.Rmdir(ctx, "/d")
	assert.ErrorIs(t, err, kerrno.NotEmpty)

	require.NoError(t, p.Unlink(ctx, "/d/x"))
	require.NoError(t, p.Rmdir(ctx, "/d"))
}

func TestOpenRejectsUnknownFlagBits(t *testing.T) {
	p := newProcess(t)
	_, err := p.Open(context.Background(), "/x", vfs.OpenFlags(1<<12)|vfs.ORead)
	assert.ErrorIs(t, err, kerrno.InvalidArgument)
}
