package s5vfs_test

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

func mountFresh(t *testing.T) *s5vfs.Filesystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.OpenFileDevice(path, 32)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s5fs.Mkfs(ctx, dev))
	fs, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Unmount(ctx) })

	return s5vfs.New(fs)
}

func TestRootResolvesToADirectory(t *testing.T) {
	vfsFS := mountFresh(t)
	ctx := context.Background()

	root, err := vfsFS.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, vfs.ModeDir, root.Stat().Mode)
}

func TestLookupMissingNameTranslatesToNoEntry(t *testing.T) {
	vfsFS := mountFresh(t)
	ctx := context.Background()

	root, err := vfsFS.Root(ctx)
	require.NoError(t, err)

	_, err = root.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, kerrno.NoEntry)
}

func TestCreateExistingNameTranslatesToAlreadyExists(t *testing.T) {
	vfsFS := mountFresh(t)
	ctx := context.Background()

	root, err := vfsFS.Root(ctx)
	require.NoError(t, err)

	child, err := root.Create(ctx, "a")
	require.NoError(t, err)
	defer child.Release(ctx)

	_, err = root.Create(ctx, "a")
	assert.ErrorIs(t, err, kerrno.AlreadyExists)
}
