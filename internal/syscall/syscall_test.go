package syscall_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/fs/s5vfs"
	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/dev"
	"github.com/weenixfs/kernel/internal/kernel/kerrno"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
	procTable "github.com/weenixfs/kernel/internal/kernel/proc"
	"github.com/weenixfs/kernel/internal/proc"
	"github.com/weenixfs/kernel/internal/syscall"
	"github.com/weenixfs/kernel/internal/vm/vmmap"
)

func bootInit(t *testing.T) (*syscall.Table, *procTable.Table, *proc.Proc) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.OpenFileDevice(path, 64)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s5fs.Mkfs(ctx, dev))
	sfs, err := s5fs.Mount(ctx, "disk0", dev, metrics.NoOp())
	require.NoError(t, err)
	t.Cleanup(func() { sfs.Unmount(ctx) })

	vfsFS := s5vfs.New(sfs)
	rootBack, err := vfsFS.Root(ctx)
	require.NoError(t, err)
	root := vfs.NewVnode(ctx, vfsFS, rootBack)

	table := procTable.NewTable()
	met := metrics.NoOp()
	init := proc.New(table, "init", root, sfs.Cache(), met)
	return syscall.New(table, met), table, init
}

func TestOpenWriteReadThroughSyscallTable(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	fd, err := sys.Open(ctx, init, "/hello", vfs.OCreate|vfs.OWrite|vfs.ORead)
	require.NoError(t, err)

	n, err := sys.Write(ctx, init, fd, []byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = sys.Lseek(ctx, init, fd, 0, vfs.SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err = sys.Read(ctx, init, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestForkAndWaitpidThroughSyscallTable(t *testing.T) {
	sys, table, init := bootInit(t)
	ctx := context.Background()

	child, err := sys.Fork(ctx, init, "child")
	require.NoError(t, err)

	require.NoError(t, sys.Exit(ctx, child, 5))

	pid, status, err := sys.Waitpid(ctx, init, procTable.Any, false)
	require.NoError(t, err)
	assert.Equal(t, child.PID(), pid)
	assert.Equal(t, 5, status)
	_ = table
}

func TestMmapReturnsMappedPageAndFaultsInZeroedMemory(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	lopage, err := sys.Mmap(ctx, init, -1, 1, vmmap.ProtRead|vmmap.ProtWrite, vmmap.MapAnon|vmmap.MapPrivate, 0)
	require.NoError(t, err)

	f, err := init.HandleFault(ctx, lopage, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0), f.Data[0])
}

func TestMunmapRemovesMapping(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	lopage, err := sys.Mmap(ctx, init, -1, 2, vmmap.ProtRead, vmmap.MapAnon|vmmap.MapPrivate, 0)
	require.NoError(t, err)

	require.NoError(t, sys.Munmap(ctx, init, lopage, 2))
	assert.Nil(t, init.VM.Lookup(lopage))
}

func TestGetpid(t *testing.T) {
	sys, _, init := bootInit(t)
	assert.Equal(t, init.PID(), sys.Getpid(init))
}

func TestMmapRequiresExactlyOneOfSharedPrivate(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	_, err := sys.Mmap(ctx, init, -1, 1, vmmap.ProtRead, vmmap.MapAnon, 0)
	assert.ErrorIs(t, err, kerrno.InvalidArgument)

	_, err = sys.Mmap(ctx, init, -1, 1, vmmap.ProtRead, vmmap.MapAnon|vmmap.MapShared|vmmap.MapPrivate, 0)
	assert.ErrorIs(t, err, kerrno.InvalidArgument)

	_, err = sys.Mmap(ctx, init, -1, 0, vmmap.ProtRead, vmmap.MapAnon|vmmap.MapPrivate, 0)
	assert.ErrorIs(t, err, kerrno.InvalidArgument)
}

func TestWaitpidBlocksWithoutHoldingTheKernelLock(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	child, err := sys.Fork(ctx, init, "child")
	require.NoError(t, err)

	type result struct {
		pid    procTable.PID
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		pid, status, werr := sys.Waitpid(ctx, init, procTable.Any, false)
		done <- result{pid, status, werr}
	}()

	// The child's exit syscall needs the BKL; if waitpid slept holding
	// it this would deadlock instead of completing.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sys.Exit(ctx, child, 9))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, child.PID(), r.pid)
		assert.Equal(t, 9, r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("waitpid never returned after child exit")
	}
}

func TestPageFaultOnUnmappedAddressKillsProcess(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	child, err := sys.Fork(ctx, init, "child")
	require.NoError(t, err)

	_, err = sys.PageFault(ctx, child, 0x9000, false)
	assert.ErrorIs(t, err, kerrno.Fault)

	pid, status, err := sys.Waitpid(ctx, init, procTable.Any, false)
	require.NoError(t, err)
	assert.Equal(t, child.PID(), pid)
	assert.Equal(t, proc.StatusFault, status)
}

func TestMknodOpenReadRoutesToDeviceDriver(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	reg := dev.NewRegistry()
	reg.RegisterMemDevs()
	init.Files.Devs = reg

	require.NoError(t, sys.Mknod(ctx, init, "/zero", vfs.ModeChr, dev.ID(dev.MemMajor, dev.ZeroMinor)))

	fd, err := sys.Open(ctx, init, "/zero", vfs.ORead|vfs.OWrite)
	require.NoError(t, err)

	buf := []byte{0xaa, 0xbb, 0xcc}
	n, err := sys.Read(ctx, init, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0, 0, 0}, buf)

	n, err = sys.Write(ctx, init, fd, []byte("discarded"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestOpenDeviceNodeWithoutDriverFails(t *testing.T) {
	sys, _, init := bootInit(t)
	ctx := context.Background()

	require.NoError(t, sys.Mknod(ctx, init, "/null", vfs.ModeChr, dev.ID(dev.MemMajor, dev.NullMinor)))

	_, err := sys.Open(ctx, init, "/null", vfs.ORead)
	assert.ErrorIs(t, err, kerrno.NoEntry)
}
