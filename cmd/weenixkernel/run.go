package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/fs/s5vfs"
	"github.com/weenixfs/kernel/internal/fs/vfs"
	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/dev"
	"github.com/weenixfs/kernel/internal/kernel/klog"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
	procTable "github.com/weenixfs/kernel/internal/kernel/proc"
	"github.com/weenixfs/kernel/internal/proc"
	"github.com/weenixfs/kernel/internal/syscall"
)

var (
	runMetricsAddr string
	runGCS         bool
)

var runCmd = &cobra.Command{
	Use:   "run <image-path>",
	Short: "Mount an S5 image and boot a single init process against it",
	Long: `run mounts the image at <image-path> as the root S5 filesystem, boots a
single init process against it, and drives a short demonstration
workload through the syscall surface. With --gcs, <image-path> is a
"bucket/object" pair and the disk image lives in Cloud Storage instead
of the local filesystem.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		log := klog.For("run")

		var img blockdev.Device
		if runGCS {
			bucket, object, found := strings.Cut(args[0], "/")
			if !found {
				return fmt.Errorf("--gcs expects bucket/object, got %q", args[0])
			}
			client, cerr := storage.NewClient(ctx)
			if cerr != nil {
				return fmt.Errorf("storage client: %w", cerr)
			}
			gdev, gerr := blockdev.OpenGCSDevice(ctx, client, bucket, object, 0)
			if gerr != nil {
				return fmt.Errorf("open gcs image: %w", gerr)
			}
			img = gdev
		} else {
			fdev, ferr := blockdev.OpenFileDevice(args[0], 0)
			if ferr != nil {
				return fmt.Errorf("open image: %w", ferr)
			}
			img = fdev
		}
		defer img.Close()

		disks := blockdev.NewRegistry()
		disks.Register("disk0", img)
		disk, ok := disks.Lookup("disk0")
		if !ok {
			return fmt.Errorf("device disk0 not registered")
		}

		met := metrics.NoOp()
		if runMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			h, shutdown, merr := metrics.Init(reg)
			if merr != nil {
				return fmt.Errorf("metrics: %w", merr)
			}
			defer shutdown(ctx)
			met = h
			go func() {
				if serr := http.ListenAndServe(runMetricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); serr != nil {
					log.Errorw("metrics listener failed", "addr", runMetricsAddr, "error", serr)
				}
			}()
		}

		fs, err := s5fs.Mount(ctx, "disk0", disk, met)
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}
		defer fs.Unmount(ctx)

		vfsFS := s5vfs.New(fs)
		rootBack, err := vfsFS.Root(ctx)
		if err != nil {
			return fmt.Errorf("resolve root: %w", err)
		}
		root := vfs.NewVnode(ctx, vfsFS, rootBack)

		devs := dev.NewRegistry()
		devs.RegisterMemDevs()
		devs.Register(dev.ID(dev.TTYMajor, 0), dev.NewTTY(cmd.OutOrStdout()))

		procs := procTable.NewTable()
		sys := syscall.New(procs, met)
		initProc := proc.New(procs, "init", root, fs.Cache(), met)
		initProc.Files.Devs = devs

		log.Infow("booted", "root_ino", root.Ino())
		fmt.Printf("weenixkernel: init running as pid %d, root inode %d\n", initProc.PID(), root.Ino())

		if err := demoWorkload(ctx, sys, initProc); err != nil {
			return fmt.Errorf("workload: %w", err)
		}

		initProc.Exit(0)
		return nil
	},
}

// demoWorkload drives the mounted image through the syscall surface:
// create, write, seek, read, stat, unlink — the same shape as the
// end-to-end smoke a userland init would run.
func demoWorkload(ctx context.Context, sys *syscall.Table, p *proc.Proc) error {
	fd, err := sys.Open(ctx, p, "/boot.txt", vfs.OCreate|vfs.OWrite|vfs.ORead)
	if err != nil {
		return err
	}
	msg := []byte("hello from weenixkernel\n")
	if _, err := sys.Write(ctx, p, fd, msg); err != nil {
		return err
	}
	if _, err := sys.Lseek(ctx, p, fd, 0, vfs.SeekSet); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	n, err := sys.Read(ctx, p, fd, buf)
	if err != nil {
		return err
	}
	st, err := sys.Stat(ctx, p, "/boot.txt")
	if err != nil {
		return err
	}
	fmt.Printf("weenixkernel: wrote and read back %d bytes (inode %d, %d block(s))\n", n, st.Ino, st.Blocks)

	if err := sys.Close(ctx, p, fd); err != nil {
		return err
	}
	return sys.Unlink(ctx, p, "/boot.txt")
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address while running (e.g. :9090)")
	runCmd.Flags().BoolVar(&runGCS, "gcs", false, "treat <image-path> as a Cloud Storage bucket/object holding the disk image")
	rootCmd.AddCommand(runCmd)
}
