package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weenixfs/kernel/internal/fs/s5fs"
	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/kernel/metrics"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck <image-path>",
	Short: "Check an S5 image for free-list and link-count invariant violations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dev, err := blockdev.OpenFileDevice(args[0], 0)
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		defer dev.Close()

		fs, err := s5fs.Mount(ctx, "fsck", dev, metrics.NoOp())
		if err != nil {
			return fmt.Errorf("mount: %w", err)
		}

		violations, err := s5fs.Check(ctx, fs)
		if err != nil {
			return fmt.Errorf("fsck: %w", err)
		}

		if len(violations) == 0 {
			fmt.Println("fsck: clean")
			return nil
		}
		for _, v := range violations {
			fmt.Println(v.Error())
		}
		return fmt.Errorf("fsck: %d violation(s) found", len(violations))
	},
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}
