package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weenixfs/kernel/internal/kernel/blockdev"
	"github.com/weenixfs/kernel/internal/fs/s5fs"
)

var mkfsBlocks uint32

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image-path>",
	Short: "Format a local disk image with a fresh S5 filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dev, err := blockdev.OpenFileDevice(args[0], mkfsBlocks)
		if err != nil {
			return fmt.Errorf("open image: %w", err)
		}
		defer dev.Close()

		if err := s5fs.Mkfs(ctx, dev); err != nil {
			return fmt.Errorf("mkfs: %w", err)
		}
		return dev.Flush(ctx)
	},
}

func init() {
	mkfsCmd.Flags().Uint32Var(&mkfsBlocks, "blocks", 8192, "number of blocks to format the image with")
	rootCmd.AddCommand(mkfsCmd)
}
