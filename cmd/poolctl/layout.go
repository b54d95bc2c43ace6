package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	quadpool "github.com/holmberd/go-quadpool"
)

var (
	layoutAllocs []int
)

func init() {
	cmd := newLayoutCmd()
	cmd.Flags().IntSliceVar(&layoutAllocs, "alloc", nil, "Sizes to allocate before printing the layout")
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Show the block classes of a pool",
		Long: `The layout command defines a pool from the pool flags and prints its
block classes with their occupancy.

Example:
  poolctl layout
  poolctl layout --min-block 16 --classes 4 --max-blocks 1 --alloc 50
  poolctl layout --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout()
		},
	}
	return cmd
}

type LayoutInfo struct {
	Size         int
	MaxBlockSize int
	Policy       string
	Ordering     string
	Backing      string
	Fingerprint  string
	Blocks       []quadpool.Block
	Classes      []quadpool.ClassStats
}

func runLayout() error {
	r, p, err := definePool("layout")
	if err != nil {
		return err
	}
	defer r.Close()

	info := LayoutInfo{
		Size:         p.Size(),
		MaxBlockSize: p.Config().MaxBlockSize(),
		Policy:       p.Config().Policy.String(),
		Ordering:     p.Config().Ordering.String(),
		Backing:      p.Config().Backing.String(),
	}
	for _, size := range layoutAllocs {
		b, err := p.Allocate(context.Background(), size, quadpool.NoWait)
		if err != nil {
			return fmt.Errorf("failed to allocate %d bytes: %w", size, err)
		}
		printVerbose("Allocated %d bytes at offset %d\n", size, b.Offset)
		info.Blocks = append(info.Blocks, b)
	}
	info.Fingerprint = fmt.Sprintf("%016x", p.Fingerprint())
	info.Classes = p.Stats().Classes

	if jsonOut {
		return printJSON(info)
	}

	printInfo("Pool: %d bytes, blocks up to %d bytes\n", info.Size, info.MaxBlockSize)
	printInfo("Policy: %s, ordering: %s, backing: %s\n", info.Policy, info.Ordering, info.Backing)
	printInfo("Fingerprint: %s\n\n", info.Fingerprint)
	printInfo("%-6s %10s %8s %8s %6s %6s %6s\n", "CLASS", "BLOCK", "CAPACITY", "GROUPS", "FREE", "USED", "SPLIT")
	for i, c := range info.Classes {
		printInfo("%-6d %10d %8d %8d %6d %6d %6d\n",
			i, c.BlockSize, c.Capacity, c.Groups, c.FreeBlocks, c.UsedBlocks, c.SplitBlocks)
	}
	return nil
}
