package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	quadpool "github.com/holmberd/go-quadpool"
)

var (
	simOps         int
	simSeed        int64
	simFreeRatio   float64
	simDefragEvery int
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVar(&simOps, "ops", 10000, "Number of operations")
	cmd.Flags().Int64Var(&simSeed, "seed", 1, "Random seed")
	cmd.Flags().Float64Var(&simFreeRatio, "free-ratio", 0.4, "Share of operations that release a block")
	cmd.Flags().IntVar(&simDefragEvery, "defrag-every", 0, "Defragment every N operations (0 disables)")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a randomized allocation workload",
		Long: `The simulate command allocates and releases blocks of random sizes
without waiting, then releases everything, defragments and verifies that the
pool is back to its initial layout.

Example:
  poolctl simulate --ops 100000 --seed 7
  poolctl simulate --policy before-search --defrag-every 500 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
	return cmd
}

type SimulateResult struct {
	Ops           int
	Allocations   uint64
	Failures      uint64
	Releases      uint64
	Defrags       uint64
	Merged        uint64
	PeakUsedBytes int
	PeakFragment  float64
	Restored      bool
}

func runSimulate() error {
	if simOps < 0 {
		return fmt.Errorf("invalid --ops: %d", simOps)
	}
	if simFreeRatio < 0 || simFreeRatio > 1 {
		return fmt.Errorf("invalid --free-ratio: %g", simFreeRatio)
	}
	r, p, err := definePool("simulate")
	if err != nil {
		return err
	}
	defer r.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(simSeed))
	initial := p.Fingerprint()
	maxSize := p.Config().MaxBlockSize()
	classes := p.Config().NumClasses

	var live []quadpool.Block
	result := SimulateResult{Ops: simOps}
	for i := 1; i <= simOps; i++ {
		if len(live) > 0 && rng.Float64() < simFreeRatio {
			j := rng.Intn(len(live))
			b := live[j]
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			if err := p.Release(b); err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
		} else {
			// Spread requests evenly over the classes.
			size := rng.Intn(maxSize>>(2*rng.Intn(classes))) + 1
			b, err := p.Allocate(ctx, size, quadpool.NoWait)
			switch {
			case err == nil:
				live = append(live, b)
			case !errors.Is(err, quadpool.ErrNoBlock):
				return fmt.Errorf("operation %d: %w", i, err)
			}
		}
		if simDefragEvery > 0 && i%simDefragEvery == 0 {
			if _, err := p.Defragment(); err != nil {
				return fmt.Errorf("operation %d: %w", i, err)
			}
		}

		s := p.Stats()
		result.PeakUsedBytes = max(result.PeakUsedBytes, s.UsedBytes)
		result.PeakFragment = max(result.PeakFragment, s.Fragmentation)
		printVerbose("op %d: used %d free %d fragmentation %.2f\n", i, s.UsedBytes, s.FreeBytes, s.Fragmentation)
	}

	for _, b := range live {
		if err := p.Release(b); err != nil {
			return err
		}
	}
	if _, err := p.Defragment(); err != nil {
		return err
	}
	if err := p.Check(); err != nil {
		return err
	}

	s := p.Stats()
	result.Allocations = s.Allocations
	result.Failures = s.Failures
	result.Releases = s.Releases
	result.Defrags = s.Defrags
	result.Merged = s.Merged
	result.Restored = p.Fingerprint() == initial

	if jsonOut {
		return printJSON(result)
	}
	printInfo("Operations:     %d\n", result.Ops)
	printInfo("Allocations:    %d (%d failed)\n", result.Allocations, result.Failures)
	printInfo("Releases:       %d\n", result.Releases)
	printInfo("Defrags:        %d (%d groups merged)\n", result.Defrags, result.Merged)
	printInfo("Peak used:      %d of %d bytes\n", result.PeakUsedBytes, p.Size())
	printInfo("Peak frag:      %.2f\n", result.PeakFragment)
	printInfo("Restored:       %t\n", result.Restored)
	if !result.Restored {
		return errors.New("pool layout differs from the initial layout after releasing every block")
	}
	return nil
}
