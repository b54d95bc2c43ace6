package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	quadpool "github.com/holmberd/go-quadpool"
)

func init() {
	rootCmd.AddCommand(newScenarioCmd())
}

func newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Replay the reference allocation scenario",
		Long: `The scenario command replays allocations against a 1KiB pool of
16, 64, 256 and 1024-byte blocks: the sole 1024-byte block is taken and
released, a 64-byte block splits it, and a full-size request succeeds only
once that block is released and the pool is defragmented.

Only the policy, ordering and backing flags apply.

Example:
  poolctl scenario
  poolctl scenario --policy none --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario()
		},
	}
	return cmd
}

type ScenarioStep struct {
	Op        string
	Size      int `json:",omitempty"`
	Result    string
	Offset    int `json:",omitempty"`
	Merged    int `json:",omitempty"`
	FreeBytes int
	UsedBytes int
	Groups    []int // Active groups per class, largest class first.
}

func runScenario() error {
	config, err := poolConfig()
	if err != nil {
		return err
	}
	config.MinBlockSize = 16
	config.NumClasses = 4
	config.MaxBlocks = 1

	r, err := newRegistry()
	if err != nil {
		return err
	}
	defer r.Close()
	p, err := r.Define("scenario", config)
	if err != nil {
		return err
	}

	var steps []ScenarioStep
	record := func(step ScenarioStep) {
		s := p.Stats()
		step.FreeBytes, step.UsedBytes = s.FreeBytes, s.UsedBytes
		for _, c := range s.Classes {
			step.Groups = append(step.Groups, c.Groups)
		}
		steps = append(steps, step)
	}
	alloc := func(size int) (quadpool.Block, error) {
		b, err := p.Allocate(context.Background(), size, quadpool.NoWait)
		step := ScenarioStep{Op: "allocate", Size: size, Result: "ok", Offset: b.Offset}
		if errors.Is(err, quadpool.ErrNoBlock) {
			step.Result = "fail"
		} else if err != nil {
			return b, err
		}
		record(step)
		return b, nil
	}
	release := func(b quadpool.Block) error {
		if err := p.Release(b); err != nil {
			return err
		}
		record(ScenarioStep{Op: "release", Size: b.Size, Result: "ok", Offset: b.Offset})
		return nil
	}

	first, err := alloc(700)
	if err != nil {
		return err
	}
	if _, err := alloc(700); err != nil {
		return err
	}
	if err := release(first); err != nil {
		return err
	}
	small, err := alloc(50)
	if err != nil {
		return err
	}
	if _, err := alloc(1024); err != nil {
		return err
	}
	if err := release(small); err != nil {
		return err
	}
	merged, err := p.Defragment()
	if err != nil {
		return err
	}
	record(ScenarioStep{Op: "defragment", Result: "ok", Merged: merged})
	if _, err := alloc(1024); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(steps)
	}
	for _, s := range steps {
		switch s.Op {
		case "allocate":
			if s.Result == "ok" {
				printInfo("%-12s %5d -> offset %d", s.Op, s.Size, s.Offset)
			} else {
				printInfo("%-12s %5d -> FAIL", s.Op, s.Size)
			}
		case "release":
			printInfo("%-12s %5d at offset %d", s.Op, s.Size, s.Offset)
		default:
			printInfo("%-12s       -> merged %d", s.Op, s.Merged)
		}
		printInfo("\tfree %d used %d groups %v\n", s.FreeBytes, s.UsedBytes, s.Groups)
	}
	return nil
}
