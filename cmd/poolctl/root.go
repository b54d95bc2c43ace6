package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	quadpool "github.com/holmberd/go-quadpool"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Pool flags
	minBlockSize int
	numClasses   int
	maxBlocks    int
	policyName   string
	orderingName string
	backingName  string
	debugChecks  bool

	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "Inspect and exercise quad-block memory pools",
	Long: `poolctl defines quad-block memory pools and prints their class layout,
replays the reference allocation scenario or runs randomized allocation
workloads against them.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		out = cmd.OutOrStdout()
	},
}

func init() {
	defaults := quadpool.DefaultConfig()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	rootCmd.PersistentFlags().IntVar(&minBlockSize, "min-block", defaults.MinBlockSize, "Smallest block size in bytes")
	rootCmd.PersistentFlags().IntVar(&numClasses, "classes", defaults.NumClasses, "Number of block classes")
	rootCmd.PersistentFlags().IntVar(&maxBlocks, "max-blocks", defaults.MaxBlocks, "Number of largest blocks")
	rootCmd.PersistentFlags().
		StringVar(&policyName, "policy", defaults.Policy.String(), "Auto-defrag policy: after-search, before-search or none")
	rootCmd.PersistentFlags().
		StringVar(&orderingName, "ordering", defaults.Ordering.String(), "Waiter ordering: strict or skip")
	rootCmd.PersistentFlags().
		StringVar(&backingName, "backing", defaults.Backing.String(), "Buffer backing: heap or mmap")
	rootCmd.PersistentFlags().BoolVar(&debugChecks, "debug", false, "Check pool invariants after every operation")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// poolConfig builds a pool configuration from the pool flags.
func poolConfig() (quadpool.Config, error) {
	policy, err := quadpool.ParsePolicy(policyName)
	if err != nil {
		return quadpool.Config{}, err
	}
	ordering, err := quadpool.ParseWaiterOrder(orderingName)
	if err != nil {
		return quadpool.Config{}, err
	}
	backing, err := quadpool.ParseBacking(backingName)
	if err != nil {
		return quadpool.Config{}, err
	}
	c := quadpool.Config{
		MinBlockSize: minBlockSize,
		NumClasses:   numClasses,
		MaxBlocks:    maxBlocks,
		Policy:       policy,
		Ordering:     ordering,
		Backing:      backing,
		Debug:        debugChecks,
	}
	return c, c.Validate()
}

// newRegistry creates a registry logging to stderr.
func newRegistry() (*quadpool.Registry, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	rc := quadpool.DefaultRegistryConfig()
	rc.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return quadpool.NewRegistry(rc)
}

// definePool creates a registry holding a single pool built from the flags.
func definePool(name string) (*quadpool.Registry, *quadpool.Pool, error) {
	config, err := poolConfig()
	if err != nil {
		return nil, nil, err
	}
	r, err := newRegistry()
	if err != nil {
		return nil, nil, err
	}
	p, err := r.Define(name, config)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, p, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(out, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(out, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
