package quadpool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holmberd/go-quadpool/internal/blockset"
	"github.com/holmberd/go-quadpool/internal/kernel"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// WaiterOrder selects how a retry sweep treats a waiter it cannot serve.
type WaiterOrder int

const (
	// WaiterOrderStrict ends the sweep at the first waiter that cannot be
	// served, so a later request never overtakes an earlier one.
	WaiterOrderStrict WaiterOrder = iota
	// WaiterOrderSkip leaves a waiter that cannot be served queued and tries
	// the ones behind it.
	WaiterOrderSkip
)

func (o WaiterOrder) String() string {
	switch o {
	case WaiterOrderStrict:
		return "strict"
	case WaiterOrderSkip:
		return "skip"
	default:
		return fmt.Sprintf("WaiterOrder(%d)", int(o))
	}
}

// ParseWaiterOrder returns the ordering named by s.
func ParseWaiterOrder(s string) (WaiterOrder, error) {
	for _, o := range []WaiterOrder{WaiterOrderStrict, WaiterOrderSkip} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown waiter order %q", s)
}

// Backing selects where a pool buffer is allocated.
type Backing int

const (
	// BackingHeap allocates the buffer on the Go heap.
	BackingHeap Backing = iota
	// BackingMmap maps the buffer outside of the Go heap, so the garbage
	// collector never scans it.
	BackingMmap
)

func (b Backing) String() string {
	switch b {
	case BackingHeap:
		return "heap"
	case BackingMmap:
		return "mmap"
	default:
		return fmt.Sprintf("Backing(%d)", int(b))
	}
}

// ParseBacking returns the backing named by s.
func ParseBacking(s string) (Backing, error) {
	for _, b := range []Backing{BackingHeap, BackingMmap} {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown backing %q", s)
}

// Config describes a pool.
type Config struct {
	MinBlockSize int // Block size of the smallest class, in bytes.
	NumClasses   int // Number of classes; each holds blocks 4x the size of the next.
	MaxBlocks    int // Number of largest blocks making up the buffer.

	// Capacities optionally bounds the number of block groups of each class,
	// largest class first. Class 0 must hold MaxBlocks blocks.
	Capacities []int

	Policy   Policy      // When allocations defragment implicitly.
	Ordering WaiterOrder // How waiters are served.
	Backing  Backing     // Where the buffer is allocated.

	// Debug checks every block offset and the pool invariants after every
	// operation, and panics when one is violated instead of disabling the
	// pool.
	Debug bool

	// Logger overrides the registry logger for this pool.
	Logger *slog.Logger
}

// DefaultConfig returns a 64KiB pool of 16B to 16KiB blocks.
func DefaultConfig() Config {
	return Config{
		MinBlockSize: 16,
		NumClasses:   6,
		MaxBlocks:    4,
		Policy:       AutoDefragAfterSearch,
		Ordering:     WaiterOrderStrict,
		Backing:      BackingHeap,
	}
}

// BufferSize returns the size of the pool buffer in bytes.
func (c Config) BufferSize() int {
	return c.table().BufferSize()
}

// MaxBlockSize returns the largest request the pool can serve.
func (c Config) MaxBlockSize() int {
	return c.table().MaxBlockSize()
}

func (c Config) table() blockset.Config {
	return blockset.Config{
		MinBlockSize: c.MinBlockSize,
		NumClasses:   c.NumClasses,
		MaxBlocks:    c.MaxBlocks,
		Capacities:   c.Capacities,
		Policy:       c.Policy,
		Debug:        c.Debug,
	}
}

func (c Config) Validate() error {
	errs := []error{c.table().Validate()}
	switch c.Ordering {
	case WaiterOrderStrict, WaiterOrderSkip:
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown waiter order %v", c.Ordering))
	}
	switch c.Backing {
	case BackingHeap, BackingMmap:
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown backing %v", c.Backing))
	}
	return errors.Join(errs...)
}

// RegistryConfig holds the collaborators shared by the pools of a registry.
type RegistryConfig struct {
	Logger    *slog.Logger
	Scheduler kernel.Scheduler // Notified while tasks wait; nil ignores them.

	// Timers arms request timeouts. When nil, timeouts run on the wall clock
	// with ticks lasting Tick.
	Timers kernel.Timers
	Tick   time.Duration
}

// DefaultRegistryConfig returns a configuration with the default logger,
// no scheduler and a 10ms wall-clock tick.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Logger:    slog.Default(),
		Scheduler: kernel.NopScheduler(),
		Tick:      kernel.DefaultTick,
	}
}

func (c RegistryConfig) Validate() error {
	if c.Tick < 0 {
		return errors.New("invalid config: Tick must not be negative")
	}
	if c.Timers == nil && c.Tick == 0 {
		return errors.New("invalid config: Tick must be positive when Timers is not set")
	}
	return nil
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Scheduler == nil {
		c.Scheduler = kernel.NopScheduler()
	}
	if c.Timers == nil {
		c.Timers = kernel.WallClock{Tick: c.Tick}
	}
	return c
}
