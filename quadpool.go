// Package quadpool implements fixed-region memory pools for real-time tasks.
//
// A pool manages a preallocated buffer as a hierarchy of block classes whose
// sizes shrink by a factor of four. Requests are served by splitting larger
// blocks on demand; fully free groups of four blocks are merged back into
// their parent block by defragmentation. A request that cannot be served may
// wait, in arrival order, until memory is released or its timeout expires.
//
// Pools are defined on a Registry, which owns their buffers and the
// scheduler and timer collaborators shared by all of them.
package quadpool

import (
	"context"
	"errors"

	"github.com/holmberd/go-quadpool/internal/blockset"
	"github.com/holmberd/go-quadpool/internal/kernel"
)

var (
	// ErrNoBlock is returned when no block is available and the request did
	// not wait.
	ErrNoBlock = blockset.ErrNoBlock
	// ErrTimeout is returned when a waiting request was not served before its
	// timeout expired.
	ErrTimeout = errors.New("timed out waiting for a block")

	ErrSizeTooLarge   = blockset.ErrSizeTooLarge
	ErrInvalidSize    = blockset.ErrInvalidSize
	ErrInvalidTimeout = kernel.ErrInvalidTimeout

	// ErrInvariant is wrapped by every error reporting a released block the
	// pool never handed out, or an inconsistent pool.
	ErrInvariant    = blockset.ErrInvariant
	ErrUnknownBlock = blockset.ErrUnknownBlock
	ErrDoubleFree   = blockset.ErrDoubleFree

	ErrPoolCorrupted  = errors.New("pool is corrupted")
	ErrPoolClosed     = errors.New("pool is closed")
	ErrUnknownPool    = errors.New("unknown pool")
	ErrPoolExists     = errors.New("pool already defined")
	ErrRegistryClosed = errors.New("registry is closed")
)

// Ticks is a timeout measured in scheduler ticks.
type Ticks = kernel.Ticks

const (
	// NoWait fails a request immediately when no block is available.
	NoWait = kernel.NoWait
	// Forever waits without a timeout.
	Forever = kernel.Forever
)

// Task identifies the task on whose behalf a request is made.
type Task = kernel.Task

// Policy selects when an allocation defragments smaller classes.
type Policy = blockset.Policy

const (
	AutoDefragAfterSearch  = blockset.AutoDefragAfterSearch
	AutoDefragBeforeSearch = blockset.AutoDefragBeforeSearch
	AutoDefragNone         = blockset.AutoDefragNone
)

// ParsePolicy returns the policy named by s, as printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	return blockset.ParsePolicy(s)
}

// ClassStats describes the occupancy of one block class.
type ClassStats = blockset.ClassStats

// PoolID identifies a pool within its registry.
type PoolID uint32

// Block is an allocated block: its pool, its offset in the pool buffer and
// the size that was requested for it. A block is released with the same
// size it was allocated with.
type Block struct {
	Pool   PoolID
	Offset int
	Size   int
}

type taskKey struct{}

// WithTask returns a context carrying the identity of the requesting task.
// A request made with it reports that task to the scheduler while it waits.
func WithTask(ctx context.Context, t Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFrom returns the task carried by ctx, or the zero Task.
func TaskFrom(ctx context.Context) Task {
	t, _ := ctx.Value(taskKey{}).(Task)
	return t
}
