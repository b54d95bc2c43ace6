package quadpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/holmberd/go-quadpool/internal/blockset"
	"github.com/holmberd/go-quadpool/internal/kernel"
	"github.com/holmberd/go-quadpool/internal/waitq"
)

type poolState int

const (
	stateReady poolState = iota // Normal operation.

	// stateCorrupted indicates an invariant violation.
	// All operations are disabled.
	stateCorrupted

	// stateClosed indicates the registry was closed and the buffer released.
	stateClosed
)

func (s poolState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateCorrupted:
		return "corrupted"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("poolState(%d)", int(s))
	}
}

// waiter is an allocation request waiting for a block.
type waiter struct {
	size  int
	class int
	task  Task
	timer kernel.Timer
	entry *waitq.Entry[*waiter]

	// Set before done is closed, under the pool lock.
	block Block
	err   error
	done  chan struct{}
}

type counters struct {
	allocations   uint64
	failures      uint64
	timeouts      uint64
	cancellations uint64
	releases      uint64
	defrags       uint64
	merged        uint64
}

// Stats is a snapshot of the occupancy and activity of a pool.
type Stats struct {
	Name          string
	State         string
	Size          int     // Buffer size in bytes.
	FreeBytes     int     // Bytes in free blocks of any class.
	UsedBytes     int     // Bytes in blocks handed out.
	Fragmentation float64 // Share of free bytes outside the largest class.
	Waiting       int     // Queued requests.

	Allocations   uint64 // Successful allocations, including served waiters.
	Failures      uint64 // Requests that did not wait and got no block.
	Timeouts      uint64
	Cancellations uint64
	Releases      uint64
	Defrags       uint64 // Explicit defragmentation passes.
	Merged        uint64 // Groups merged by explicit defragmentation.

	Classes []ClassStats
}

// Pool serves blocks of a fixed buffer. It is safe for concurrent use; all
// operations on a pool are serialized.
type Pool struct {
	id       PoolID
	name     string
	config   Config
	logger   *slog.Logger
	sched    kernel.Scheduler
	timers   kernel.Timers
	ordering WaiterOrder
	debug    bool

	mu       sync.Mutex
	state    poolState
	table    *blockset.Table
	arena    *arena
	waiters  waitq.Queue[*waiter]
	counters counters
}

func newPool(id PoolID, name string, config Config, rc RegistryConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	table, err := blockset.New(config.table())
	if err != nil {
		return nil, err
	}
	a, err := newArena(table.Size(), config.Backing)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = rc.Logger
	}
	return &Pool{
		id:       id,
		name:     name,
		config:   config,
		logger:   logger.With("pool", name),
		sched:    rc.Scheduler,
		timers:   rc.Timers,
		ordering: config.Ordering,
		debug:    config.Debug,
		table:    table,
		arena:    a,
	}, nil
}

func (p *Pool) ID() PoolID {
	return p.id
}

func (p *Pool) Name() string {
	return p.name
}

// Config returns the configuration the pool was defined with.
func (p *Pool) Config() Config {
	return p.config
}

// Size returns the size of the pool buffer in bytes.
func (p *Pool) Size() int {
	return p.table.Size()
}

// Allocate returns a block of at least size bytes.
//
// When no block is available, Allocate fails with ErrNoBlock if timeout is
// NoWait. Otherwise the request waits, behind every earlier waiting request,
// until a release or defragmentation frees a block for it, the timeout
// expires (ErrTimeout) or ctx is done (ctx.Err()). A request that is served
// while ctx is being canceled returns its block.
//
// The task carried by ctx, if any, is reported to the scheduler while the
// request waits.
func (p *Pool) Allocate(ctx context.Context, size int, timeout Ticks) (Block, error) {
	if err := timeout.Validate(); err != nil {
		return Block{}, err
	}
	ci, err := p.table.ClassFor(size)
	if err != nil {
		return Block{}, err
	}
	b, w, err := p.submit(ctx, size, ci, timeout)
	if w == nil {
		return b, err
	}
	return p.wait(ctx, w)
}

// submit tries the allocator once and queues the request if it may wait.
func (p *Pool) submit(ctx context.Context, size, ci int, timeout Ticks) (Block, *waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return Block{}, nil, err
	}

	off, err := p.table.AllocClass(ci)
	if err == nil {
		p.counters.allocations++
		return p.block(off, size), nil, nil
	}
	if !errors.Is(err, ErrNoBlock) {
		return Block{}, nil, p.violation(err)
	}
	if timeout == NoWait {
		p.counters.failures++
		return Block{}, nil, fmt.Errorf("%w: %d bytes from pool %q", ErrNoBlock, size, p.name)
	}
	return Block{}, p.enqueue(ctx, size, ci, timeout), nil
}

// enqueue appends a waiter and blocks its task.
// It assumes the caller holds the mutex.
func (p *Pool) enqueue(ctx context.Context, size, ci int, timeout Ticks) *waiter {
	w := &waiter{size: size, class: ci, task: TaskFrom(ctx), done: make(chan struct{})}
	w.entry = p.waiters.PushBack(w)
	p.sched.Block(w.task, kernel.FlagPoolWait)
	if timeout != Forever {
		w.timer = p.timers.AfterTicks(timeout, func() { p.expire(w) })
	}
	p.logger.Debug("Queued allocation",
		"size", size, "task", w.task.ID, "timeout", timeout, "waiting", p.waiters.Len())
	return w
}

func (p *Pool) wait(ctx context.Context, w *waiter) (Block, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		p.mu.Lock()
		if p.waiters.Remove(w.entry) {
			p.counters.cancellations++
			p.finish(w, Block{}, ctx.Err())
			// w may have held back later waiters.
			_ = p.retryWaiters()
		}
		// Otherwise a sweep, timeout or shutdown finished w first.
		p.mu.Unlock()
	}
	<-w.done
	return w.block, w.err
}

// expire fails a waiter whose timeout fired. It does nothing if the waiter
// was already served or canceled.
func (p *Pool) expire(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waiters.Remove(w.entry) {
		return
	}
	p.counters.timeouts++
	p.logger.Warn("Allocation timed out", "size", w.size, "task", w.task.ID)
	p.finish(w, Block{}, fmt.Errorf("%w: %d bytes from pool %q", ErrTimeout, w.size, p.name))
	// w may have held back later waiters.
	_ = p.retryWaiters()
}

// finish records the outcome of an unlinked waiter and wakes it.
// It assumes the caller holds the mutex.
func (p *Pool) finish(w *waiter, b Block, err error) {
	w.block, w.err = b, err
	if w.timer != nil {
		w.timer.Stop()
	}
	p.sched.Unblock(w.task, kernel.FlagPoolWait)
	close(w.done)
}

// Release returns a block to the pool and retries waiting requests. The
// block must have been allocated from this pool with the same size.
func (p *Pool) Release(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	if b.Pool != p.id {
		return fmt.Errorf("%w: block of pool %d released to pool %d", ErrUnknownBlock, b.Pool, p.id)
	}
	ci, err := p.table.ClassFor(b.Size)
	if err != nil {
		return err
	}
	if err := p.table.FreeClass(ci, b.Offset); err != nil {
		return p.violation(err)
	}
	p.counters.releases++
	return p.retryWaiters()
}

// Defragment merges every fully free block group into its parent block,
// retries waiting requests and returns the number of merged groups.
func (p *Pool) Defragment() (int, error) {
	return p.defrag(p.table.NumClasses()-1, 0)
}

// DefragmentFor merges only the classes of blocks smaller than the ones
// serving size bytes.
func (p *Pool) DefragmentFor(size int) (int, error) {
	ci, err := p.table.ClassFor(size)
	if err != nil {
		return 0, err
	}
	return p.defrag(p.table.NumClasses()-1, ci)
}

func (p *Pool) defrag(small, large int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return 0, err
	}
	n, err := p.table.Defrag(small, large)
	if err != nil {
		return n, p.violation(err)
	}
	p.counters.defrags++
	p.counters.merged += uint64(n)
	p.logger.Debug("Defragmented pool", "merged", n, "fragmentation", p.table.Fragmentation())
	return n, p.retryWaiters()
}

// retryWaiters walks the waiters once in arrival order and serves every one
// it can. With WaiterOrderStrict the walk ends at the first waiter that
// cannot be served.
// It assumes the caller holds the mutex.
func (p *Pool) retryWaiters() error {
	if p.waiters.Len() == 0 {
		return nil
	}
	var fatal error
	served := p.waiters.Sweep(func(w *waiter) (done, stop bool) {
		off, err := p.table.AllocClass(w.class)
		if err != nil {
			if !errors.Is(err, ErrNoBlock) {
				fatal = err
				return false, true
			}
			return false, p.ordering == WaiterOrderStrict
		}
		p.counters.allocations++
		p.finish(w, p.block(off, w.size), nil)
		return true, false
	})
	if served > 0 {
		p.logger.Debug("Served waiting allocations", "served", served, "waiting", p.waiters.Len())
	}
	if fatal != nil {
		return p.violation(fatal)
	}
	return nil
}

// Bytes returns the memory of a block, len and cap b.Size. It returns nil
// if the block belongs to another pool or the pool is closed.
func (p *Pool) Bytes(b Block) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.Pool != p.id || p.state == stateClosed {
		return nil
	}
	return p.arena.slice(b.Offset, b.Size)
}

// Waiting returns the number of queued requests.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Fragmentation returns the share of free bytes held outside the largest
// class, from 0 to 1.
func (p *Pool) Fragmentation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table.Fragmentation()
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.table.Stats()
	return Stats{
		Name:          p.name,
		State:         p.state.String(),
		Size:          ts.Size,
		FreeBytes:     ts.FreeBytes,
		UsedBytes:     ts.UsedBytes,
		Fragmentation: p.table.Fragmentation(),
		Waiting:       p.waiters.Len(),
		Allocations:   p.counters.allocations,
		Failures:      p.counters.failures,
		Timeouts:      p.counters.timeouts,
		Cancellations: p.counters.cancellations,
		Releases:      p.counters.releases,
		Defrags:       p.counters.defrags,
		Merged:        p.counters.merged,
		Classes:       ts.Classes,
	}
}

// Fingerprint hashes the block layout of the pool. Pools with the same
// configuration and the same free blocks have the same fingerprint.
func (p *Pool) Fingerprint() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table.Fingerprint()
}

// Check verifies the pool invariants. A violation disables the pool.
func (p *Pool) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	if err := p.table.Check(); err != nil {
		return p.violation(err)
	}
	return nil
}

// offsetOf returns the offset of ptr in the pool buffer.
func (p *Pool) offsetOf(ptr unsafe.Pointer) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return 0, false
	}
	return p.arena.offsetOf(ptr)
}

func (p *Pool) block(off, size int) Block {
	if p.debug {
		p.arena.slice(off, size)
	}
	return Block{Pool: p.id, Offset: off, Size: size}
}

// usable returns the error operations fail with in the current state.
func (p *Pool) usable() error {
	switch p.state {
	case stateCorrupted:
		return ErrPoolCorrupted
	case stateClosed:
		return ErrPoolClosed
	default:
		return nil
	}
}

// violation handles a broken invariant: it panics in debug mode and
// disables the pool otherwise.
func (p *Pool) violation(err error) error {
	if p.debug {
		panic(err)
	}
	return p.setCorrupted(err)
}

// setCorrupted sets the pool state to corrupted, fails every waiter and logs
// the provided error. It returns an error wrapping ErrPoolCorrupted and err.
func (p *Pool) setCorrupted(err error) error {
	p.state = stateCorrupted
	p.logger.Error(
		"Unrecoverable pool corruption detected. All pool operations are disabled",
		"error", err,
	)
	p.drain(ErrPoolCorrupted)
	return fmt.Errorf("%w: %w", ErrPoolCorrupted, err)
}

// drain fails every waiter with err.
func (p *Pool) drain(err error) {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
		p.finish(e.Value, Block{}, err)
	}
}

// close fails every waiter and releases the buffer.
func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateClosed {
		return
	}
	p.drain(ErrPoolClosed)
	p.state = stateClosed
	p.arena.release(p.logger)
}
