package quadpool

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holmberd/go-quadpool/internal/kernel"
	"github.com/holmberd/go-quadpool/internal/testutils"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Discard logs during testing.

// testConfig describes a 1KiB pool with 1024/256/64/16-byte classes.
func testConfig() Config {
	return Config{MinBlockSize: 16, NumClasses: 4, MaxBlocks: 1, Debug: true}
}

type harness struct {
	registry *Registry
	clock    *testutils.ManualClock
	sched    *testutils.RecordingScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: &testutils.ManualClock{}, sched: &testutils.RecordingScheduler{}}
	r, err := NewRegistry(RegistryConfig{Logger: discardLogger, Scheduler: h.sched, Timers: h.clock})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	h.registry = r
	return h
}

func (h *harness) define(t *testing.T, config Config) *Pool {
	t.Helper()
	p, err := h.registry.Define(t.Name(), config)
	require.NoError(t, err)
	return p
}

type result struct {
	block Block
	err   error
}

// allocAsync starts an allocation expected to wait and returns once the
// pool holds waiting requests.
func allocAsync(t *testing.T, p *Pool, ctx context.Context, size int, timeout Ticks, waiting int) <-chan result {
	t.Helper()
	ch := make(chan result, 1)
	go func() {
		b, err := p.Allocate(ctx, size, timeout)
		ch <- result{b, err}
	}()
	require.Eventually(t, func() bool { return p.Waiting() == waiting }, time.Second, time.Millisecond)
	return ch
}

func receive(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("allocation did not complete")
		return result{}
	}
}

func mustAlloc(t *testing.T, p *Pool, size int) Block {
	t.Helper()
	b, err := p.Allocate(context.Background(), size, NoWait)
	require.NoError(t, err)
	return b
}

func TestAllocateRelease(t *testing.T) {
	h := newHarness(t)
	p := h.define(t, testConfig())
	ctx := context.Background()

	first := mustAlloc(t, p, 700)
	assert.Equal(t, Block{Pool: p.ID(), Offset: 0, Size: 700}, first)

	_, err := p.Allocate(ctx, 700, NoWait)
	assert.ErrorIs(t, err, ErrNoBlock)
	assert.Zero(t, p.Waiting())

	require.NoError(t, p.Release(first))
	small := mustAlloc(t, p, 50)
	assert.Equal(t, 0, small.Offset)

	_, err = p.Allocate(ctx, 1024, NoWait)
	assert.ErrorIs(t, err, ErrNoBlock)

	require.NoError(t, p.Release(small))
	merged, err := p.Defragment()
	require.NoError(t, err)
	assert.Equal(t, 2, merged)
	mustAlloc(t, p, 1024)

	s := p.Stats()
	assert.Equal(t, uint64(3), s.Allocations)
	assert.Equal(t, uint64(2), s.Failures)
	assert.Equal(t, uint64(2), s.Releases)
	assert.Equal(t, uint64(1), s.Defrags)
	assert.Equal(t, uint64(2), s.Merged)
	assert.Equal(t, 1024, s.UsedBytes)
	assert.Equal(t, "ready", s.State)
	assert.Zero(t, h.sched.BlockCalls(), "requests that do not wait never block their task")
}

func TestAllocateArguments(t *testing.T) {
	h := newHarness(t)
	p := h.define(t, testConfig())
	ctx := context.Background()

	_, err := p.Allocate(ctx, 1025, NoWait)
	assert.ErrorIs(t, err, ErrSizeTooLarge)
	_, err = p.Allocate(ctx, -1, NoWait)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = p.Allocate(ctx, 16, -2)
	assert.ErrorIs(t, err, ErrInvalidTimeout)

	assert.Zero(t, p.Stats().Failures)
}

func TestWaiterOrdering(t *testing.T) {
	// fill hands out the whole pool as four 256-byte blocks.
	fill := func(t *testing.T, p *Pool) []Block {
		var blocks []Block
		for range 4 {
			blocks = append(blocks, mustAlloc(t, p, 256))
		}
		return blocks
	}

	t.Run("Strict keeps later requests behind an earlier one", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		blocks := fill(t, p)

		ctx1 := WithTask(context.Background(), Task{ID: 1, Priority: 3})
		ctx2 := WithTask(context.Background(), Task{ID: 2, Priority: 7})
		w1 := allocAsync(t, p, ctx1, 512, Forever, 1)
		w2 := allocAsync(t, p, ctx2, 16, Forever, 2)
		assert.True(t, h.sched.IsBlocked(1, kernel.FlagPoolWait))
		assert.True(t, h.sched.IsBlocked(2, kernel.FlagPoolWait))
		prio, ok := h.sched.Priority(2)
		require.True(t, ok)
		assert.Equal(t, 7, prio)

		// The 16-byte request fits in the released block but must not
		// overtake the 512-byte one.
		require.NoError(t, p.Release(blocks[1]))
		assert.Equal(t, 2, p.Waiting())
		assert.True(t, h.sched.IsBlocked(2, kernel.FlagPoolWait))

		require.NoError(t, p.Release(blocks[0]))
		require.NoError(t, p.Release(blocks[2]))
		assert.Equal(t, 2, p.Waiting())
		require.NoError(t, p.Release(blocks[3]))

		r1 := receive(t, w1)
		require.NoError(t, r1.err)
		assert.Equal(t, Block{Pool: p.ID(), Offset: 0, Size: 512}, r1.block)
		assert.False(t, h.sched.IsBlocked(1, kernel.FlagPoolWait))
		assert.Equal(t, 1, p.Waiting(), "the whole pool went to the first request")

		require.NoError(t, p.Release(r1.block))
		r2 := receive(t, w2)
		require.NoError(t, r2.err)
		assert.Equal(t, 16, r2.block.Size)
		assert.False(t, h.sched.IsBlocked(2, kernel.FlagPoolWait))
		assert.Zero(t, p.Waiting())
	})

	t.Run("Skip serves later requests that fit", func(t *testing.T) {
		h := newHarness(t)
		c := testConfig()
		c.Ordering = WaiterOrderSkip
		p := h.define(t, c)
		blocks := fill(t, p)

		w1 := allocAsync(t, p, context.Background(), 512, Forever, 1)
		w2 := allocAsync(t, p, context.Background(), 16, Forever, 2)

		require.NoError(t, p.Release(blocks[1]))
		r2 := receive(t, w2)
		require.NoError(t, r2.err)
		assert.Equal(t, 256, r2.block.Offset)
		assert.Equal(t, 1, p.Waiting())

		require.NoError(t, p.Release(r2.block))
		for _, i := range []int{0, 2, 3} {
			require.NoError(t, p.Release(blocks[i]))
		}
		r1 := receive(t, w1)
		require.NoError(t, r1.err)
		assert.Equal(t, 0, r1.block.Offset)
	})

	t.Run("A sweep serves every waiter it can", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		var waits []<-chan result
		for i := range 4 {
			waits = append(waits, allocAsync(t, p, context.Background(), 200, Forever, i+1))
		}
		require.NoError(t, p.Release(big))
		offsets := map[int]bool{}
		for _, w := range waits {
			r := receive(t, w)
			require.NoError(t, r.err)
			offsets[r.block.Offset] = true
		}
		assert.Equal(t, map[int]bool{0: true, 256: true, 512: true, 768: true}, offsets)
		assert.Equal(t, h.sched.BlockCalls(), h.sched.UnblockCalls())
	})

	t.Run("Strict serves later requests once the first times out", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		blocks := fill(t, p)

		w1 := allocAsync(t, p, context.Background(), 512, 5, 1)
		w2 := allocAsync(t, p, context.Background(), 16, Forever, 2)
		require.NoError(t, p.Release(blocks[1]))
		assert.Equal(t, 2, p.Waiting())

		h.clock.Advance(5)
		assert.ErrorIs(t, receive(t, w1).err, ErrTimeout)
		r2 := receive(t, w2)
		require.NoError(t, r2.err)
		assert.Equal(t, 256, r2.block.Offset)
		assert.Zero(t, p.Waiting())
		assert.Equal(t, int64(2), h.sched.UnblockCalls())
	})

	t.Run("Strict serves later requests once the first is canceled", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		blocks := fill(t, p)

		ctx, cancel := context.WithCancel(context.Background())
		w1 := allocAsync(t, p, ctx, 512, Forever, 1)
		w2 := allocAsync(t, p, context.Background(), 16, Forever, 2)
		require.NoError(t, p.Release(blocks[1]))
		assert.Equal(t, 2, p.Waiting())

		cancel()
		assert.ErrorIs(t, receive(t, w1).err, context.Canceled)
		r2 := receive(t, w2)
		require.NoError(t, r2.err)
		assert.Equal(t, 256, r2.block.Offset)
		assert.Zero(t, p.Waiting())
		assert.Equal(t, h.sched.BlockCalls(), h.sched.UnblockCalls())
	})
}

func TestTimeout(t *testing.T) {
	t.Run("Expires after the requested ticks", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		mustAlloc(t, p, 1024)

		ctx := WithTask(context.Background(), Task{ID: 9})
		w := allocAsync(t, p, ctx, 64, 5, 1)
		assert.Equal(t, 1, h.clock.Pending())

		h.clock.Advance(4)
		assert.Equal(t, 1, p.Waiting())

		h.clock.Advance(1)
		r := receive(t, w)
		assert.ErrorIs(t, r.err, ErrTimeout)
		assert.NotErrorIs(t, r.err, ErrNoBlock)
		assert.Zero(t, p.Waiting())
		assert.False(t, h.sched.IsBlocked(9, kernel.FlagPoolWait))
		assert.Equal(t, uint64(1), p.Stats().Timeouts)
	})

	t.Run("Release before expiry serves the request", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		w := allocAsync(t, p, context.Background(), 64, 5, 1)
		h.clock.Advance(4)
		require.NoError(t, p.Release(big))
		assert.Zero(t, h.clock.Pending(), "timer is stopped once served")

		h.clock.Advance(1)
		r := receive(t, w)
		require.NoError(t, r.err)
		assert.Equal(t, 64, r.block.Size)
		assert.Zero(t, p.Stats().Timeouts)
	})

	t.Run("Expiry before release wins at the boundary", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		w := allocAsync(t, p, context.Background(), 64, 5, 1)
		h.clock.Advance(5)
		require.NoError(t, p.Release(big))

		r := receive(t, w)
		assert.ErrorIs(t, r.err, ErrTimeout)
		assert.Equal(t, 1024, p.Stats().FreeBytes, "the released block stays free")
	})

	t.Run("Forever arms no timer", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		w := allocAsync(t, p, context.Background(), 64, Forever, 1)
		assert.Zero(t, h.clock.Pending())
		h.clock.Advance(1 << 20)
		assert.Equal(t, 1, p.Waiting())

		require.NoError(t, p.Release(big))
		require.NoError(t, receive(t, w).err)
	})
}

func TestCancel(t *testing.T) {
	t.Run("Canceled request leaves the queue", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		ctx, cancel := context.WithCancel(WithTask(context.Background(), Task{ID: 4}))
		w := allocAsync(t, p, ctx, 64, 10, 1)
		cancel()
		r := receive(t, w)
		assert.ErrorIs(t, r.err, context.Canceled)
		assert.Zero(t, p.Waiting())
		assert.Zero(t, h.clock.Pending())
		assert.False(t, h.sched.IsBlocked(4, kernel.FlagPoolWait))
		assert.Equal(t, uint64(1), p.Stats().Cancellations)

		require.NoError(t, p.Release(big))
		assert.Equal(t, 1024, p.Stats().FreeBytes)
	})

	t.Run("Served request ignores a late cancellation", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		big := mustAlloc(t, p, 1024)

		ctx, cancel := context.WithCancel(context.Background())
		_, w, err := p.submit(ctx, 64, 2, Forever)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.NoError(t, p.Release(big))
		cancel()

		b, err := p.wait(ctx, w)
		require.NoError(t, err)
		assert.Equal(t, 64, b.Size)
		assert.Zero(t, p.Stats().Cancellations)
	})

	t.Run("Timed out request ignores a late cancellation", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		mustAlloc(t, p, 1024)

		ctx, cancel := context.WithCancel(context.Background())
		_, w, err := p.submit(ctx, 64, 2, 1)
		require.NoError(t, err)
		h.clock.Advance(1)
		cancel()

		_, err = p.wait(ctx, w)
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestDefragmentServesWaiters(t *testing.T) {
	h := newHarness(t)
	c := testConfig()
	c.Policy = AutoDefragNone
	p := h.define(t, c)

	small := mustAlloc(t, p, 16)
	for range 3 {
		mustAlloc(t, p, 256)
	}
	require.NoError(t, p.Release(small))

	w := allocAsync(t, p, context.Background(), 256, Forever, 1)
	n, err := p.DefragmentFor(256)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r := receive(t, w)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.block.Offset)
}

func TestCorruption(t *testing.T) {
	t.Run("Invalid release disables the pool", func(t *testing.T) {
		h := newHarness(t)
		c := testConfig()
		c.Debug = false
		p := h.define(t, c)
		mustAlloc(t, p, 1024)
		w := allocAsync(t, p, context.Background(), 64, Forever, 1)

		err := p.Release(Block{Pool: p.ID(), Offset: 64, Size: 64})
		assert.ErrorIs(t, err, ErrPoolCorrupted)
		assert.ErrorIs(t, err, ErrUnknownBlock)
		assert.ErrorIs(t, err, ErrInvariant)

		assert.ErrorIs(t, receive(t, w).err, ErrPoolCorrupted)
		_, err = p.Allocate(context.Background(), 16, NoWait)
		assert.ErrorIs(t, err, ErrPoolCorrupted)
		_, err = p.Defragment()
		assert.ErrorIs(t, err, ErrPoolCorrupted)
		assert.ErrorIs(t, p.Release(Block{Pool: p.ID(), Size: 1024}), ErrPoolCorrupted)
		assert.Equal(t, "corrupted", p.Stats().State)
	})

	t.Run("Double free disables the pool", func(t *testing.T) {
		h := newHarness(t)
		c := testConfig()
		c.Debug = false
		p := h.define(t, c)
		b := mustAlloc(t, p, 16)
		require.NoError(t, p.Release(b))

		err := p.Release(b)
		assert.ErrorIs(t, err, ErrDoubleFree)
		assert.ErrorIs(t, err, ErrPoolCorrupted)
	})

	t.Run("Debug pools panic", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		assert.PanicsWithError(t,
			"invariant violation: block was not allocated from this class: offset 64 in 64-byte class",
			func() { p.Release(Block{Pool: p.ID(), Offset: 64, Size: 64}) })
	})

	t.Run("Foreign block is rejected", func(t *testing.T) {
		h := newHarness(t)
		p := h.define(t, testConfig())
		err := p.Release(Block{Pool: p.ID() + 1, Size: 16})
		assert.ErrorIs(t, err, ErrUnknownBlock)
		assert.Equal(t, "ready", p.Stats().State)
	})
}

func TestBytes(t *testing.T) {
	h := newHarness(t)
	p := h.define(t, testConfig())

	a := mustAlloc(t, p, 50)
	b := mustAlloc(t, p, 60)
	ma, mb := p.Bytes(a), p.Bytes(b)
	require.Len(t, ma, 50)
	require.Len(t, mb, 60)
	assert.Equal(t, 50, cap(ma))

	for i := range ma {
		ma[i] = 0xAA
	}
	for i := range mb {
		mb[i] = 0xBB
	}
	for _, v := range p.Bytes(a) {
		require.Equal(t, byte(0xAA), v)
	}
	assert.Nil(t, p.Bytes(Block{Pool: p.ID() + 1, Size: 1}))
}

func TestConcurrentAllocations(t *testing.T) {
	h := newHarness(t)
	c := testConfig()
	c.MaxBlocks = 4
	p := h.define(t, c)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for id := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(id)))
			for range 200 {
				size := rng.Intn(1024) + 1
				b, err := p.Allocate(context.Background(), size, Forever)
				if err != nil {
					errs <- err
					return
				}
				mem := p.Bytes(b)
				for i := range mem {
					mem[i] = byte(id)
				}
				for _, v := range mem {
					if v != byte(id) {
						errs <- assert.AnError
						return
					}
				}
				if err := p.Release(b); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, err := p.Defragment()
	require.NoError(t, err)
	require.NoError(t, p.Check())
	s := p.Stats()
	assert.Zero(t, s.UsedBytes)
	assert.Zero(t, s.Waiting)
	assert.Equal(t, uint64(workers*200), s.Allocations)
}

func TestWithTask(t *testing.T) {
	assert.Equal(t, Task{}, TaskFrom(context.Background()))
	ctx := WithTask(context.Background(), Task{ID: 3, Priority: 1})
	assert.Equal(t, Task{ID: 3, Priority: 1}, TaskFrom(ctx))
}

func TestPoolStateString(t *testing.T) {
	assert.Equal(t, "ready", stateReady.String())
	assert.Equal(t, "closed", stateClosed.String())
	assert.Equal(t, "poolState(9)", poolState(9).String())
}
