package testutils

import (
	"sort"
	"sync"

	"github.com/holmberd/go-quadpool/internal/kernel"
)

// ManualClock is a kernel.Timers whose time only moves when Advance is called.
type ManualClock struct {
	mu     sync.Mutex
	now    int64
	seq    int64
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline int64
	seq      int64 // Arming order; breaks deadline ties.
	fn       func()
	done     bool
}

func (c *ManualClock) AfterTicks(n kernel.Ticks, fn func()) kernel.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, deadline: c.now + int64(n), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by n ticks and runs every timer that
// expired, in deadline order, on the calling goroutine.
func (c *ManualClock) Advance(n kernel.Ticks) {
	c.mu.Lock()
	c.now += int64(n)
	var due, pending []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.done:
		case t.deadline <= c.now:
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].seq < due[j].seq
	})
	// Callbacks run without the clock lock; they may stop other timers.
	for _, t := range due {
		c.mu.Lock()
		stopped := t.done
		t.done = true
		c.mu.Unlock()
		if !stopped {
			t.fn()
		}
	}
}

// Now returns the current tick count.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}
