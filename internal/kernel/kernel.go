// Package kernel defines the scheduler and timer collaborators a memory pool
// depends on when a request has to wait for memory.
package kernel

import (
	"errors"
	"fmt"
	"time"
)

// Ticks is a duration measured in scheduler ticks.
type Ticks int32

const (
	// NoWait fails a request immediately when no block is available.
	NoWait Ticks = 0
	// Forever blocks a request until it is satisfied; no timer is armed.
	Forever Ticks = -1
)

var ErrInvalidTimeout = errors.New("invalid timeout: must be NoWait, Forever or a positive tick count")

// Validate reports whether t is one of the recognized timeout values.
func (t Ticks) Validate() error {
	if t < Forever {
		return fmt.Errorf("%w: got %d", ErrInvalidTimeout, t)
	}
	return nil
}

func (t Ticks) String() string {
	switch t {
	case NoWait:
		return "none"
	case Forever:
		return "unlimited"
	default:
		return fmt.Sprintf("%d ticks", int32(t))
	}
}

// StateFlag is a task state bit owned by a blocking subsystem.
type StateFlag uint32

// FlagPoolWait marks a task blocked on a memory pool allocation.
const FlagPoolWait StateFlag = 1 << 4

// Task identifies the task on whose behalf a request is made.
type Task struct {
	ID       uint64
	Priority int
}

// Scheduler sets and clears task state bits. Implementations must not call
// back into the pool.
type Scheduler interface {
	Block(t Task, flag StateFlag)
	Unblock(t Task, flag StateFlag)
}

// Timer is a pending timeout.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired or
	// was stopped.
	Stop() bool
}

// Timers arms timeouts expressed in ticks. The callback runs outside of the
// caller's critical section and may acquire it.
type Timers interface {
	AfterTicks(n Ticks, fn func()) Timer
}

type nopScheduler struct{}

func (nopScheduler) Block(Task, StateFlag)   {}
func (nopScheduler) Unblock(Task, StateFlag) {}

// NopScheduler returns a Scheduler that ignores all state changes.
func NopScheduler() Scheduler {
	return nopScheduler{}
}

// WallClock implements Timers on top of the runtime timer, one tick lasting
// Tick.
type WallClock struct {
	Tick time.Duration
}

// DefaultTick is the tick length of a 100Hz system clock.
const DefaultTick = 10 * time.Millisecond

func (c WallClock) AfterTicks(n Ticks, fn func()) Timer {
	tick := c.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return time.AfterFunc(time.Duration(n)*tick, fn)
}
