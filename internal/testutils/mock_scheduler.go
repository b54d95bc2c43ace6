package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/holmberd/go-quadpool/internal/kernel"
)

// RecordingScheduler is a kernel.Scheduler that keeps the state bits of every
// task it has seen.
type RecordingScheduler struct {
	mu          sync.Mutex
	state       map[uint64]kernel.StateFlag
	priority    map[uint64]int
	blockCalls  atomic.Int64
	unblockCall atomic.Int64
}

func (s *RecordingScheduler) Block(t kernel.Task, flag kernel.StateFlag) {
	s.blockCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = make(map[uint64]kernel.StateFlag)
		s.priority = make(map[uint64]int)
	}
	s.state[t.ID] |= flag
	s.priority[t.ID] = t.Priority
}

func (s *RecordingScheduler) Unblock(t kernel.Task, flag kernel.StateFlag) {
	s.unblockCall.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return
	}
	s.state[t.ID] &^= flag
}

// IsBlocked reports whether the task currently has flag set.
func (s *RecordingScheduler) IsBlocked(id uint64, flag kernel.StateFlag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[id]&flag != 0
}

// Priority returns the priority recorded when the task was last blocked.
func (s *RecordingScheduler) Priority(id uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.priority[id]
	return p, ok
}

func (s *RecordingScheduler) BlockCalls() int64 {
	return s.blockCalls.Load()
}

func (s *RecordingScheduler) UnblockCalls() int64 {
	return s.unblockCall.Load()
}
