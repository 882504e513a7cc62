// Package orchestrator runs the worker side of random and scripted runs: one
// worker per radio, each repeatedly launching a native generator, bounded by
// a shared instance quota and a shared wall-clock window.
package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// SharedState is the per-run state every worker of a supervisor sees.
//
// Instances are numbered from the start offset. A claim that never produced a
// truth file can be released and is handed out again before the counter
// advances, so abandoned startups do not count against the limit.
type SharedState struct {
	start int64
	limit int64

	claimed atomic.Int64

	mu        sync.Mutex
	next      int64
	released  []int64
	published bool
	startAt   time.Time
	endAt     time.Time
}

// NewSharedState covers instances [start, start+limit).
func NewSharedState(start, limit int) *SharedState {
	if limit < 0 {
		limit = 0
	}
	return &SharedState{start: int64(start), limit: int64(limit), next: int64(start)}
}

// TryClaim hands out the next instance number. It fails once the limit has
// been reached.
func (s *SharedState) TryClaim() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.released); n > 0 {
		inst := s.released[n-1]
		s.released = s.released[:n-1]
		s.claimed.Add(1)
		return int(inst), true
	}
	if s.next >= s.start+s.limit {
		return 0, false
	}
	inst := s.next
	s.next++
	s.claimed.Add(1)
	return int(inst), true
}

// Release returns an abandoned claim.
func (s *SharedState) Release(instance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, int64(instance))
	s.claimed.Add(-1)
}

// Claimed is the number of instances currently counted against the limit.
func (s *SharedState) Claimed() int { return int(s.claimed.Load()) }

// Exhausted reports whether no further claim can succeed.
func (s *SharedState) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.released) == 0 && s.next >= s.start+s.limit
}

// Publish fixes the run window the first time it is called; later calls
// return the window already published.
func (s *SharedState) Publish(at time.Time, runtime, offset time.Duration) (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.published {
		s.startAt = at.Add(offset)
		s.endAt = at.Add(runtime + offset)
		s.published = true
	}
	return s.startAt, s.endAt
}

// Window returns the published start and end.
func (s *SharedState) Window() (time.Time, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAt, s.endAt, s.published
}

// Ended reports whether a window was published and now is past its end.
func (s *SharedState) Ended(now time.Time) bool {
	_, end, ok := s.Window()
	return ok && !now.Before(end)
}
