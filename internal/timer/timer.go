// Package timer schedules keyed, cancellable, single-fire callbacks.
//
// Callbacks run on their own goroutine and are expected to hand work to an
// owner (a table command queue) rather than mutate state directly.
package timer

import (
	"strings"
	"sync"
	"time"
)

// Scheduler holds at most one pending timer per key.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
}

type entry struct {
	t   *time.Timer
	seq uint64
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Schedule arms fn to run once after d. An existing timer under the same
// key is replaced.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[key]; ok {
		old.t.Stop()
	}
	s.seq++
	e := &entry{seq: s.seq}
	e.t = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.seq != e.seq {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = e
}

// Cancel disarms the timer under key. Cancelling a missing or already fired
// timer is a no-op; the return value reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.timers, key)
	return true
}

// CancelPrefix disarms every timer whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.timers {
		if strings.HasPrefix(k, prefix) {
			e.t.Stop()
			delete(s.timers, k)
			n++
		}
	}
	return n
}

// Pending reports whether a timer is armed under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len is the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer.
func (s *Scheduler) Stop() {
	s.CancelPrefix("")
}
