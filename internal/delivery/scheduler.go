package delivery

import (
	"sync"
	"time"
)

// Scheduler runs functions after a delay. Pending work is tracked
// explicitly so shutdown can cancel everything outstanding.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[int]*time.Timer
	next    int
	stopped bool
}

// NewScheduler creates a Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[int]*time.Timer)}
}

// After runs fn once d has elapsed. After Stop it is a no-op.
func (s *Scheduler) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	id := s.next
	s.next++
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// Pending returns the number of timers that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer. Functions already running are not
// interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
