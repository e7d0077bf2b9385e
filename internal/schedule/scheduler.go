// Package schedule runs independently configured periodic jobs on top of an
// injectable clock. One job's latency never blocks another: each job owns a
// goroutine and a timer.
package schedule

import (
	"log/slog"
	"sync"
	"time"
)

// Handle cancels one scheduled job. Cancel is idempotent and safe from any
// goroutine. An action already in flight completes but is never rescheduled.
type Handle struct {
	stop chan struct{}
	once sync.Once
}

// Cancel stops all future invocations of the job.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.stop) })
}

// Scheduler multiplexes periodic and one-shot jobs.
type Scheduler struct {
	clock Clock
	log   *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// New returns a Scheduler using the given clock.
func New(clock Clock, log *slog.Logger) *Scheduler {
	return &Scheduler{clock: clock, log: log, handles: make(map[*Handle]struct{})}
}

// Every runs fn once per interval until the returned handle is cancelled.
// The ticker is armed before Every returns, so time advanced immediately
// afterwards is observed by the job.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Handle {
	h := s.register()
	t := s.clock.NewTicker(interval)
	go func() {
		defer s.unregister(h)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.Chan():
				// A tick raced with cancellation; the job must not fire
				// after its handle was cancelled.
				select {
				case <-h.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}

// Once runs fn a single time after delay unless cancelled first. As with
// Every, the timer is armed before Once returns.
func (s *Scheduler) Once(delay time.Duration, fn func()) *Handle {
	h := s.register()
	t := s.clock.NewTimer(delay)
	go func() {
		defer s.unregister(h)
		defer t.Stop()
		select {
		case <-h.stop:
			return
		case <-t.Chan():
			select {
			case <-h.stop:
				return
			default:
			}
			fn()
		}
	}()
	return h
}

// CancelAll cancels every job still registered.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (s *Scheduler) register() *Handle {
	h := &Handle{stop: make(chan struct{})}
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
	return h
}

func (s *Scheduler) unregister(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}
