package schedule

import (
	"sync"
	"time"
)

// VirtualClock is a deterministic Clock for tests. Time only moves when
// Advance is called; due tickers and timers fire in deadline order.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*virtualTicker
	timers  []*virtualTimer
}

// NewVirtualClock returns a VirtualClock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTicker{clock: c, interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *VirtualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{clock: c, at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every deadline it passes in
// order. Sends are non-blocking into buffered channels, mirroring the time
// package's ticker semantics.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.now.Add(d)
	for {
		next, ok := c.nextDeadlineLocked(target)
		if !ok {
			break
		}
		c.now = next
		c.fireDueLocked()
	}
	c.now = target
}

// nextDeadlineLocked returns the earliest pending deadline at or before limit.
func (c *VirtualClock) nextDeadlineLocked(limit time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(at time.Time) {
		if at.After(limit) {
			return
		}
		if !found || at.Before(best) {
			best = at
			found = true
		}
	}
	for _, t := range c.tickers {
		if !t.stopped {
			consider(t.next)
		}
	}
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			consider(t.at)
		}
	}
	return best, found
}

func (c *VirtualClock) fireDueLocked() {
	for _, t := range c.tickers {
		if !t.stopped && !t.next.After(c.now) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

type virtualTicker struct {
	clock    *VirtualClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *virtualTicker) Chan() <-chan time.Time { return t.ch }

func (t *virtualTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

type virtualTimer struct {
	clock   *VirtualClock
	at      time.Time
	ch      chan time.Time
	fired   bool
	stopped bool
}

func (t *virtualTimer) Chan() <-chan time.Time { return t.ch }

func (t *virtualTimer) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
