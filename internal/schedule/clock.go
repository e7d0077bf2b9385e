package schedule

import "time"

// Clock abstracts timer creation so jobs can run against a virtual clock in
// tests.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker delivers repeated ticks until stopped.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Timer delivers a single tick after its delay.
type Timer interface {
	Chan() <-chan time.Time
	Stop()
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTicker struct{ t *time.Ticker }

func (t realTicker) Chan() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()                  { t.t.Stop() }

type realTimer struct{ t *time.Timer }

func (t realTimer) Chan() <-chan time.Time { return t.t.C }
func (t realTimer) Stop()                  { t.t.Stop() }
