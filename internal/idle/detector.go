// Package idle converts raw input-activity timestamps into edge-triggered
// idle/active transitions.
package idle

import (
	"sync"
	"time"
)

// Detector tracks the most recent input signal and reports state crossings.
// Transitions are edge-triggered: Poll reports a crossing into idle exactly
// once, and Touch reports the return to active exactly once.
type Detector struct {
	mu           sync.Mutex
	threshold    time.Duration
	lastActivity time.Time
	idle         bool

	// Cursor-position confirmation for the desktop variant. Identical
	// coordinates across polls count as no activity even if the OS reported
	// motion the detector did not observe itself.
	lastX, lastY int
	haveCursor   bool
}

// NewDetector returns a detector in the active state, treating now as the
// last observed input.
func NewDetector(threshold time.Duration, now time.Time) *Detector {
	return &Detector{threshold: threshold, lastActivity: now}
}

// Touch records a raw input signal. It returns true when this input ends an
// idle period.
func (d *Detector) Touch(now time.Time) (becameActive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now
	if d.idle {
		d.idle = false
		return true
	}
	return false
}

// Poll checks for a crossing into idle. It returns true at most once per
// crossing.
func (d *Detector) Poll(now time.Time) (becameIdle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle {
		return false
	}
	if now.Sub(d.lastActivity) > d.threshold {
		d.idle = true
		return true
	}
	return false
}

// ObserveCursor compares cursor coordinates against the previous poll. Moved
// coordinates count as input; identical coordinates do not. Returns true when
// the movement ends an idle period.
func (d *Detector) ObserveCursor(x, y int, now time.Time) (becameActive bool) {
	d.mu.Lock()
	moved := d.haveCursor && (x != d.lastX || y != d.lastY)
	d.lastX, d.lastY = x, y
	d.haveCursor = true
	d.mu.Unlock()
	if moved {
		return d.Touch(now)
	}
	return false
}

// MarkIdle forces the idle state, used when an external source (the browser
// variant) reports idleness directly. Returns true on the transition.
func (d *Detector) MarkIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle {
		return false
	}
	d.idle = true
	return true
}

// Idle reports the current state.
func (d *Detector) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// LastActivity returns the timestamp of the most recent input signal.
func (d *Detector) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// SinceInput returns how long ago the last input signal was observed.
func (d *Detector) SinceInput(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Before(d.lastActivity) {
		return 0
	}
	return now.Sub(d.lastActivity)
}

// SetThreshold updates the idle threshold; settings are mutable at runtime.
func (d *Detector) SetThreshold(threshold time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = threshold
}
