package idle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

func TestDetector_SingleIdleEventPerCrossing(t *testing.T) {
	d := NewDetector(time.Minute, t0)

	// Input at t=0 and t=5s, then silence. Polls every 10s.
	d.Touch(t0)
	assert.False(t, d.Touch(t0.Add(5*time.Second)), "no active event while already active")

	var idleEvents int
	for tick := 10; tick <= 120; tick += 10 {
		if d.Poll(t0.Add(time.Duration(tick) * time.Second)) {
			idleEvents++
			// Crossing happens strictly after last_activity + threshold.
			assert.Greater(t, tick, 65-1)
		}
	}
	assert.Equal(t, 1, idleEvents, "idle must fire once per crossing")
	assert.True(t, d.Idle())
}

func TestDetector_SingleActiveEventAfterIdle(t *testing.T) {
	d := NewDetector(time.Minute, t0)
	assert.True(t, d.Poll(t0.Add(2*time.Minute)))

	assert.True(t, d.Touch(t0.Add(3*time.Minute)), "first input after idle emits active")
	assert.False(t, d.Touch(t0.Add(3*time.Minute+time.Second)), "second input emits nothing")
	assert.False(t, d.Idle())
}

func TestDetector_NoIdleBeforeThreshold(t *testing.T) {
	d := NewDetector(time.Minute, t0)
	assert.False(t, d.Poll(t0.Add(time.Minute)), "exactly at threshold is not past it")
	assert.False(t, d.Idle())
}

func TestDetector_CursorConfirmation(t *testing.T) {
	d := NewDetector(time.Minute, t0)

	// First observation only seeds the position.
	assert.False(t, d.ObserveCursor(100, 100, t0.Add(10*time.Second)))
	// Identical coordinates count as no activity.
	assert.False(t, d.ObserveCursor(100, 100, t0.Add(20*time.Second)))
	assert.True(t, d.Poll(t0.Add(2*time.Minute)), "still idle despite cursor polls")

	// Movement counts as input and ends the idle period.
	assert.True(t, d.ObserveCursor(101, 100, t0.Add(3*time.Minute)))
	assert.False(t, d.Idle())
}

func TestDetector_MarkIdleEdgeTriggered(t *testing.T) {
	d := NewDetector(time.Minute, t0)
	assert.True(t, d.MarkIdle())
	assert.False(t, d.MarkIdle(), "repeated external idle reports fire once")
	assert.True(t, d.Touch(t0.Add(time.Second)))
}

func TestDetector_SinceInput(t *testing.T) {
	d := NewDetector(time.Minute, t0)
	d.Touch(t0.Add(10 * time.Second))
	assert.Equal(t, 20*time.Second, d.SinceInput(t0.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), d.SinceInput(t0), "clock going backwards clamps to zero")
}
