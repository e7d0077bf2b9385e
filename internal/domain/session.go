package domain

import "time"

// Session represents one bounded interval of tracked work (a remote time entry).
// At most one session is open (EndTime unset) per device at a time.
type Session struct {
	ID          string
	StartTime   time.Time
	EndTime     *time.Time
	IdleSeconds int64
	Source      string
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool { return s.EndTime == nil }
