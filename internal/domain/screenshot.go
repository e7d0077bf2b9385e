package domain

import "time"

// ScreenshotRecord is one captured screen image tied to an open session.
type ScreenshotRecord struct {
	SessionID   string
	TakenAt     time.Time
	ImageData   []byte
	AppName     string
	WindowTitle string
	Blurred     bool
}
