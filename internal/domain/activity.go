package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Category is the productivity classification of an observed domain or app.
type Category string

const (
	CategoryProductive  Category = "productive"
	CategoryDistracting Category = "distracting"
	CategoryNeutral     Category = "neutral"
)

// ActivitySample is one observation of what the user was doing. Samples are
// immutable once emitted.
type ActivitySample struct {
	Timestamp     time.Time
	AppName       string
	WindowTitle   string
	URL           string
	ActivityLevel int // 0..100, recency of input
	Category      Category
	DurationSec   int64
}

// Validate checks the sample invariants before it is handed to the sync client.
func (a ActivitySample) Validate() error {
	if a.ActivityLevel < 0 || a.ActivityLevel > 100 {
		return fmt.Errorf("activity level %d out of range [0,100]", a.ActivityLevel)
	}
	if a.DurationSec < 0 {
		return fmt.Errorf("negative duration %d", a.DurationSec)
	}
	return nil
}

// UnknownApp is the placeholder used when the desktop probe cannot inspect
// the foreground window.
const UnknownApp = "Unknown"

// WindowInfo describes the foreground window or page at observation time.
type WindowInfo struct {
	AppName string
	Title   string
	URL     string
}

// Same reports whether two observations refer to the same viewing context.
func (w WindowInfo) Same(other WindowInfo) bool {
	return w.AppName == other.AppName && w.Title == other.Title && w.URL == other.URL
}

// Domain returns the string the classifier matches against: the URL host when
// a URL is present, otherwise the lowercased application name.
func (w WindowInfo) Domain() string {
	if w.URL != "" {
		if u, err := url.Parse(w.URL); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
	}
	return strings.ToLower(w.AppName)
}
