package ports

import (
	"context"
	"time"

	"trackd/internal/domain"
)

// StateStore is durable key/value persistence for credentials, settings and
// running counters. A Set either fully lands or the previous values are
// retained; no partial write is observable.
type StateStore interface {
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
}

// Keys persisted in the state store.
const (
	KeyToken              = "token"
	KeyUserID             = "user_id"
	KeyCompanyID          = "company_id"
	KeyAPIURL             = "api_url"
	KeyDeviceID           = "device_id"
	KeyScreenshotInterval = "screenshot_interval"
	KeyIdleTimeout        = "idle_timeout"
	KeyAutoStart          = "auto_start"
	KeyBlurScreenshots    = "blur_screenshots"
	KeyTrackingEnabled    = "tracking_enabled"
	KeyLastActivity       = "last_activity"
	KeyTotalToday         = "total_today"
)

// API defines the remote calls the sync client performs. Session creation is
// the only call the engine blocks on; everything else is best effort.
type API interface {
	Login(ctx context.Context, email, password string) (domain.AuthContext, error)
	Logout(ctx context.Context) error
	CreateEntry(ctx context.Context, start time.Time, source string) (string, error)
	CloseEntry(ctx context.Context, entryID string, end time.Time, idleSeconds int64) error
	SubmitActivity(ctx context.Context, sample domain.ActivitySample) error
	UploadScreenshot(ctx context.Context, shot domain.ScreenshotRecord) error
}

// Probe inspects the local desktop session. Implementations are OS-specific;
// any failure is reported as an error and the caller substitutes placeholders.
type Probe interface {
	ActiveWindow(ctx context.Context) (domain.WindowInfo, error)
	CaptureScreen(ctx context.Context) ([]byte, error)
	CursorPosition() (x, y int, err error)
}
