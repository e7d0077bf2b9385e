// Package capture provides the desktop probe: foreground window inspection,
// screen capture and cursor polling. The OS hooks are injected as functions
// so the agent core stays portable and the probe is trivially fakeable.
package capture

import (
	"context"
	"errors"
	"log/slog"

	"trackd/internal/domain"
)

// ErrUnavailable is returned when no OS hook is wired for an operation.
var ErrUnavailable = errors.New("capture: not available on this platform")

// WindowFunc returns the current foreground window.
type WindowFunc func(ctx context.Context) (domain.WindowInfo, error)

// ScreenFunc captures the screen as an encoded image.
type ScreenFunc func(ctx context.Context) ([]byte, error)

// CursorFunc returns the current cursor coordinates.
type CursorFunc func() (x, y int, err error)

// Probe implements ports.Probe by delegating to the injected hooks.
type Probe struct {
	Window WindowFunc
	Screen ScreenFunc
	Cursor CursorFunc
	log    *slog.Logger
}

// New returns a Probe with no hooks wired; callers set the hooks available
// on their platform.
func New(log *slog.Logger) *Probe {
	return &Probe{log: log}
}

func (p *Probe) ActiveWindow(ctx context.Context) (domain.WindowInfo, error) {
	if p.Window == nil {
		return domain.WindowInfo{}, ErrUnavailable
	}
	return p.Window(ctx)
}

func (p *Probe) CaptureScreen(ctx context.Context) ([]byte, error) {
	if p.Screen == nil {
		return nil, ErrUnavailable
	}
	return p.Screen(ctx)
}

func (p *Probe) CursorPosition() (int, int, error) {
	if p.Cursor == nil {
		return 0, 0, ErrUnavailable
	}
	return p.Cursor()
}
