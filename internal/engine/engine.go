// Package engine owns the work-session lifecycle: the state machine around
// start/stop, idle accrual, viewing-interval context switches and the
// periodic capture jobs. All mutable tracking state lives on the Engine
// instance; collaborators receive it explicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trackd/internal/classify"
	"trackd/internal/config"
	"trackd/internal/domain"
	"trackd/internal/idle"
	"trackd/internal/ports"
	"trackd/internal/schedule"
)

var (
	// ErrUnauthenticated is returned when tracking is started without a
	// valid token. Not retried.
	ErrUnauthenticated = errors.New("engine: not authenticated")
	ErrAlreadyRunning  = errors.New("engine: tracking already running")
	ErrNotRunning      = errors.New("engine: tracking not running")
)

// State is the session controller state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of the engine, served to the control API.
type Status struct {
	State         string     `json:"state"`
	SessionID     string     `json:"session_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	IdleSeconds   int64      `json:"idle_seconds"`
	Idle          bool       `json:"idle"`
	Authenticated bool       `json:"authenticated"`
	DroppedEvents int64      `json:"dropped_events"`
}

// Engine is the session controller. One instance per device.
type Engine struct {
	cfg   config.Config
	store ports.StateStore
	api   ports.API
	probe ports.Probe
	clock schedule.Clock
	sched *schedule.Scheduler
	class classify.Classifier
	log   *slog.Logger

	mu       sync.Mutex
	state    State
	session  *domain.Session
	view     *viewingInterval
	detector *idle.Detector
	// idleSince is the instant the current idle period was detected; zero
	// while active. Idle seconds are added to the session when the period
	// ends or the session stops.
	idleSince time.Time
	handles   []*schedule.Handle
	// effective per-session settings, overlaid from the state store at start
	shotInterval time.Duration
	idleTimeout  time.Duration

	dropped      atomic.Int64
	shotInFlight atomic.Bool
}

// viewingInterval is the implicit interval during which one window/tab/URL
// context stayed in the foreground.
type viewingInterval struct {
	id        string
	info      domain.WindowInfo
	startedAt time.Time
}

// New wires an Engine. The clock is injectable so tests can drive time.
func New(cfg config.Config, store ports.StateStore, api ports.API, probe ports.Probe, clock schedule.Clock, log *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		api:      api,
		probe:    probe,
		clock:    clock,
		sched:    schedule.New(clock, log),
		class:    classify.Default(),
		detector: idle.NewDetector(cfg.IdleTimeout, clock.Now()),
		log:      log,
	}
}

// Start moves Stopped -> Starting -> Running. It requires stored credentials
// and blocks on remote session creation; any failure returns the engine to
// Stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.state = StateStarting
	e.mu.Unlock()

	auth, err := e.auth(ctx)
	if err != nil || !auth.Valid() {
		e.setState(StateStopped)
		return ErrUnauthenticated
	}
	source, err := e.deviceID(ctx)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("resolving device id: %w", err)
	}

	now := e.clock.Now()
	entryID, err := e.api.CreateEntry(ctx, now, source)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("creating time entry: %w", err)
	}

	shotInterval, idleTimeout, err := e.loadSettings(ctx)
	if err != nil {
		e.log.Warn("reading persisted settings failed, using defaults", slog.String("error", err.Error()))
		shotInterval, idleTimeout = e.cfg.ScreenshotInterval, e.cfg.IdleTimeout
	}

	e.mu.Lock()
	e.session = &domain.Session{ID: entryID, StartTime: now, Source: source}
	e.view = nil
	e.idleSince = time.Time{}
	e.shotInterval = shotInterval
	e.idleTimeout = idleTimeout
	e.detector = idle.NewDetector(idleTimeout, now)
	// The capture guard is per session: an upload still draining from the
	// previous session must not swallow this session's first tick.
	e.shotInFlight.Store(false)
	e.armLocked()
	e.state = StateRunning
	e.mu.Unlock()

	if err := e.store.Set(ctx, map[string]string{ports.KeyTrackingEnabled: "1"}); err != nil {
		e.log.Warn("persisting tracking flag failed", slog.String("error", err.Error()))
	}
	e.log.Info("tracking started",
		slog.String("session_id", entryID),
		slog.Duration("screenshot_interval", shotInterval),
		slog.Duration("idle_timeout", idleTimeout),
	)
	return nil
}

// Stop moves Running -> Stopping -> Stopped: cancels all capture jobs, emits
// the closing sample for the current context, and performs one best-effort
// close call carrying the accumulated idle seconds.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.state = StateStopping
	now := e.clock.Now()
	for _, h := range e.handles {
		h.Cancel()
	}
	e.handles = nil
	closing := e.closeViewLocked(now)
	if !e.idleSince.IsZero() {
		e.session.IdleSeconds += int64(now.Sub(e.idleSince).Seconds())
		e.idleSince = time.Time{}
	}
	sess := e.session
	e.session = nil
	e.mu.Unlock()

	if closing != nil {
		e.submit(ctx, *closing)
	}
	end := now
	sess.EndTime = &end
	if err := e.api.CloseEntry(ctx, sess.ID, end, sess.IdleSeconds); err != nil {
		// Best effort: the local session still ends.
		e.log.Warn("closing time entry failed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
	e.recordTotals(ctx, sess, end)

	e.setState(StateStopped)
	e.log.Info("tracking stopped",
		slog.String("session_id", sess.ID),
		slog.Int64("idle_seconds", sess.IdleSeconds),
		slog.Duration("duration", end.Sub(sess.StartTime)),
	)
	return nil
}

// Login authenticates against the remote service and persists the credential
// set.
func (e *Engine) Login(ctx context.Context, email, password string) (domain.AuthContext, error) {
	auth, err := e.api.Login(ctx, email, password)
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("logging in: %w", err)
	}
	err = e.store.Set(ctx, map[string]string{
		ports.KeyToken:     auth.Token,
		ports.KeyUserID:    auth.UserID,
		ports.KeyCompanyID: auth.CompanyID,
	})
	if err != nil {
		return domain.AuthContext{}, fmt.Errorf("persisting credentials: %w", err)
	}
	e.log.Info("logged in", slog.String("user_id", auth.UserID))
	return auth, nil
}

// Logout stops a running session, invalidates the token remotely (best
// effort) and clears stored credentials.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if err := e.api.Logout(ctx); err != nil {
		e.log.Warn("remote logout failed", slog.String("error", err.Error()))
	}
	if err := e.store.Remove(ctx, ports.KeyToken, ports.KeyUserID, ports.KeyCompanyID); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	e.log.Info("logged out")
	return nil
}

// Status snapshots the engine.
func (e *Engine) Status(ctx context.Context) Status {
	auth, _ := e.auth(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:         e.state.String(),
		Authenticated: auth.Valid(),
		DroppedEvents: e.dropped.Load(),
	}
	if e.session != nil {
		st.SessionID = e.session.ID
		started := e.session.StartTime
		st.StartedAt = &started
		st.IdleSeconds = e.session.IdleSeconds
		if !e.idleSince.IsZero() {
			st.IdleSeconds += int64(e.clock.Now().Sub(e.idleSince).Seconds())
		}
		st.Idle = e.detector.Idle()
	}
	return st
}

// NoteActive records an externally observed input signal (the userActive
// notification).
func (e *Engine) NoteActive() {
	now := e.clock.Now()
	if e.det().Touch(now) {
		e.onActive(now)
	}
}

// NoteIdle records an externally reported idle transition (the userIdle
// notification from the browser variant).
func (e *Engine) NoteIdle() {
	if e.det().MarkIdle() {
		e.onIdle(e.clock.Now())
	}
}

// det snapshots the detector pointer; Start swaps it under the same lock.
func (e *Engine) det() *idle.Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector
}

// SwitchContext closes the viewing interval for the previous foreground
// context and opens one for info. The closing sample, when above the noise
// threshold, is always emitted before the new context is observed.
func (e *Engine) SwitchContext(ctx context.Context, info domain.WindowInfo) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	now := e.clock.Now()
	var closing *domain.ActivitySample
	if e.view == nil || !e.view.info.Same(info) {
		closing = e.closeViewLocked(now)
		e.view = &viewingInterval{id: uuid.NewString(), info: info, startedAt: now}
	}
	e.mu.Unlock()

	if closing != nil {
		e.submit(ctx, *closing)
	}
	return nil
}

// armLocked schedules the capture jobs for the freshly started session.
// Called with e.mu held.
func (e *Engine) armLocked() {
	e.handles = []*schedule.Handle{
		e.sched.Every(e.cfg.IdlePollInterval, e.pollIdle),
		e.sched.Every(e.cfg.ActivityInterval, e.sampleActivity),
		e.sched.Every(e.shotInterval, e.captureScreenshot),
		// Warm-up capture so the first visual sample does not wait a full
		// screenshot interval.
		e.sched.Once(e.cfg.WarmupDelay, e.captureScreenshot),
	}
}

// pollIdle is the idle-poll job: cursor confirmation, threshold check and
// idle accrual bookkeeping.
func (e *Engine) pollIdle() {
	now := e.clock.Now()
	d := e.det()
	if x, y, err := e.probe.CursorPosition(); err == nil {
		if d.ObserveCursor(x, y, now) {
			e.onActive(now)
		}
	}
	if d.Poll(now) {
		e.onIdle(now)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	last := d.LastActivity().UTC().Format(time.RFC3339)
	if err := e.store.Set(ctx, map[string]string{ports.KeyLastActivity: last}); err != nil {
		e.log.Debug("persisting last activity failed", slog.String("error", err.Error()))
	}
}

// sampleActivity is the periodic activity job. It detects foreground context
// switches as a side effect, emitting the closing sample for the previous
// context before the one for the current tick.
func (e *Engine) sampleActivity() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	info, err := e.probe.ActiveWindow(ctx)
	if err != nil {
		e.log.Debug("window inspection failed", slog.String("error", err.Error()))
		info = domain.WindowInfo{AppName: domain.UnknownApp, Title: domain.UnknownApp}
	}

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	var closing *domain.ActivitySample
	if e.view == nil || !e.view.info.Same(info) {
		closing = e.closeViewLocked(now)
		e.view = &viewingInterval{id: uuid.NewString(), info: info, startedAt: now}
	}
	sample := domain.ActivitySample{
		Timestamp:     now,
		AppName:       info.AppName,
		WindowTitle:   info.Title,
		URL:           info.URL,
		ActivityLevel: classify.ActivityLevel(e.detector.SinceInput(now), e.idleTimeout),
		Category:      e.class.Classify(info.Domain()),
		DurationSec:   int64(e.cfg.ActivityInterval.Seconds()),
	}
	e.mu.Unlock()

	if closing != nil {
		e.submit(ctx, *closing)
	}
	e.submit(ctx, sample)
}

// captureScreenshot is the screenshot job. At most one capture/upload is in
// flight per session; ticks arriving meanwhile are dropped, never queued.
func (e *Engine) captureScreenshot() {
	if !e.shotInFlight.CompareAndSwap(false, true) {
		e.log.Debug("screenshot tick dropped, capture in flight")
		return
	}
	defer e.shotInFlight.Store(false)

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	sessionID := e.session.ID
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	img, err := e.probe.CaptureScreen(ctx)
	if err != nil {
		// Skipped; the next scheduled tick retries naturally.
		e.log.Warn("screen capture failed", slog.String("error", err.Error()))
		return
	}
	info, err := e.probe.ActiveWindow(ctx)
	if err != nil {
		info = domain.WindowInfo{AppName: domain.UnknownApp, Title: domain.UnknownApp}
	}
	shot := domain.ScreenshotRecord{
		SessionID:   sessionID,
		TakenAt:     e.clock.Now(),
		ImageData:   img,
		AppName:     info.AppName,
		WindowTitle: info.Title,
		Blurred:     e.blurEnabled(ctx),
	}
	if err := e.api.UploadScreenshot(ctx, shot); err != nil {
		e.drop("screenshot", err)
	}
}

// closeViewLocked ends the current viewing interval and returns its sample,
// or nil when there is none or the visit was too short to be signal.
// Called with e.mu held.
func (e *Engine) closeViewLocked(now time.Time) *domain.ActivitySample {
	if e.view == nil {
		return nil
	}
	v := e.view
	e.view = nil
	dur := now.Sub(v.startedAt)
	if dur < e.cfg.MinContextDuration {
		e.log.Debug("short visit discarded",
			slog.String("app", v.info.AppName),
			slog.Duration("duration", dur),
		)
		return nil
	}
	return &domain.ActivitySample{
		Timestamp:     now,
		AppName:       v.info.AppName,
		WindowTitle:   v.info.Title,
		URL:           v.info.URL,
		ActivityLevel: classify.ActivityLevel(e.detector.SinceInput(now), e.idleTimeout),
		Category:      e.class.Classify(v.info.Domain()),
		DurationSec:   int64(dur.Seconds()),
	}
}

// submit sends one activity sample; on failure the sample is dropped after
// logging and tracking continues.
func (e *Engine) submit(ctx context.Context, sample domain.ActivitySample) {
	if err := sample.Validate(); err != nil {
		e.log.Warn("invalid activity sample discarded", slog.String("error", err.Error()))
		return
	}
	if err := e.api.SubmitActivity(ctx, sample); err != nil {
		e.drop("activity sample", err)
	}
}

func (e *Engine) onIdle(now time.Time) {
	e.mu.Lock()
	if e.session != nil && e.idleSince.IsZero() {
		e.idleSince = now
	}
	e.mu.Unlock()
	e.log.Info("user idle", slog.Time("at", now))
}

func (e *Engine) onActive(now time.Time) {
	e.mu.Lock()
	if e.session != nil && !e.idleSince.IsZero() {
		e.session.IdleSeconds += int64(now.Sub(e.idleSince).Seconds())
		e.idleSince = time.Time{}
	}
	e.mu.Unlock()
	e.log.Info("user active", slog.Time("at", now))
}

func (e *Engine) drop(kind string, err error) {
	e.dropped.Add(1)
	e.log.Warn("remote call failed, datum dropped",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// auth reads the credential set from the state store; it is never cached
// across scheduling ticks.
func (e *Engine) auth(ctx context.Context) (domain.AuthContext, error) {
	vals, err := e.store.Get(ctx, ports.KeyToken, ports.KeyUserID, ports.KeyCompanyID)
	if err != nil {
		return domain.AuthContext{}, err
	}
	return domain.AuthContext{
		Token:     vals[ports.KeyToken],
		UserID:    vals[ports.KeyUserID],
		CompanyID: vals[ports.KeyCompanyID],
	}, nil
}

// deviceID returns the persisted device id, generating one on first use.
func (e *Engine) deviceID(ctx context.Context) (string, error) {
	vals, err := e.store.Get(ctx, ports.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id := vals[ports.KeyDeviceID]; id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := e.store.Set(ctx, map[string]string{ports.KeyDeviceID: id}); err != nil {
		return "", err
	}
	return id, nil
}

// loadSettings overlays persisted interval settings (stored as seconds) onto
// the configured defaults.
func (e *Engine) loadSettings(ctx context.Context) (shotInterval, idleTimeout time.Duration, err error) {
	shotInterval, idleTimeout = e.cfg.ScreenshotInterval, e.cfg.IdleTimeout
	vals, err := e.store.Get(ctx, ports.KeyScreenshotInterval, ports.KeyIdleTimeout)
	if err != nil {
		return shotInterval, idleTimeout, err
	}
	if v := vals[ports.KeyScreenshotInterval]; v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			shotInterval = time.Duration(secs) * time.Second
		}
	}
	if v := vals[ports.KeyIdleTimeout]; v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
			idleTimeout = time.Duration(secs) * time.Second
		}
	}
	return shotInterval, idleTimeout, nil
}

// blurEnabled re-reads the blur setting each capture so a settings change
// applies within one tick.
func (e *Engine) blurEnabled(ctx context.Context) bool {
	vals, err := e.store.Get(ctx, ports.KeyBlurScreenshots)
	if err != nil {
		return e.cfg.BlurScreenshots
	}
	switch vals[ports.KeyBlurScreenshots] {
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		return e.cfg.BlurScreenshots
	}
}

// recordTotals folds the finished session into the persisted daily counter
// and clears the tracking flag.
func (e *Engine) recordTotals(ctx context.Context, sess *domain.Session, end time.Time) {
	vals, err := e.store.Get(ctx, ports.KeyTotalToday)
	if err != nil {
		e.log.Warn("reading total counter failed", slog.String("error", err.Error()))
		vals = map[string]string{}
	}
	total, _ := strconv.ParseInt(vals[ports.KeyTotalToday], 10, 64)
	total += int64(end.Sub(sess.StartTime).Seconds())
	err = e.store.Set(ctx, map[string]string{
		ports.KeyTotalToday:      strconv.FormatInt(total, 10),
		ports.KeyTrackingEnabled: "0",
	})
	if err != nil {
		e.log.Warn("persisting totals failed", slog.String("error", err.Error()))
	}
}
