package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackd/internal/adapter/capture"
	"trackd/internal/adapter/state"
	"trackd/internal/config"
	"trackd/internal/domain"
	"trackd/internal/ports"
	"trackd/internal/schedule"
)

var t0 = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

// quietConfig uses intervals long enough that advancing the virtual clock a
// few seconds never fires a background job; tests drive the job funcs
// directly where determinism matters.
func quietConfig() config.Config {
	return config.Config{
		APIURL:             "http://remote.test",
		StatePath:          ":memory:",
		ScreenshotInterval: 10 * time.Minute,
		ActivityInterval:   10 * time.Minute,
		IdlePollInterval:   10 * time.Minute,
		IdleTimeout:        time.Minute,
		WarmupDelay:        10 * time.Minute,
		MinContextDuration: 5 * time.Second,
		RequestTimeout:     5 * time.Second,
	}
}

type fakeAPI struct {
	mu      sync.Mutex
	created int
	closes  []closeCall
	samples []domain.ActivitySample
	shots   []domain.ScreenshotRecord

	entryID   string
	createErr error
	submitErr error
	loginAuth domain.AuthContext
	loginErr  error
	logouts   int

	// When set, UploadScreenshot signals uploadStarted and blocks until
	// uploadRelease is closed.
	uploadStarted chan struct{}
	uploadRelease chan struct{}
}

type closeCall struct {
	entryID     string
	idleSeconds int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{entryID: "entry-1"}
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (domain.AuthContext, error) {
	return f.loginAuth, f.loginErr
}

func (f *fakeAPI) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeAPI) CreateEntry(ctx context.Context, start time.Time, source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return f.entryID, nil
}

func (f *fakeAPI) CloseEntry(ctx context.Context, entryID string, end time.Time, idleSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{entryID: entryID, idleSeconds: idleSeconds})
	return nil
}

func (f *fakeAPI) SubmitActivity(ctx context.Context, sample domain.ActivitySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeAPI) UploadScreenshot(ctx context.Context, shot domain.ScreenshotRecord) error {
	if f.uploadStarted != nil {
		f.uploadStarted <- struct{}{}
		<-f.uploadRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, shot)
	return nil
}

func (f *fakeAPI) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closes...)
}

func (f *fakeAPI) sampleList() []domain.ActivitySample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ActivitySample(nil), f.samples...)
}

func (f *fakeAPI) shotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shots)
}

func testProbe() *capture.Probe {
	p := capture.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Window = func(ctx context.Context) (domain.WindowInfo, error) {
		return domain.WindowInfo{AppName: "code", Title: "main.go"}, nil
	}
	p.Screen = func(ctx context.Context) ([]byte, error) {
		return []byte{0x89, 0x50}, nil
	}
	return p
}

func newTestEngine(t *testing.T, cfg config.Config, api ports.API, probe ports.Probe) (*Engine, *state.Store, *schedule.VirtualClock) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := state.Open(context.Background(), cfg.StatePath, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clock := schedule.NewVirtualClock(t0)
	return New(cfg, store, api, probe, clock, log), store, clock
}

func authenticate(t *testing.T, store *state.Store) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), map[string]string{
		ports.KeyToken:     "tok",
		ports.KeyUserID:    "u1",
		ports.KeyCompanyID: "c1",
	}))
}

func TestStart_Unauthenticated(t *testing.T) {
	api := newFakeAPI()
	e, _, _ := newTestEngine(t, quietConfig(), api, testProbe())
	ctx := context.Background()

	err := e.Start(ctx)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, "stopped", e.Status(ctx).State)
	assert.Equal(t, 0, api.created)
}

func TestStart_RemoteFailureReturnsToStopped(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("remote down")
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	err := e.Start(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, "stopped", e.Status(ctx).State)
}

func TestStartStop_SingleCloseCall(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	st := e.Status(ctx)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "entry-1", st.SessionID)

	require.NoError(t, e.Stop(ctx))
	closes := api.closeCalls()
	require.Len(t, closes, 1)
	assert.Equal(t, "entry-1", closes[0].entryID)
	// Idle seconds are reported even when zero.
	assert.Equal(t, int64(0), closes[0].idleSeconds)
	assert.Equal(t, "stopped", e.Status(ctx).State)

	// The tracking flag and daily total were persisted.
	vals, err := store.Get(ctx, ports.KeyTrackingEnabled, ports.KeyTotalToday)
	require.NoError(t, err)
	assert.Equal(t, "0", vals[ports.KeyTrackingEnabled])
	assert.Equal(t, "0", vals[ports.KeyTotalToday])
}

func TestStart_AlreadyRunning(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.ErrorIs(t, e.Start(ctx), ErrAlreadyRunning)
	assert.Equal(t, 1, api.created)
	require.NoError(t, e.Stop(ctx))
}

func TestStop_NotRunning(t *testing.T) {
	api := newFakeAPI()
	e, _, _ := newTestEngine(t, quietConfig(), api, testProbe())
	require.ErrorIs(t, e.Stop(context.Background()), ErrNotRunning)
}

func TestIdleAccrual(t *testing.T) {
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))

	// Silence past the one-minute threshold, then a poll detects it.
	clock.Advance(70 * time.Second)
	e.pollIdle()
	st := e.Status(ctx)
	assert.True(t, st.Idle)

	// Thirty idle seconds later the user returns.
	clock.Advance(30 * time.Second)
	e.NoteActive()
	assert.False(t, e.Status(ctx).Idle)

	require.NoError(t, e.Stop(ctx))
	closes := api.closeCalls()
	require.Len(t, closes, 1)
	assert.Equal(t, int64(30), closes[0].idleSeconds)
}

func TestIdleAccruedAtStopWhileStillIdle(t *testing.T) {
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	clock.Advance(70 * time.Second)
	e.pollIdle()
	clock.Advance(20 * time.Second)

	require.NoError(t, e.Stop(ctx))
	closes := api.closeCalls()
	require.Len(t, closes, 1)
	assert.Equal(t, int64(20), closes[0].idleSeconds)
}

func TestContextSwitch_ShortVisitDiscarded(t *testing.T) {
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SwitchContext(ctx, domain.WindowInfo{AppName: "slack", Title: "general"}))
	clock.Advance(3 * time.Second)
	require.NoError(t, e.SwitchContext(ctx, domain.WindowInfo{AppName: "code", Title: "main.go"}))

	// Three seconds in slack is below the noise threshold.
	for _, s := range api.sampleList() {
		assert.NotEqual(t, "slack", s.AppName)
	}
	require.NoError(t, e.Stop(ctx))
}

func TestContextSwitch_EmitsClosingSample(t *testing.T) {
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SwitchContext(ctx, domain.WindowInfo{AppName: "chrome", Title: "PR #7", URL: "https://github.com/org/repo/pull/7"}))
	clock.Advance(8 * time.Second)
	require.NoError(t, e.SwitchContext(ctx, domain.WindowInfo{AppName: "code", Title: "main.go"}))

	samples := api.sampleList()
	require.Len(t, samples, 1)
	assert.Equal(t, "chrome", samples[0].AppName)
	assert.Equal(t, int64(8), samples[0].DurationSec)
	assert.Equal(t, domain.CategoryProductive, samples[0].Category)
	require.NoError(t, e.Stop(ctx))
}

func TestContextSwitch_SameContextNoSample(t *testing.T) {
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	info := domain.WindowInfo{AppName: "code", Title: "main.go"}
	require.NoError(t, e.SwitchContext(ctx, info))
	clock.Advance(10 * time.Second)
	require.NoError(t, e.SwitchContext(ctx, info))

	assert.Empty(t, api.sampleList())
	require.NoError(t, e.Stop(ctx))
}

func TestSwitchContext_NotRunning(t *testing.T) {
	api := newFakeAPI()
	e, _, _ := newTestEngine(t, quietConfig(), api, testProbe())
	err := e.SwitchContext(context.Background(), domain.WindowInfo{AppName: "code"})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestSampleActivity_PeriodicSample(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	e.sampleActivity()

	samples := api.sampleList()
	require.Len(t, samples, 1)
	assert.Equal(t, "code", samples[0].AppName)
	assert.Equal(t, 100, samples[0].ActivityLevel)
	assert.Equal(t, int64(600), samples[0].DurationSec)
	require.NoError(t, e.Stop(ctx))
}

func TestSampleActivity_ProbeFailureUsesPlaceholders(t *testing.T) {
	api := newFakeAPI()
	probe := testProbe()
	probe.Window = func(ctx context.Context) (domain.WindowInfo, error) {
		return domain.WindowInfo{}, errors.New("query failed")
	}
	e, store, _ := newTestEngine(t, quietConfig(), api, probe)
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	e.sampleActivity()

	samples := api.sampleList()
	require.Len(t, samples, 1)
	assert.Equal(t, domain.UnknownApp, samples[0].AppName)
	assert.Equal(t, domain.UnknownApp, samples[0].WindowTitle)
	require.NoError(t, e.Stop(ctx))
}

func TestSampleActivity_SubmitFailureDropsAndContinues(t *testing.T) {
	api := newFakeAPI()
	api.submitErr = errors.New("network down")
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	e.sampleActivity()
	e.sampleActivity()

	st := e.Status(ctx)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, int64(2), st.DroppedEvents)
	require.NoError(t, e.Stop(ctx))
}

func TestCaptureScreenshot_SingleFlight(t *testing.T) {
	api := newFakeAPI()
	api.uploadStarted = make(chan struct{}, 1)
	api.uploadRelease = make(chan struct{})
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))

	done := make(chan struct{})
	go func() {
		e.captureScreenshot()
		close(done)
	}()
	<-api.uploadStarted

	// A tick arriving while the upload is in flight is dropped, not queued.
	e.captureScreenshot()
	assert.Equal(t, 0, e.shotCountForTest())

	close(api.uploadRelease)
	<-done
	assert.Equal(t, 1, api.shotCount())

	api.uploadStarted = nil
	require.NoError(t, e.Stop(ctx))
}

func TestStart_ResetsCaptureGuard(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	// An upload left in flight by an earlier session must not block the new
	// session's first capture.
	e.shotInFlight.Store(true)
	require.NoError(t, e.Start(ctx))
	e.captureScreenshot()
	assert.Equal(t, 1, api.shotCount())
	require.NoError(t, e.Stop(ctx))
}

func TestCaptureScreenshot_CaptureFailureSkipped(t *testing.T) {
	api := newFakeAPI()
	probe := testProbe()
	probe.Screen = func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("display locked")
	}
	e, store, _ := newTestEngine(t, quietConfig(), api, probe)
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	e.captureScreenshot()
	assert.Equal(t, 0, api.shotCount())
	// Engine still running; the next tick retries naturally.
	assert.Equal(t, "running", e.Status(ctx).State)
	require.NoError(t, e.Stop(ctx))
}

func TestWarmupScreenshot(t *testing.T) {
	cfg := quietConfig()
	cfg.WarmupDelay = 30 * time.Second
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, cfg, api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool { return api.shotCount() == 1 }, 2*time.Second, 10*time.Millisecond,
		"warm-up capture should fire without waiting a full screenshot interval")
	require.NoError(t, e.Stop(ctx))
}

func TestStop_CancelsScheduledJobs(t *testing.T) {
	cfg := quietConfig()
	cfg.IdlePollInterval = 10 * time.Second
	cfg.ActivityInterval = 20 * time.Second
	cfg.ScreenshotInterval = 30 * time.Second
	cfg.WarmupDelay = 15 * time.Second
	cfg.IdleTimeout = time.Minute
	api := newFakeAPI()
	e, store, clock := newTestEngine(t, cfg, api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop(ctx))

	before := len(api.sampleList()) + api.shotCount()
	clock.Advance(10 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	after := len(api.sampleList()) + api.shotCount()
	assert.Equal(t, before, after, "no job may fire for a stopped session")
	require.Len(t, api.closeCalls(), 1)
}

func TestLoginPersistsCredentials(t *testing.T) {
	api := newFakeAPI()
	api.loginAuth = domain.AuthContext{Token: "tok9", UserID: "u9", CompanyID: "c9"}
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	ctx := context.Background()

	auth, err := e.Login(ctx, "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u9", auth.UserID)

	vals, err := store.Get(ctx, ports.KeyToken, ports.KeyUserID, ports.KeyCompanyID)
	require.NoError(t, err)
	assert.Equal(t, "tok9", vals[ports.KeyToken])
	assert.Equal(t, "c9", vals[ports.KeyCompanyID])
}

func TestLogout_StopsSessionAndClearsCredentials(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Logout(ctx))

	require.Len(t, api.closeCalls(), 1)
	assert.Equal(t, 1, api.logouts)
	vals, err := store.Get(ctx, ports.KeyToken)
	require.NoError(t, err)
	_, ok := vals[ports.KeyToken]
	assert.False(t, ok)

	// Restarting now fails as unauthenticated.
	require.ErrorIs(t, e.Start(ctx), ErrUnauthenticated)
}

func TestSettingsOverlayFromStore(t *testing.T) {
	api := newFakeAPI()
	e, store, _ := newTestEngine(t, quietConfig(), api, testProbe())
	authenticate(t, store)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, map[string]string{
		ports.KeyIdleTimeout:        "120",
		ports.KeyScreenshotInterval: "90",
	}))

	require.NoError(t, e.Start(ctx))
	e.mu.Lock()
	assert.Equal(t, 2*time.Minute, e.idleTimeout)
	assert.Equal(t, 90*time.Second, e.shotInterval)
	e.mu.Unlock()
	require.NoError(t, e.Stop(ctx))
}

// shotCountForTest reads the in-flight flag indirectly: a dropped tick never
// reaches the fake API, so the recorded count stays unchanged.
func (e *Engine) shotCountForTest() int {
	if f, ok := e.api.(*fakeAPI); ok {
		return f.shotCount()
	}
	return -1
}
