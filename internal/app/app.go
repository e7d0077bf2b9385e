package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trackd/internal/adapter/api"
	"trackd/internal/adapter/capture"
	"trackd/internal/adapter/state"
	"trackd/internal/config"
	"trackd/internal/engine"
	"trackd/internal/ports"
	"trackd/internal/schedule"
)

// App wires adapters and the session engine.
type App struct {
	log    *slog.Logger
	cfg    config.Config
	store  *state.Store
	engine *engine.Engine
}

func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	store, err := state.Open(ctx, cfg.StatePath, log)
	if err != nil {
		return nil, err
	}
	if err := seedSettings(ctx, store, cfg); err != nil {
		store.Close()
		return nil, err
	}

	// The token is read from the store on every call so a login or logout
	// takes effect without rebuilding the client.
	token := func(ctx context.Context) string {
		vals, err := store.Get(ctx, ports.KeyToken)
		if err != nil {
			log.Debug("reading token failed", slog.String("error", err.Error()))
			return ""
		}
		return vals[ports.KeyToken]
	}
	apiClient := api.NewClient(cfg.APIURL, token, log)
	probe := capture.New(log)
	eng := engine.New(cfg, store, apiClient, probe, schedule.RealClock(), log)

	return &App{log: log, cfg: cfg, store: store, engine: eng}, nil
}

// Engine exposes the session engine, mainly for the control server handlers.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the control server, optionally resumes tracking, and blocks
// until ctx is cancelled. Shutdown closes the running session best effort.
func (a *App) Run(ctx context.Context) error {
	srv := a.ControlServer(a.cfg.ControlAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.maybeAutoStart(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: close the session and the control server with a
	// fresh context since ctx is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.engine.Stop(shutdownCtx); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		a.log.Warn("stopping session on shutdown failed", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("control server shutdown failed", slog.String("error", err.Error()))
	}
	return a.store.Close()
}

// maybeAutoStart resumes tracking when the agent was tracking at last
// shutdown and auto-start is enabled.
func (a *App) maybeAutoStart(ctx context.Context) {
	if !a.cfg.AutoStart {
		return
	}
	vals, err := a.store.Get(ctx, ports.KeyTrackingEnabled)
	if err != nil || vals[ports.KeyTrackingEnabled] != "1" {
		return
	}
	if err := a.engine.Start(ctx); err != nil {
		a.log.Warn("auto-start failed", slog.String("error", err.Error()))
	}
}

// seedSettings writes the configured defaults for every persisted setting
// that has no stored value yet.
func seedSettings(ctx context.Context, store *state.Store, cfg config.Config) error {
	defaults := map[string]string{
		ports.KeyAPIURL:             cfg.APIURL,
		ports.KeyScreenshotInterval: strconv.Itoa(int(cfg.ScreenshotInterval.Seconds())),
		ports.KeyIdleTimeout:        strconv.Itoa(int(cfg.IdleTimeout.Seconds())),
		ports.KeyAutoStart:          strconv.FormatBool(cfg.AutoStart),
		ports.KeyBlurScreenshots:    strconv.FormatBool(cfg.BlurScreenshots),
	}
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	existing, err := store.Get(ctx, keys...)
	if err != nil {
		return err
	}
	missing := make(map[string]string)
	for k, v := range defaults {
		if _, ok := existing[k]; !ok {
			missing[k] = v
		}
	}
	return store.Set(ctx, missing)
}
