package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config enumerates every recognized option with its default. Values come
// from environment variables; persisted settings in the state store overlay
// some of them at session start.
type Config struct {
	// APIURL is the base URL of the remote tracking service.
	APIURL string
	// ControlAddr is the listen address of the local control API.
	ControlAddr string
	// StatePath is the SQLite state database location.
	StatePath string

	ScreenshotInterval time.Duration
	ActivityInterval   time.Duration
	IdlePollInterval   time.Duration
	IdleTimeout        time.Duration
	// WarmupDelay is the one-off screenshot delay after session start.
	WarmupDelay time.Duration
	// MinContextDuration is the noise threshold below which a viewing
	// interval is discarded instead of sampled.
	MinContextDuration time.Duration
	RequestTimeout     time.Duration

	AutoStart       bool
	BlurScreenshots bool
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		APIURL:             "https://api.trackd.example.com",
		ControlAddr:        "127.0.0.1:7420",
		StatePath:          defaultStatePath(),
		ScreenshotInterval: 5 * time.Minute,
		ActivityInterval:   time.Minute,
		IdlePollInterval:   10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		WarmupDelay:        30 * time.Second,
		MinContextDuration: 5 * time.Second,
		RequestTimeout:     30 * time.Second,
	}
}

// Load reads configuration from environment variables on top of the defaults
// and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("TRACKD_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("TRACKD_CONTROL_ADDR"); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv("TRACKD_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}

	var err error
	if cfg.ScreenshotInterval, err = envDuration("TRACKD_SCREENSHOT_INTERVAL", cfg.ScreenshotInterval); err != nil {
		return cfg, err
	}
	if cfg.ActivityInterval, err = envDuration("TRACKD_ACTIVITY_INTERVAL", cfg.ActivityInterval); err != nil {
		return cfg, err
	}
	if cfg.IdlePollInterval, err = envDuration("TRACKD_IDLE_POLL_INTERVAL", cfg.IdlePollInterval); err != nil {
		return cfg, err
	}
	if cfg.IdleTimeout, err = envDuration("TRACKD_IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if cfg.AutoStart, err = envBool("TRACKD_AUTO_START", cfg.AutoStart); err != nil {
		return cfg, err
	}
	if cfg.BlurScreenshots, err = envBool("TRACKD_BLUR_SCREENSHOTS", cfg.BlurScreenshots); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("config: API URL is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("config: state path is required")
	}
	for name, d := range map[string]time.Duration{
		"screenshot interval":  c.ScreenshotInterval,
		"activity interval":    c.ActivityInterval,
		"idle poll interval":   c.IdlePollInterval,
		"idle timeout":         c.IdleTimeout,
		"warm-up delay":        c.WarmupDelay,
		"min context duration": c.MinContextDuration,
		"request timeout":      c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.IdleTimeout <= c.IdlePollInterval {
		return fmt.Errorf("config: idle timeout must exceed the poll interval")
	}
	return nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: %s must be a duration like 30s or 5m", name)
	}
	return d, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("config: %s must be a boolean", name)
	}
	return b, nil
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "trackd-state.db"
	}
	return filepath.Join(dir, "trackd", "state.db")
}
