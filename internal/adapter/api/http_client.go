// Package api implements ports.API against the remote tracking service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"trackd/internal/domain"
)

// TokenFunc returns the current bearer token, or "" when unauthenticated.
// The token is read per call so the client never holds a stale credential.
type TokenFunc func(ctx context.Context) string

// Client implements ports.API over HTTP with JSON bodies.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, token TokenFunc, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// Login exchanges credentials for a token. POST /auth/login.
func (c *Client) Login(ctx context.Context, email, password string) (domain.AuthContext, error) {
	body := map[string]string{"email": email, "password": password}
	var raw rawLoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &raw); err != nil {
		return domain.AuthContext{}, err
	}
	return domain.AuthContext{
		Token:     raw.Token,
		UserID:    raw.User.ID,
		CompanyID: raw.User.CompanyID,
	}, nil
}

// Logout invalidates the current token server side. POST /auth/logout.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// CreateEntry opens a time entry and returns its id. POST /time-entries.
func (c *Client) CreateEntry(ctx context.Context, start time.Time, source string) (string, error) {
	body := map[string]string{
		"start_time": start.UTC().Format(time.RFC3339),
		"source":     source,
	}
	var raw rawEntryResponse
	if err := c.do(ctx, http.MethodPost, "/time-entries", body, &raw); err != nil {
		return "", err
	}
	return raw.EntryID, nil
}

// CloseEntry closes a time entry with its end time and accumulated idle
// seconds. PUT /time-entries/{id}.
func (c *Client) CloseEntry(ctx context.Context, entryID string, end time.Time, idleSeconds int64) error {
	body := map[string]any{
		"end_time":  end.UTC().Format(time.RFC3339),
		"idle_time": idleSeconds,
	}
	return c.do(ctx, http.MethodPut, "/time-entries/"+url.PathEscape(entryID), body, nil)
}

// SubmitActivity uploads one activity sample. POST /activity-logs.
func (c *Client) SubmitActivity(ctx context.Context, sample domain.ActivitySample) error {
	body := rawActivity{
		AppName:       sample.AppName,
		WindowTitle:   sample.WindowTitle,
		URL:           sample.URL,
		ActivityLevel: sample.ActivityLevel,
		Duration:      sample.DurationSec,
		Category:      string(sample.Category),
	}
	return c.do(ctx, http.MethodPost, "/activity-logs", body, nil)
}

// UploadScreenshot uploads one screenshot record. POST /screenshots/upload.
func (c *Client) UploadScreenshot(ctx context.Context, shot domain.ScreenshotRecord) error {
	body := rawScreenshot{
		TimeEntryID: shot.SessionID,
		ImageData:   shot.ImageData,
		TakenAt:     shot.TakenAt.UTC().Format(time.RFC3339),
		AppName:     shot.AppName,
		WindowTitle: shot.WindowTitle,
		Blurred:     shot.Blurred,
	}
	return c.do(ctx, http.MethodPost, "/screenshots/upload", body, nil)
}

// do performs one JSON request/response round trip. Non-2xx statuses are
// returned as errors carrying a snippet of the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("api: invalid base url: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return fmt.Errorf("api: invalid path: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api: unexpected status %d on %s %s: %s", resp.StatusCode, method, path, string(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api: decoding response: %w", err)
		}
	}
	return nil
}

// rawLoginResponse mirrors the JSON of POST /auth/login.
type rawLoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID        string `json:"id"`
		CompanyID string `json:"company_id"`
	} `json:"user"`
}

type rawEntryResponse struct {
	EntryID string `json:"entry_id"`
}

type rawActivity struct {
	AppName       string `json:"app_name"`
	WindowTitle   string `json:"window_title"`
	URL           string `json:"url,omitempty"`
	ActivityLevel int    `json:"activity_level"`
	Duration      int64  `json:"duration"`
	Category      string `json:"category"`
}

type rawScreenshot struct {
	TimeEntryID string `json:"time_entry_id"`
	ImageData   []byte `json:"image_data"`
	TakenAt     string `json:"taken_at"`
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	Blurred     bool   `json:"blurred"`
}
