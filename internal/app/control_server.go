package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trackd/internal/engine"
)

// ControlServer returns a configured http.Server exposing the local command
// surface of the running agent. Call ListenAndServe on the returned server in
// a goroutine and Shutdown it on exit. It binds to loopback by default and
// carries no authentication of its own.
func (a *App) ControlServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.respond(w, r, engine.GetStatus{})
	})

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.respond(w, r, engine.StartTracking{})
	})

	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.respond(w, r, engine.StopTracking{})
	})

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		a.respond(w, r, engine.Login{Email: body.Email, Password: body.Password})
	})

	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.respond(w, r, engine.Logout{})
	})

	srv := &http.Server{Addr: addr, Handler: loggingMiddleware(a.log, mux)}
	a.log.Info("control server configured", slog.String("addr", addr))
	return srv
}

// respond runs one engine command and writes its result as JSON, mapping the
// engine's sentinel errors onto HTTP statuses.
func (a *App) respond(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	res, err := a.engine.Handle(r.Context(), cmd)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrUnauthenticated):
			status = http.StatusUnauthorized
		case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrNotRunning):
			status = http.StatusConflict
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	out := map[string]any{"status": "ok"}
	if res.Status != nil {
		out["tracking"] = res.Status
	}
	if res.Auth != nil {
		out["user_id"] = res.Auth.UserID
		out["company_id"] = res.Auth.CompanyID
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("control request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("dur", time.Since(start)),
		)
	})
}
