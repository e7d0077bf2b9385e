package engine

import (
	"context"
	"fmt"

	"trackd/internal/domain"
)

// Command is the closed set of requests the engine handles, independent of
// any transport. The control server and CLI both reduce to these.
type Command interface{ isCommand() }

// StartTracking opens a new session.
type StartTracking struct{}

// StopTracking closes the running session.
type StopTracking struct{}

// GetStatus snapshots the engine.
type GetStatus struct{}

// Login exchanges credentials for a token and persists it.
type Login struct {
	Email    string
	Password string
}

// Logout stops tracking and clears credentials.
type Logout struct{}

// UserActive reports an observed input signal.
type UserActive struct{}

// UserIdle reports an externally detected idle transition.
type UserIdle struct{}

// PageLoaded reports a foreground page/context change.
type PageLoaded struct {
	URL   string
	Title string
}

func (StartTracking) isCommand() {}
func (StopTracking) isCommand()  {}
func (GetStatus) isCommand()     {}
func (Login) isCommand()         {}
func (Logout) isCommand()        {}
func (UserActive) isCommand()    {}
func (UserIdle) isCommand()      {}
func (PageLoaded) isCommand()    {}

// Result is the reply for a handled command. Only the field matching the
// command kind is populated.
type Result struct {
	Status *Status
	Auth   *domain.AuthContext
}

// Handle dispatches one command. Failures are returned to the caller and
// never crash the session.
func (e *Engine) Handle(ctx context.Context, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case StartTracking:
		return Result{}, e.Start(ctx)
	case StopTracking:
		return Result{}, e.Stop(ctx)
	case GetStatus:
		st := e.Status(ctx)
		return Result{Status: &st}, nil
	case Login:
		auth, err := e.Login(ctx, c.Email, c.Password)
		if err != nil {
			return Result{}, err
		}
		return Result{Auth: &auth}, nil
	case Logout:
		return Result{}, e.Logout(ctx)
	case UserActive:
		e.NoteActive()
		return Result{}, nil
	case UserIdle:
		e.NoteIdle()
		return Result{}, nil
	case PageLoaded:
		info := domain.WindowInfo{AppName: "browser", Title: c.Title, URL: c.URL}
		return Result{}, e.SwitchContext(ctx, info)
	default:
		return Result{}, fmt.Errorf("engine: unknown command %T", cmd)
	}
}
