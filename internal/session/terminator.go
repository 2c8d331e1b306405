package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// DefaultAuthPath is the sign-in entry point.
const DefaultAuthPath = "/login"

// Credentials is the part of the credential store the terminator needs.
type Credentials interface {
	Clear(ctx context.Context) error
}

// TerminatorOption configures a Terminator.
type TerminatorOption func(*Terminator)

// WithNavigator replaces the State as navigation target.
func WithNavigator(n Navigator) TerminatorOption {
	return func(t *Terminator) {
		t.nav = n
	}
}

// WithAuthPaths sets the path navigated to on termination, plus further
// paths that also count as authentication entry points (e.g. "/register").
func WithAuthPaths(entry string, others ...string) TerminatorOption {
	return func(t *Terminator) {
		t.authPath = entry
		t.authPaths = append([]string{entry}, others...)
	}
}

// Terminator ends a session that cannot be recovered.
// At most one termination runs per session; a new token re-arms it.
type Terminator struct {
	creds     Credentials
	state     *State
	nav       Navigator
	authPath  string
	authPaths []string

	ended       atomic.Bool
	unsubscribe func()
}

// NewTerminator creates a Terminator clearing creds and publishing on state.
func NewTerminator(creds Credentials, state *State, opts ...TerminatorOption) (*Terminator, error) {
	if creds == nil {
		return nil, fmt.Errorf("missing credentials")
	}
	if state == nil {
		return nil, fmt.Errorf("missing session state")
	}

	t := &Terminator{
		creds:     creds,
		state:     state,
		nav:       state,
		authPath:  DefaultAuthPath,
		authPaths: []string{DefaultAuthPath},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.authPath == "" {
		return nil, fmt.Errorf("auth path cannot be empty")
	}

	t.unsubscribe = state.Subscribe(func(e Event) {
		if e.Type == EventTokenChanged && e.Authenticated {
			t.ended.Store(false)
		}
	})

	return t, nil
}

// Terminate clears credentials, publishes EventSessionEnded and navigates to
// the auth entry point unless the host is already on one. Concurrent and
// repeated calls within one session are no-ops; the return value reports
// whether this call did the work.
func (t *Terminator) Terminate(ctx context.Context, reason string) bool {
	if !t.ended.CompareAndSwap(false, true) {
		slog.DebugContext(ctx, "session already terminated", "reason", reason)
		return false
	}

	slog.InfoContext(ctx, "terminating session", "reason", reason)

	if err := t.creds.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear credentials", "error", err)
	}

	t.state.Publish(Event{Type: EventSessionEnded, Reason: reason})

	if !t.IsAuthPath(t.state.Location()) {
		t.nav.Navigate(ctx, t.authPath)
	}

	return true
}

// IsAuthPath reports whether location is an authentication entry point.
func (t *Terminator) IsAuthPath(location string) bool {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	location = strings.TrimSuffix(location, "/")
	for _, p := range t.authPaths {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if location == p || strings.HasPrefix(location, p+"/") {
			return true
		}
	}
	return false
}

// Close detaches the terminator from the state.
func (t *Terminator) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}
