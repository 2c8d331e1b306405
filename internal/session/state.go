// Package session holds the state shared by every gateway component and the
// escalation path taken when a session cannot be recovered.
//
// State is created once per process and passed to components at
// construction. Host applications observe it through Subscribe instead of
// the gateway reaching into any UI runtime: a terminated session shows up as
// EventSessionEnded followed by EventNavigate to the sign-in entry point.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened to the session.
type EventType string

const (
	// EventTokenChanged fires on every credential store change.
	EventTokenChanged EventType = "token_changed"
	// EventSessionEnded fires once per terminated session.
	EventSessionEnded EventType = "session_ended"
	// EventNavigate asks the host to move to Event.Path.
	EventNavigate EventType = "navigate"
)

// Event is delivered to subscribers. It never carries the token itself.
type Event struct {
	ID            uuid.UUID
	Type          EventType
	At            time.Time
	Authenticated bool
	Reason        string
	Path          string
}

// Navigator moves the host application to a path.
type Navigator interface {
	Navigate(ctx context.Context, path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, path string)

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, path string) {
	f(ctx, path)
}

// State is the explicit shared context object of the gateway.
type State struct {
	mu            sync.RWMutex
	authenticated bool
	tenantHint    string
	location      string
	subs          map[int]func(Event)
	nextSub       int
}

// Compile-time check to ensure State implements Navigator
var _ Navigator = (*State)(nil)

// NewState creates an unauthenticated State located at "/".
func NewState() *State {
	return &State{
		location: "/",
		subs:     make(map[int]func(Event)),
	}
}

// MirrorToken records a credential store change and publishes EventTokenChanged.
func (s *State) MirrorToken(token string) {
	s.mu.Lock()
	s.authenticated = token != ""
	s.mu.Unlock()

	s.Publish(Event{Type: EventTokenChanged, Authenticated: token != ""})
}

// Authenticated reports whether the credential store currently holds a token.
func (s *State) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// TenantHint returns the tenant chosen by the application session, if any.
func (s *State) TenantHint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantHint
}

// SetTenantHint records the tenant chosen by the application session.
func (s *State) SetTenantHint(hint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantHint = hint
}

// Location returns the path the host application is currently at.
func (s *State) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// SetLocation records where the host application is without publishing.
func (s *State) SetLocation(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = path
}

// Navigate records the new location and publishes EventNavigate.
func (s *State) Navigate(_ context.Context, path string) {
	s.SetLocation(path)
	s.Publish(Event{Type: EventNavigate, Path: path})
}

// Subscribe registers fn for every future event. Subscribers run
// synchronously on the publishing goroutine and must not block.
func (s *State) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Publish delivers e to all subscribers, filling ID and At when unset.
func (s *State) Publish(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
