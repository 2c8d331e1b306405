// Package credential owns the current access token.
//
// The Store is the only place the token lives. Callers read it fresh for
// every request attempt instead of keeping copies, and every change is
// mirrored into the shared session state so both views stay identical.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/schoolgate/internal/kvstore"
)

// DefaultKey is the kvstore key holding the persisted token entry.
const DefaultKey = "access_token"

// ErrNoToken is returned by Token when no valid access token is stored.
var ErrNoToken = errors.New("no access token")

// Mirror receives every change of the current token ("" after Clear or expiry).
// MirrorToken is called with the Store locked and must not call back into it.
type Mirror interface {
	MirrorToken(token string)
}

// CookiePolicy bounds the token's lifetime and scopes where it may travel.
type CookiePolicy struct {
	Name     string
	Path     string
	Secure   bool
	SameSite http.SameSite
	// MaxAge is how long a token stays usable locally after Set.
	MaxAge time.Duration
}

// DefaultCookiePolicy returns the production policy: secure, strict
// cross-site restriction, root path, one day lifetime.
func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{
		Name:     "accessToken",
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   24 * time.Hour,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithPolicy overrides DefaultCookiePolicy.
func WithPolicy(p CookiePolicy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithMirror registers the shared state that mirrors the current token.
func WithMirror(m Mirror) Option {
	return func(s *Store) {
		s.mirror = m
	}
}

// WithKey stores the entry under a custom kvstore key.
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// entry is the persisted form of the token.
type entry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store holds the current access token, backed by a kvstore.Store.
// Initialization is deferred to avoid I/O during application startup.
type Store struct {
	kv     kvstore.Store
	key    string
	policy CookiePolicy
	mirror Mirror
	now    func() time.Time

	mu      sync.Mutex
	loaded  bool
	current *entry
}

// Compile-time check to ensure Store implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Store)(nil)

// NewStore creates a Store persisting into kv.
// No I/O is performed until the first read.
func NewStore(kv kvstore.Store, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("missing kv store")
	}

	s := &Store{
		kv:     kv,
		key:    DefaultKey,
		policy: DefaultCookiePolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.MaxAge <= 0 {
		return nil, fmt.Errorf("cookie max age must be positive")
	}

	return s, nil
}

// Get returns the current token, or "" when none is stored or it expired.
func (s *Store) Get(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.loadLocked(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load access token", "error", err)
		return ""
	}
	if s.current == nil {
		return ""
	}

	if s.current.expired(s.now()) {
		slog.DebugContext(ctx, "access token reached local max age")
		s.current = nil
		if err := s.kv.Delete(ctx, s.key); err != nil {
			slog.WarnContext(ctx, "failed to delete expired access token", "error", err)
		}
		s.notify("")
		return ""
	}

	if changed {
		s.notify(s.current.Token)
	}
	return s.current.Token
}

// loadLocked reads the persisted entry once. Reports whether the in-memory
// token changed as a result.
func (s *Store) loadLocked(ctx context.Context) (bool, error) {
	if s.loaded {
		return false, nil
	}

	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		s.loaded = true
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Token == "" {
		// A bare token written by hand or by an older version; no local expiry
		e = entry{Token: strings.TrimSpace(raw)}
	}

	s.loaded = true
	s.current = &e
	return true, nil
}

// Has reports whether a valid token is stored.
func (s *Store) Has(ctx context.Context) bool {
	return s.Get(ctx) != ""
}

// Set replaces the current token. The in-memory value is replaced even when
// persisting fails, in which case the persistence error is returned.
func (s *Store) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("access token cannot be empty")
	}

	e := &entry{Token: token, ExpiresAt: s.now().Add(s.policy.MaxAge).UTC()}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling access token entry: %w", err)
	}

	s.mu.Lock()
	s.loaded = true
	s.current = e
	persistErr := s.kv.Set(ctx, s.key, string(data))
	s.notify(token)
	s.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("persisting access token: %w", persistErr)
	}
	return nil
}

// Clear removes the current token from memory and persistence.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.loaded = true
	s.current = nil
	err := s.kv.Delete(ctx, s.key)
	s.notify("")
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	return nil
}

// Token implements oauth2.TokenSource over the current token.
func (s *Store) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter
	ctx := context.Background()

	token := s.Get(ctx)
	if token == "" {
		return nil, ErrNoToken
	}

	s.mu.Lock()
	var expiry time.Time
	if s.current != nil {
		expiry = s.current.ExpiresAt
	}
	s.mu.Unlock()

	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}

// Cookie renders the current token under the store's policy,
// or nil when no token is stored.
func (s *Store) Cookie(ctx context.Context) *http.Cookie {
	token := s.Get(ctx)
	if token == "" {
		return nil
	}

	s.mu.Lock()
	expires := s.now().Add(s.policy.MaxAge)
	if s.current != nil && !s.current.ExpiresAt.IsZero() {
		expires = s.current.ExpiresAt
	}
	s.mu.Unlock()

	maxAge := int(expires.Sub(s.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	return &http.Cookie{
		Name:     s.policy.Name,
		Value:    token,
		Path:     s.policy.Path,
		Expires:  expires,
		MaxAge:   maxAge,
		Secure:   s.policy.Secure,
		HttpOnly: true,
		SameSite: s.policy.SameSite,
	}
}

// ExpiredCookie renders a cookie that deletes the token cookie on the client.
func (s *Store) ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.policy.Name,
		Value:    "",
		Path:     s.policy.Path,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		Secure:   s.policy.Secure,
		HttpOnly: true,
		SameSite: s.policy.SameSite,
	}
}

func (s *Store) notify(token string) {
	if s.mirror != nil {
		s.mirror.MirrorToken(token)
	}
}
