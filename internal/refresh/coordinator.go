package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/schoolgate/internal/observability"
)

// DefaultTimeout caps a single refresh call.
const DefaultTimeout = 30 * time.Second

// maxBodySize bounds how much of the refresh response is read.
const maxBodySize = 1 << 20

// flightKey is the single slot all refresh callers share.
const flightKey = "refresh"

// ErrRefreshFailed wraps every reason a refresh could not produce a token.
var ErrRefreshFailed = errors.New("refresh failed")

// ErrSessionEnded is returned, wrapped in ErrRefreshFailed, when the token a
// caller held was cleared by logout or termination. Such a session is not
// refreshed back to life.
var ErrSessionEnded = errors.New("session already ended")

var tracer = otel.Tracer("github.com/florianilch/schoolgate/internal/refresh")

// TokenStore is the part of the credential store the coordinator needs.
type TokenStore interface {
	Get(ctx context.Context) string
	Set(ctx context.Context, token string) error
}

// TenantFunc returns the tenant to send with the refresh call, or "".
type TenantFunc func(ctx context.Context) string

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client for refresh calls. Its Jar carries the
// session cookie. It must not route through the gateway transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.client = client
	}
}

// WithTimeout caps each refresh call. Waiters blocked on a hung refresh are
// released with an error once it elapses.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithTenant sends the resolved tenant in header on refresh calls.
func WithTenant(header string, fn TenantFunc) Option {
	return func(c *Coordinator) {
		c.tenantHeader = header
		c.tenant = fn
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator performs access token refreshes, one at a time.
type Coordinator struct {
	url          string
	store        TokenStore
	client       *http.Client
	timeout      time.Duration
	tenantHeader string
	tenant       TenantFunc
	metrics      *observability.Metrics

	// mu orders "is a newer token stored?" checks against the store update
	// of a settling refresh, so a late caller either joins the flight or
	// sees its result.
	mu    sync.Mutex
	group singleflight.Group
}

// NewCoordinator creates a Coordinator calling refreshURL and storing
// new tokens into store.
func NewCoordinator(refreshURL string, store TokenStore, opts ...Option) (*Coordinator, error) {
	if refreshURL == "" {
		return nil, fmt.Errorf("refresh URL cannot be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}

	c := &Coordinator{
		url:     refreshURL,
		store:   store,
		client:  &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		return nil, fmt.Errorf("refresh timeout must be positive")
	}

	return c, nil
}

// Refresh returns a token newer than stale, the token the caller's failed
// attempt used. If a refresh already replaced stale it is returned without a
// network call; otherwise the caller starts or joins the in-flight refresh.
// A caller whose stale token has since been cleared gets ErrSessionEnded.
//
// The refresh runs detached from ctx: a caller that gives up gets ctx.Err()
// while the refresh completes for everyone else.
func (c *Coordinator) Refresh(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	current := c.store.Get(ctx)
	switch {
	case current != "" && current != stale:
		c.mu.Unlock()
		return current, nil
	case current == "" && stale != "":
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrSessionEnded)
	}
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), current)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run fetches a token and stores it before the flight settles. held is the
// stored token when the flight started; if it was cleared meanwhile the
// fetched token is dropped.
func (c *Coordinator) run(ctx context.Context, held string) (string, error) {
	token, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if held != "" && c.store.Get(ctx) == "" {
		slog.InfoContext(ctx, "session ended during refresh, dropping token")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrSessionEnded)
	}
	if err := c.store.Set(ctx, token); err != nil {
		// The in-memory token is current; only persistence failed
		slog.ErrorContext(ctx, "failed to persist refreshed access token", "error", err)
	}
	return token, nil
}

func (c *Coordinator) fetch(ctx context.Context) (token string, err error) {
	ctx, span := tracer.Start(ctx, "refresh")
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, "refresh failed")
		}
		c.metrics.ObserveRefresh(outcome, time.Since(start))
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %w", ErrRefreshFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tenant != nil && c.tenantHeader != "" {
		if t := c.tenant(ctx); t != "" {
			req.Header.Set(c.tenantHeader, t)
		}
	}

	slog.DebugContext(ctx, "refreshing access token")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrRefreshFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: refresh endpoint returned %d", ErrRefreshFailed, resp.StatusCode)
	}

	token, field, err := ExtractToken(body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if field != CanonicalField {
		slog.DebugContext(ctx, "refresh response used compatibility token field", "field", field)
	}

	slog.InfoContext(ctx, "access token refreshed")
	return token, nil
}
