package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/florianilch/schoolgate/internal/observability"
	"github.com/florianilch/schoolgate/internal/session"
)

// DefaultTenantHeader carries the resolved tenant on outgoing requests.
const DefaultTenantHeader = "X-Tenant-Subdomain"

// DefaultUnauthorizedPath is navigated to on a 403.
const DefaultUnauthorizedPath = "/unauthorized"

// Termination reasons.
const (
	ReasonRefreshFailed  = "refresh_failed"
	ReasonSessionExpired = "session_expired"
	ReasonLogout         = "logout"
)

// Credentials is the part of the credential store the gateway needs.
type Credentials interface {
	Get(ctx context.Context) string
	Set(ctx context.Context, token string) error
}

// Refresher obtains a token newer than stale.
type Refresher interface {
	Refresh(ctx context.Context, stale string) (string, error)
}

// TenantResolver picks the tenant for a request.
type TenantResolver interface {
	Resolve(ctx context.Context, hint string) string
}

// Terminator ends the session. It reports whether this call did the work.
type Terminator interface {
	Terminate(ctx context.Context, reason string) bool
}

// HintSource supplies the host's current tenant hint.
type HintSource interface {
	TenantHint() string
}

// Config wires a Gateway. Credentials, Refresher and Terminator are required.
type Config struct {
	Credentials Credentials
	Refresher   Refresher
	Terminator  Terminator

	Tenants TenantResolver
	Hints   HintSource
	// Navigator receives the unauthorized page on 403s.
	Navigator session.Navigator

	Endpoints        Endpoints
	TenantHeader     string
	UnauthorizedPath string

	Metrics *observability.Metrics
}

// Gateway applies credentials and tenant to outgoing requests and recovers
// from expired tokens. Transport and Client are its two entry points.
type Gateway struct {
	creds            Credentials
	refresher        Refresher
	terminator       Terminator
	tenants          TenantResolver
	hints            HintSource
	nav              session.Navigator
	endpoints        Endpoints
	tenantHeader     string
	unauthorizedPath string
	metrics          *observability.Metrics
}

// New creates a Gateway from cfg, filling unset fields with defaults.
func New(cfg Config) (*Gateway, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("missing credentials")
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}
	if cfg.Terminator == nil {
		return nil, fmt.Errorf("missing terminator")
	}

	g := &Gateway{
		creds:            cfg.Credentials,
		refresher:        cfg.Refresher,
		terminator:       cfg.Terminator,
		tenants:          cfg.Tenants,
		hints:            cfg.Hints,
		nav:              cfg.Navigator,
		endpoints:        cfg.Endpoints,
		tenantHeader:     cfg.TenantHeader,
		unauthorizedPath: cfg.UnauthorizedPath,
		metrics:          cfg.Metrics,
	}
	if g.endpoints == (Endpoints{}) {
		g.endpoints = DefaultEndpoints()
	}
	if g.tenantHeader == "" {
		g.tenantHeader = DefaultTenantHeader
	}
	if g.unauthorizedPath == "" {
		g.unauthorizedPath = DefaultUnauthorizedPath
	}

	return g, nil
}

// Endpoints returns the endpoint paths the gateway classifies by.
func (g *Gateway) Endpoints() Endpoints {
	return g.endpoints
}

type optionsKey struct{}

// requestOptions are per-request settings carried in a context.
type requestOptions struct {
	tenantHint            string
	skipForbiddenRedirect bool
}

func optionsFrom(ctx context.Context) requestOptions {
	o, _ := ctx.Value(optionsKey{}).(requestOptions)
	return o
}

// WithTenantHint overrides the host's tenant hint for requests made with ctx.
func WithTenantHint(ctx context.Context, hint string) context.Context {
	o := optionsFrom(ctx)
	o.tenantHint = hint
	return context.WithValue(ctx, optionsKey{}, o)
}

// SkipForbiddenRedirect suppresses the unauthorized-page navigation for
// 403s on requests made with ctx. The error is still returned.
func SkipForbiddenRedirect(ctx context.Context) context.Context {
	o := optionsFrom(ctx)
	o.skipForbiddenRedirect = true
	return context.WithValue(ctx, optionsKey{}, o)
}

// dispatchFunc sends one attempt. decorate must be applied to the outgoing
// request before it is sent.
type dispatchFunc func(ctx context.Context, decorate func(*http.Request)) (*http.Response, error)

// exchange runs one logical request through Decide until it settles.
// On success the caller owns the returned response body.
func (g *Gateway) exchange(ctx context.Context, method, target string, ep Endpoint, opts requestOptions, dispatch dispatchFunc) (*http.Response, error) {
	span := trace.SpanFromContext(ctx)
	attempt := Attempt{Endpoint: ep}
	token := g.creds.Get(ctx)
	tenant := g.tenant(ctx, ep, opts)

	for {
		resp, err := dispatch(ctx, g.decorator(token, tenant))
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		d := Decide(attempt, status, err)
		switch d.Action {
		case ActionReturn:
			g.metrics.ObserveRequest(ep.String(), "ok")
			return resp, nil

		case ActionRefresh:
			discard(resp)
			attempt.Retried = true
			span.AddEvent("gateway.refresh")
			slog.DebugContext(ctx, "access token rejected, refreshing", "method", method, "url", target)

			fresh, rerr := g.refresher.Refresh(ctx, token)
			if rerr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(rerr, ctxErr) {
					// The caller stopped waiting. The refresh settles without it
					return nil, g.fail(ep, &Error{Kind: KindUnauthenticated, StatusCode: status, Method: method, URL: target, Err: rerr})
				}
				g.terminate(ctx, ReasonRefreshFailed)
				return nil, g.fail(ep, &Error{Kind: KindRefreshFailed, StatusCode: status, Method: method, URL: target, Err: rerr})
			}
			token = fresh
			span.AddEvent("gateway.retry")

		case ActionTerminate:
			e := responseError(d.Kind, method, target, resp)
			reason := ReasonSessionExpired
			if d.Kind == KindRefreshFailed {
				reason = ReasonRefreshFailed
			}
			slog.WarnContext(ctx, "session cannot be recovered", "method", method, "url", target, "kind", d.Kind.String())
			g.terminate(ctx, reason)
			return nil, g.fail(ep, e)

		case ActionFail:
			if err != nil {
				return nil, g.fail(ep, &Error{Kind: KindTransport, Method: method, URL: target, Err: err})
			}
			e := responseError(d.Kind, method, target, resp)
			if d.Kind == KindForbidden && !opts.skipForbiddenRedirect && g.nav != nil {
				g.nav.Navigate(ctx, g.unauthorizedPath)
			}
			return nil, g.fail(ep, e)
		}
	}
}

func (g *Gateway) fail(ep Endpoint, e *Error) *Error {
	g.metrics.ObserveRequest(ep.String(), e.Kind.String())
	return e
}

// terminate ends the session even if ctx was canceled, so a session that
// failed to refresh never lingers.
func (g *Gateway) terminate(ctx context.Context, reason string) {
	ctx = context.WithoutCancel(ctx)
	if g.terminator.Terminate(ctx, reason) {
		g.metrics.ObserveTermination(reason)
		trace.SpanFromContext(ctx).AddEvent("gateway.terminate", trace.WithAttributes(attribute.String("reason", reason)))
	}
}

// tenant resolves the tenant once per logical request.
func (g *Gateway) tenant(ctx context.Context, ep Endpoint, opts requestOptions) string {
	if g.tenants == nil || !ep.carriesTenant() {
		return ""
	}
	hint := opts.tenantHint
	if hint == "" && g.hints != nil {
		hint = g.hints.TenantHint()
	}
	return g.tenants.Resolve(ctx, hint)
}

// decorator replaces any caller-supplied credentials and tenant with the
// gateway's own.
func (g *Gateway) decorator(token, tenant string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Del("Authorization")
		req.Header.Del(g.tenantHeader)
		if token != "" {
			(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
		}
		if tenant != "" {
			req.Header.Set(g.tenantHeader, tenant)
		}
	}
}
