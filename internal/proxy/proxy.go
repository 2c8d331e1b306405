package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/florianilch/schoolgate/internal/gateway"
	"github.com/florianilch/schoolgate/internal/tenant"
)

// maxLoginBody bounds the login payload accepted from clients.
const maxLoginBody = 1 << 20

// Authenticator performs login and logout against the upstream.
type Authenticator interface {
	Login(ctx context.Context, payload []byte) (*gateway.Response, error)
	Logout(ctx context.Context) error
}

// Credentials renders the session cookie.
type Credentials interface {
	Cookie(ctx context.Context) *http.Cookie
	ExpiredCookie() *http.Cookie
}

// SessionState is what the proxy reports about the session.
type SessionState interface {
	Authenticated() bool
	TenantHint() string
	Location() string
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithBaseURL sets the upstream dashboard API.
func WithBaseURL(baseURL string) Option {
	return func(p *Proxy) {
		p.baseURL = baseURL
	}
}

// WithBaseTransport sets the transport below the gateway.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.base = rt
	}
}

// WithSessionState exposes the session at /auth/session.
func WithSessionState(s SessionState) Option {
	return func(p *Proxy) {
		p.state = s
	}
}

// WithTenantHeader reads a client-supplied tenant hint from header.
func WithTenantHeader(header string) Option {
	return func(p *Proxy) {
		p.tenantHeader = header
	}
}

// WithMetricsHandler serves h at path.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(p *Proxy) {
		p.metricsPath = path
		p.metrics = h
	}
}

// Proxy is the local HTTP front of the gateway. It forwards every request
// to the upstream with the session's credentials and tenant applied.
type Proxy struct {
	gw    *gateway.Gateway
	auth  Authenticator
	creds Credentials

	baseURL      string
	base         http.RoundTripper
	state        SessionState
	tenantHeader string
	metricsPath  string
	metrics      http.Handler

	mux    *http.ServeMux
	server *http.Server
	addr   string
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a Proxy forwarding through gw.
func New(gw *gateway.Gateway, auth Authenticator, creds Credentials, opts ...Option) (*Proxy, error) {
	if gw == nil {
		return nil, fmt.Errorf("missing gateway")
	}
	if auth == nil {
		return nil, fmt.Errorf("missing authenticator")
	}
	if creds == nil {
		return nil, fmt.Errorf("missing credentials")
	}

	p := &Proxy{
		gw:           gw,
		auth:         auth,
		creds:        creds,
		tenantHeader: gateway.DefaultTenantHeader,
	}
	for _, opt := range opts {
		opt(p)
	}

	upstream, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL must be absolute: %q", p.baseURL)
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
		},
		// FlushInterval: -1 flushes only when the upstream flushes
		FlushInterval: -1,
		Transport:     gw.Transport(p.base),
		ErrorHandler:  p.handleError,
	}

	logger := slog.Default()
	endpoints := gw.Endpoints()

	mux := http.NewServeMux()
	mux.Handle("POST "+endpoints.Login, applyMiddlewares(http.HandlerFunc(p.handleLogin),
		Logging(logger, p.tenantHeader),
		Recovery,
	))
	mux.Handle("POST "+endpoints.Logout, applyMiddlewares(http.HandlerFunc(p.handleLogout),
		Logging(logger, p.tenantHeader),
		Recovery,
	))
	mux.Handle("GET /auth/session", applyMiddlewares(http.HandlerFunc(p.handleSession),
		Logging(logger, p.tenantHeader),
		Recovery,
	))
	if p.metrics != nil {
		mux.Handle("GET "+p.metricsPath, p.metrics)
	}
	// Everything else goes upstream
	mux.Handle("/", applyMiddlewares(reverseProxyHandler,
		Logging(logger, p.tenantHeader),
		Recovery,
		p.requestContext,
	))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// requestContext derives the tenant origin and hint from the client request.
func (p *Proxy) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tenant.WithOrigin(r.Context(), r.Host)
		if hint := r.Header.Get(p.tenantHeader); hint != "" {
			ctx = gateway.WithTenantHint(ctx, hint)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (p *Proxy) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLoginBody))
	if err != nil {
		writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := p.auth.Login(ctx, payload); err != nil {
		p.handleError(w, r, err)
		return
	}

	if c := p.creds.Cookie(ctx); c != nil {
		http.SetCookie(w, c)
	}
	writeJSON(ctx, w, SessionResponse{Authenticated: true}, http.StatusOK)
}

func (p *Proxy) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := p.auth.Logout(ctx); err != nil {
		// The local session is gone either way
		slog.WarnContext(ctx, "upstream logout failed", "error", err)
	}

	http.SetCookie(w, p.creds.ExpiredCookie())
	w.WriteHeader(http.StatusNoContent)
}

// SessionResponse describes the local session.
type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	TenantHint    string `json:"tenant_hint,omitempty"`
	Location      string `json:"location,omitempty"`
}

func (p *Proxy) handleSession(w http.ResponseWriter, r *http.Request) {
	if p.state == nil {
		writeJSONError(r.Context(), w, "session state unavailable", http.StatusNotFound)
		return
	}
	writeJSON(r.Context(), w, SessionResponse{
		Authenticated: p.state.Authenticated(),
		TenantHint:    p.state.TenantHint(),
		Location:      p.state.Location(),
	}, http.StatusOK)
}

// handleError maps gateway failures onto client responses.
func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.ErrorContext(ctx, "proxy error", "error", err)
		writeJSONError(ctx, w, "bad gateway", http.StatusBadGateway)
		return
	}

	status := http.StatusBadGateway
	switch gwErr.Kind {
	case gateway.KindUnauthenticated, gateway.KindAuthenticationRejected:
		status = http.StatusUnauthorized
	case gateway.KindSessionExpired, gateway.KindRefreshFailed:
		status = http.StatusUnauthorized
		http.SetCookie(w, p.creds.ExpiredCookie())
	case gateway.KindForbidden, gateway.KindServerError, gateway.KindClientError:
		status = gwErr.StatusCode
		if len(gwErr.Body) > 0 {
			// Upstream error bodies are passed through unchanged
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(gwErr.Body)
			return
		}
	case gateway.KindTransport:
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.WarnContext(ctx, "upstream unreachable", "error", err)
	}

	writeJSON(ctx, w, ErrorResponse{Error: http.StatusText(status), Kind: gwErr.Kind.String()}, status)
}

// Start listens on address and serves in the background. Listen errors are
// returned directly; a later Serve failure arrives on the channel, which is
// closed once the server stops. Stop it with Shutdown.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	p.addr = ln.Addr().String()

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A proxied call may wait on a refresh before it reaches upstream
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  90 * time.Second,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	served := make(chan error, 1)
	go func() {
		defer close(served)
		if err := p.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			served <- err
		}
	}()
	return served, nil
}

// Addr is the address Start listens on, or "" before Start.
func (p *Proxy) Addr() string {
	return p.addr
}

// Shutdown drains open connections until ctx ends, then closes the rest.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	err := p.server.Shutdown(ctx)
	if err == nil {
		return nil
	}
	return errors.Join(fmt.Errorf("draining connections: %w", err), p.server.Close())
}
