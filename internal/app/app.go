package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/schoolgate/internal/credential"
	"github.com/florianilch/schoolgate/internal/gateway"
	"github.com/florianilch/schoolgate/internal/kvstore"
	"github.com/florianilch/schoolgate/internal/observability"
	"github.com/florianilch/schoolgate/internal/proxy"
	"github.com/florianilch/schoolgate/internal/refresh"
	"github.com/florianilch/schoolgate/internal/session"
	"github.com/florianilch/schoolgate/internal/tenant"
)

// App wires the gateway components and orchestrates the proxy lifecycle.
type App struct {
	cfg *Config

	kv         kvstore.Store
	state      *session.State
	store      *credential.Store
	resolver   *tenant.Resolver
	terminator *session.Terminator
	gateway    *gateway.Gateway
	client     *gateway.Client
	proxy      *proxy.Proxy
}

// New creates a new App instance. Only the redis backend performs I/O here.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	kv, err := cfg.Storage.NewStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Storage.Type, err)
	}

	a := &App{cfg: cfg, kv: kv, state: session.NewState()}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg

	a.state.SetTenantHint(cfg.Tenant.Hint)
	a.state.Subscribe(func(e session.Event) {
		slog.Debug("session event", "type", e.Type, "authenticated", e.Authenticated, "reason", e.Reason, "path", e.Path)
	})

	policy := credential.DefaultCookiePolicy()
	policy.Name = cfg.Credentials.CookieName
	policy.Path = cfg.Credentials.CookiePath
	policy.Secure = !cfg.Credentials.Insecure
	policy.MaxAge = cfg.Credentials.MaxAge

	var err error
	a.store, err = credential.NewStore(a.kv, credential.WithPolicy(policy), credential.WithMirror(a.state))
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	resolverOpts := []tenant.Option{tenant.WithLocalSuffixes(cfg.Tenant.LocalSuffixes...)}
	if cfg.Tenant.Origin != "" {
		resolverOpts = append(resolverOpts, tenant.WithDefaultOrigin(cfg.Tenant.Origin))
	}
	a.resolver, err = tenant.NewResolver(a.kv, resolverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create tenant resolver: %w", err)
	}

	a.terminator, err = session.NewTerminator(a.store, a.state,
		session.WithAuthPaths(cfg.Navigation.AuthPath, cfg.Navigation.ExtraAuthPaths...),
	)
	if err != nil {
		return fmt.Errorf("failed to create session terminator: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// The jar holds the upstream's refresh cookie for login and refresh calls
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	base := otelhttp.NewTransport(http.DefaultTransport)
	upstreamClient := &http.Client{Transport: base, Jar: jar}

	refreshURL, err := url.JoinPath(cfg.Upstream.BaseURL, cfg.Endpoints.Refresh)
	if err != nil {
		return fmt.Errorf("invalid refresh URL: %w", err)
	}
	coordinator, err := refresh.NewCoordinator(refreshURL, a.store,
		refresh.WithHTTPClient(upstreamClient),
		refresh.WithTimeout(cfg.Refresh.Timeout),
		refresh.WithTenant(cfg.Tenant.Header, func(ctx context.Context) string {
			return a.resolver.Resolve(ctx, a.state.TenantHint())
		}),
		refresh.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh coordinator: %w", err)
	}

	a.gateway, err = gateway.New(gateway.Config{
		Credentials: a.store,
		Refresher:   coordinator,
		Terminator:  a.terminator,
		Tenants:     a.resolver,
		Hints:       a.state,
		Navigator:   a.state,
		Endpoints: gateway.Endpoints{
			Login:   cfg.Endpoints.Login,
			Refresh: cfg.Endpoints.Refresh,
			Logout:  cfg.Endpoints.Logout,
		},
		TenantHeader:     cfg.Tenant.Header,
		UnauthorizedPath: cfg.Navigation.UnauthorizedPath,
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	a.client, err = a.gateway.Client(cfg.Upstream.BaseURL, upstreamClient)
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}

	proxyOpts := []proxy.Option{
		proxy.WithBaseURL(cfg.Upstream.BaseURL),
		proxy.WithBaseTransport(base),
		proxy.WithSessionState(a.state),
		proxy.WithTenantHeader(cfg.Tenant.Header),
	}
	if cfg.Metrics.Enabled {
		proxyOpts = append(proxyOpts, proxy.WithMetricsHandler(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	a.proxy, err = proxy.New(a.gateway, a.client, a.store, proxyOpts...)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	return nil
}

// Client returns the explicit gateway entry point.
func (a *App) Client() *gateway.Client {
	return a.client
}

// Session returns the shared session state.
func (a *App) Session() *session.State {
	return a.state
}

// Forget drops the persisted tenant fallback.
func (a *App) Forget(ctx context.Context) error {
	return a.resolver.Forget(ctx)
}

// Close releases the backing store.
func (a *App) Close() error {
	if a.terminator != nil {
		a.terminator.Close()
	}
	if c, ok := a.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return a.Close() })

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "address", address, "upstream", a.cfg.Upstream.BaseURL)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
