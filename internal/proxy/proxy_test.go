package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/schoolgate/internal/credential"
	"github.com/florianilch/schoolgate/internal/gateway"
	"github.com/florianilch/schoolgate/internal/kvstore"
	"github.com/florianilch/schoolgate/internal/observability"
	"github.com/florianilch/schoolgate/internal/refresh"
	"github.com/florianilch/schoolgate/internal/session"
	"github.com/florianilch/schoolgate/internal/tenant"
)

// upstream is a minimal dashboard API.
type upstream struct {
	*httptest.Server

	mu      sync.Mutex
	valid   string
	issued  int
	refresh int
	tenants []string
	// loginTenants records the tenant header of each login call
	loginTenants []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.loginTenants = append(u.loginTenants, r.Header.Get(gateway.DefaultTenantHeader))
		u.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"secret"`) {
			http.Error(w, `{"message":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprintf(w, `{"data":{"accessToken":%q}}`, u.issue())
	})
	mux.HandleFunc("GET /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.refresh++
		u.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"accessToken":%q}`, u.issue())
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.tenants = append(u.tenants, r.Header.Get(gateway.DefaultTenantHeader))
		ok := u.valid != "" && r.Header.Get("Authorization") == "Bearer "+u.valid
		u.mu.Unlock()

		switch {
		case r.URL.Path == "/api/admin":
			http.Error(w, `{"message":"admins only"}`, http.StatusForbidden)
		case r.URL.Path == "/api/revoked":
			w.WriteHeader(http.StatusUnauthorized)
		case !ok:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
		}
	})

	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) issue() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.issued++
	u.valid = fmt.Sprintf("T%d", u.issued)
	return u.valid
}

func (u *upstream) refreshes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refresh
}

func (u *upstream) expire() {
	u.mu.Lock()
	u.valid = "none"
	u.mu.Unlock()
}

func (u *upstream) lastTenant() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tenants) == 0 {
		return ""
	}
	return u.tenants[len(u.tenants)-1]
}

type fixture struct {
	upstream *upstream
	state    *session.State
	store    *credential.Store
	proxy    *Proxy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	up := newUpstream(t)
	state := session.NewState()

	store, err := credential.NewStore(kvstore.NewMemoryStore(), credential.WithMirror(state))
	require.NoError(t, err)
	term, err := session.NewTerminator(store, state)
	require.NoError(t, err)
	t.Cleanup(term.Close)
	resolver, err := tenant.NewResolver(kvstore.NewMemoryStore())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	require.NoError(t, err)

	coordinator, err := refresh.NewCoordinator(up.URL+"/auth/refresh", store, refresh.WithMetrics(metrics))
	require.NoError(t, err)

	gw, err := gateway.New(gateway.Config{
		Credentials: store,
		Refresher:   coordinator,
		Terminator:  term,
		Tenants:     resolver,
		Hints:       state,
		Navigator:   state,
		Metrics:     metrics,
	})
	require.NoError(t, err)
	client, err := gw.Client(up.URL, nil)
	require.NoError(t, err)

	p, err := New(gw, client, store,
		WithBaseURL(up.URL),
		WithSessionState(state),
		WithMetricsHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	require.NoError(t, err)

	return &fixture{upstream: up, state: state, store: store, proxy: p}
}

func (f *fixture) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	rec := f.do(http.MethodPost, "/auth/login", `{"email":"a@b.c","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginSetsSessionCookie(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/auth/login", `{"password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	c := cookieNamed(rec, "accessToken")
	require.NotNil(t, c)
	assert.Equal(t, "T1", c.Value)
	assert.True(t, c.Secure)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.InDelta(t, 24*60*60, c.MaxAge, 2)

	var body SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Authenticated)
}

func TestLoginRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/auth/login", `{"password":"guess"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, cookieNamed(rec, "accessToken"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authentication_rejected", body.Kind)
}

func TestForwardsWithCredentialsAndTenant(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	req := httptest.NewRequest(http.MethodGet, "http://springfield.localhost:4100/api/classes", nil)
	rec := httptest.NewRecorder()
	f.proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"/api/classes"}`, rec.Body.String())
	assert.Equal(t, "springfield", f.upstream.lastTenant())

	rec = f.do(http.MethodGet, "/api/classes", "", gateway.DefaultTenantHeader, "Oakridge")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "oakridge", f.upstream.lastTenant(), "client hint wins")
}

func TestRefreshesTransparently(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.upstream.expire()

	rec := f.do(http.MethodGet, "/api/grades", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.upstream.refreshes())
	assert.Equal(t, "T2", f.store.Get(context.Background()))

	metrics := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `schoolgate_refreshes_total{outcome="success"} 1`)
}

func TestExpiredSessionClearsCookie(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rec := f.do(http.MethodGet, "/api/revoked", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "session_expired", body.Kind)

	c := cookieNamed(rec, "accessToken")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)

	assert.False(t, f.state.Authenticated())
	assert.Equal(t, session.DefaultAuthPath, f.state.Location())
}

func TestForbiddenPassesUpstreamBody(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rec := f.do(http.MethodGet, "/api/admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "admins only")
	assert.Equal(t, gateway.DefaultUnauthorizedPath, f.state.Location())
	assert.True(t, f.state.Authenticated(), "403 keeps the session")
}

func TestLogoutAndSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	rec := f.do(http.MethodGet, "/auth/session", "")
	assert.JSONEq(t, `{"authenticated":true,"location":"/"}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	c := cookieNamed(rec, "accessToken")
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
	assert.Empty(t, f.store.Get(context.Background()))

	rec = f.do(http.MethodGet, "/auth/session", "")
	assert.JSONEq(t, `{"authenticated":false,"location":"/login"}`, rec.Body.String())
}

func TestUpstreamUnreachable(t *testing.T) {
	f := newFixture(t)
	f.upstream.Close()

	rec := f.do(http.MethodGet, "/api/classes", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "transport_error", body.Kind)
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)

	_, err := New(nil, nil, nil)
	assert.Error(t, err)
	_, err = New(f.proxy.gw, f.proxy.auth, f.store, WithBaseURL("not a url"))
	assert.Error(t, err)
}

func TestLoginNeverCarriesTenant(t *testing.T) {
	f := newFixture(t)
	f.state.SetTenantHint("springfield")

	f.login(t)
	rec := f.do(http.MethodPost, "/auth/login", `{"password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	assert.Equal(t, []string{"", ""}, f.upstream.loginTenants)
	assert.Zero(t, f.upstream.refresh, "a rejected login must not refresh")
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t)

	served, err := f.proxy.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotEmpty(t, f.proxy.Addr())

	resp, err := http.Get("http://" + f.proxy.Addr() + "/auth/session")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.proxy.Shutdown(ctx))

	err, open := <-served
	assert.False(t, open, "serve error channel should close on shutdown")
	assert.NoError(t, err)

	_, err = f.proxy.Start(context.Background(), f.upstream.Listener.Addr().String())
	assert.Error(t, err, "listening on a taken address")
}
