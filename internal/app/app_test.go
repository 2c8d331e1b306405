package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/florianilch/schoolgate/internal/gateway"
)

func newTestConfig(t *testing.T, baseURL string) *Config {
	t.Helper()
	cfg := &Config{
		Upstream: UpstreamConfig{BaseURL: baseURL},
		Storage:  StorageConfig{Type: StorageTypeFile, Dir: t.TempDir()},
		Tenant:   TenantConfig{Hint: "springfield"},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := newTestConfig(t, "https://api.example")
	cfg.Refresh.Timeout = 2 * cfg.Credentials.MaxAge
	if err := cfg.Validate(); err == nil {
		t.Error("refresh timeout above max age accepted")
	}

	cfg = newTestConfig(t, "https://api.example")
	cfg.Storage = StorageConfig{Type: StorageTypeRedis}
	if err := cfg.Validate(); err == nil {
		t.Error("redis without address accepted")
	}
}

func TestAppEndToEnd(t *testing.T) {
	var (
		refreshes atomic.Int32
		valid     atomic.Value
	)
	valid.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		valid.Store("first")
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "rt", Path: "/"})
		_, _ = fmt.Fprint(w, `{"accessToken":"first"}`)
	})
	mux.HandleFunc("GET /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("refreshToken"); err != nil || c.Value != "rt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		refreshes.Add(1)
		valid.Store("second")
		_, _ = fmt.Fprint(w, `{"token":"second"}`)
	})
	mux.HandleFunc("GET /students", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+valid.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprintf(w, `{"tenant":%q}`, r.Header.Get("X-Tenant-Subdomain"))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	ctx := context.Background()
	cfg := newTestConfig(t, upstream.URL)

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.Client().Login(ctx, []byte(`{"email":"x","password":"y"}`)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !a.Session().Authenticated() {
		t.Fatal("session not authenticated after login")
	}

	// Upstream rotates the token; the gateway refreshes with the jar's cookie
	valid.Store("rotated-away")
	resp, err := a.Client().Send(ctx, gateway.Request{Path: "/students"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := string(resp.Body); got != `{"tenant":"springfield"}` {
		t.Errorf("body = %s", got)
	}
	if n := refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}

	// A second process over the same storage sees the refreshed token
	b, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = b.Close() }()
	if _, err := b.Client().Send(ctx, gateway.Request{Path: "/students"}); err != nil {
		t.Errorf("second instance Send: %v", err)
	}

	if err := a.Client().Logout(ctx); err != nil && !errors.Is(err, gateway.ErrClientError) {
		t.Fatalf("Logout: %v", err)
	}
	if a.Session().Authenticated() {
		t.Error("still authenticated after logout")
	}
}
