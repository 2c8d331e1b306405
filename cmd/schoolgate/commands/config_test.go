package commands

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/florianilch/schoolgate/internal/app"
)

func TestLoadConfigDefaults(t *testing.T) {
	environ := func() []string {
		return []string{"SCHOOLGATE_STORAGE__TYPE=memory"}
	}

	cfg, err := loadConfig("", nil, environ)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Storage.Type != app.StorageTypeMemory {
		t.Errorf("storage.type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Endpoints.Refresh != app.DefaultConfigRefreshPath {
		t.Errorf("endpoints.refresh = %q", cfg.Endpoints.Refresh)
	}
	if cfg.Tenant.Header != "X-Tenant-Subdomain" {
		t.Errorf("tenant.header = %q", cfg.Tenant.Header)
	}
	if cfg.Credentials.MaxAge != 24*time.Hour {
		t.Errorf("credentials.max_age = %v", cfg.Credentials.MaxAge)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("log_level = %v", cfg.LogLevel)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schoolgate.toml")
	content := `
log_level = "debug"

[upstream]
base_url = "https://api.file.example"

[storage]
type = "memory"

[tenant]
hint = "fromfile"
local_suffixes = ["localhost", "test"]

[refresh]
timeout = "10s"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	environ := func() []string {
		return []string{
			"SCHOOLGATE_TENANT__HINT=fromenv",
			"SCHOOLGATE_NAVIGATION__UNAUTHORIZED_PATH=/denied",
			"UNRELATED=1",
		}
	}

	cfg, err := loadConfig(path, nil, environ)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log_level = %v, want debug", cfg.LogLevel)
	}
	if cfg.Upstream.BaseURL != "https://api.file.example" {
		t.Errorf("upstream.base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Tenant.Hint != "fromenv" {
		t.Errorf("tenant.hint = %q, env should override file", cfg.Tenant.Hint)
	}
	if len(cfg.Tenant.LocalSuffixes) != 2 || cfg.Tenant.LocalSuffixes[1] != "test" {
		t.Errorf("tenant.local_suffixes = %v", cfg.Tenant.LocalSuffixes)
	}
	if cfg.Navigation.UnauthorizedPath != "/denied" {
		t.Errorf("navigation.unauthorized_path = %q", cfg.Navigation.UnauthorizedPath)
	}
	if cfg.Refresh.Timeout != 10*time.Second {
		t.Errorf("refresh.timeout = %v", cfg.Refresh.Timeout)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		environ []string
	}{
		{"unknown storage", []string{"SCHOOLGATE_STORAGE__TYPE=floppy"}},
		{"redis without address", []string{"SCHOOLGATE_STORAGE__TYPE=redis"}},
		{"relative endpoint", []string{"SCHOOLGATE_STORAGE__TYPE=memory", "SCHOOLGATE_ENDPOINTS__LOGIN=auth/login"}},
		{"bad exporter", []string{"SCHOOLGATE_STORAGE__TYPE=memory", "SCHOOLGATE_TELEMETRY__LOGS_EXPORTER=zipkin"}},
		{"bad upstream", []string{"SCHOOLGATE_STORAGE__TYPE=memory", "SCHOOLGATE_UPSTREAM__BASE_URL=not a url"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig("", nil, func() []string { return tt.environ }); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigKeys(t *testing.T) {
	if got, _ := envKey("SCHOOLGATE_STORAGE__REDIS__ADDR", "x"); got != "storage.redis.addr" {
		t.Errorf("envKey = %q", got)
	}
	if got, _ := envKey("SCHOOLGATE_LOG_LEVEL", "debug"); got != "log_level" {
		t.Errorf("envKey = %q", got)
	}
	for name, want := range map[string]string{
		"tenant--hint":     "tenant.hint",
		"log-level":        "log_level",
		"server--port":     "server.port",
		"metrics--enabled": "metrics.enabled",
	} {
		if got := flagKey(name); got != want {
			t.Errorf("flagKey(%q) = %q, want %q", name, got, want)
		}
	}
}
