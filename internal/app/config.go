package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/schoolgate/internal/kvstore"
	"github.com/florianilch/schoolgate/internal/observability"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageType represents the backends supported for credentials and the tenant fallback.
type StorageType string

const (
	StorageTypeFile    StorageType = "file"
	StorageTypeKeyring StorageType = "keyring"
	StorageTypeMemory  StorageType = "memory"
	StorageTypeRedis   StorageType = "redis"
)

// Default configuration values
const (
	DefaultConfigLogFormat        = LogFormatText
	DefaultConfigLogsExporter     = observability.ExporterNone
	DefaultConfigServerHost       = "127.0.0.1"
	DefaultConfigServerPort       = 4100
	DefaultConfigShutdownTimeout  = 5 * time.Second
	DefaultConfigUpstreamBaseURL  = "https://api.schoolapp.io"
	DefaultConfigLoginPath        = "/auth/login"
	DefaultConfigRefreshPath      = "/auth/refresh"
	DefaultConfigLogoutPath       = "/auth/logout"
	DefaultConfigAuthPath         = "/login"
	DefaultConfigUnauthorizedPath = "/unauthorized"
	DefaultConfigCookieName       = "accessToken"
	DefaultConfigCookiePath       = "/"
	DefaultConfigCookieMaxAge     = 24 * time.Hour
	DefaultConfigStorage          = StorageTypeFile
	DefaultConfigRedisPrefix      = "schoolgate"
	DefaultConfigTenantHeader     = "X-Tenant-Subdomain"
	DefaultConfigLocalSuffix      = "localhost"
	DefaultConfigRefreshTimeout   = 30 * time.Second
	DefaultConfigMetricsPath      = "/metrics"
)

// keyringService names the keyring entries holding gateway state.
const keyringService = "schoolgate"

// TelemetryConfig selects the OpenTelemetry log exporter.
type TelemetryConfig struct {
	LogsExporter string `json:"logs_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig holds the dashboard API location.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// EndpointsConfig holds the auth endpoint paths, relative to the upstream.
type EndpointsConfig struct {
	Login   string `json:"login" validate:"required,startswith=/"`
	Refresh string `json:"refresh" validate:"required,startswith=/"`
	Logout  string `json:"logout" validate:"required,startswith=/"`
}

// NavigationConfig holds the host paths the gateway navigates to.
type NavigationConfig struct {
	AuthPath string `json:"auth_path" validate:"required,startswith=/"`
	// ExtraAuthPaths also count as authentication pages (no redirect on termination).
	ExtraAuthPaths   []string `json:"extra_auth_paths" validate:"dive,startswith=/"`
	UnauthorizedPath string   `json:"unauthorized_path" validate:"required,startswith=/"`
}

// CredentialsConfig bounds the access token's lifetime and cookie scope.
type CredentialsConfig struct {
	CookieName string        `json:"cookie_name" validate:"required"`
	CookiePath string        `json:"cookie_path" validate:"required,startswith=/"`
	Insecure   bool          `json:"insecure"` // Drops the Secure cookie attribute, for plain HTTP development
	MaxAge     time.Duration `json:"max_age" validate:"gt=0"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	Prefix   string `json:"prefix"`
}

// StorageConfig describes where the token and the tenant fallback persist.
type StorageConfig struct {
	Type StorageType `json:"type" validate:"required,oneof=file keyring memory redis"`

	// Backend-specific settings (used based on Type)
	Dir         string      `json:"dir,omitempty"`          // For file storage: directory holding one file per key
	KeyringUser string      `json:"keyring_user,omitempty"` // For keyring storage: user identifier
	Redis       RedisConfig `json:"redis"`
}

// NewStore creates the configured kvstore.Store.
func (s *StorageConfig) NewStore(ctx context.Context) (kvstore.Store, error) {
	switch s.Type {
	case StorageTypeFile:
		return kvstore.NewFileStore(s.Dir)
	case StorageTypeKeyring:
		return kvstore.NewKeyringStore(keyringService, s.KeyringUser)
	case StorageTypeMemory:
		return kvstore.NewMemoryStore(), nil
	case StorageTypeRedis:
		return kvstore.NewRedisStore(ctx, kvstore.RedisOptions{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			Prefix:   s.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

// TenantConfig configures tenant resolution.
type TenantConfig struct {
	// Hint is an explicit tenant that wins over every other source.
	Hint string `json:"hint"`
	// Origin is the host tenants are derived from when requests carry none.
	Origin        string   `json:"origin"`
	LocalSuffixes []string `json:"local_suffixes"`
	Header        string   `json:"header" validate:"required"`
}

// RefreshConfig bounds refresh calls.
type RefreshConfig struct {
	Timeout time.Duration `json:"timeout" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint of the local proxy.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required,startswith=/"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level        `json:"log_level"`
	LogFormat   LogFormat         `json:"log_format" validate:"oneof=text json"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Server      ServerConfig      `json:"server"`
	Shutdown    ShutdownConfig    `json:"shutdown"`
	Upstream    UpstreamConfig    `json:"upstream"`
	Endpoints   EndpointsConfig   `json:"endpoints"`
	Navigation  NavigationConfig  `json:"navigation"`
	Credentials CredentialsConfig `json:"credentials"`
	Storage     StorageConfig     `json:"storage"`
	Tenant      TenantConfig      `json:"tenant"`
	Refresh     RefreshConfig     `json:"refresh"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Telemetry.LogsExporter == "" {
		c.Telemetry.LogsExporter = DefaultConfigLogsExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	setDefault(&c.Endpoints.Login, DefaultConfigLoginPath)
	setDefault(&c.Endpoints.Refresh, DefaultConfigRefreshPath)
	setDefault(&c.Endpoints.Logout, DefaultConfigLogoutPath)
	setDefault(&c.Navigation.AuthPath, DefaultConfigAuthPath)
	setDefault(&c.Navigation.UnauthorizedPath, DefaultConfigUnauthorizedPath)
	setDefault(&c.Credentials.CookieName, DefaultConfigCookieName)
	setDefault(&c.Credentials.CookiePath, DefaultConfigCookiePath)
	if c.Credentials.MaxAge == 0 {
		c.Credentials.MaxAge = DefaultConfigCookieMaxAge
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorage
	}
	setDefault(&c.Tenant.Header, DefaultConfigTenantHeader)
	if len(c.Tenant.LocalSuffixes) == 0 {
		c.Tenant.LocalSuffixes = []string{DefaultConfigLocalSuffix}
	}
	if c.Refresh.Timeout == 0 {
		c.Refresh.Timeout = DefaultConfigRefreshTimeout
	}
	setDefault(&c.Metrics.Path, DefaultConfigMetricsPath)

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case StorageTypeFile:
		if c.Storage.Dir == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.dir required (auto-detect failed: %w)", err)
			}
			c.Storage.Dir = filepath.Join(configDir, "schoolgate")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Storage.KeyringUser = currentUser.Username
		}
	case StorageTypeRedis:
		setDefault(&c.Storage.Redis.Prefix, DefaultConfigRedisPrefix)
	case StorageTypeMemory:
		// nothing to configure
	}

	return nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Type {
	case StorageTypeFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir required for file storage")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			return errors.New("storage.keyring_user required for keyring storage")
		}
	case StorageTypeRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr required for redis storage")
		}
	}

	if c.Refresh.Timeout > c.Credentials.MaxAge {
		return errors.New("refresh.timeout must not exceed credentials.max_age")
	}

	return nil
}
