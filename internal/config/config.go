package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Auth      AuthConfig
	Cache     CacheConfig
	Catalog   CatalogConfig
	Lyrics    LyricsConfig
	Observe   ObserveConfig
	RateLimit RateLimitConfig
	Render    RenderConfig
	Server    ServerConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// AuthConfig configures the authentication gate. Mode selects the credential
// scheme: "token" issues and verifies signed bearer tokens for registered
// devices, "apikey" verifies a static key.
type AuthConfig struct {
	Mode string `env:"AUTH_MODE, default=token"`

	// TokenSecret is the HS256 signing secret. Required in token mode.
	TokenSecret string `env:"AUTH_TOKEN_SECRET"`

	// Issuer is asserted on issued tokens and checked on verification.
	Issuer string `env:"AUTH_TOKEN_ISSUER, default=posterbeat"`

	// TokenTTLMinutes is the lifetime of issued tokens.
	TokenTTLMinutes int `env:"AUTH_TOKEN_TTL_MINUTES, default=60"`

	// TokensNeverExpire issues tokens without an expiry claim and skips
	// expiry verification. Signature and issuer checks still apply. This is
	// a deliberate security trade-off for long-lived device deployments.
	TokensNeverExpire bool `env:"AUTH_TOKENS_NEVER_EXPIRE, default=false"`

	// Devices is the registry of device credentials, formatted as a
	// comma-separated list of id:secret pairs.
	Devices string `env:"AUTH_DEVICES"`

	// APIKeys is a comma-separated list of id:key pairs accepted in apikey
	// mode. Keys are compared in constant time against their SHA-256 digest.
	APIKeys string `env:"AUTH_API_KEYS"`
}

// CacheConfig specifies the artifact index and memoization cache backend.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default) or "valkey"
	Type string `env:"CACHE_TYPE, default=memory"`

	// MetadataTTLSeconds bounds how long catalog lookups are memoized.
	MetadataTTLSeconds int `env:"CACHE_METADATA_TTL_SECS, default=900"`

	// Valkey holds distributed cache settings.
	Valkey ValkeyConfig
}

// ValkeyConfig specifies distributed cache configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure
	// option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`
}

type CatalogConfig struct {
	APIURL   string // internal only
	TokenURL string // internal only

	ClientID     string `env:"SPOTIFY_CLIENT_ID, required"`
	ClientSecret string `env:"SPOTIFY_CLIENT_SECRET, required"`

	// TimeoutSeconds bounds a single search call.
	TimeoutSeconds int `env:"CATALOG_TIMEOUT_SECS, default=10"`

	// MaxAttempts is the retry budget for retryable upstream failures.
	MaxAttempts int `env:"CATALOG_MAX_ATTEMPTS, default=3"`

	// RequestsPerSecond throttles outbound catalog calls.
	RequestsPerSecond float64 `env:"CATALOG_REQUESTS_PER_SEC, default=8"`

	// MinMatchScore is the fuzzy-match acceptance threshold for results that
	// are not exact title+artist matches.
	MinMatchScore int `env:"CATALOG_MIN_MATCH_SCORE, default=20"`
}

type LyricsConfig struct {
	APIURL string `env:"LYRICS_API_URL, default=https://lrclib.net"`

	TimeoutSeconds int `env:"LYRICS_TIMEOUT_SECS, default=5"`
	MaxAttempts    int `env:"LYRICS_MAX_ATTEMPTS, default=2"`
}

type RateLimitConfig struct {
	// RequestsPerWindow caps generation requests per identity per window.
	RequestsPerWindow int `env:"RATE_LIMIT_REQUESTS, default=100"`

	// WindowSeconds is the fixed window length.
	WindowSeconds int `env:"RATE_LIMIT_WINDOW_SECS, default=3600"`
}

type RenderConfig struct {
	// ThemeFile optionally overrides the built-in theme palettes (YAML).
	ThemeFile string `env:"RENDER_THEME_FILE"`
}

type StorageConfig struct {
	// Directory is the root under which poster artifacts are stored.
	Directory string `env:"STORAGE_DIR, default=./posters"`
}

type ObserveConfig struct {
	SDKLogLevel               string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                   bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled            bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                      string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName               string `env:"OBSERVE_SERVICE_NAME, default=posterbeat"`
	TraceBatchTimeoutSeconds  int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled      bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Auth.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid auth configuration: %w", err)
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the auth configuration is usable for its mode.
func (c *AuthConfig) Validate() error {
	switch c.Mode {
	case "token":
		if c.TokenSecret == "" {
			return fmt.Errorf("AUTH_TOKEN_SECRET required when AUTH_MODE=token")
		}
		if c.Devices == "" {
			return fmt.Errorf("AUTH_DEVICES required when AUTH_MODE=token")
		}
	case "apikey":
		if c.APIKeys == "" {
			return fmt.Errorf("AUTH_API_KEYS required when AUTH_MODE=apikey")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q: expected token or apikey", c.Mode)
	}

	return nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q: expected memory or valkey", c.Type)
	}

	return nil
}
