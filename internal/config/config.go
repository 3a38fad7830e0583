package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/terraconstructs/authbridge/internal/ratelimit"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "AUTHBRIDGE"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN). postgres:// selects PostgreSQL, anything else SQLite.
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Maximum database connection pool size (PostgreSQL only)
	MaxDBConnections int

	// Enable debug logging
	Debug bool

	Log LogConfig

	JWT JWTConfig

	// RateLimit is nil when no rateLimit key is configured at all.
	RateLimit *ratelimit.Options

	IAM IAMConfig

	// CacheSize bounds the user directory LRU cache
	CacheSize int

	Observability ObservabilityConfig
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
	Dev   bool
	// File enables a rotating log file next to stdout output when set.
	File string
}

// SignInOptions are the per-token-type signing options.
type SignInOptions struct {
	ExpiresIn time.Duration
	Issuer    string
	Audience  string
}

// JWTConfig configures the legacy access and refresh tokens.
type JWTConfig struct {
	Secret        string
	SignInOptions SignInOptions
	Refresh       RefreshConfig

	// SameTokenIDPeriod is the grace window during which repeated token issuance
	// for one device reuses the same token id. Zero disables it.
	SameTokenIDPeriod time.Duration
}

// RefreshConfig configures refresh tokens.
type RefreshConfig struct {
	// Secret falls back to JWTConfig.Secret when empty.
	Secret        string
	SignInOptions SignInOptions
	// Renewal enables refresh token rotation. When false, refresh tokens are immutable.
	Renewal bool
}

// IAMConfig configures the IAM subsystem.
type IAMConfig struct {
	Secret           string
	Issuer           string
	SessionExpiresIn time.Duration
	TokenExpiresIn   time.Duration
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "file:authbridge.db?cache=shared")
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)

	v.SetDefault("jwt.signInOptions.expiresIn", "15m")
	v.SetDefault("jwt.signInOptions.issuer", "authbridge")
	v.SetDefault("jwt.refresh.signInOptions.expiresIn", "168h")
	v.SetDefault("jwt.refresh.renewal", true)
	v.SetDefault("jwt.sameTokenIdPeriod", 0)

	v.SetDefault("iam.issuer", "authbridge-iam")
	v.SetDefault("iam.sessionExpiresIn", "168h")
	v.SetDefault("iam.tokenExpiresIn", "1h")

	v.SetDefault("cache.size", 1024)

	v.SetDefault("otel.serviceName", "authbridge")
	v.SetDefault("otel.serviceVersion", "dev")
	v.SetDefault("otel.environment", "development")
}

// Load reads configuration from the global viper instance: defaults, an optional
// config file already set on viper, a best-effort .env file, and AUTHBRIDGE_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.GetViper()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:      v.GetString("database_url"),
		ServerAddr:       v.GetString("server_addr"),
		MaxDBConnections: v.GetInt("max_db_connections"),
		Debug:            v.GetBool("debug"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			Dev:   v.GetBool("log.dev"),
			File:  v.GetString("log.file"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			SignInOptions: SignInOptions{
				ExpiresIn: v.GetDuration("jwt.signInOptions.expiresIn"),
				Issuer:    v.GetString("jwt.signInOptions.issuer"),
				Audience:  v.GetString("jwt.signInOptions.audience"),
			},
			Refresh: RefreshConfig{
				Secret: v.GetString("jwt.refresh.secret"),
				SignInOptions: SignInOptions{
					ExpiresIn: v.GetDuration("jwt.refresh.signInOptions.expiresIn"),
					Issuer:    v.GetString("jwt.refresh.signInOptions.issuer"),
					Audience:  v.GetString("jwt.refresh.signInOptions.audience"),
				},
				Renewal: v.GetBool("jwt.refresh.renewal"),
			},
			SameTokenIDPeriod: time.Duration(v.GetInt64("jwt.sameTokenIdPeriod")) * time.Millisecond,
		},
		RateLimit: loadRateLimit(v),
		IAM: IAMConfig{
			Secret:           v.GetString("iam.secret"),
			Issuer:           v.GetString("iam.issuer"),
			SessionExpiresIn: v.GetDuration("iam.sessionExpiresIn"),
			TokenExpiresIn:   v.GetDuration("iam.tokenExpiresIn"),
		},
		CacheSize: v.GetInt("cache.size"),
		Observability: ObservabilityConfig{
			OTLPEndpoint:   v.GetString("otel.endpoint"),
			OTLPInsecure:   v.GetBool("otel.insecure"),
			ServiceName:    v.GetString("otel.serviceName"),
			ServiceVersion: v.GetString("otel.serviceVersion"),
			Environment:    v.GetString("otel.environment"),
		},
	}

	if cfg.Debug && !v.IsSet("log.level") {
		cfg.Log.Level = "debug"
	}
	if cfg.JWT.Refresh.Secret == "" {
		cfg.JWT.Refresh.Secret = cfg.JWT.Secret
	}
	if cfg.JWT.Refresh.SignInOptions.Issuer == "" {
		cfg.JWT.Refresh.SignInOptions.Issuer = cfg.JWT.SignInOptions.Issuer
	}
	if cfg.IAM.Secret == "" {
		cfg.IAM.Secret = cfg.JWT.Secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required (env: %s_JWT_SECRET)", EnvPrefix)
	}
	if c.JWT.SameTokenIDPeriod < 0 {
		return fmt.Errorf("jwt.sameTokenIdPeriod must not be negative")
	}
	if c.JWT.SignInOptions.ExpiresIn <= 0 || c.JWT.Refresh.SignInOptions.ExpiresIn <= 0 {
		return fmt.Errorf("jwt expiresIn must be positive")
	}
	return nil
}

// loadRateLimit returns nil when nothing under rateLimit is configured, so the
// limiter stays unset. Any configured key, even an empty section, enables it
// unless enabled=false is given explicitly.
func loadRateLimit(v *viper.Viper) *ratelimit.Options {
	keys := []string{"rateLimit", "rateLimit.enabled", "rateLimit.max", "rateLimit.windowSeconds", "rateLimit.message"}
	present := false
	for _, key := range keys {
		if v.IsSet(key) {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	opts := &ratelimit.Options{
		Max:           v.GetInt("rateLimit.max"),
		WindowSeconds: v.GetInt("rateLimit.windowSeconds"),
		Message:       v.GetString("rateLimit.message"),
	}
	if v.IsSet("rateLimit.enabled") {
		enabled := v.GetBool("rateLimit.enabled")
		opts.Enabled = &enabled
	}
	return opts
}
