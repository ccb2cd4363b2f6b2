// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database location, secrets, the chat backend endpoint, event
// stream tuning, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration marks a configuration that must prevent startup, such as
// a missing secret in production.
var ErrConfiguration = errors.New("configuration error")

// Insecure development defaults. They are rejected when ENV=production.
const (
	DevSecretKey     = "dev-secret-key-change-me"
	DevEncryptionKey = "dev-encryption-key-change-me"
	DevServiceToken  = "dev-service-token"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig holds token secrets and the optional identity-provider integration.
type AuthConfig struct {
	SecretKey      string        // SECRET_KEY, signs local tokens
	AccessTokenTTL time.Duration // ACCESS_TOKEN_TTL
	HubSecretKey   string        // HUB_SECRET_KEY, empty disables provider tokens
	HubIssuer      string        // HUB_ISSUER
	ServiceToken   string        // MESSENGER_SERVICE_TOKEN, notification ingress
}

// MatrixConfig describes the downstream chat backend.
type MatrixConfig struct {
	HomeserverURL string        // MATRIX_HOMESERVER_URL
	ServerName    string        // MATRIX_SERVER_NAME, used in account ids
	Timeout       time.Duration // MATRIX_TIMEOUT
	LongTimeout   time.Duration // MATRIX_LONG_TIMEOUT, uploads and sync
	ClientPort    int           // MATRIX_CLIENT_PORT, advertised to external clients
	BotName       string        // NOTIFICATION_BOT
}

// EventsConfig tunes the live event streams.
type EventsConfig struct {
	QueueSize int           // EVENTS_QUEUE_SIZE
	Keepalive time.Duration // EVENTS_KEEPALIVE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Env               string        // development|production
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // 0 disables; streams are long-lived
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap, uploads included
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DatabaseURL   string // sqlite path or postgres:// URL
	EncryptionKey string // ENCRYPTION_KEY

	Auth   AuthConfig
	Matrix MatrixConfig
	Events EventsConfig

	// DefaultTenantID receives notifications that carry neither a resolvable
	// target nor a tenant of their own.
	DefaultTenantID int64

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// IsProduction reports whether insecure defaults must be refused.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDevSecrets reports whether any secret still holds its development default.
func (c Config) UsesDevSecrets() bool {
	return c.Auth.SecretKey == DevSecretKey ||
		c.EncryptionKey == DevEncryptionKey ||
		c.Auth.ServiceToken == DevServiceToken
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Env:               strings.ToLower(firstSet("ENV", "ENVIRONMENT", "development")),
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 25<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DatabaseURL:   firstSet("DATABASE_URL", "DB_PATH", "messenger.db"),
		EncryptionKey: getenv("ENCRYPTION_KEY", ""),

		Auth: AuthConfig{
			SecretKey:      getenv("SECRET_KEY", ""),
			AccessTokenTTL: getdur("ACCESS_TOKEN_TTL", 28*24*time.Hour),
			HubSecretKey:   getenv("HUB_SECRET_KEY", ""),
			HubIssuer:      getenv("HUB_ISSUER", "aesystek-hub"),
			ServiceToken:   getenv("MESSENGER_SERVICE_TOKEN", ""),
		},
		Matrix: MatrixConfig{
			HomeserverURL: strings.TrimRight(getenv("MATRIX_HOMESERVER_URL", "http://conduit:6167"), "/"),
			ServerName:    getenv("MATRIX_SERVER_NAME", "hub.local"),
			Timeout:       getdur("MATRIX_TIMEOUT", 30*time.Second),
			LongTimeout:   getdur("MATRIX_LONG_TIMEOUT", 60*time.Second),
			ClientPort:    getint("MATRIX_CLIENT_PORT", 8448),
			BotName:       getenv("NOTIFICATION_BOT", "notification_bot"),
		},
		Events: EventsConfig{
			QueueSize: getint("EVENTS_QUEUE_SIZE", 100),
			Keepalive: getdur("EVENTS_KEEPALIVE", 20*time.Second),
		},
		DefaultTenantID: int64(getint("DEFAULT_TENANT_ID", 1)),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 10.0),
		RateBurst: getint("RATE_BURST", 20),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(firstSet("CORS_ALLOWED_ORIGINS", "ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-messenger-bridge"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Env == "prod" {
		cfg.Env = "production"
	}

	// --- secrets ---
	if err := cfg.applySecretDefaults(); err != nil {
		return cfg, err
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.WriteTimeout < 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 || cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES and MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return cfg, errors.New("DATABASE_URL must not be empty")
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		return cfg, errors.New("ACCESS_TOKEN_TTL must be > 0")
	}
	if !strings.HasPrefix(cfg.Matrix.HomeserverURL, "http://") && !strings.HasPrefix(cfg.Matrix.HomeserverURL, "https://") {
		return cfg, errors.New("MATRIX_HOMESERVER_URL must be an http(s) URL")
	}
	if strings.TrimSpace(cfg.Matrix.ServerName) == "" {
		return cfg, errors.New("MATRIX_SERVER_NAME must not be empty")
	}
	if cfg.Matrix.Timeout <= 0 || cfg.Matrix.LongTimeout < cfg.Matrix.Timeout {
		return cfg, errors.New("MATRIX_TIMEOUT must be > 0 and MATRIX_LONG_TIMEOUT >= MATRIX_TIMEOUT")
	}
	if cfg.Events.QueueSize < 1 {
		return cfg, errors.New("EVENTS_QUEUE_SIZE must be >= 1")
	}
	if cfg.Events.Keepalive <= 0 {
		return cfg, errors.New("EVENTS_KEEPALIVE must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// applySecretDefaults fills development defaults for unset secrets, or fails
// with ErrConfiguration when running in production.
func (c *Config) applySecretDefaults() error {
	var missing []string
	fill := func(dst *string, name, def string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if c.IsProduction() {
			missing = append(missing, name)
			return
		}
		*dst = def
	}
	fill(&c.Auth.SecretKey, "SECRET_KEY", DevSecretKey)
	fill(&c.EncryptionKey, "ENCRYPTION_KEY", DevEncryptionKey)
	fill(&c.Auth.ServiceToken, "MESSENGER_SERVICE_TOKEN", DevServiceToken)

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required in production", ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.IsProduction() && c.UsesDevSecrets() {
		return fmt.Errorf("%w: development secrets are not allowed in production", ErrConfiguration)
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// firstSet returns the value of the first set variable among keys, or def.
// The last argument is the default.
func firstSet(keysAndDefault ...string) string {
	n := len(keysAndDefault)
	for _, k := range keysAndDefault[:n-1] {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return keysAndDefault[n-1]
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
