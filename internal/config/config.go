// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinJWTSecretLength is the minimum accepted length of JWT_SECRET.
const MinJWTSecretLength = 32

// Config holds application configuration loaded from the environment.
// It is built once at startup and must not be mutated afterwards.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for the credential store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the shared store DSN (redis://[:password@]host:port/db) for sessions and rate limits.
	RedisURL string `mapstructure:"REDIS_URL"`

	// JWTSecret is the HS256 signing secret; at least MinJWTSecretLength characters.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTPrivateKey is an optional PEM private key (RSA or ECDSA) or path to one; when set it replaces JWT_SECRET.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM public key or path matching JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token and session lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`

	// PasswordHashAlgorithm is argon2id (default) or bcrypt.
	PasswordHashAlgorithm string `mapstructure:"PASSWORD_HASH_ALGORITHM"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost      int    `mapstructure:"BCRYPT_COST"`
	Argon2MemoryKiB uint32 `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Time      uint32 `mapstructure:"ARGON2_TIME"`
	Argon2Threads   uint8  `mapstructure:"ARGON2_THREADS"`
	// PasswordMinLength is the minimum password length accepted on register and password change.
	PasswordMinLength int `mapstructure:"PASSWORD_MIN_LENGTH"`
	// PasswordRequireComplex requires upper, lower, digit and special characters.
	PasswordRequireComplex bool `mapstructure:"PASSWORD_REQUIRE_COMPLEX"`

	// MaxSessionsPerUser caps live sessions per user; the least recently rotated is evicted. 0 disables the cap.
	MaxSessionsPerUser int `mapstructure:"MAX_SESSIONS_PER_USER"`

	RateLimitRegisterPerDay    int `mapstructure:"RATE_LIMIT_REGISTER_PER_DAY"`
	RateLimitLoginPerMinute    int `mapstructure:"RATE_LIMIT_LOGIN_PER_MINUTE"`
	RateLimitRefreshPerMinute  int `mapstructure:"RATE_LIMIT_REFRESH_PER_MINUTE"`
	RateLimitAPIPerMinute      int `mapstructure:"RATE_LIMIT_API_PER_MINUTE"`
	RateLimitLoginHandlePerMin int `mapstructure:"RATE_LIMIT_LOGIN_HANDLE_PER_MINUTE"`

	// StoreTimeout bounds each Postgres/Redis call (e.g. "2s").
	StoreTimeout string `mapstructure:"STORE_TIMEOUT"`
	// StoreRetryBackoff is the pause before the single retry of a transient store failure.
	StoreRetryBackoff string `mapstructure:"STORE_RETRY_BACKOFF"`

	// CORSOrigins is a comma-separated list of allowed origins, or "*".
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP authoritative for the client IP.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`

	// Debug enables debug logging in text format.
	Debug     bool   `mapstructure:"DEBUG"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Telemetry (optional). When Kafka brokers are set, auth events are produced to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for auth events (default auth-events).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if fields are invalid.
// Requirements specific to the HTTP server are checked by ValidateServer.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "chat-auth")
	v.SetDefault("JWT_AUDIENCE", "chat-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("PASSWORD_HASH_ALGORITHM", "argon2id")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("ARGON2_MEMORY_KIB", 64*1024)
	v.SetDefault("ARGON2_TIME", 3)
	v.SetDefault("ARGON2_THREADS", 2)
	v.SetDefault("PASSWORD_MIN_LENGTH", 8)
	v.SetDefault("PASSWORD_REQUIRE_COMPLEX", false)
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("RATE_LIMIT_REGISTER_PER_DAY", 10)
	v.SetDefault("RATE_LIMIT_LOGIN_PER_MINUTE", 5)
	v.SetDefault("RATE_LIMIT_REFRESH_PER_MINUTE", 30)
	v.SetDefault("RATE_LIMIT_API_PER_MINUTE", 120)
	v.SetDefault("RATE_LIMIT_LOGIN_HANDLE_PER_MINUTE", 5)
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("STORE_RETRY_BACKOFF", "50ms")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("DEBUG", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "auth-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "auth-events-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "chat-auth")
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d characters", MinJWTSecretLength)
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set together")
	}
	for _, item := range []struct{ name, value string }{
		{"JWT_ACCESS_TTL", c.JWTAccessTTL},
		{"JWT_REFRESH_TTL", c.JWTRefreshTTL},
		{"STORE_TIMEOUT", c.StoreTimeout},
		{"STORE_RETRY_BACKOFF", c.StoreRetryBackoff},
	} {
		if d, err := time.ParseDuration(item.value); err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", item.name, item.value)
		}
	}

	switch strings.ToLower(c.PasswordHashAlgorithm) {
	case "argon2id", "bcrypt":
		c.PasswordHashAlgorithm = strings.ToLower(c.PasswordHashAlgorithm)
	default:
		return fmt.Errorf("config: PASSWORD_HASH_ALGORITHM must be argon2id or bcrypt, got %q", c.PasswordHashAlgorithm)
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.Argon2MemoryKiB < 8*1024 || c.Argon2Time == 0 || c.Argon2Threads == 0 {
		return errors.New("config: ARGON2_MEMORY_KIB must be >= 8192 and ARGON2_TIME, ARGON2_THREADS > 0")
	}
	if c.PasswordMinLength < 1 {
		return errors.New("config: PASSWORD_MIN_LENGTH must be positive")
	}
	if c.MaxSessionsPerUser < 0 {
		return errors.New("config: MAX_SESSIONS_PER_USER must not be negative")
	}
	for _, item := range []struct {
		name  string
		value int
	}{
		{"RATE_LIMIT_REGISTER_PER_DAY", c.RateLimitRegisterPerDay},
		{"RATE_LIMIT_LOGIN_PER_MINUTE", c.RateLimitLoginPerMinute},
		{"RATE_LIMIT_REFRESH_PER_MINUTE", c.RateLimitRefreshPerMinute},
		{"RATE_LIMIT_API_PER_MINUTE", c.RateLimitAPIPerMinute},
		{"RATE_LIMIT_LOGIN_HANDLE_PER_MINUTE", c.RateLimitLoginHandlePerMin},
	} {
		if item.value <= 0 {
			return fmt.Errorf("config: %s must be positive", item.name)
		}
	}

	if c.Debug {
		c.LogLevel = "debug"
		c.LogFormat = "text"
	}
	if c.IsProduction() && c.Debug {
		return errors.New("config: DEBUG must not be true when APP_ENV=production")
	}
	return nil
}

// ValidateServer checks the settings the HTTP server needs on top of Load's validation:
// a database DSN, a shared store DSN and a signing key.
func (c *Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return errors.New("config: REDIS_URL must be set")
	}
	if c.JWTSecret == "" && c.JWTPrivateKey == "" {
		return errors.New("config: JWT_SECRET or JWT_PRIVATE_KEY/JWT_PUBLIC_KEY must be set")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// StoreCallTimeout returns STORE_TIMEOUT, 2s if unset or invalid.
func (c *Config) StoreCallTimeout() time.Duration {
	return parseDuration(c.StoreTimeout, 2*time.Second)
}

// StoreRetryDelay returns STORE_RETRY_BACKOFF, 50ms if unset or invalid.
func (c *Config) StoreRetryDelay() time.Duration {
	return parseDuration(c.StoreRetryBackoff, 50*time.Millisecond)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event production is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

// CORSOriginList returns the allowed CORS origins. "*" is returned as a single element.
func (c *Config) CORSOriginList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
