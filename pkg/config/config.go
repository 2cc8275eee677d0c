package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Security      SecurityConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Webhooks      WebhookConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// SecurityConfig holds key material and bearer-token settings
type SecurityConfig struct {
	// EncryptionKey is base64 of 32 bytes. Empty generates an ephemeral key.
	EncryptionKey string

	// HS256 bearer tokens
	JWTSecret string
	JWTIssuer string

	// OIDC bearer tokens; takes precedence over JWT when set
	OIDCIssuerURL string
	OIDCClientID  string
}

// RateLimitConfig holds gate and limiter settings
type RateLimitConfig struct {
	Window       time.Duration
	DefaultLimit int

	// Optional YAML files; empty uses the compiled-in tables
	RouteTableFile string
	TierTableFile  string
	WatchFiles     bool

	PermissionCacheTTL  time.Duration
	PermissionCacheSize int
}

// AuditConfig holds retention and streaming settings
type AuditConfig struct {
	RetentionDays   int
	CleanupSchedule string // cron spec, empty disables
	ArchivePrefix   string

	KafkaBrokers []string
	KafkaTopic   string
}

// WebhookConfig holds outbound delivery settings
type WebhookConfig struct {
	Timeout        time.Duration
	RetryDelays    []time.Duration
	MaxConcurrency int

	// Per-integration outbound pacing
	OutboundRate  float64
	OutboundBurst int

	DeadLetterEnabled bool
	DeadLetterKey     string
	ReplaySchedule    string // cron spec
	ReplayBatch       int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is applied first when present; real environment
// variables win over it.
func LoadConfig() (*Config, error) {
	return LoadConfigWithEnvFile(".env")
}

// LoadConfigWithEnvFile is LoadConfig with an explicit dotenv path
func LoadConfigWithEnvFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Security:      loadSecurityConfig(),
		RateLimit:     loadRateLimitConfig(),
		Audit:         loadAuditConfig(),
		Webhooks:      loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BASTION_HOST", "0.0.0.0"),
		Port:            getEnv("BASTION_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BASTION_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BASTION_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("BASTION_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BASTION_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BASTION_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("BASTION_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("BASTION_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("BASTION_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("BASTION_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("BASTION_POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.RedisURL = getEnv("BASTION_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("BASTION_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("BASTION_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("BASTION_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("BASTION_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.S3Endpoint = getEnv("BASTION_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("BASTION_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("BASTION_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("BASTION_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("BASTION_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("BASTION_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

func loadSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EncryptionKey: getEnv("BASTION_ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("BASTION_JWT_SECRET", ""),
		JWTIssuer:     getEnv("BASTION_JWT_ISSUER", ""),
		OIDCIssuerURL: getEnv("BASTION_OIDC_ISSUER_URL", ""),
		OIDCClientID:  getEnv("BASTION_OIDC_CLIENT_ID", ""),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Window:              getEnvDuration("BASTION_RATE_LIMIT_WINDOW", time.Hour),
		DefaultLimit:        getEnvInt("BASTION_RATE_LIMIT_DEFAULT", 100),
		RouteTableFile:      getEnv("BASTION_ROUTE_TABLE_FILE", ""),
		TierTableFile:       getEnv("BASTION_TIER_TABLE_FILE", ""),
		WatchFiles:          getEnvBool("BASTION_WATCH_POLICY_FILES", true),
		PermissionCacheTTL:  getEnvDuration("BASTION_PERMISSION_CACHE_TTL", 30*time.Second),
		PermissionCacheSize: getEnvInt("BASTION_PERMISSION_CACHE_SIZE", 10000),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RetentionDays:   getEnvInt("BASTION_AUDIT_RETENTION_DAYS", 365),
		CleanupSchedule: getEnv("BASTION_AUDIT_CLEANUP_SCHEDULE", "0 3 * * *"),
		ArchivePrefix:   getEnv("BASTION_AUDIT_ARCHIVE_PREFIX", "audit-archive/"),
		KafkaBrokers:    getEnvList("BASTION_AUDIT_KAFKA_BROKERS"),
		KafkaTopic:      getEnv("BASTION_AUDIT_KAFKA_TOPIC", "bastion.audit"),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:           getEnvDuration("BASTION_WEBHOOK_TIMEOUT", 30*time.Second),
		RetryDelays:       getEnvDurationList("BASTION_WEBHOOK_RETRY_DELAYS", []time.Duration{time.Second, 5 * time.Second}),
		MaxConcurrency:    getEnvInt("BASTION_WEBHOOK_MAX_CONCURRENCY", 8),
		OutboundRate:      getEnvFloat("BASTION_WEBHOOK_OUTBOUND_RATE", 10),
		OutboundBurst:     getEnvInt("BASTION_WEBHOOK_OUTBOUND_BURST", 20),
		DeadLetterEnabled: getEnvBool("BASTION_WEBHOOK_DEAD_LETTER_ENABLED", false),
		DeadLetterKey:     getEnv("BASTION_WEBHOOK_DEAD_LETTER_KEY", "bastion:webhooks:dead_letter"),
		ReplaySchedule:    getEnv("BASTION_WEBHOOK_REPLAY_SCHEDULE", "*/15 * * * *"),
		ReplayBatch:       getEnvInt("BASTION_WEBHOOK_REPLAY_BATCH", 100),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("BASTION_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BASTION_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BASTION_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BASTION_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BASTION_OTEL_SERVICE_NAME", "bastion"),
		OTelServiceVersion: getEnv("BASTION_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BASTION_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Security.OIDCIssuerURL != "" && c.Security.OIDCClientID == "" {
		return fmt.Errorf("OIDC client id is required when an OIDC issuer is configured")
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("default rate limit must be positive")
	}

	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}
	if err := validateSchedule("audit cleanup", c.Audit.CleanupSchedule); err != nil {
		return err
	}

	if c.Webhooks.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}
	if c.Webhooks.DeadLetterEnabled {
		if !c.Storage.RedisEnabled() {
			return fmt.Errorf("webhook dead-letter queue requires redis")
		}
		if err := validateSchedule("webhook replay", c.Webhooks.ReplaySchedule); err != nil {
			return err
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func validateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvDurationList parses "1s,5s" style lists; any bad entry yields the default
func getEnvDurationList(key string, defaultValue []time.Duration) []time.Duration {
	parts := getEnvList(key)
	if len(parts) == 0 {
		return defaultValue
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}
