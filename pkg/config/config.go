package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mctrack/mctrack/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage StorageConfig

	// Ingestion pipeline configuration
	Ingest IngestConfig

	// Aggregation worker configuration
	Aggregation AggregationConfig

	// Observability configuration
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

// StorageConfig holds analytics store, redis, and archive configuration
type StorageConfig struct {
	// Analytics store (PostgreSQL)
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Session registry / API key cache (Redis)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Cold-storage archive (S3, optional; disabled when bucket is empty)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// IngestConfig holds event buffer and upsert queue tuning
type IngestConfig struct {
	BufferMaxSize      int
	BufferFlushEvery   time.Duration
	BufferRetainedCap  int
	UpsertQueueSize    int
	UpsertWorkers      int
	SessionRegistryTTL time.Duration
	RateLimitPerMin    int
}

// AggregationConfig holds the aggregation worker schedule
type AggregationConfig struct {
	DailySchedule string
	SweepSchedule string
	StaleAfter    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Ingest:        loadIngestConfig(),
		Aggregation:   loadAggregationConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("MCTRACK_HOST", "0.0.0.0"),
		Port:            getEnv("MCTRACK_PORT", "4001"),
		ReadTimeout:     getEnvDuration("MCTRACK_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("MCTRACK_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("MCTRACK_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("MCTRACK_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("MCTRACK_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:      getEnv("MCTRACK_POSTGRES_URL", "postgres://localhost/mctrack?sslmode=disable"),
		PostgresMaxConns: getEnvInt("MCTRACK_POSTGRES_MAX_CONNS", 25),
		PostgresMinConns: getEnvInt("MCTRACK_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:  getEnvDuration("MCTRACK_POSTGRES_TIMEOUT", 5*time.Second),

		RedisURL:        getEnv("MCTRACK_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:   getEnv("MCTRACK_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("MCTRACK_REDIS_DB", -1),
		RedisMaxRetries: getEnvInt("MCTRACK_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:   getEnvInt("MCTRACK_REDIS_POOL_SIZE", 10),

		S3Endpoint:     getEnv("MCTRACK_S3_ENDPOINT", ""),
		S3Region:       getEnv("MCTRACK_S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("MCTRACK_S3_BUCKET", ""),
		S3AccessKey:    getEnv("MCTRACK_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("MCTRACK_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("MCTRACK_S3_USE_PATH_STYLE", false),
	}
}

func loadIngestConfig() IngestConfig {
	return IngestConfig{
		BufferMaxSize:      getEnvInt("MCTRACK_BUFFER_MAX_SIZE", 1000),
		BufferFlushEvery:   getEnvDuration("MCTRACK_BUFFER_FLUSH_INTERVAL", time.Second),
		BufferRetainedCap:  getEnvInt("MCTRACK_BUFFER_RETAINED_CAP", 10000),
		UpsertQueueSize:    getEnvInt("MCTRACK_UPSERT_QUEUE_SIZE", 1024),
		UpsertWorkers:      getEnvInt("MCTRACK_UPSERT_WORKERS", 4),
		SessionRegistryTTL: getEnvDuration("MCTRACK_SESSION_REGISTRY_TTL", 24*time.Hour),
		RateLimitPerMin:    getEnvInt("MCTRACK_RATE_LIMIT_PER_MINUTE", 1000),
	}
}

func loadAggregationConfig() AggregationConfig {
	return AggregationConfig{
		DailySchedule: getEnv("MCTRACK_DAILY_SCHEDULE", "0 2 * * *"),
		SweepSchedule: getEnv("MCTRACK_SWEEP_SCHEDULE", "30 */6 * * *"),
		StaleAfter:    getEnvDuration("MCTRACK_STALE_AFTER", 25*time.Hour),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("MCTRACK_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("MCTRACK_METRICS_ENABLED", true),
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
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" {
		return fmt.Errorf("S3 region is required when archiving is enabled")
	}

	if c.Ingest.BufferMaxSize <= 0 {
		return fmt.Errorf("buffer max size must be positive")
	}
	if c.Ingest.BufferFlushEvery <= 0 {
		return fmt.Errorf("buffer flush interval must be positive")
	}
	if c.Ingest.BufferRetainedCap < c.Ingest.BufferMaxSize {
		return fmt.Errorf("buffer retained cap must be at least the buffer max size")
	}
	if c.Ingest.UpsertWorkers <= 0 {
		return fmt.Errorf("upsert workers must be positive")
	}
	if c.Ingest.SessionRegistryTTL <= 0 {
		return fmt.Errorf("session registry TTL must be positive")
	}
	if c.Ingest.RateLimitPerMin < 0 {
		return fmt.Errorf("rate limit must not be negative (0 disables limiting)")
	}

	if c.Aggregation.StaleAfter < c.Ingest.SessionRegistryTTL {
		return fmt.Errorf("stale-session cutoff must not be shorter than the registry TTL")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
