package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Augur         AugurConfig
	Cache         CacheConfig
	Tasks         TaskConfig
	Archive       ArchiveConfig
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

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string

	CORSOrigins []string

	// RenderWait bounds how long a visualization request blocks on the cache
	// before answering 202 pending. Requests may ask for less, never more.
	RenderWait time.Duration

	// PrepareRateLimit caps prepare and cache invalidation calls per client
	// and window; zero disables the limit
	PrepareRateLimit  int
	PrepareRateWindow time.Duration
}

// AugurConfig holds the analytics database connection settings
type AugurConfig struct {
	URL             string
	ReplicaURLs     string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// CacheConfig holds the Redis result cache settings
type CacheConfig struct {
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	TTL          time.Duration
	PendingTTL   time.Duration
	PollInterval time.Duration

	L1Enabled bool
	L1Size    int
	L1TTL     time.Duration
}

// TaskConfig holds background query task settings
type TaskConfig struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// FinishedTasks bounds how many finished tasks Status can still report
	FinishedTasks int
}

// ArchiveConfig configures the optional S3 snapshot bucket. An empty bucket disables it.
type ArchiveConfig struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Enabled reports whether snapshots should be archived
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
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
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Augur:         loadAugurConfig(),
		Cache:         loadCacheConfig(),
		Tasks:         loadTaskConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("FORGEHEALTH_HOST", "0.0.0.0"),
		Port:            getEnv("FORGEHEALTH_PORT", "8080"),
		ReadTimeout:     getEnvDuration("FORGEHEALTH_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("FORGEHEALTH_WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:     getEnvDuration("FORGEHEALTH_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("FORGEHEALTH_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("FORGEHEALTH_HEALTH_PORT", "9090"),
		CORSOrigins:     getEnvList("FORGEHEALTH_CORS_ORIGINS", []string{"*"}),
		RenderWait:      getEnvDuration("FORGEHEALTH_RENDER_WAIT", 60*time.Second),

		PrepareRateLimit:  getEnvInt("FORGEHEALTH_PREPARE_RATE_LIMIT", 30),
		PrepareRateWindow: getEnvDuration("FORGEHEALTH_PREPARE_RATE_WINDOW", time.Minute),
	}
}

func loadAugurConfig() AugurConfig {
	return AugurConfig{
		URL:             getEnv("FORGEHEALTH_AUGUR_URL", ""),
		ReplicaURLs:     getEnv("FORGEHEALTH_AUGUR_REPLICA_URLS", ""),
		MaxConns:        getEnvInt("FORGEHEALTH_AUGUR_MAX_CONNS", 20),
		MinConns:        getEnvInt("FORGEHEALTH_AUGUR_MIN_CONNS", 2),
		ConnMaxLifetime: getEnvDuration("FORGEHEALTH_AUGUR_CONN_MAX_LIFETIME", 30*time.Minute),
		QueryTimeout:    getEnvDuration("FORGEHEALTH_AUGUR_QUERY_TIMEOUT", 10*time.Minute),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		RedisURL:        getEnv("FORGEHEALTH_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:   getEnv("FORGEHEALTH_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("FORGEHEALTH_REDIS_DB", -1),
		RedisMaxRetries: getEnvInt("FORGEHEALTH_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:   getEnvInt("FORGEHEALTH_REDIS_POOL_SIZE", 10),
		TTL:             getEnvDuration("FORGEHEALTH_CACHE_TTL", 6*time.Hour),
		PendingTTL:      getEnvDuration("FORGEHEALTH_PENDING_TTL", 15*time.Minute),
		PollInterval:    getEnvDuration("FORGEHEALTH_POLL_INTERVAL", time.Second),
		L1Enabled:       getEnvBool("FORGEHEALTH_L1_ENABLED", true),
		L1Size:          getEnvInt("FORGEHEALTH_L1_SIZE", 512),
		L1TTL:           getEnvDuration("FORGEHEALTH_L1_TTL", 5*time.Minute),
	}
}

func loadTaskConfig() TaskConfig {
	return TaskConfig{
		Workers:       getEnvInt("FORGEHEALTH_WORKERS", 4),
		QueueSize:     getEnvInt("FORGEHEALTH_TASK_QUEUE_SIZE", 256),
		Timeout:       getEnvDuration("FORGEHEALTH_TASK_TIMEOUT", 15*time.Minute),
		MaxRetries:    getEnvInt("FORGEHEALTH_TASK_MAX_RETRIES", 5),
		BaseDelay:     getEnvDuration("FORGEHEALTH_TASK_BASE_DELAY", time.Second),
		MaxDelay:      getEnvDuration("FORGEHEALTH_TASK_MAX_DELAY", 2*time.Minute),
		FinishedTasks: getEnvInt("FORGEHEALTH_TASK_HISTORY", 1024),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Endpoint:     getEnv("FORGEHEALTH_S3_ENDPOINT", ""),
		Region:       getEnv("FORGEHEALTH_S3_REGION", "us-east-1"),
		Bucket:       getEnv("FORGEHEALTH_S3_BUCKET", ""),
		Prefix:       getEnv("FORGEHEALTH_S3_PREFIX", "snapshots"),
		AccessKey:    getEnv("FORGEHEALTH_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("FORGEHEALTH_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("FORGEHEALTH_S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("FORGEHEALTH_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("FORGEHEALTH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("FORGEHEALTH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("FORGEHEALTH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("FORGEHEALTH_OTEL_SERVICE_NAME", "forgehealth"),
		OTelServiceVersion: getEnv("FORGEHEALTH_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("FORGEHEALTH_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("FORGEHEALTH_OTEL_SAMPLE_RATIO", 1),
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
	if c.Server.RenderWait < 0 {
		return fmt.Errorf("render wait must not be negative")
	}
	if c.Server.PrepareRateLimit < 0 {
		return fmt.Errorf("prepare rate limit must not be negative")
	}

	// An empty Augur URL is allowed here; the augur package reports it as an
	// incomplete environment so tasks fail without retrying.
	if c.Augur.MaxConns < 1 {
		return fmt.Errorf("augur max conns must be at least 1")
	}
	if c.Augur.MinConns > c.Augur.MaxConns {
		return fmt.Errorf("augur min conns (%d) exceeds max conns (%d)", c.Augur.MinConns, c.Augur.MaxConns)
	}

	if c.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.PollInterval <= 0 {
		return fmt.Errorf("cache poll interval must be positive")
	}
	if c.Cache.L1Enabled && c.Cache.L1Size < 1 {
		return fmt.Errorf("L1 cache size must be at least 1 when enabled")
	}

	if c.Tasks.Workers < 1 {
		return fmt.Errorf("at least one worker is required")
	}
	if c.Tasks.QueueSize < 1 {
		return fmt.Errorf("task queue size must be at least 1")
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("task max retries must not be negative")
	}

	if c.Archive.Enabled() && (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
		return fmt.Errorf("S3 access key and secret key must be set together")
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

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
