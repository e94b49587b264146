package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wharfqueue/wharf/internal/logger"
)

// Config holds all configuration for a wharf broker process: producer,
// consumer, or migrator.
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// MetricsPort is read from METRICS_PORT and must be non-empty; the cmd
	// binaries take their pprof server port from PPROF_PORT instead
	MetricsPort string
	// DefaultQueue names the queue used when an operation's queue argument
	// is empty
	DefaultQueue string
	// Connection is a logical name for this process, attached to log lines
	Connection string
	// Queues lists the queues a consumer process monitors, in priority
	// order; cmd/migrator sweeps the same list.
	Queues []string
	// RetryAfterEnabled toggles reservation visibility timeouts. When
	// false, RetryAfter on broker.Config is left nil and reserved jobs
	// never recover automatically (see SPEC_FULL §9).
	RetryAfterEnabled bool
	// RetryAfter is the reservation visibility timeout, read only when
	// RetryAfterEnabled is true.
	RetryAfter time.Duration
	// BlockForEnabled toggles blocking waits in Pop's primary queue.
	BlockForEnabled bool
	// BlockFor is how long Pop may block via BLPOP, read only when
	// BlockForEnabled is true.
	BlockFor time.Duration
	// MigrationBatchSize bounds how many elements one migration call
	// moves; -1 means unlimited.
	MigrationBatchSize int
	// Cluster selects pipelining over a MULTI/EXEC transaction for Bulk.
	Cluster bool
	// DispatchAfterCommit is forwarded onto every envelope a producer
	// builds; the broker core never reads it. Downstream payload builders
	// and handlers interpret it as they see fit (e.g. a caller that only
	// wants to hand jobs to execution once its own DB transaction commits).
	DispatchAfterCommit bool
	// ReleaseDelay is how far in the future a failed job's next attempt
	// is scheduled by a consumer's Monitor.
	ReleaseDelay time.Duration
	// MigratorInterval is how often cmd/migrator sweeps each configured
	// queue for due delayed/reserved jobs.
	MigratorInterval time.Duration
	// MigratorLockTTL is the distributed lock lease duration used for
	// migrator leader election.
	MigratorLockTTL time.Duration
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		MetricsPort:         getEnv("METRICS_PORT", "8080"),
		DefaultQueue:        getEnv("DEFAULT_QUEUE", "default"),
		Connection:          getEnv("CONNECTION_NAME", "default"),
		Queues:              getEnvAsStringSlice("QUEUES", []string{"default"}),
		RetryAfterEnabled:   getEnvAsBool("RETRY_AFTER_ENABLED", true),
		RetryAfter:          getEnvAsDuration("RETRY_AFTER", 60*time.Second),
		BlockForEnabled:     getEnvAsBool("BLOCK_FOR_ENABLED", false),
		BlockFor:            getEnvAsDuration("BLOCK_FOR", 5*time.Second),
		MigrationBatchSize:  getEnvAsInt("MIGRATION_BATCH_SIZE", -1),
		Cluster:             getEnvAsBool("REDIS_CLUSTER", false),
		DispatchAfterCommit: getEnvAsBool("DISPATCH_AFTER_COMMIT", false),
		ReleaseDelay:        getEnvAsDuration("RELEASE_DELAY", 0),
		MigratorInterval:    getEnvAsDuration("MIGRATOR_INTERVAL", 5*time.Second),
		MigratorLockTTL:     getEnvAsDuration("MIGRATOR_LOCK_TTL", 30*time.Second),
		Logging:             loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}
	if c.MetricsPort == "" {
		return fmt.Errorf("METRICS_PORT cannot be empty")
	}
	if c.DefaultQueue == "" {
		return fmt.Errorf("DEFAULT_QUEUE cannot be empty")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("QUEUES must contain at least one queue")
	}
	if c.RetryAfterEnabled && c.RetryAfter <= 0 {
		return fmt.Errorf("RETRY_AFTER must be positive when RETRY_AFTER_ENABLED is true")
	}
	if c.BlockForEnabled && c.BlockFor <= 0 {
		return fmt.Errorf("BLOCK_FOR must be positive when BLOCK_FOR_ENABLED is true")
	}
	if c.MigrationBatchSize == 0 {
		return fmt.Errorf("MIGRATION_BATCH_SIZE cannot be 0 (use -1 for unlimited)")
	}
	if c.MigratorInterval <= 0 {
		return fmt.Errorf("MIGRATOR_INTERVAL must be positive")
	}
	if c.MigratorLockTTL <= 0 {
		return fmt.Errorf("MIGRATOR_LOCK_TTL must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	return nil
}

// RetryAfterPtr returns the configured RetryAfter as the pointer broker.Config
// expects, or nil when disabled.
func (c *Config) RetryAfterPtr() *time.Duration {
	if !c.RetryAfterEnabled {
		return nil
	}
	d := c.RetryAfter
	return &d
}

// BlockForPtr returns the configured BlockFor as the pointer broker.Config
// expects, or nil when disabled.
func (c *Config) BlockForPtr() *time.Duration {
	if !c.BlockForEnabled {
		return nil
	}
	d := c.BlockFor
	return &d
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	// Global settings
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/wharf/wharf.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	// Tier 3: Elasticsearch
	cfg.Elasticsearch.Enabled = getEnvAsBool("LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("LOG_ES_MODE", "self-managed")

	// Self-managed mode
	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("LOG_ES_ADDRESSES", []string{"http://localhost:9200"})
	cfg.Elasticsearch.Username = getEnv("LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("LOG_ES_PASSWORD", "")

	// Cloud mode
	cfg.Elasticsearch.CloudID = getEnv("LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("LOG_ES_API_KEY", "")

	// Common ES settings
	cfg.Elasticsearch.IndexPrefix = getEnv("LOG_ES_INDEX_PREFIX", "wharf-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("LOG_ES_BULK_SIZE", 100)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("LOG_ES_FLUSH_INTERVAL", 5*time.Second)
	cfg.Elasticsearch.Workers = getEnvAsInt("LOG_ES_WORKERS", 2)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("LOG_ES_MAX_RETRIES", 3)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("LOG_ES_RETRY_BACKOFF", 1*time.Second)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("LOG_ES_CIRCUIT_BREAKER", true)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("LOG_ES_FAILURE_THRESHOLD", 5)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("LOG_ES_RESET_TIMEOUT", 30*time.Second)

	return cfg
}
