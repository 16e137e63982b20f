package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the uploadq processor.
type Config struct {
	Ops      OpsConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Debrid   DebridConfig
	Files    FilesConfig
	Queue    QueueConfig
}

type OpsConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type DebridConfig struct {
	BaseURL string
	Timeout time.Duration
}

type FilesConfig struct {
	// DataDir is the root under which per-tenant payload directories live.
	DataDir string
	// RetentionAge is how long payload files are kept after creation.
	RetentionAge time.Duration
	// StorageCap is the per-tenant byte budget enforced after age pruning.
	StorageCap int64
}

type QueueConfig struct {
	CycleInterval     time.Duration
	TenantParallelism int
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ProcessingTimeout time.Duration
	RecoveryInterval  time.Duration
	RetentionInterval time.Duration
	AttemptRetention  time.Duration
	// MasterKey decrypts tenant API secrets; 32 bytes, hex-encoded in env.
	MasterKey []byte
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Ops: OpsConfig{
			Port: envInt("UPLOADQ_PORT", 8090),
			Env:  envString("UPLOADQ_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Debrid: DebridConfig{
			BaseURL: os.Getenv("DEBRID_BASE_URL"),
			Timeout: envDuration("DEBRID_TIMEOUT", 30*time.Second),
		},
		Files: FilesConfig{
			DataDir:      os.Getenv("UPLOADQ_DATA_DIR"),
			RetentionAge: envDuration("FILE_RETENTION_AGE", 30*24*time.Hour),
			StorageCap:   envInt64("FILE_STORAGE_CAP_BYTES", 50*1024*1024),
		},
		Queue: QueueConfig{
			CycleInterval:     envDuration("QUEUE_CYCLE_INTERVAL", 5*time.Second),
			TenantParallelism: envInt("QUEUE_TENANT_PARALLELISM", 4),
			MaxRetries:        envInt("QUEUE_MAX_RETRIES", 3),
			BackoffBase:       envDuration("QUEUE_BACKOFF_BASE", 30*time.Second),
			BackoffMax:        envDuration("QUEUE_BACKOFF_MAX", 5*time.Minute),
			ProcessingTimeout: envDuration("QUEUE_PROCESSING_TIMEOUT", 10*time.Minute),
			RecoveryInterval:  envDuration("QUEUE_RECOVERY_INTERVAL", time.Hour),
			RetentionInterval: envDuration("QUEUE_RETENTION_INTERVAL", 6*time.Hour),
			AttemptRetention:  envDuration("QUEUE_ATTEMPT_RETENTION", 7*24*time.Hour),
		},
	}

	if key := os.Getenv("UPLOADQ_MASTER_KEY"); key != "" {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("UPLOADQ_MASTER_KEY must be hex-encoded: %w", err)
		}
		cfg.Queue.MasterKey = decoded
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Debrid.BaseURL == "" {
		return fmt.Errorf("DEBRID_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Debrid.BaseURL, "http://") && !strings.HasPrefix(c.Debrid.BaseURL, "https://") {
		return fmt.Errorf("DEBRID_BASE_URL must start with http:// or https://, got %q", c.Debrid.BaseURL)
	}

	if c.Files.DataDir == "" {
		return fmt.Errorf("UPLOADQ_DATA_DIR is required")
	}

	if len(c.Queue.MasterKey) != 32 {
		return fmt.Errorf("UPLOADQ_MASTER_KEY must decode to 32 bytes, got %d", len(c.Queue.MasterKey))
	}

	if c.Queue.CycleInterval <= 0 {
		return fmt.Errorf("QUEUE_CYCLE_INTERVAL must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
