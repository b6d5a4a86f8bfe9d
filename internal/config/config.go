package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DirectoryDatabaseURL string
	HTTPListenAddr       string
	LogLevel             string
	ServiceName          string

	// TenantConnectTimeout bounds the establishment of a new per-tenant
	// connection pool. Resolution fails closed when exceeded.
	TenantConnectTimeout time.Duration
	// TenantIdleTimeout is how long an unreferenced tenant handle may sit
	// idle before the sweeper closes it.
	TenantIdleTimeout time.Duration
	// TenantSweepInterval is how often the eviction sweeper runs.
	TenantSweepInterval time.Duration
	// TenantPoolMaxConns caps each per-tenant pgx pool.
	TenantPoolMaxConns int

	// BootstrapQueueSize is the capacity of the fire-and-forget workflow
	// bootstrap queue. Enqueue drops (and logs) when full.
	BootstrapQueueSize int
	// WorkflowAllowRegression controls whether flag-derived stages may move
	// an instance to an earlier stage in the definition's order.
	WorkflowAllowRegression bool
}

func Load() (*Config, error) {
	cfg := &Config{
		DirectoryDatabaseURL:    getEnv("DIRECTORY_DATABASE_URL", ""),
		HTTPListenAddr:          getEnv("HTTP_LISTEN_ADDR", ":8090"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		ServiceName:             getEnv("SERVICE_NAME", "ordertrack-api"),
		TenantConnectTimeout:    getEnvDuration("TENANT_CONNECT_TIMEOUT", 10*time.Second),
		TenantIdleTimeout:       getEnvDuration("TENANT_IDLE_TIMEOUT", 15*time.Minute),
		TenantSweepInterval:     getEnvDuration("TENANT_SWEEP_INTERVAL", time.Minute),
		TenantPoolMaxConns:      getEnvInt("TENANT_POOL_MAX_CONNS", 4),
		BootstrapQueueSize:      getEnvInt("BOOTSTRAP_QUEUE_SIZE", 256),
		WorkflowAllowRegression: getEnvBool("WORKFLOW_ALLOW_REGRESSION", false),
	}

	return cfg, nil
}

// Validate checks that the config is usable for the named service.
func (c *Config) Validate(service string) error {
	if c.DirectoryDatabaseURL == "" {
		return fmt.Errorf("%s: DIRECTORY_DATABASE_URL is required", service)
	}
	if c.TenantConnectTimeout <= 0 {
		return fmt.Errorf("%s: TENANT_CONNECT_TIMEOUT must be positive", service)
	}
	if c.TenantPoolMaxConns <= 0 {
		return fmt.Errorf("%s: TENANT_POOL_MAX_CONNS must be positive", service)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
