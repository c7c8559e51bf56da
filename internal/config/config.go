// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// WorkerConcurrency is the maximum number of jobs in flight across the
	// whole worker process, not per poll tick.
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY"   envDefault:"8"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"        envDefault:"2s"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT"          envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"   envDefault:"15s"`
	StaleThreshold    time.Duration `env:"STALE_THRESHOLD"      envDefault:"5m"`
	StaleCheckEvery   time.Duration `env:"STALE_CHECK_INTERVAL" envDefault:"1m"`
	BackoffBase       time.Duration `env:"RETRY_BACKOFF_BASE"   envDefault:"30s"`
	// BackoffMax caps the pre-jitter retry delay; jitter can stretch the
	// effective delay to 1.5 times this value.
	BackoffMax time.Duration `env:"RETRY_BACKOFF_MAX"    envDefault:"1h"`

	// ── Server ───────────────────────────────────────────────────────────────────
	// OpsListenAddr serves /healthz and /metrics for the worker process.
	OpsListenAddr          string `env:"OPS_LISTEN_ADDR"          envDefault:":9090"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
