// Package config loads runtime configuration from the environment and the
// optional economy tuning file.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Schedule  ScheduleConfig
	Bank      BankConfig
	RateLimit RateLimitConfig

	// EconomyPath points at the YAML tuning file; empty means built-in
	// defaults.
	EconomyPath string `env:"ECONOMY_CONFIG,default="`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `env:"SERVER_PORT,default=8080"`
}

// DatabaseConfig controls the PostgreSQL connection. An empty DSN switches
// the application to the in-memory store.
type DatabaseConfig struct {
	Driver          string `env:"DATABASE_DRIVER,default=postgres"`
	DSN             string `env:"DATABASE_DSN,default="`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS,default=300"`
}

// LoggingConfig mirrors pkg/logger's knobs.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=text"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX,default=ledger"`
}

// ScheduleConfig holds the cron expressions for the daily jobs, evaluated
// in UTC. VIP status is refreshed before the accrual run so frozen panel
// rates and multipliers line up.
type ScheduleConfig struct {
	VIPRefreshCron string `env:"VIP_REFRESH_CRON,default=0 0 * * *"`
	AccrualCron    string `env:"ACCRUAL_CRON,default=30 0 * * *"`
}

// BankConfig identifies the system emission account.
type BankConfig struct {
	UserID        int64  `env:"BANK_USER_ID,default=362746228"`
	InitialSupply string `env:"BANK_INITIAL_SUPPLY,default=100000000.000"`
}

// RateLimitConfig throttles mutating API calls per user.
type RateLimitConfig struct {
	WritesPerMinute int `env:"RATE_LIMIT_WRITES_PER_MINUTE,default=30"`
	Burst           int `env:"RATE_LIMIT_BURST,default=10"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
