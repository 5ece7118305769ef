// Package config loads the supervisor's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/remold/remold/internal/auth"
	"github.com/remold/remold/internal/env"
	"github.com/remold/remold/internal/logger"
	"github.com/remold/remold/internal/monitor"
	"github.com/remold/remold/internal/store"
	"github.com/remold/remold/internal/tls"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// Listen is the shared traffic listener address every worker accepts on.
	Listen string `toml:"listen" mapstructure:"listen"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Pool    PoolConfig    `toml:"pool" mapstructure:"pool"`
	Admin   AdminConfig   `toml:"admin" mapstructure:"admin"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Store   store.Config  `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

// PoolConfig tunes the worker pool and promotion policy.
type PoolConfig struct {
	Workers           int           `toml:"workers" mapstructure:"workers"`
	PromoteThreshold  uint64        `toml:"promote_threshold" mapstructure:"promote_threshold"`
	PromoteGrowth     float64       `toml:"promote_growth" mapstructure:"promote_growth"`
	PromoteTimeout    time.Duration `toml:"promote_timeout" mapstructure:"promote_timeout"`
	HeartbeatEvery    uint64        `toml:"heartbeat_every" mapstructure:"heartbeat_every"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ShutdownGrace     time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
	SpawnRetry        time.Duration `toml:"spawn_retry" mapstructure:"spawn_retry"`
}

// AdminConfig configures the local observability/control API.
type AdminConfig struct {
	Listen  string      `toml:"listen" mapstructure:"listen"` // empty disables the admin API
	Metrics bool        `toml:"metrics" mapstructure:"metrics"`
	Auth    auth.Config `toml:"auth" mapstructure:"auth"`
	TLS     tls.Config  `toml:"tls" mapstructure:"tls"`
}

// HistoryConfig configures analytics export of lifecycle events.
type HistoryConfig struct {
	ClickHouseURL  string `toml:"clickhouse_url" mapstructure:"clickhouse_url"`   // HTTP interface endpoint
	ClickHouseAddr string `toml:"clickhouse_addr" mapstructure:"clickhouse_addr"` // native protocol host:port
	Table          string `toml:"table" mapstructure:"table"`
}

// Load reads and validates a TOML config file.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, err
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func (fc FileConfig) Validate() error {
	if fc.Pool.Workers < 0 {
		return fmt.Errorf("config: pool.workers must not be negative, got %d", fc.Pool.Workers)
	}
	if fc.Pool.PromoteGrowth != 0 && fc.Pool.PromoteGrowth < 1 {
		return fmt.Errorf("config: pool.promote_growth must be >= 1, got %g", fc.Pool.PromoteGrowth)
	}
	for name, d := range map[string]time.Duration{
		"pool.promote_timeout":    fc.Pool.PromoteTimeout,
		"pool.heartbeat_interval": fc.Pool.HeartbeatInterval,
		"pool.shutdown_grace":     fc.Pool.ShutdownGrace,
		"pool.spawn_retry":        fc.Pool.SpawnRetry,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if fc.History.Table == "" && (fc.History.ClickHouseURL != "" || fc.History.ClickHouseAddr != "") {
		return fmt.Errorf("config: history.table is required when a clickhouse endpoint is set")
	}
	if err := fc.Admin.Auth.Validate(); err != nil {
		return fmt.Errorf("config: admin.auth: %w", err)
	}
	return nil
}

// Monitor maps the pool section onto the supervisor's config; zero values
// fall back to the monitor's defaults.
func (fc FileConfig) Monitor() monitor.Config {
	return monitor.Config{
		Workers:          fc.Pool.Workers,
		PromoteThreshold: fc.Pool.PromoteThreshold,
		PromoteGrowth:    fc.Pool.PromoteGrowth,
		PromoteTimeout:   fc.Pool.PromoteTimeout,
		ShutdownGrace:    fc.Pool.ShutdownGrace,
		SpawnRetry:       fc.Pool.SpawnRetry,
	}
}

// GlobalEnv composes the environment for spawned processes: optionally the
// OS env as base, then env_files in order, then the top-level env list
// overriding last.
func (fc FileConfig) GlobalEnv() ([]string, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	}
	for _, p := range fc.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	e.Apply(fc.Env)
	if e.Len() == 0 {
		return nil, nil
	}
	return e.Environ(), nil
}
