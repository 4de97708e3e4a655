// Package config loads the YAML configuration for a procpool deployment:
// pool sizing, the shell command each executor runs, logging, and metrics.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level, YAML-decodable configuration for cmd/procpool.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Command CommandConfig `yaml:"command"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PoolConfig mirrors pool.Config in YAML-friendly, duration-string form.
type PoolConfig struct {
	MinSize          int    `yaml:"min_size"`
	MaxSize          int    `yaml:"max_size"`
	ReserveSize      int    `yaml:"reserve_size"`
	KeepAliveTimeout string `yaml:"keep_alive_timeout"`
	GraceDeadline    string `yaml:"grace_deadline"`
	QueueCapacity    int    `yaml:"queue_capacity"`
}

// CommandConfig describes the shell command each executor's process runs.
type CommandConfig struct {
	Shell         string   `yaml:"shell"`
	Args          []string `yaml:"args"`
	MaxExecutions int      `yaml:"max_executions"`
	MaxAge        string   `yaml:"max_age"`
}

// LoggingConfig configures internal/poollog.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with reasonable values for local use: a small
// pool running /bin/sh, info-level logging, metrics disabled.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MinSize:          1,
			MaxSize:          4,
			ReserveSize:      1,
			KeepAliveTimeout: "2m",
			GraceDeadline:    "5s",
		},
		Command: CommandConfig{
			Shell: "/bin/sh",
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Pool.MinSize < 0 {
		return fmt.Errorf("pool.min_size must be >= 0")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be > 0")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size must be <= pool.max_size")
	}
	if c.Command.Shell == "" {
		return fmt.Errorf("command.shell must be set")
	}
	if _, err := c.Pool.keepAliveTimeout(); err != nil {
		return fmt.Errorf("pool.keep_alive_timeout: %w", err)
	}
	if _, err := c.Pool.graceDeadline(); err != nil {
		return fmt.Errorf("pool.grace_deadline: %w", err)
	}
	if _, err := c.Command.maxAge(); err != nil {
		return fmt.Errorf("command.max_age: %w", err)
	}
	return nil
}

func (p PoolConfig) keepAliveTimeout() (time.Duration, error) {
	if p.KeepAliveTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(p.KeepAliveTimeout)
}

func (p PoolConfig) graceDeadline() (time.Duration, error) {
	if p.GraceDeadline == "" {
		return 0, nil
	}
	return time.ParseDuration(p.GraceDeadline)
}

func (c CommandConfig) maxAge() (time.Duration, error) {
	if c.MaxAge == "" {
		return 0, nil
	}
	return time.ParseDuration(c.MaxAge)
}

// KeepAliveTimeoutDuration returns the parsed idle-retirement timeout.
func (p PoolConfig) KeepAliveTimeoutDuration() time.Duration {
	d, _ := p.keepAliveTimeout()
	return d
}

// GraceDeadlineDuration returns the parsed SIGTERM-to-SIGKILL grace period.
func (p PoolConfig) GraceDeadlineDuration() time.Duration {
	d, _ := p.graceDeadline()
	return d
}

// MaxAgeDuration returns the parsed executor replacement age.
func (c CommandConfig) MaxAgeDuration() time.Duration {
	d, _ := c.maxAge()
	return d
}
