// Package config holds all configuration types and loading logic for
// edgebot. Config structure never shrinks — fields are only added, never
// renamed or removed, so that a running fleet can roll config forward
// without a coordinated flag day.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an edgebot instance (spec §6.4).
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Inputs     map[string]InputConfig  `yaml:"inputs"`
	Output     OutputConfig            `yaml:"output"`
	Batching   BatchingConfig          `yaml:"batching"`
	Buffer     BufferConfig            `yaml:"buffer"`
	Retry      RetryConfig             `yaml:"retry"`
	Breaker    BreakerConfig           `yaml:"breaker"`
	RateLimit  RateLimitConfig         `yaml:"rate_limit"`
	Supervisor SupervisorConfig        `yaml:"supervisor"`
	Log        LogConfig               `yaml:"log"`
	DataDir    string                  `yaml:"data_dir"`
	NodeID     string                  `yaml:"node_id"`
}

// ServerConfig binds the health/metrics endpoint (spec §4.9).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// InputConfig toggles a named listener. Per-listener option schemas are out
// of scope (spec §1, §6.4) — everything beyond Enabled is passed through.
type InputConfig struct {
	Enabled bool           `yaml:"enabled"`
	Options map[string]any `yaml:",inline"`
}

// TLSConfig configures the HTTP sink's transport security (spec §6.4).
type TLSConfig struct {
	Verify     bool   `yaml:"verify"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CABundle   string `yaml:"ca_bundle"`
}

// PrimarySinkConfig describes the one configured output sink.
type PrimarySinkConfig struct {
	Kind        string    `yaml:"kind"` // "http" or "file"
	URL         string    `yaml:"url"`
	AuthToken   string    `yaml:"auth_token"`
	TLS         TLSConfig `yaml:"tls"`
	Compression bool      `yaml:"compression"`
	TimeoutMs   int       `yaml:"timeout_ms"`
}

// OutputConfig wraps the primary sink (spec §6.4 output.primary).
type OutputConfig struct {
	Primary PrimarySinkConfig `yaml:"primary"`
}

// BatchingConfig controls how the shipper groups spooled events (spec §4.7).
type BatchingConfig struct {
	MaxSize    int `yaml:"max_size"`
	MaxBytes   int `yaml:"max_bytes"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

// BufferConfig controls spool capacity (spec §4.1, §6.4): MaxSize is the
// event ceiling and DiskBufferMaxSize the byte ceiling. DiskBuffer and
// DiskBufferPath are loaded but not read; the spool always lives on disk
// under data_dir.
type BufferConfig struct {
	MaxSize            int    `yaml:"max_size"`
	DiskBuffer         bool   `yaml:"disk_buffer"`
	DiskBufferPath     string `yaml:"disk_buffer_path"`
	DiskBufferMaxSize  string `yaml:"disk_buffer_max_size"` // e.g. "100MB"
}

// RetryConfig controls the shipper's per-sink retry policy (spec §4.4).
type RetryConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	JitterFactor     float64 `yaml:"jitter_factor"`
}

// BreakerConfig controls the per-sink circuit breaker (spec §4.5).
type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	OpenDurationSec     int `yaml:"open_duration_sec"`
	HalfOpenMaxInflight int `yaml:"half_open_max_inflight"`
}

// RateLimitConfig controls the per-sink token bucket (spec §4.6).
type RateLimitConfig struct {
	Mode         string `yaml:"mode"` // "events" or "bytes"
	Capacity     int    `yaml:"capacity"`
	RefillPerSec int    `yaml:"refill_per_sec"`
}

// SupervisorConfig controls task restart and shutdown behavior (spec §4.8).
type SupervisorConfig struct {
	ShutdownGraceSec    int `yaml:"shutdown_grace_sec"`
	MaxRestartAttempts  int `yaml:"max_restart_attempts"`
	RestartWindowSec    int `yaml:"restart_window_sec"`
}

// LogConfig controls the structured logger (spec §6.4).
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	// Path is the log file to write to. Empty means stdout. A SIGHUP
	// closes and reopens this path in place, the usual logrotate contract
	// (spec §4.8).
	Path string `yaml:"path"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9191,
		},
		Inputs: map[string]InputConfig{},
		Output: OutputConfig{
			Primary: PrimarySinkConfig{
				Kind:        "file",
				URL:         "file:///var/lib/edgebot/out",
				Compression: true,
				TimeoutMs:   10_000,
				TLS: TLSConfig{
					Verify: true,
				},
			},
		},
		Batching: BatchingConfig{
			MaxSize:   100,
			MaxBytes:  1 << 20,
			TimeoutMs: 1_000,
		},
		Buffer: BufferConfig{
			MaxSize:           100_000,
			DiskBuffer:        true,
			DiskBufferPath:    "/var/lib/edgebot",
			DiskBufferMaxSize: "100MB",
		},
		Retry: RetryConfig{
			MaxRetries:       5,
			InitialBackoffMs: 500,
			MaxBackoffMs:     30_000,
			JitterFactor:     0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			OpenDurationSec:     60,
			HalfOpenMaxInflight: 2,
		},
		RateLimit: RateLimitConfig{
			Mode:         "events",
			Capacity:     10_000,
			RefillPerSec: 1_000,
		},
		Supervisor: SupervisorConfig{
			ShutdownGraceSec:   30,
			MaxRestartAttempts: 10,
			RestartWindowSec:   300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DataDir: "/var/lib/edgebot",
		NodeID:  "auto",
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run edgebot with no config file at all — spec §6.3's
// `--config` flag is required at the CLI layer, not here.
//
// After loading the file, environment variables are applied as overrides
// using the EDGEBOT_<UPPER_SNAKE> mapping (spec §6.4). CLI flags, applied
// by the caller after Load returns, win over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg (spec §6.4).
func applyEnv(cfg *Config) {
	if v := os.Getenv("EDGEBOT_MOTHERSHIP_URL"); v != "" {
		cfg.Output.Primary.URL = v
	}
	if v := os.Getenv("EDGEBOT_AUTH_TOKEN"); v != "" {
		cfg.Output.Primary.AuthToken = v
	}
	if v := os.Getenv("EDGEBOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EDGEBOT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("EDGEBOT_LOG_PATH"); v != "" {
		cfg.Log.Path = v
	}
	if v := os.Getenv("EDGEBOT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EDGEBOT_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("EDGEBOT_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("EDGEBOT_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	switch c.Output.Primary.Kind {
	case "http":
		if c.Output.Primary.URL == "" {
			return errors.New("output.primary.url must be set for kind=http")
		}
	case "file":
		if !strings.HasPrefix(c.Output.Primary.URL, "file://") {
			return errors.New(`output.primary.url must be of the form "file://<dir>" for kind=file`)
		}
	default:
		return fmt.Errorf("output.primary.kind must be %q or %q, got %q", "http", "file", c.Output.Primary.Kind)
	}
	if c.Batching.MaxSize < 1 {
		return errors.New("batching.max_size must be at least 1")
	}
	if c.Batching.MaxBytes < 1 {
		return errors.New("batching.max_bytes must be at least 1")
	}
	if c.Buffer.MaxSize < 1 {
		return errors.New("buffer.max_size must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return errors.New("retry.jitter_factor must be between 0 and 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.HalfOpenMaxInflight < 1 {
		return errors.New("breaker.half_open_max_inflight must be at least 1")
	}
	switch c.RateLimit.Mode {
	case "events", "bytes":
		// valid
	default:
		return fmt.Errorf(`rate_limit.mode must be "events" or "bytes", got %q`, c.RateLimit.Mode)
	}
	if c.RateLimit.Capacity < 1 {
		return errors.New("rate_limit.capacity must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf(`log.level must be one of "debug", "info", "warn", "error", got %q`, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf(`log.format must be "text" or "json", got %q`, c.Log.Format)
	}
	return nil
}
