// Package config holds the kernel daemon's configuration, adapted from
// the teacher's internal/config package: the same
// JSON-file-plus-env-override-plus-flag-override layering, narrowed to
// the settings a kernel process actually needs (storage backend,
// run-queue wakeup transport, remote peer transport, daemon/log
// settings, and observability).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreConfig selects and configures the persistent KV backend
// (internal/kvstore) the kernel's state lives in.
type StoreConfig struct {
	Backend string `json:"backend"` // "memory" or "postgres"
	DSN     string `json:"dsn"`     // postgres connection string
}

// QueueConfig configures the run queue's cross-process wakeup
// transport (internal/runqueue).
type QueueConfig struct {
	Backend  string `json:"backend"` // "local" or "redis"
	RedisURL string `json:"redis_url"`
}

// RemoteConfig configures this kernel's gRPC peer-exchange listener
// and identity (internal/remote).
type RemoteConfig struct {
	Enabled  bool   `json:"enabled"`
	RemoteID string `json:"remote_id"` // this kernel's own remote id, as seen by peers
	Addr     string `json:"addr"`      // gRPC listen address, e.g. :7070
}

// DaemonConfig holds daemon-level settings.
type DaemonConfig struct {
	LogLevel string `json:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings for the crank loop.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`
	Format         string `json:"format"` // text, json
	IncludeTraceID bool   `json:"include_trace_id"`
}

// ObservabilityConfig groups tracing, metrics, and logging settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// Config is the kernel daemon's central configuration.
type Config struct {
	Store         StoreConfig         `json:"store"`
	Queue         QueueConfig         `json:"queue"`
	Remote        RemoteConfig        `json:"remote"`
	Daemon        DaemonConfig        `json:"daemon"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults — an
// in-memory store and local queue, suitable for a single-process
// kernel with tracing and metrics off until an operator opts in.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "memory",
		},
		Queue: QueueConfig{
			Backend: "local",
		},
		Remote: RemoteConfig{
			Enabled:  false,
			RemoteID: "",
			Addr:     ":7070",
		},
		Daemon: DaemonConfig{
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "ocapkernel",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "ocapkernel",
				HistogramBuckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, starting from
// DefaultConfig so any field the file omits keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies KERNEL_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KERNEL_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("KERNEL_PG_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Backend = "postgres"
	}
	if v := os.Getenv("KERNEL_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("KERNEL_REDIS_URL"); v != "" {
		cfg.Queue.RedisURL = v
		cfg.Queue.Backend = "redis"
	}
	if v := os.Getenv("KERNEL_REMOTE_ENABLED"); v != "" {
		cfg.Remote.Enabled = parseBool(v)
	}
	if v := os.Getenv("KERNEL_REMOTE_ID"); v != "" {
		cfg.Remote.RemoteID = v
	}
	if v := os.Getenv("KERNEL_REMOTE_ADDR"); v != "" {
		cfg.Remote.Addr = v
	}
	if v := os.Getenv("KERNEL_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	// Observability overrides
	if v := os.Getenv("KERNEL_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("KERNEL_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("KERNEL_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("KERNEL_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("KERNEL_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("KERNEL_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("KERNEL_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("KERNEL_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("KERNEL_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

// ParseDurationOr parses s as a duration, falling back to def on
// error or empty input — used by flag/env overrides for duration
// fields that don't have a dedicated getenv check above.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
