// Package config loads process configuration for workflow hosts from a YAML
// file and environment variables, and assembles the logger, transport,
// store, metrics and tracer a host needs.
//
// Precedence, lowest first: DefaultConfig, the YAML file, STEPFLOW_*
// variables, then MCP_EVENT_PIPE and MCP_LOG_PIPE for the transport.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete host configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	// MaxIterations bounds step executions per run.
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
}

// TransportConfig names the event and log pipes. Empty paths send
// everything to stderr. MCP_EVENT_PIPE and MCP_LOG_PIPE override both.
type TransportConfig struct {
	EventPipe string `yaml:"event_pipe" env:"EVENT_PIPE"`
	LogPipe   string `yaml:"log_pipe" env:"LOG_PIPE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"` // json or console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	Development bool     `yaml:"development" env:"DEVELOPMENT"`
	// Transport also sends log entries to the transport log channel.
	Transport bool `yaml:"transport" env:"TRANSPORT"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, mysql or redis.
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the SQLite path or the MySQL data source name.
	DSN   string      `yaml:"dsn" env:"DSN"`
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the redis store driver.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// MetricsConfig enables Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{MaxIterations: 1000},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "stepflow:",
			},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			ServiceName:  "stepflow",
			SampleRate:   1.0,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, "engine.max_iterations must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of json, console", c.Log.Format))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for the %s driver", c.Store.Driver))
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis driver")
		}
		if c.Store.Redis.TTL < 0 {
			errs = append(errs, "store.redis.ttl must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, mysql, redis", c.Store.Driver))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
