// Package config defines the server configuration, loaded from a JSON or
// YAML file with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nickman/tsdblite/errors"
)

// Config represents the complete server configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Cache  CacheConfig  `json:"cache" yaml:"cache"`
	Sub    SubConfig    `json:"sub" yaml:"sub"`
	NATS   NATSConfig   `json:"nats" yaml:"nats"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// ServerConfig defines the listener and connection handling settings.
type ServerConfig struct {
	// Iface is the bind interface.
	Iface string `json:"iface" yaml:"iface"`
	// Port is the unified listener port serving plaintext, HTTP and
	// WebSocket traffic.
	Port int `json:"port" yaml:"port"`
	// MaxLineLength bounds a single plaintext submission line in bytes.
	MaxLineLength int `json:"max_line_length" yaml:"max_line_length"`
	// IdleTimeout is the per-connection inactivity window. Idle
	// connections are logged, not closed.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// IdleCheckPeriod is how often connections are scanned for idleness.
	IdleCheckPeriod time.Duration `json:"idle_check_period" yaml:"idle_check_period"`
	// ReadBufferSize sizes the per-connection buffered reader.
	ReadBufferSize int `json:"read_buffer_size" yaml:"read_buffer_size"`
}

// CacheConfig defines metric cache and expiry settings.
type CacheConfig struct {
	// Expiry is how long a metric may be inactive before the sweep
	// evicts it.
	Expiry time.Duration `json:"expiry" yaml:"expiry"`
	// ExpiryPeriod is the interval between expiry sweeps.
	ExpiryPeriod time.Duration `json:"expiry_period" yaml:"expiry_period"`
	// ExpiryWorkers bounds the pool running per-entry expiry checks.
	ExpiryWorkers int `json:"expiry_workers" yaml:"expiry_workers"`
	// MinTags and MaxTags bound the tag count of an accepted submission.
	MinTags int `json:"min_tags" yaml:"min_tags"`
	MaxTags int `json:"max_tags" yaml:"max_tags"`
	// EventBuffer sizes the cache event dispatch channel.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// SubConfig defines subscription fan-out settings.
type SubConfig struct {
	// DispatchWorkers bounds the pool delivering events to channels.
	DispatchWorkers int `json:"dispatch_workers" yaml:"dispatch_workers"`
	// DispatchQueue sizes the fan-out work queue.
	DispatchQueue int `json:"dispatch_queue" yaml:"dispatch_queue"`
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// NATSConfig defines the optional event bridge connection.
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url" yaml:"url"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level"`
	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Iface:           "0.0.0.0",
			Port:            4242,
			MaxLineLength:   1024,
			IdleTimeout:     60 * time.Second,
			IdleCheckPeriod: 15 * time.Second,
			ReadBufferSize:  4096,
		},
		Cache: CacheConfig{
			Expiry:        5 * time.Minute,
			ExpiryPeriod:  15 * time.Second,
			ExpiryWorkers: 4,
			MinTags:       1,
			MaxTags:       8,
			EventBuffer:   1024,
		},
		Sub: SubConfig{
			DispatchWorkers: 4,
			DispatchQueue:   2048,
			WriteTimeout:    5 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "tsdblite",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path, layered over defaults and then
// environment overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "reading config file")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapFatal(err, "config", "Load", "parsing yaml config")
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapFatal(err, "config", "Load", "parsing json config")
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TSDBLITE_* environment variables for the settings
// commonly overridden in containers.
func (c *Config) applyEnv() {
	if v := os.Getenv("TSDBLITE_IFACE"); v != "" {
		c.Server.Iface = v
	}
	if v := os.Getenv("TSDBLITE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("TSDBLITE_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("TSDBLITE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.WrapFatal(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Server.Port),
			"config", "Validate", "checking server port")
	}
	if c.Server.MaxLineLength <= 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: max_line_length must be positive", errors.ErrInvalidConfig),
			"config", "Validate", "checking line length")
	}
	if c.Cache.MinTags < 0 || c.Cache.MaxTags < c.Cache.MinTags {
		return errors.WrapFatal(
			fmt.Errorf("%w: tag bounds [%d,%d] invalid", errors.ErrInvalidConfig,
				c.Cache.MinTags, c.Cache.MaxTags),
			"config", "Validate", "checking tag bounds")
	}
	if c.Cache.Expiry <= 0 || c.Cache.ExpiryPeriod <= 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: expiry and expiry_period must be positive", errors.ErrInvalidConfig),
			"config", "Validate", "checking expiry settings")
	}
	if c.Cache.ExpiryWorkers <= 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: expiry_workers must be positive", errors.ErrInvalidConfig),
			"config", "Validate", "checking expiry workers")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: nats enabled without url", errors.ErrMissingConfig),
			"config", "Validate", "checking nats settings")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"config", "Validate", "checking log level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.WrapFatal(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"config", "Validate", "checking log format")
	}
	return nil
}

// ListenAddr returns the iface:port address for the unified listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Iface, c.Server.Port)
}
