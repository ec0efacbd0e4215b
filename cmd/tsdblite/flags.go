package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nickman/tsdblite/config"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Port            int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("TSDBLITE_CONFIG", ""),
		"Path to JSON or YAML configuration file, empty for defaults (env: TSDBLITE_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TSDBLITE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TSDBLITE_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TSDBLITE_LOG_FORMAT", "text"),
		"Log format: json, text (env: TSDBLITE_LOG_FORMAT)")
	flag.IntVar(&cfg.Port, "port", 0,
		"Listener port override, 0 keeps the configured port")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TSDBLITE_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: TSDBLITE_SHUTDOWN_TIMEOUT)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	return nil
}

// applyFlagOverrides layers explicit CLI values over the loaded config.
func applyFlagOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.Port > 0 {
		cfg.Server.Port = cli.Port
	}
	cfg.Log.Level = cli.LogLevel
	cfg.Log.Format = cli.LogFormat
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
