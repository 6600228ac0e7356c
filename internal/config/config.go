package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// MaxWaitTimeout caps how long a single wait call may block, whatever the
// caller asks for.
const MaxWaitTimeout = 300 * time.Second

// Config holds all configuration for the cowrite service
type Config struct {
	// Server settings
	Port int

	// Project settings
	Root     string
	DataFile string

	// Reconciliation settings
	ReloadGuard   time.Duration
	WatchDebounce time.Duration

	// Delivery settings
	DefaultWaitTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnvInt("COWRITE_PORT", 7345),
		Root:               getEnv("COWRITE_ROOT", "."),
		DataFile:           getEnv("COWRITE_DATA_FILE", filepath.Join(".cowrite", "comments.json")),
		ReloadGuard:        time.Duration(getEnvInt("COWRITE_RELOAD_GUARD_MS", 200)) * time.Millisecond,
		WatchDebounce:      time.Duration(getEnvInt("COWRITE_WATCH_DEBOUNCE_MS", 100)) * time.Millisecond,
		DefaultWaitTimeout: time.Duration(getEnvInt("COWRITE_WAIT_TIMEOUT_SECONDS", 60)) * time.Second,
		LogLevel:           getEnv("COWRITE_LOG_LEVEL", "info"),
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve COWRITE_ROOT %q: %w", cfg.Root, err)
	}
	cfg.Root = root
	if !filepath.IsAbs(cfg.DataFile) {
		cfg.DataFile = filepath.Join(cfg.Root, cfg.DataFile)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks that the loaded configuration is usable
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("COWRITE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("COWRITE_ROOT %s: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("COWRITE_ROOT %s is not a directory", c.Root)
	}
	if c.ReloadGuard < 0 {
		return fmt.Errorf("COWRITE_RELOAD_GUARD_MS must not be negative")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("COWRITE_WATCH_DEBOUNCE_MS must not be negative")
	}
	if c.DefaultWaitTimeout <= 0 {
		return fmt.Errorf("COWRITE_WAIT_TIMEOUT_SECONDS must be greater than 0")
	}
	if c.DefaultWaitTimeout > MaxWaitTimeout {
		return fmt.Errorf("COWRITE_WAIT_TIMEOUT_SECONDS must be at most %d", int(MaxWaitTimeout/time.Second))
	}
	return nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
