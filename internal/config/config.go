// Package config loads session configuration from an optional YAML file and
// SESSIONS_* environment variables, layered over the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"sessions/internal/models"
)

// Load builds a configuration from defaults, then the file at configPath
// (when non-empty), then environment overrides, and validates the result.
func Load(configPath string) (*models.Config, error) {
	cfg := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies SESSIONS_* overrides.
func loadFromEnvironment(cfg *models.Config) {
	if v := os.Getenv("SESSIONS_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SESSIONS_KEY"); v != "" {
		cfg.Key = v
	}
	if v := os.Getenv("SESSIONS_CACHE"); v != "" {
		cfg.Cache = isTrue(v)
	}
	if v := os.Getenv("SESSIONS_RATELIMIT"); v != "" {
		cfg.Ratelimit = isTrue(v)
	}
	if v := os.Getenv("SESSIONS_CACHE_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CacheTimeout = models.Seconds(f)
		}
	}
	if v := os.Getenv("SESSIONS_TYPE"); v != "" {
		cfg.Type = v
	}
	if v := os.Getenv("SESSIONS_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SESSIONS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SESSIONS_KV_HOST"); v != "" {
		cfg.KV.Host = v
	}
	if v := os.Getenv("SESSIONS_KV_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KV.Port = n
		}
	}
	if v := os.Getenv("SESSIONS_SQL_DB"); v != "" {
		cfg.SQL.DB = v
	}
	if v := os.Getenv("SESSIONS_SQL_CONN"); v != "" {
		cfg.SQL.Conn = v
	}
	if v := os.Getenv("SESSIONS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SESSIONS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SESSIONS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = isTrue(v)
	}
	if v := os.Getenv("SESSIONS_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = isTrue(v)
	}
}

func isTrue(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}
