// Package models holds the data types shared across the session: requests,
// responses and the configuration record. Configuration is hierarchical with
// yaml/json tags so it can load from a file, and validated early so
// misconfigurations fail at construction rather than mid-dispatch.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend type constants.
const (
	BackendMemory = "memory"
	BackendKV     = "kv"
	BackendSQL    = "sql"
)

// Rate limit algorithm constants.
const (
	AlgorithmSlidingWindow = "slidingwindow"
	AlgorithmFixedWindow   = "fixedwindow"
	AlgorithmLeakyBucket   = "leakybucket"
	AlgorithmTokenBucket   = "tokenbucket"
	AlgorithmGCRA          = "gcra"
)

// Dispatch mode constants.
const (
	ModePool       = "pool"
	ModeConcurrent = "concurrent"
)

// Seconds is a duration expressed in float seconds that also accepts Go
// duration strings ("1.5s", "200ms") when decoding YAML.
type Seconds float64

// UnmarshalYAML accepts either a bare number of seconds or a duration string.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	if f, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*s = Seconds(f)
		return nil
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*s = Seconds(d.Seconds())
	return nil
}

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the full configuration record for a session. There is no
// process-wide configuration; every session is constructed from one of
// these.
type Config struct {
	// Backend selects the persistence backend: memory, kv or sql.
	Backend string `yaml:"backend" json:"backend"`

	// Key is the namespace prefix for every cache and limiter key.
	Key string `yaml:"key" json:"key"`

	// Cache and Ratelimit enable the two cross-cutting concerns.
	Cache     bool `yaml:"cache" json:"cache"`
	Ratelimit bool `yaml:"ratelimit" json:"ratelimit"`

	// CacheTimeout is the TTL applied to stored responses.
	CacheTimeout Seconds `yaml:"cache_timeout" json:"cache_timeout"`

	// CheckFrequency is the backend sweep cadence.
	CheckFrequency Seconds `yaml:"check_frequency" json:"check_frequency"`

	// PerHost and PerEndpoint add limiter scopes beyond the global one.
	PerHost     bool `yaml:"per_host" json:"per_host"`
	PerEndpoint bool `yaml:"per_endpoint" json:"per_endpoint"`

	// SleepDuration is the polling granularity for admission retry waits.
	SleepDuration Seconds `yaml:"sleep_duration" json:"sleep_duration"`

	// RaiseErrors converts admission retries into hard rate-limited errors.
	RaiseErrors bool `yaml:"raise_errors" json:"raise_errors"`

	// ReturnCallbacks collects callback return values onto each response.
	ReturnCallbacks bool `yaml:"return_callbacks" json:"return_callbacks"`

	// Type selects the rate limit algorithm.
	Type string `yaml:"type" json:"type"`

	// Algorithm parameters. Which ones apply depends on Type.
	Limit    int64   `yaml:"limit" json:"limit"`
	Window   Seconds `yaml:"window" json:"window"`
	Capacity float64 `yaml:"capacity" json:"capacity"`
	LeakRate float64 `yaml:"leak_rate" json:"leak_rate"`
	FillRate float64 `yaml:"fill_rate" json:"fill_rate"`
	Period   Seconds `yaml:"period" json:"period"`

	// Mode selects the dispatch execution strategy; Workers sizes the pool.
	Mode    string `yaml:"mode" json:"mode"`
	Workers int    `yaml:"workers" json:"workers"`

	// Progress enables the progress reporter during fan-out.
	Progress bool `yaml:"progress" json:"progress"`

	// RequestTimeout is the default per-request timeout.
	RequestTimeout Seconds `yaml:"request_timeout" json:"request_timeout"`

	KV      KVConfig      `yaml:"kv" json:"kv"`
	SQL     SQLConfig     `yaml:"sql" json:"sql"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// KVConfig configures the Redis-protocol backend. An empty Host spawns an
// embedded server for the lifetime of the session.
type KVConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Username        string `yaml:"username" json:"username"`
	Password        string `yaml:"password" json:"password"`
	DBFilename      string `yaml:"dbfilename" json:"dbfilename"`
	MaxMemory       string `yaml:"maxmemory" json:"maxmemory"`
	MaxMemoryPolicy string `yaml:"maxmemory_policy" json:"maxmemory_policy"`
	Protocol        int    `yaml:"protocol" json:"protocol"`
}

// SQLConfig configures the SQL backend: DB is a SQLite file path (empty
// means ephemeral), Conn a PostgreSQL DSN that takes precedence.
type SQLConfig struct {
	DB   string `yaml:"db" json:"db"`
	Conn string `yaml:"conn" json:"conn"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Exporter   string  `yaml:"exporter" json:"exporter"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	Insecure   bool    `yaml:"insecure" json:"insecure"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig returns a configuration that works out of the box: memory
// backend, sliding window at 10 req/s, pool dispatch with 8 workers.
func NewDefaultConfig() *Config {
	return &Config{
		Backend:        BackendMemory,
		Key:            "sessions",
		CacheTimeout:   300,
		CheckFrequency: 15,
		PerEndpoint:    true,
		SleepDuration:  0.01,
		Type:           AlgorithmSlidingWindow,
		Limit:          10,
		Window:         1,
		Mode:           ModePool,
		Workers:        8,
		RequestTimeout: 30,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

var maxMemoryPolicies = map[string]bool{
	"": true, "noeviction": true,
	"volatile-lru": true, "allkeys-lru": true,
	"volatile-lfu": true, "allkeys-lfu": true,
	"volatile-random": true, "allkeys-random": true,
	"volatile-ttl": true,
}

// Validate checks the configuration for consistency. It is called at
// session construction; any error here is fatal.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendKV, BackendSQL:
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}

	if c.Key == "" {
		return errors.New("key prefix must not be empty")
	}
	if c.CacheTimeout < 0 {
		return errors.New("cache_timeout must not be negative")
	}
	if c.SleepDuration <= 0 {
		return errors.New("sleep_duration must be positive")
	}

	switch c.Mode {
	case ModePool, ModeConcurrent:
	default:
		return fmt.Errorf("unsupported dispatch mode: %s", c.Mode)
	}
	if c.Mode == ModePool && c.Workers < 1 {
		return errors.New("workers must be at least 1 in pool mode")
	}

	if c.Ratelimit {
		if err := c.validateAlgorithm(); err != nil {
			return err
		}
	}

	if !maxMemoryPolicies[c.KV.MaxMemoryPolicy] {
		return fmt.Errorf("unsupported maxmemory_policy: %s", c.KV.MaxMemoryPolicy)
	}
	if c.KV.Port < 0 || c.KV.Port > 65535 {
		return fmt.Errorf("kv port out of range: %d", c.KV.Port)
	}
	return nil
}

func (c *Config) validateAlgorithm() error {
	switch c.Type {
	case AlgorithmSlidingWindow, AlgorithmFixedWindow:
		if c.Limit < 1 {
			return fmt.Errorf("%s requires limit >= 1", c.Type)
		}
		if c.Window <= 0 {
			return fmt.Errorf("%s requires a positive window", c.Type)
		}
	case AlgorithmLeakyBucket:
		if c.Capacity < 1 {
			return errors.New("leakybucket requires capacity >= 1")
		}
		if c.LeakRate <= 0 {
			return errors.New("leakybucket requires a positive leak_rate")
		}
	case AlgorithmTokenBucket:
		if c.Capacity < 1 {
			return errors.New("tokenbucket requires capacity >= 1")
		}
		if c.FillRate <= 0 {
			return errors.New("tokenbucket requires a positive fill_rate")
		}
	case AlgorithmGCRA:
		if c.Period <= 0 {
			return errors.New("gcra requires a positive period")
		}
		if c.Limit < 1 {
			return errors.New("gcra requires limit >= 1")
		}
	default:
		return fmt.Errorf("unsupported ratelimit type: %s", c.Type)
	}
	return nil
}
