package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSeconds_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Seconds
	}{
		{"integer seconds", "window: 5", 5},
		{"float seconds", "window: 0.25", 0.25},
		{"duration string", "window: 1500ms", 1.5},
		{"minutes duration", "window: 2m", 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Window Seconds `yaml:"window"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.in), &out))
			assert.InDelta(t, float64(tt.want), float64(out.Window), 1e-9)
		})
	}

	var out struct {
		Window Seconds `yaml:"window"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("window: soon"), &out))
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "tape" }},
		{"empty key", func(c *Config) { c.Key = "" }},
		{"negative cache timeout", func(c *Config) { c.CacheTimeout = -1 }},
		{"zero sleep duration", func(c *Config) { c.SleepDuration = 0 }},
		{"unknown mode", func(c *Config) { c.Mode = "fiber" }},
		{"zero workers in pool mode", func(c *Config) { c.Workers = 0 }},
		{"unknown algorithm", func(c *Config) { c.Ratelimit = true; c.Type = "turnstile" }},
		{"window without limit", func(c *Config) { c.Ratelimit = true; c.Limit = 0 }},
		{"tokenbucket without fill rate", func(c *Config) {
			c.Ratelimit = true
			c.Type = AlgorithmTokenBucket
			c.Capacity = 5
			c.FillRate = 0
		}},
		{"leakybucket without capacity", func(c *Config) {
			c.Ratelimit = true
			c.Type = AlgorithmLeakyBucket
			c.LeakRate = 1
		}},
		{"gcra without period", func(c *Config) {
			c.Ratelimit = true
			c.Type = AlgorithmGCRA
			c.Limit = 3
			c.Period = 0
		}},
		{"bad maxmemory policy", func(c *Config) { c.KV.MaxMemoryPolicy = "evict-everything" }},
		{"kv port out of range", func(c *Config) { c.KV.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResponse_JSONLazyDecode(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte(`{"n": 3}`)}

	v, err := resp.JSON()
	require.NoError(t, err)
	obj, ok := v.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, obj["n"])

	// Decoded once; identical value on repeat access.
	v2, err := resp.JSON()
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestResponse_OK(t *testing.T) {
	assert.True(t, (&Response{Status: 200}).OK())
	assert.True(t, (&Response{Status: 204}).OK())
	assert.False(t, (&Response{Status: 301}).OK())
	assert.False(t, (&Response{Status: 404}).OK())
	assert.False(t, (&Response{Status: 500}).OK())
}
