package config

import (
	"fmt"
	"strconv"
)

// Config represents the persistent simweave configuration stored as
// config.toml. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	API         APIConfig         `toml:"api"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Cache       CacheConfig       `toml:"cache"`
	Repair      RepairConfig      `toml:"repair"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Eventstream EventstreamConfig `toml:"eventstream"`
}

// StorageConfig holds the backing store selection. Driver is one of
// "sqlite", "postgres", or "inmemory".
type StorageConfig struct {
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// EmbeddingConfig holds embedding provider settings. Provider is "ollama"
// or "openai"; the OpenAI API key is read from the environment, never from
// the config file.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// CacheConfig holds semantic cache tuning knobs.
type CacheConfig struct {
	// Threshold is the minimum cosine similarity for a semantic hit.
	Threshold float64 `toml:"threshold,omitempty"`
}

// RepairConfig holds repair coordination timing knobs.
type RepairConfig struct {
	PendingTimeoutMinutes uint `toml:"pending_timeout_minutes,omitempty"`
	BrokenTTLHours        uint `toml:"broken_ttl_hours,omitempty"`
	SweepIntervalMinutes  uint `toml:"sweep_interval_minutes,omitempty"`
}

// TelemetryConfig sizes the async telemetry writer pool.
type TelemetryConfig struct {
	Workers   uint `toml:"workers,omitempty"`
	QueueSize uint `toml:"queue_size,omitempty"`
}

// EventstreamConfig holds the optional telemetry fan-out stream. Provider is
// "nop" or "kafka".
type EventstreamConfig struct {
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error { c.Storage.Driver = v; return nil },
	},
	"storage.sqlite_path": {
		get: func(c *Config) string { return c.Storage.SQLitePath },
		set: func(c *Config, v string) error { c.Storage.SQLitePath = v; return nil },
	},
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": {
		get: func(c *Config) string {
			if c.Embedding.Dimensions == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(c.Embedding.Dimensions), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for embedding.dimensions: %w", err)
			}
			c.Embedding.Dimensions = uint(n)
			return nil
		},
	},
	"cache.threshold": {
		get: func(c *Config) string {
			if c.Cache.Threshold == 0 {
				return ""
			}
			return strconv.FormatFloat(c.Cache.Threshold, 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for cache.threshold: %w", err)
			}
			if f <= 0 || f > 1 {
				return fmt.Errorf("cache.threshold must be in (0, 1], got %v", f)
			}
			c.Cache.Threshold = f
			return nil
		},
	},
	"repair.pending_timeout_minutes": {
		get: func(c *Config) string { return uintString(c.Repair.PendingTimeoutMinutes) },
		set: func(c *Config, v string) error {
			n, err := parseUintKey("repair.pending_timeout_minutes", v)
			if err != nil {
				return err
			}
			c.Repair.PendingTimeoutMinutes = n
			return nil
		},
	},
	"repair.broken_ttl_hours": {
		get: func(c *Config) string { return uintString(c.Repair.BrokenTTLHours) },
		set: func(c *Config, v string) error {
			n, err := parseUintKey("repair.broken_ttl_hours", v)
			if err != nil {
				return err
			}
			c.Repair.BrokenTTLHours = n
			return nil
		},
	},
	"eventstream.provider": {
		get: func(c *Config) string { return c.Eventstream.Provider },
		set: func(c *Config, v string) error { c.Eventstream.Provider = v; return nil },
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.Eventstream.Topic },
		set: func(c *Config, v string) error { c.Eventstream.Topic = v; return nil },
	},
}

func uintString(n uint) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(n), 10)
}

func parseUintKey(key, v string) (uint, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return uint(n), nil
}
