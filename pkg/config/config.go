// Package config loads pipeline configuration: a YAML file overlaid
// with STATLAKE_* environment variables, on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr    = ":8080"
	DefaultDataDir       = "./data"
	DefaultEnvironment   = "development"
	DefaultSweepInterval = time.Hour
	DefaultGCInterval    = 10 * time.Minute
)

// Duration wraps time.Duration so YAML values can be written as "10s"
// or "7d"-style Go duration strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the event store and the catalog database.
	DataDir string `yaml:"data_dir"`

	// Service is the default service name stamped on locally produced
	// events.
	Service string `yaml:"service"`

	// Environment overrides the ENVIRONMENT stamp on enriched events.
	Environment string `yaml:"environment"`

	Queue     QueueConfig     `yaml:"queue"`
	Store     StoreConfig     `yaml:"store"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Rollup    RollupConfig    `yaml:"rollup"`
}

// QueueConfig tunes the in-process producer queue and batch worker.
type QueueConfig struct {
	Capacity      int      `yaml:"capacity"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// StoreConfig tunes the badger event store.
type StoreConfig struct {
	InMemory    bool     `yaml:"in_memory"`
	MaxMemoryMB int      `yaml:"max_memory_mb"`
	GCInterval  Duration `yaml:"gc_interval"`
}

// LifecycleConfig sets the partition aging boundaries.
type LifecycleConfig struct {
	CompressAfter Duration `yaml:"compress_after"`
	RetainFor     Duration `yaml:"retain_for"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RollupConfig tunes the aggregation engine.
type RollupConfig struct {
	// Disabled turns off the refresh scheduler; tables stay stale.
	Disabled bool `yaml:"disabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:  DefaultListenAddr,
		DataDir:     DefaultDataDir,
		Service:     "statlake",
		Environment: DefaultEnvironment,
		Lifecycle: LifecycleConfig{
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Store: StoreConfig{
			GCInterval: Duration(DefaultGCInterval),
		},
	}
}

// Load reads the YAML file (optional) and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays STATLAKE_* variables on top of the file values.
func (c *Config) applyEnv() {
	envString("STATLAKE_LISTEN_ADDR", &c.ListenAddr)
	envString("STATLAKE_DATA_DIR", &c.DataDir)
	envString("STATLAKE_SERVICE", &c.Service)
	envString("STATLAKE_ENVIRONMENT", &c.Environment)
	envInt("STATLAKE_QUEUE_CAPACITY", &c.Queue.Capacity)
	envInt("STATLAKE_BATCH_SIZE", &c.Queue.BatchSize)
	envDuration("STATLAKE_FLUSH_INTERVAL", &c.Queue.FlushInterval)
	envBool("STATLAKE_STORE_IN_MEMORY", &c.Store.InMemory)
	envDuration("STATLAKE_COMPRESS_AFTER", &c.Lifecycle.CompressAfter)
	envDuration("STATLAKE_RETAIN_FOR", &c.Lifecycle.RetainFor)
	envDuration("STATLAKE_SWEEP_INTERVAL", &c.Lifecycle.SweepInterval)
	envBool("STATLAKE_ROLLUP_DISABLED", &c.Rollup.Disabled)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
