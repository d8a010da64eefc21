// Package config loads runner configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCacheCapacity is the maximum number of model versions held in
	// memory before least-recently-used eviction kicks in.
	DefaultCacheCapacity = 3
	// DefaultMaxBatchSize is the maximum number of images accepted by a single
	// batched prediction.
	DefaultMaxBatchSize = 64
	// DefaultWarmupRuns is the number of synthetic inferences run after a model
	// load to force lazy initialization before the handle is handed out.
	DefaultWarmupRuns = 3
	// DefaultTaskRetention is how long terminal task records are retained
	// before the cleanup task purges them.
	DefaultTaskRetention = time.Hour
	// DefaultSoftTimeLimit is the per-task soft time limit.
	DefaultSoftTimeLimit = 300 * time.Second
	// DefaultHardTimeLimit is the per-task hard time limit. A task exceeding it
	// is force-failed.
	DefaultHardTimeLimit = 600 * time.Second
	// DefaultShutdownGrace is how long stream consumers wait for in-flight
	// messages to finish during shutdown.
	DefaultShutdownGrace = 10 * time.Second
)

// SensorRange is the normal operating range for one sensor type. Values
// outside the range trigger an out-of-band alert.
type SensorRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config is the full runner configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// ModelsPath is the root directory of the model store.
	ModelsPath string `yaml:"models_path"`
	// ImagesPath is the directory camera event image references resolve
	// against.
	ImagesPath string `yaml:"images_path"`
	// SensorLogPath is the JSONL file sensor readings are appended to.
	SensorLogPath string `yaml:"sensor_log_path"`
	// DefaultModelVersion is the version used when a request omits one.
	DefaultModelVersion string `yaml:"default_model_version"`
	// RequiredModelVersions are preloaded at startup; a version that cannot be
	// loaded at all marks the runner unhealthy.
	RequiredModelVersions []string `yaml:"required_model_versions"`
	// CacheCapacity is the model cache capacity in versions.
	CacheCapacity int `yaml:"cache_capacity"`
	// MaxBatchSize caps batched predictions.
	MaxBatchSize int `yaml:"max_batch_size"`
	// WarmupRuns is the number of warm-up inferences after load.
	WarmupRuns int `yaml:"warmup_runs"`
	// Device requests model placement ("cpu" or "accelerator").
	Device string `yaml:"device"`
	// Workers is the task dispatcher worker pool size.
	Workers int `yaml:"workers"`
	// NATSURL is the message bus URL. Empty selects the in-process bus and
	// queue, which is only suitable for single-node deployments.
	NATSURL string `yaml:"nats_url"`
	// TaskRetention bounds how long terminal task records are kept.
	TaskRetention time.Duration `yaml:"task_retention"`
	// SoftTimeLimit is the per-task soft time limit.
	SoftTimeLimit time.Duration `yaml:"soft_time_limit"`
	// HardTimeLimit is the per-task hard time limit.
	HardTimeLimit time.Duration `yaml:"hard_time_limit"`
	// ShutdownGrace is the stream consumer shutdown grace period.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// SensorRanges maps sensor types to their normal ranges. Types not listed
	// fall back to the built-in defaults.
	SensorRanges map[string]SensorRange `yaml:"sensor_ranges"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8085",
		ModelsPath:          "models",
		ImagesPath:          "images",
		SensorLogPath:       "sensor-data.jsonl",
		DefaultModelVersion: "v1",
		CacheCapacity:       DefaultCacheCapacity,
		MaxBatchSize:        DefaultMaxBatchSize,
		WarmupRuns:          DefaultWarmupRuns,
		Device:              "cpu",
		Workers:             4,
		TaskRetention:       DefaultTaskRetention,
		SoftTimeLimit:       DefaultSoftTimeLimit,
		HardTimeLimit:       DefaultHardTimeLimit,
		ShutdownGrace:       DefaultShutdownGrace,
	}
}

// Load builds the configuration from defaults, an optional YAML file at path
// (skipped when path is empty or the file does not exist), and environment
// variable overrides, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("unable to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.CacheCapacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1 (got %d)", cfg.CacheCapacity)
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max batch size must be at least 1 (got %d)", cfg.MaxBatchSize)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1 (got %d)", cfg.Workers)
	}
	return cfg, nil
}

// applyEnv overrides configuration fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("INFERENCE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("MODELS_PATH"); v != "" {
		c.ModelsPath = v
	}
	if v := os.Getenv("IMAGES_PATH"); v != "" {
		c.ImagesPath = v
	}
	if v := os.Getenv("SENSOR_LOG_PATH"); v != "" {
		c.SensorLogPath = v
	}
	if v := os.Getenv("DEFAULT_MODEL_VERSION"); v != "" {
		c.DefaultModelVersion = v
	}
	if v := os.Getenv("MODEL_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CacheCapacity = n
		}
	}
	if v := os.Getenv("MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxBatchSize = n
		}
	}
	if v := os.Getenv("INFERENCE_DEVICE"); v != "" {
		c.Device = v
	}
	if v := os.Getenv("INFERENCE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv("TASK_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TaskRetention = d
		}
	}
}
