package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8085", cfg.ListenAddr)
	require.Equal(t, DefaultCacheCapacity, cfg.CacheCapacity)
	require.Equal(t, DefaultMaxBatchSize, cfg.MaxBatchSize)
	require.Equal(t, DefaultTaskRetention, cfg.TaskRetention)
	require.Equal(t, DefaultSoftTimeLimit, cfg.SoftTimeLimit)
	require.Equal(t, DefaultHardTimeLimit, cfg.HardTimeLimit)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
models_path: /srv/models
default_model_version: v3
required_model_versions: [v3, v4]
cache_capacity: 5
max_batch_size: 32
task_retention: 30m
sensor_ranges:
  temperature:
    min: 20
    max: 26
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/srv/models", cfg.ModelsPath)
	require.Equal(t, "v3", cfg.DefaultModelVersion)
	require.Equal(t, []string{"v3", "v4"}, cfg.RequiredModelVersions)
	require.Equal(t, 5, cfg.CacheCapacity)
	require.Equal(t, 32, cfg.MaxBatchSize)
	require.Equal(t, 30*time.Minute, cfg.TaskRetention)
	require.Equal(t, SensorRange{Min: 20, Max: 26}, cfg.SensorRanges["temperature"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INFERENCE_LISTEN_ADDR", ":7000")
	t.Setenv("MODEL_CACHE_CAPACITY", "9")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddr)
	require.Equal(t, 9, cfg.CacheCapacity)
	require.Equal(t, "nats://broker:4222", cfg.NATSURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MODEL_CACHE_CAPACITY", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
