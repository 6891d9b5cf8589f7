package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", "  \n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	path := writeFile(t, "noisemon.yaml", `
detection:
  window_size: 120
  weekly: true
  flush_interval: 15m
storage:
  driver: postgres
  dsn: postgres://db/noise
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Detection.WindowSize)
	assert.True(t, cfg.Detection.Weekly)
	assert.Equal(t, 15*time.Minute, cfg.Detection.FlushInterval)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.DedupeWindow)
	assert.Equal(t, 0.7, cfg.Detection.FusionWeight)
	assert.Equal(t, 30, cfg.Detection.BinMinutes)
	assert.True(t, cfg.Detection.PersistBaseline)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Second, cfg.Storage.Timeout)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "noisemon.json", `{"detection":{"anomaly_threshold":3.5,"timezone":"UTC"},"log":{"level":"debug"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3.5, cfg.Detection.AnomalyThreshold)
	assert.Equal(t, "UTC", cfg.Detection.Timezone)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadDetection(t *testing.T) {
	cases := map[string]func(*Config){
		"uneven bins":      func(c *Config) { c.Detection.BinMinutes = 7 },
		"window too small": func(c *Config) { c.Detection.WindowSize = 3 },
		"unknown timezone": func(c *Config) { c.Detection.Timezone = "Mars/Olympus" },
		"kafka incomplete": func(c *Config) { c.Ingest.Kafka.Enabled = true },
		"redis without addr": func(c *Config) {
			c.Publish.Redis.Enabled = true
			c.Publish.Redis.Addr = ""
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, Validate(cfg), name)
	}
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestApplyDetectionDefaults(t *testing.T) {
	var d DetectionConfig
	d.WeekendPenalty = 0
	d.FusionWeight = 1.5
	ApplyDetectionDefaults(&d)
	assert.Equal(t, 50, d.WindowSize)
	assert.Equal(t, 0.7, d.FusionWeight)
	assert.Equal(t, 0.0, d.WeekendPenalty)
	assert.Equal(t, 1.0, d.ForgettingFactor)
	assert.Equal(t, 0, d.TimeRadius)
	assert.Equal(t, 0, d.DayRadius)

	d.DayRadius = -1
	ApplyDetectionDefaults(&d)
	assert.Equal(t, 2, d.DayRadius)
}

func TestLoadKeepsZeroRadius(t *testing.T) {
	cfg, err := Load(writeFile(t, "radius.yaml", "detection:\n  weekly: true\n  day_radius: 0\n  time_radius: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Detection.DayRadius)
	assert.Equal(t, 0, cfg.Detection.TimeRadius)
	assert.NoError(t, Validate(cfg))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("UTC")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
	loc, err = LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
	_, err = LoadLocation("Nowhere/Special")
	assert.Error(t, err)
}

func TestManagerMissingFileServesDefaults(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, m.Get().Detection.WindowSize)
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "noisemon.yaml", "detection:\n  anomaly_threshold: 2.5\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, m.Get().Detection.AnomalyThreshold)

	require.NoError(t, os.WriteFile(path, []byte("detection:\n  anomaly_threshold: 4\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.Detection.AnomalyThreshold)
	assert.Equal(t, 4.0, m.Get().Detection.AnomalyThreshold)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Detection.Weekly = true
	cfg.Detection.Timezone = "UTC"
	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Detection.Weekly)
	assert.Equal(t, cfg.Detection.FlushInterval, loaded.Detection.FlushInterval)
}
