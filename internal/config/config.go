package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig       `json:"log" yaml:"log"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Spectrum  SpectrumConfig  `json:"spectrum" yaml:"spectrum"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Publish   PublishConfig   `json:"publish" yaml:"publish"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone      string `json:"timezone" yaml:"timezone"`
	DefaultSource string `json:"default_source" yaml:"default_source"`
}

// DetectionConfig is the flat key/value surface of the anomaly model. Every
// key is optional; zero values are replaced by the defaults in applyDefaults.
type DetectionConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`

	WindowSize        int     `json:"window_size" yaml:"window_size"`
	MinWindowSamples  int     `json:"min_window_samples" yaml:"min_window_samples"`
	WindowStdFallback float64 `json:"window_std_fallback" yaml:"window_std_fallback"`

	BinMinutes         int     `json:"bin_minutes" yaml:"bin_minutes"`
	Weekly             bool    `json:"weekly" yaml:"weekly"`
	TimeSigma          float64 `json:"time_sigma" yaml:"time_sigma"`
	DaySigma           float64 `json:"day_sigma" yaml:"day_sigma"`
	TimeRadius         int     `json:"time_radius" yaml:"time_radius"`
	DayRadius          int     `json:"day_radius" yaml:"day_radius"`
	WeekendPenalty     float64 `json:"weekend_penalty" yaml:"weekend_penalty"`
	KernelCutoff       float64 `json:"kernel_cutoff" yaml:"kernel_cutoff"`
	MinSeasonalWeight  float64 `json:"min_seasonal_weight" yaml:"min_seasonal_weight"`
	ProfileStdFallback float64 `json:"profile_std_fallback" yaml:"profile_std_fallback"`
	ForgettingFactor   float64 `json:"forgetting_factor" yaml:"forgetting_factor"`

	StdFloor         float64       `json:"std_floor" yaml:"std_floor"`
	FusionWeight     float64       `json:"fusion_weight" yaml:"fusion_weight"`
	AnomalyThreshold float64       `json:"anomaly_threshold" yaml:"anomaly_threshold"`
	SnippetThreshold float64       `json:"snippet_threshold" yaml:"snippet_threshold"`
	AlertCooldown    time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`

	ProfileLookback     time.Duration `json:"profile_lookback" yaml:"profile_lookback"`
	ProfileHistoryLimit int           `json:"profile_history_limit" yaml:"profile_history_limit"`
	WindowLookback      time.Duration `json:"window_lookback" yaml:"window_lookback"`

	PersistBaseline bool          `json:"persist_baseline" yaml:"persist_baseline"`
	FlushInterval   time.Duration `json:"flush_interval" yaml:"flush_interval"`
	CacheTTL        time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MinPriorSamples int           `json:"min_prior_samples" yaml:"min_prior_samples"`
}

type SpectrumConfig struct {
	DBMin float64 `json:"db_min" yaml:"db_min"`
	DBMax float64 `json:"db_max" yaml:"db_max"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Driver  string        `json:"driver" yaml:"driver"`
	DSN     string        `json:"dsn" yaml:"dsn"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type PublishConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Addr       string        `json:"addr" yaml:"addr"`
	Password   string        `json:"password" yaml:"password"`
	DB         int           `json:"db" yaml:"db"`
	Prefix     string        `json:"prefix" yaml:"prefix"`
	RecentSize int           `json:"recent_size" yaml:"recent_size"`
	LatestTTL  time.Duration `json:"latest_ttl" yaml:"latest_ttl"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 14},
		Ingest: IngestConfig{
			ChannelBuffer: 1024,
			DedupeWindow:  10 * time.Minute,
			REST:          RESTConfig{Enabled: true, Addr: ":8090"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "Local", DefaultSource: "capture"},
		},
		Detection: DefaultDetection(),
		Spectrum:  SpectrumConfig{DBMin: -90, DBMax: 10},
		API:       APIConfig{Enabled: true, Addr: ":8080"},
		Storage: StorageConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "file:noisy.db?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)",
			Timeout: 30 * time.Second,
		},
		Publish: PublishConfig{Redis: RedisConfig{
			Enabled:    false,
			Addr:       "127.0.0.1:6379",
			Prefix:     "noisemon",
			RecentSize: 1000,
			LatestTTL:  time.Hour,
		}},
		Alerts: AlertsConfig{StoreLimit: 1000},
	}
}

func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		Timezone:            "Local",
		WindowSize:          50,
		MinWindowSamples:    5,
		WindowStdFallback:   5.0,
		BinMinutes:          30,
		Weekly:              false,
		TimeSigma:           2.0,
		DaySigma:            1.0,
		TimeRadius:          3,
		DayRadius:           2,
		WeekendPenalty:      0.5,
		KernelCutoff:        0.01,
		MinSeasonalWeight:   1.0,
		ProfileStdFallback:  5.0,
		ForgettingFactor:    1.0,
		StdFloor:            1.0,
		FusionWeight:        0.7,
		AnomalyThreshold:    2.0,
		SnippetThreshold:    2.5,
		AlertCooldown:       time.Minute,
		ProfileLookback:     7 * 24 * time.Hour,
		ProfileHistoryLimit: 5000,
		WindowLookback:      6 * time.Hour,
		PersistBaseline:     true,
		FlushInterval:       time.Hour,
		CacheTTL:            time.Hour,
		MinPriorSamples:     10,
	}
}

// Load reads a JSON or YAML config file on top of DefaultConfig. Keys absent
// from the file keep their defaults; an empty file yields the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) > 0 {
		var decodeErr error
		if looksLikeJSON(trimmed) {
			decodeErr = json.Unmarshal([]byte(trimmed), cfg)
		} else {
			decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.DedupeWindow == 0 {
		cfg.Ingest.DedupeWindow = def.Ingest.DedupeWindow
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = def.Ingest.Parser.Timezone
	}
	if cfg.Ingest.Parser.DefaultSource == "" {
		cfg.Ingest.Parser.DefaultSource = def.Ingest.Parser.DefaultSource
	}
	ApplyDetectionDefaults(&cfg.Detection)
	if cfg.Spectrum.DBMax <= cfg.Spectrum.DBMin {
		cfg.Spectrum = def.Spectrum
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.Timeout <= 0 {
		cfg.Storage.Timeout = def.Storage.Timeout
	}
	if cfg.Publish.Redis.Prefix == "" {
		cfg.Publish.Redis.Prefix = def.Publish.Redis.Prefix
	}
	if cfg.Publish.Redis.RecentSize <= 0 {
		cfg.Publish.Redis.RecentSize = def.Publish.Redis.RecentSize
	}
	if cfg.Publish.Redis.LatestTTL <= 0 {
		cfg.Publish.Redis.LatestTTL = def.Publish.Redis.LatestTTL
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

// ApplyDetectionDefaults replaces every unset detection key with its default.
// Keys where zero is meaningful (radii, weekend_penalty) take the default
// only when negative.
func ApplyDetectionDefaults(d *DetectionConfig) {
	def := DefaultDetection()
	if d.Timezone == "" {
		d.Timezone = def.Timezone
	}
	if d.WindowSize <= 0 {
		d.WindowSize = def.WindowSize
	}
	if d.MinWindowSamples <= 0 {
		d.MinWindowSamples = def.MinWindowSamples
	}
	if d.WindowStdFallback <= 0 {
		d.WindowStdFallback = def.WindowStdFallback
	}
	if d.BinMinutes <= 0 {
		d.BinMinutes = def.BinMinutes
	}
	if d.TimeSigma <= 0 {
		d.TimeSigma = def.TimeSigma
	}
	if d.DaySigma <= 0 {
		d.DaySigma = def.DaySigma
	}
	if d.TimeRadius < 0 {
		d.TimeRadius = def.TimeRadius
	}
	if d.DayRadius < 0 {
		d.DayRadius = def.DayRadius
	}
	if d.WeekendPenalty < 0 {
		d.WeekendPenalty = def.WeekendPenalty
	}
	if d.KernelCutoff <= 0 {
		d.KernelCutoff = def.KernelCutoff
	}
	if d.MinSeasonalWeight <= 0 {
		d.MinSeasonalWeight = def.MinSeasonalWeight
	}
	if d.ProfileStdFallback <= 0 {
		d.ProfileStdFallback = def.ProfileStdFallback
	}
	if d.ForgettingFactor <= 0 || d.ForgettingFactor > 1 {
		d.ForgettingFactor = def.ForgettingFactor
	}
	if d.StdFloor <= 0 {
		d.StdFloor = def.StdFloor
	}
	if d.FusionWeight <= 0 || d.FusionWeight > 1 {
		d.FusionWeight = def.FusionWeight
	}
	if d.AnomalyThreshold <= 0 {
		d.AnomalyThreshold = def.AnomalyThreshold
	}
	if d.SnippetThreshold <= 0 {
		d.SnippetThreshold = def.SnippetThreshold
	}
	if d.ProfileLookback <= 0 {
		d.ProfileLookback = def.ProfileLookback
	}
	if d.ProfileHistoryLimit <= 0 {
		d.ProfileHistoryLimit = def.ProfileHistoryLimit
	}
	if d.WindowLookback <= 0 {
		d.WindowLookback = def.WindowLookback
	}
	if d.FlushInterval <= 0 {
		d.FlushInterval = def.FlushInterval
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = def.CacheTTL
	}
	if d.MinPriorSamples <= 0 {
		d.MinPriorSamples = def.MinPriorSamples
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Publish.Redis.Enabled && cfg.Publish.Redis.Addr == "" {
		return errors.New("publish.redis.addr required when publish.redis.enabled is true")
	}
	d := cfg.Detection
	if d.BinMinutes > 24*60 || (24*60)%d.BinMinutes != 0 {
		return fmt.Errorf("detection.bin_minutes must divide a day evenly: %d", d.BinMinutes)
	}
	if d.MinWindowSamples > d.WindowSize {
		return fmt.Errorf("detection.min_window_samples (%d) exceeds window_size (%d)", d.MinWindowSamples, d.WindowSize)
	}
	if _, err := LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("detection.timezone: %w", err)
	}
	return nil
}

// LoadLocation resolves "Local", "UTC" or an IANA zone name.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

// NewManager loads path, or serves the defaults when the file does not exist.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if path == "" {
		m.cfg.Store(DefaultConfig())
		return m, nil
	}
	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
