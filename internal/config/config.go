package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/leafy/internal/cache"
	"github.com/basket/leafy/internal/otel"
)

// Defaults applied by normalize.
const (
	DefaultWorkerCount          = 4
	DefaultMaxQueueDepth        = 100
	DefaultDrainTimeoutSeconds  = 5
	DefaultHistoryRetentionDays = 30
	DefaultCacheSweep           = "@every 1h"
	DefaultHistoryPrune         = "@daily"
)

type CacheConfig struct {
	TTL cache.Policy `yaml:"ttl"`
}

// MaintenanceConfig holds cron specs for the background jobs. An empty
// Backup disables scheduled backups; "off" disables the other two.
type MaintenanceConfig struct {
	CacheSweep   string `yaml:"cache_sweep"`
	HistoryPrune string `yaml:"history_prune"`
	Backup       string `yaml:"backup"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	WorkerCount int `yaml:"worker_count"`
	// Pending tasks beyond this are rejected. Negative disables queueing.
	MaxQueueDepth       int `yaml:"max_queue_depth"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Command history older than this many days is pruned. 0 keeps everything.
	HistoryRetentionDays int    `yaml:"history_retention_days"`
	BackupDir            string `yaml:"backup_dir"`

	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`

	// Missing is set when no config.yaml exists yet.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|queue=%d|db=%s|log=%s|ttl=%v|maint=%v|retention=%d",
		c.WorkerCount, c.MaxQueueDepth, c.DBPath, c.LogLevel, c.Cache.TTL, c.Maintenance, c.HistoryRetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DrainTimeout is the bounded wait for running tasks on shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ResolvedDBPath returns DBPath, resolving relative paths against HomeDir.
func (c Config) ResolvedDBPath() string {
	if c.DBPath == "" {
		return filepath.Join(c.HomeDir, "leafy.db")
	}
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// ResolvedBackupDir returns BackupDir, defaulting to <home>/backups.
func (c Config) ResolvedBackupDir() string {
	if c.BackupDir == "" {
		return filepath.Join(c.HomeDir, "backups")
	}
	if filepath.IsAbs(c.BackupDir) {
		return c.BackupDir
	}
	return filepath.Join(c.HomeDir, c.BackupDir)
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		WorkerCount:          DefaultWorkerCount,
		MaxQueueDepth:        DefaultMaxQueueDepth,
		DrainTimeoutSeconds:  DefaultDrainTimeoutSeconds,
		HistoryRetentionDays: DefaultHistoryRetentionDays,
		Cache:                CacheConfig{TTL: cache.DefaultPolicy()},
		Maintenance: MaintenanceConfig{
			CacheSweep:   DefaultCacheSweep,
			HistoryPrune: DefaultHistoryPrune,
		},
		OTel: otel.Config{Exporter: "none", SampleRate: 1},
	}
}

// HomeDir returns $LEAFY_HOME, or ~/.leafy.
func HomeDir() string {
	if override := os.Getenv("LEAFY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".leafy")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, validates it,
// then applies LEAFY_* environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create leafy home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(strings.TrimSpace(string(data))) > 0 {
		if err := Validate(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// WriteDefault writes the default config to <homeDir>/config.yaml unless
// one already exists. It returns the path.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create leafy home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = DefaultDrainTimeoutSeconds
	}
	if cfg.HistoryRetentionDays < 0 {
		cfg.HistoryRetentionDays = 0
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Maintenance.CacheSweep) == "" {
		cfg.Maintenance.CacheSweep = DefaultCacheSweep
	}
	if strings.TrimSpace(cfg.Maintenance.HistoryPrune) == "" {
		cfg.Maintenance.HistoryPrune = DefaultHistoryPrune
	}
	def := cache.DefaultPolicy()
	ttl := &cfg.Cache.TTL
	for _, p := range []struct {
		v        *int64
		fallback int64
	}{
		{&ttl.Knowledge, def.Knowledge},
		{&ttl.Calculation, def.Calculation},
		{&ttl.News, def.News},
		{&ttl.Default, def.Default},
	} {
		if *p.v <= 0 {
			*p.v = p.fallback
		}
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1
	}
	if cfg.OTel.TraceFile != "" && !filepath.IsAbs(cfg.OTel.TraceFile) {
		cfg.OTel.TraceFile = filepath.Join(cfg.HomeDir, cfg.OTel.TraceFile)
	}
}

func applyEnvOverrides(cfg *Config) {
	atoi := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	atoi("LEAFY_WORKER_COUNT", &cfg.WorkerCount)
	atoi("LEAFY_MAX_QUEUE_DEPTH", &cfg.MaxQueueDepth)
	atoi("LEAFY_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	atoi("LEAFY_HISTORY_RETENTION_DAYS", &cfg.HistoryRetentionDays)

	if raw := os.Getenv("LEAFY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LEAFY_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("LEAFY_BACKUP_DIR"); raw != "" {
		cfg.BackupDir = raw
	}
	if raw := os.Getenv("LEAFY_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		if cfg.OTel.Exporter == "" || cfg.OTel.Exporter == "none" {
			cfg.OTel.Exporter = "otlp-http"
		}
	}
}
