// SPDX-License-Identifier: MIT

// Package config loads embyq configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved embyq configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Filesystem surface.
	WatchDir        string   `yaml:"watch_dir"`
	DestinationDir  string   `yaml:"destination_dir"`
	ErrorDir        string   `yaml:"error_dir"`
	VideoExtensions []string `yaml:"video_extensions"`

	// Queue store. A bare path to the SQLite database file.
	DBPath string `yaml:"db_path"`

	Catalog   CatalogConfig   `yaml:"catalog"`
	Emby      EmbyConfig      `yaml:"emby"`
	Stability StabilityConfig `yaml:"stability"`
	Workers   WorkerConfig    `yaml:"workers"`
	Retry     RetryConfig     `yaml:"retry"`

	// Ops listener for /healthz, /readyz and /metrics. Empty disables it.
	OpsListenAddr string `yaml:"ops_listen_addr"`
}

// CatalogConfig configures the external metadata catalog client.
type CatalogConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Token       string   `yaml:"token"`
	SearchOrder []string `yaml:"search_order"`
}

// EmbyConfig configures the media-server client.
type EmbyConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	UserID         string `yaml:"user_id"`
	ParentFolderID string `yaml:"parent_folder_id"`
	// IndexWaitSeconds is the backoff schedule for the indexing wait.
	IndexWaitSeconds []int `yaml:"index_wait_seconds"`
}

// StabilityConfig controls the file-settled debounce in the watcher.
type StabilityConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	MinStableChecks int           `yaml:"min_stable_checks"`
}

// WorkerConfig holds the per-worker poll intervals.
type WorkerConfig struct {
	FileProcessorInterval time.Duration `yaml:"file_processor_interval"`
	EmbyUpdaterInterval   time.Duration `yaml:"emby_updater_interval"`
	RetryInterval         time.Duration `yaml:"retry_interval"`
}

// RetryConfig controls error retry scheduling.
type RetryConfig struct {
	MaxRetries     int   `yaml:"max_retries"`
	BackoffMinutes []int `yaml:"backoff_minutes"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:        "info",
		WatchDir:        "/watch",
		DestinationDir:  "/destination",
		ErrorDir:        "/watch/errors",
		VideoExtensions: []string{".mp4", ".mkv", ".avi", ".wmv"},
		DBPath:          "/data/embyq.db",
		Catalog: CatalogConfig{
			SearchOrder: []string{"missav", "javguru"},
		},
		Emby: EmbyConfig{
			ParentFolderID:   "",
			IndexWaitSeconds: []int{2, 4, 8, 16, 32, 64},
		},
		Stability: StabilityConfig{
			CheckInterval:   5 * time.Second,
			MinStableChecks: 2,
		},
		Workers: WorkerConfig{
			FileProcessorInterval: 2 * time.Second,
			EmbyUpdaterInterval:   5 * time.Second,
			RetryInterval:         30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BackoffMinutes: []int{1, 5, 15},
		},
		OpsListenAddr: "",
	}
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = ParseString("EMBYQ_LOG_LEVEL", c.LogLevel)
	c.WatchDir = ParseString("EMBYQ_WATCH_DIR", c.WatchDir)
	c.DestinationDir = ParseString("EMBYQ_DESTINATION_DIR", c.DestinationDir)
	c.ErrorDir = ParseString("EMBYQ_ERROR_DIR", c.ErrorDir)
	c.VideoExtensions = ParseStringSlice("EMBYQ_VIDEO_EXTENSIONS", c.VideoExtensions)
	c.DBPath = ParseString("EMBYQ_DB_PATH", c.DBPath)

	c.Catalog.BaseURL = ParseString("EMBYQ_CATALOG_BASE_URL", c.Catalog.BaseURL)
	c.Catalog.Token = ParseString("EMBYQ_CATALOG_TOKEN", c.Catalog.Token)
	c.Catalog.SearchOrder = ParseStringSlice("EMBYQ_CATALOG_SEARCH_ORDER", c.Catalog.SearchOrder)

	c.Emby.BaseURL = ParseString("EMBYQ_EMBY_BASE_URL", c.Emby.BaseURL)
	c.Emby.APIKey = ParseString("EMBYQ_EMBY_API_KEY", c.Emby.APIKey)
	c.Emby.UserID = ParseString("EMBYQ_EMBY_USER_ID", c.Emby.UserID)
	c.Emby.ParentFolderID = ParseString("EMBYQ_EMBY_PARENT_FOLDER_ID", c.Emby.ParentFolderID)
	c.Emby.IndexWaitSeconds = ParseIntSlice("EMBYQ_EMBY_INDEX_WAITS", c.Emby.IndexWaitSeconds)

	c.Stability.CheckInterval = ParseDuration("EMBYQ_STABILITY_CHECK_INTERVAL", c.Stability.CheckInterval)
	c.Stability.MinStableChecks = ParseInt("EMBYQ_STABILITY_MIN_CHECKS", c.Stability.MinStableChecks)

	c.Workers.FileProcessorInterval = ParseDuration("EMBYQ_WORKER_FILE_PROCESSOR_INTERVAL", c.Workers.FileProcessorInterval)
	c.Workers.EmbyUpdaterInterval = ParseDuration("EMBYQ_WORKER_EMBY_UPDATER_INTERVAL", c.Workers.EmbyUpdaterInterval)
	c.Workers.RetryInterval = ParseDuration("EMBYQ_WORKER_RETRY_INTERVAL", c.Workers.RetryInterval)

	c.Retry.MaxRetries = ParseInt("EMBYQ_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.BackoffMinutes = ParseIntSlice("EMBYQ_BACKOFF_MINUTES", c.Retry.BackoffMinutes)

	c.OpsListenAddr = ParseString("EMBYQ_OPS_LISTEN_ADDR", c.OpsListenAddr)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return fmt.Errorf("watch_dir must not be empty")
	}
	if c.DestinationDir == "" {
		return fmt.Errorf("destination_dir must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if len(c.VideoExtensions) == 0 {
		return fmt.Errorf("video_extensions must not be empty")
	}
	for i, ext := range c.VideoExtensions {
		if !strings.HasPrefix(ext, ".") {
			c.VideoExtensions[i] = "." + ext
		}
	}
	if c.Catalog.BaseURL != "" && len(c.Catalog.SearchOrder) == 0 {
		return fmt.Errorf("catalog.search_order must not be empty when catalog.base_url is set")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if len(c.Retry.BackoffMinutes) == 0 {
		return fmt.Errorf("retry.backoff_minutes must not be empty")
	}
	if c.Stability.MinStableChecks < 1 {
		return fmt.Errorf("stability.min_stable_checks must be at least 1")
	}
	if len(c.Emby.IndexWaitSeconds) == 0 {
		return fmt.Errorf("emby.index_wait_seconds must not be empty")
	}
	return nil
}

// IndexWaits converts the configured wait seconds to durations.
func (c *Config) IndexWaits() []time.Duration {
	out := make([]time.Duration, len(c.Emby.IndexWaitSeconds))
	for i, s := range c.Emby.IndexWaitSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
