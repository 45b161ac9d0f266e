// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 2*time.Second, cfg.Workers.FileProcessorInterval)
	assert.Equal(t, 5*time.Second, cfg.Workers.EmbyUpdaterInterval)
	assert.Equal(t, 30*time.Second, cfg.Workers.RetryInterval)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, []int{1, 5, 15}, cfg.Retry.BackoffMinutes)
	assert.Equal(t, []int{2, 4, 8, 16, 32, 64}, cfg.Emby.IndexWaitSeconds)
	assert.Equal(t, 5*time.Second, cfg.Stability.CheckInterval)
	assert.Equal(t, 2, cfg.Stability.MinStableChecks)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
watch_dir: /inbox
destination_dir: /library
db_path: /tmp/q.db
catalog:
  base_url: https://catalog.example
  search_order: [javguru, missav]
workers:
  file_processor_interval: 1s
retry:
  backoff_minutes: [2, 10]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/inbox", cfg.WatchDir)
	assert.Equal(t, []string{"javguru", "missav"}, cfg.Catalog.SearchOrder)
	assert.Equal(t, time.Second, cfg.Workers.FileProcessorInterval)
	assert.Equal(t, []int{2, 10}, cfg.Retry.BackoffMinutes)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Workers.RetryInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
watch_dir: /inbox
destination_dir: /library
db_path: /tmp/q.db
`), 0o644))

	t.Setenv("EMBYQ_WATCH_DIR", "/env-inbox")
	t.Setenv("EMBYQ_MAX_RETRIES", "5")
	t.Setenv("EMBYQ_BACKOFF_MINUTES", "1,2,3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env-inbox", cfg.WatchDir)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, []int{1, 2, 3}, cfg.Retry.BackoffMinutes)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsEmptyWatchDir(t *testing.T) {
	cfg := Defaults()
	cfg.WatchDir = ""
	require.Error(t, cfg.Validate())
}

func TestIndexWaits(t *testing.T) {
	cfg := Defaults()
	cfg.Emby.IndexWaitSeconds = []int{1, 2}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.IndexWaits())
}
