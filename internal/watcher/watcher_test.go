// SPDX-License-Identifier: MIT
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) enqueue(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func fastConfig(dir string) Config {
	return Config{
		Dir:             dir,
		ErrorDir:        filepath.Join(dir, "errors"),
		Extensions:      []string{".mp4", ".mkv"},
		CheckInterval:   10 * time.Millisecond,
		MinStableChecks: 2,
	}
}

func TestWantsFilters(t *testing.T) {
	dir := t.TempDir()
	w := New(fastConfig(dir), nil)

	assert.True(t, w.wants(filepath.Join(dir, "a.mp4")))
	assert.True(t, w.wants(filepath.Join(dir, "A.MKV")))
	assert.False(t, w.wants(filepath.Join(dir, "notes.txt")))
	assert.False(t, w.wants(filepath.Join(dir, "errors", "a.mp4")))
}

func TestWaitStableSettledFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	w := New(fastConfig(dir), nil)
	stable, err := w.waitStable(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, stable)
}

func TestWaitStableGrowingFileWaits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	stop := make(chan struct{})
	go func() {
		// Grow the file a few times, then let it settle.
		for i := 0; i < 3; i++ {
			time.Sleep(12 * time.Millisecond)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err == nil {
				_, _ = f.WriteString("more")
				_ = f.Close()
			}
		}
		close(stop)
	}()

	w := New(fastConfig(dir), nil)
	stable, err := w.waitStable(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, stable)
	<-stop
}

func TestWaitStableVanishedFile(t *testing.T) {
	dir := t.TempDir()
	w := New(fastConfig(dir), nil)
	stable, err := w.waitStable(context.Background(), filepath.Join(dir, "gone.mp4"))
	require.NoError(t, err)
	assert.False(t, stable)
}

func TestWaitStableContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	cfg := fastConfig(dir)
	cfg.CheckInterval = time.Hour
	w := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.waitStable(ctx, path)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSweepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))

	rec := &recorder{}
	w := New(fastConfig(dir), rec.enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.seen()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{existing}, rec.seen())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(fastConfig(dir), rec.enqueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before creating the file.
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(dir, "new.mkv")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	require.Eventually(t, func() bool {
		for _, p := range rec.seen() {
			if p == path {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
