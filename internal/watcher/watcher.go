// SPDX-License-Identifier: MIT

// Package watcher detects new video files in the watch directory and feeds
// them to the queue once their size stops changing.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
)

// EnqueueFunc hands a stable file over to the queue. It must tolerate being
// called twice for the same path.
type EnqueueFunc func(ctx context.Context, path string) error

// Config controls the watch root and the stability debounce.
type Config struct {
	Dir             string
	ErrorDir        string
	Extensions      []string
	CheckInterval   time.Duration
	MinStableChecks int
}

// Watcher watches one directory, non-recursively.
type Watcher struct {
	cfg     Config
	exts    map[string]struct{}
	enqueue EnqueueFunc
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds a watcher. Defaults: 5 s check interval, 2 stable checks.
func New(cfg Config, enqueue EnqueueFunc) *Watcher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MinStableChecks <= 0 {
		cfg.MinStableChecks = 2
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Watcher{
		cfg:      cfg,
		exts:     exts,
		enqueue:  enqueue,
		logger:   log.WithComponent("watcher"),
		inFlight: make(map[string]struct{}),
	}
}

// Run sweeps pre-existing files, then blocks consuming filesystem events
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.logger.Info().Str("dir", w.cfg.Dir).Msg("watching directory")

	// Files already present at startup would otherwise never fire an event.
	w.sweep(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			// Moves into the directory surface as Create on Linux.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !w.wants(event.Name) {
				metrics.IncWatcherEvent("ignored")
				continue
			}
			metrics.IncWatcherEvent("create")
			if !w.begin(event.Name) {
				continue
			}
			wg.Add(1)
			go func(path string) {
				defer wg.Done()
				defer w.finish(path)
				w.settle(ctx, path)
			}(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// sweep enqueues video files already sitting in the watch root.
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Warn().Err(err).Str("dir", w.cfg.Dir).Msg("startup sweep failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		if !w.wants(path) {
			continue
		}
		w.logger.Info().Str("file", path).Msg("found existing file")
		w.settle(ctx, path)
	}
}

// wants filters by extension and keeps quarantined files out of the queue.
func (w *Watcher) wants(path string) bool {
	if w.cfg.ErrorDir != "" {
		if rel, err := filepath.Rel(w.cfg.ErrorDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return false
		}
	}
	_, ok := w.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (w *Watcher) begin(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[path]; busy {
		return false
	}
	w.inFlight[path] = struct{}{}
	return true
}

func (w *Watcher) finish(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, path)
}

// settle waits for the file to stabilize and enqueues it. A file that
// vanishes mid-check is dropped silently.
func (w *Watcher) settle(ctx context.Context, path string) {
	stable, err := w.waitStable(ctx, path)
	if err != nil || !stable {
		return
	}
	metrics.IncWatcherEvent("stable")
	if err := w.enqueue(ctx, path); err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("enqueue failed")
	}
}

// waitStable polls the file size until it has been identical for
// MinStableChecks consecutive reads.
func (w *Watcher) waitStable(ctx context.Context, path string) (bool, error) {
	stable := 0
	lastSize := int64(-1)
	for stable < w.cfg.MinStableChecks {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Str("file", path).Msg("file disappeared during stability check")
			return false, nil
		}
		if info.IsDir() {
			return false, nil
		}
		if info.Size() == lastSize {
			stable++
		} else {
			stable = 0
		}
		lastSize = info.Size()
		if stable >= w.cfg.MinStableChecks {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(w.cfg.CheckInterval):
		}
	}
	w.logger.Info().Str("file", path).Int64("bytes", lastSize).Msg("file stable")
	return true, nil
}
