// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/embyq/embyq/internal/catalog"
	"github.com/embyq/embyq/internal/config"
	"github.com/embyq/embyq/internal/emby"
	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/ops"
	"github.com/embyq/embyq/internal/queue"
	"github.com/embyq/embyq/internal/watcher"
	"github.com/embyq/embyq/internal/worker"
)

// runDaemon wires the full pipeline and blocks until SIGINT/SIGTERM.
func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Output: os.Stdout})
	logger := log.Base()
	logger.Info().Str("version", version).Str("watch_dir", cfg.WatchDir).Msg("embyq starting")

	store, err := queue.Open(cfg.DBPath, queue.Options{
		MaxRetries:     cfg.Retry.MaxRetries,
		BackoffMinutes: cfg.Retry.BackoffMinutes,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer func() { _ = store.Close() }()

	cat := catalog.New(cfg.Catalog.BaseURL, cfg.Catalog.Token, cfg.Catalog.SearchOrder)
	server := emby.New(cfg.Emby.BaseURL, cfg.Emby.APIKey, cfg.Emby.UserID,
		cfg.Emby.ParentFolderID, cfg.IndexWaits())

	w := watcher.New(watcher.Config{
		Dir:             cfg.WatchDir,
		ErrorDir:        cfg.ErrorDir,
		Extensions:      cfg.VideoExtensions,
		CheckInterval:   cfg.Stability.CheckInterval,
		MinStableChecks: cfg.Stability.MinStableChecks,
	}, func(ctx context.Context, path string) error {
		_, err := store.Add(ctx, path, "", "", "")
		return err
	})

	runners := []worker.Runner{
		w,
		worker.NewFileProcessor(store, cat, cfg.DestinationDir, cfg.ErrorDir, cfg.Workers.FileProcessorInterval),
		worker.NewEmbyUpdater(store, server, cfg.Workers.EmbyUpdaterInterval),
		worker.NewRetryScheduler(store, cfg.Workers.RetryInterval),
		ops.NewHeartbeat(store, 0),
	}

	if cfg.OpsListenAddr != "" {
		health := ops.NewHealthManager(version)
		health.Register(ops.CheckerFunc{CheckerName: "queue", Fn: store.Ping})
		runners = append(runners, ops.NewServer(cfg.OpsListenAddr, health))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = worker.NewManager(runners...).Run(ctx)
	logger.Info().Msg("embyq stopped")
	return err
}
