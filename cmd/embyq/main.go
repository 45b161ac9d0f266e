// SPDX-License-Identifier: MIT

// Command embyq: media ingestion daemon (run) plus queue administration
// subcommands.
//
//	run        Watch the inbox, process files and update the media server. For systemd.
//	status     Queue counts per status, oldest pending item, due retries
//	list       List queue items, optionally filtered by status
//	retry      Reset one error item back to pending
//	retry-all  Reset every retriable error item back to pending
//	reset      Force any item back to pending, zeroing its retry count
//	cleanup    Delete completed items older than a cutoff
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/embyq/embyq/internal/config"
	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/queue"
)

// version is injected at build time via -ldflags.
var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <run|status|list|retry|retry-all|reset|cleanup|version> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  run        Watch the inbox, process files and update the media server\n")
	fmt.Fprintf(os.Stderr, "  status     Queue counts per status, oldest pending item, due retries\n")
	fmt.Fprintf(os.Stderr, "  list       List queue items (-status, -limit)\n")
	fmt.Fprintf(os.Stderr, "  retry      Reset one error item back to pending: retry <id>\n")
	fmt.Fprintf(os.Stderr, "  retry-all  Reset every retriable error item back to pending\n")
	fmt.Fprintf(os.Stderr, "  reset      Force any item back to pending: reset <id>\n")
	fmt.Fprintf(os.Stderr, "  cleanup    Delete completed items older than -days\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runConfig := runCmd.String("config", "", "YAML config path (optional; env vars override)")

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusConfig := statusCmd.String("config", "", "YAML config path")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listConfig := listCmd.String("config", "", "YAML config path")
	listStatus := listCmd.String("status", "", "Filter by status (pending|processing|moved|emby_pending|completed|error)")
	listLimit := listCmd.Int("limit", 50, "Maximum rows to print")

	retryCmd := flag.NewFlagSet("retry", flag.ExitOnError)
	retryConfig := retryCmd.String("config", "", "YAML config path")

	retryAllCmd := flag.NewFlagSet("retry-all", flag.ExitOnError)
	retryAllConfig := retryAllCmd.String("config", "", "YAML config path")

	resetCmd := flag.NewFlagSet("reset", flag.ExitOnError)
	resetConfig := resetCmd.String("config", "", "YAML config path")

	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cleanupConfig := cleanupCmd.String("config", "", "YAML config path")
	cleanupDays := cleanupCmd.Int("days", 30, "Delete completed items older than this many days")
	cleanupDryRun := cleanupCmd.Bool("dry-run", false, "Only count, do not delete")

	ctx := context.Background()

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		if err := runDaemon(*runConfig); err != nil {
			fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
			os.Exit(1)
		}

	case "status":
		_ = statusCmd.Parse(os.Args[2:])
		withStore(*statusConfig, func(store *queue.Store) int {
			return cmdStatus(ctx, store)
		})

	case "list":
		_ = listCmd.Parse(os.Args[2:])
		withStore(*listConfig, func(store *queue.Store) int {
			return cmdList(ctx, store, *listStatus, *listLimit)
		})

	case "retry":
		_ = retryCmd.Parse(os.Args[2:])
		id, ok := idArg(retryCmd)
		if !ok {
			fmt.Fprintln(os.Stderr, "Usage: embyq retry <id>")
			os.Exit(2)
		}
		withStore(*retryConfig, func(store *queue.Store) int {
			return cmdRetry(ctx, store, id)
		})

	case "retry-all":
		_ = retryAllCmd.Parse(os.Args[2:])
		withStore(*retryAllConfig, func(store *queue.Store) int {
			return cmdRetryAll(ctx, store)
		})

	case "reset":
		_ = resetCmd.Parse(os.Args[2:])
		id, ok := idArg(resetCmd)
		if !ok {
			fmt.Fprintln(os.Stderr, "Usage: embyq reset <id>")
			os.Exit(2)
		}
		withStore(*resetConfig, func(store *queue.Store) int {
			return cmdReset(ctx, store, id)
		})

	case "cleanup":
		_ = cleanupCmd.Parse(os.Args[2:])
		withStore(*cleanupConfig, func(store *queue.Store) int {
			return cmdCleanup(ctx, store, *cleanupDays, *cleanupDryRun)
		})

	case "version":
		fmt.Printf("embyq %s\n", version)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func idArg(fs *flag.FlagSet) (int64, bool) {
	if fs.NArg() < 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// withStore opens the queue store for an admin command and exits with the
// command's code.
func withStore(configPath string, fn func(*queue.Store) int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: load config: %v\n", err)
		os.Exit(1)
	}
	// Admin commands stay quiet unless something is wrong.
	log.Configure(log.Config{Level: "warn", Output: os.Stderr})

	store, err := queue.Open(cfg.DBPath, queue.Options{
		MaxRetries:     cfg.Retry.MaxRetries,
		BackoffMinutes: cfg.Retry.BackoffMinutes,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: open queue: %v\n", err)
		os.Exit(1)
	}
	code := fn(store)
	_ = store.Close()
	os.Exit(code)
}

func cmdStatus(ctx context.Context, store *queue.Store) int {
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	total := 0
	for _, status := range []queue.Status{
		queue.StatusPending, queue.StatusProcessing, queue.StatusMoved,
		queue.StatusEmbyPending, queue.StatusCompleted, queue.StatusError,
	} {
		n := counts[status]
		total += n
		fmt.Printf("status=%s count=%d\n", status, n)
	}
	fmt.Printf("total=%d\n", total)

	if oldest, err := store.OldestPending(ctx); err == nil && oldest != nil {
		fmt.Printf("oldest_pending id=%d created_at=%s file=%s\n",
			oldest.ID, oldest.CreatedAt.Format(time.RFC3339), oldest.FilePath)
	}
	if due, err := store.CountRetryable(ctx); err == nil {
		fmt.Printf("retryable=%d\n", due)
	}
	return 0
}

func cmdList(ctx context.Context, store *queue.Store, status string, limit int) int {
	var (
		items []*queue.Item
		err   error
	)
	if status == "" {
		items, err = store.ListAll(ctx, limit)
	} else {
		if !queue.ValidStatus(queue.Status(status)) {
			fmt.Fprintf(os.Stderr, "embyq: invalid status %q\n", status)
			return 2
		}
		items, err = store.ListByStatus(ctx, queue.Status(status), limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	for _, it := range items {
		line := fmt.Sprintf("id=%d status=%s retry=%d file=%q", it.ID, it.Status, it.RetryCount, it.FilePath)
		if it.NewPath != "" {
			line += fmt.Sprintf(" new_path=%q", it.NewPath)
		}
		if it.ErrorMessage != "" {
			line += fmt.Sprintf(" error=%q", it.ErrorMessage)
		}
		fmt.Println(line)
	}
	return 0
}

func cmdRetry(ctx context.Context, store *queue.Store, id int64) int {
	item, err := store.ResetForRetry(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	if item == nil {
		fmt.Fprintf(os.Stderr, "embyq: item %d is not retriable (missing, not in error, or past the retry limit)\n", id)
		return 1
	}
	fmt.Printf("id=%d status=%s retry=%d\n", item.ID, item.Status, item.RetryCount)
	return 0
}

func cmdRetryAll(ctx context.Context, store *queue.Store) int {
	n, err := store.ResetAllRetriable(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	fmt.Printf("reset=%d\n", n)
	return 0
}

func cmdReset(ctx context.Context, store *queue.Store, id int64) int {
	item, err := store.ForceReset(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	if item == nil {
		fmt.Fprintf(os.Stderr, "embyq: item %d not found\n", id)
		return 1
	}
	fmt.Printf("id=%d status=%s retry=%d\n", item.ID, item.Status, item.RetryCount)
	return 0
}

func cmdCleanup(ctx context.Context, store *queue.Store, days int, dryRun bool) int {
	if dryRun {
		n, err := store.CountCompletedOlderThan(ctx, days)
		if err != nil {
			fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
			return 1
		}
		fmt.Printf("would_delete=%d days=%d\n", n, days)
		return 0
	}
	n, err := store.CleanupCompleted(ctx, days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embyq: %v\n", err)
		return 1
	}
	fmt.Printf("deleted=%d days=%d\n", n, days)
	return 0
}
