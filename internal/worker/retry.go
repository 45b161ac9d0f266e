// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/queue"
)

// retryBatchSize bounds how many error rows one scheduler pass resets.
const retryBatchSize = 10

// RetryScheduler periodically resets due error items back to pending.
type RetryScheduler struct {
	store    *queue.Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewRetryScheduler builds a scheduler polling at interval.
func NewRetryScheduler(store *queue.Store, interval time.Duration) *RetryScheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryScheduler{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("retry-scheduler"),
	}
}

// Run polls until ctx is cancelled.
func (r *RetryScheduler) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.interval).Msg("retry scheduler started")
	return poll(ctx, r.interval, r.ProcessBatch)
}

// ProcessBatch resets every currently-due error item, up to the batch size.
// Returns false when nothing was due.
func (r *RetryScheduler) ProcessBatch(ctx context.Context) bool {
	items, err := r.store.ListRetryableErrors(ctx, retryBatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("listing retryable errors failed")
		return false
	}
	if len(items) == 0 {
		return false
	}

	reset := 0
	for _, item := range items {
		got, err := r.store.ResetForRetry(ctx, item.ID)
		if err != nil {
			r.logger.Error().Err(err).Int64("id", item.ID).Msg("retry reset failed")
			continue
		}
		if got != nil {
			reset++
			r.logger.Info().Int64("id", item.ID).Int("attempt", got.RetryCount).Msg("item scheduled for retry")
		}
	}
	r.logger.Info().Int("reset", reset).Msg("retry pass complete")
	return false
}
