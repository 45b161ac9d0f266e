// SPDX-License-Identifier: MIT
package ops

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
	"github.com/embyq/embyq/internal/queue"
)

// Heartbeat periodically logs queue depth per status and refreshes the depth
// gauges, so an idle daemon still shows signs of life.
type Heartbeat struct {
	store    *queue.Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewHeartbeat builds a heartbeat with a default interval of one minute.
func NewHeartbeat(store *queue.Store, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
	}
}

// Run beats until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("queue count failed")
		return
	}
	event := h.logger.Info().Str("event", "heartbeat")
	total := 0
	for _, status := range []queue.Status{
		queue.StatusPending, queue.StatusProcessing, queue.StatusMoved,
		queue.StatusEmbyPending, queue.StatusCompleted, queue.StatusError,
	} {
		n := counts[status]
		total += n
		metrics.RecordQueueDepth(string(status), n)
		event = event.Int(string(status), n)
	}
	event.Int("total", total).Msg("queue depth")
}
