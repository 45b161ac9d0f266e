// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/embyq/embyq/internal/log"
)

// Runner is a long-lived unit of work that stops when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Manager runs a set of runners and stops them together: the first fatal
// error or a cancelled ctx brings the whole group down.
type Manager struct {
	runners []Runner
}

// NewManager builds a manager for the given runners.
func NewManager(runners ...Runner) *Manager {
	return &Manager{runners: runners}
}

// Run blocks until every runner has returned. Plain context cancellation is
// a clean shutdown, not an error.
func (m *Manager) Run(ctx context.Context) error {
	logger := log.WithComponent("worker-manager")
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	logger.Info().Int("runners", len(m.runners)).Msg("workers started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("workers stopped")
		return nil
	}
	return err
}
