// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/embyq/embyq/internal/catalog"
	"github.com/embyq/embyq/internal/emby"
	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/queue"
)

// EmbyUpdater claims moved queue items, waits for the media server to index
// them and writes metadata and artwork.
type EmbyUpdater struct {
	store    *queue.Store
	server   MediaServer
	interval time.Duration
	logger   zerolog.Logger
}

// NewEmbyUpdater builds an updater polling at interval.
func NewEmbyUpdater(store *queue.Store, server MediaServer, interval time.Duration) *EmbyUpdater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EmbyUpdater{
		store:    store,
		server:   server,
		interval: interval,
		logger:   log.WithComponent("emby-updater"),
	}
}

// Run polls until ctx is cancelled.
func (u *EmbyUpdater) Run(ctx context.Context) error {
	u.logger.Info().Dur("interval", u.interval).Msg("emby updater started")
	return poll(ctx, u.interval, u.ProcessOne)
}

// ProcessOne claims and fully handles one moved item. Returns false when the
// queue had nothing to claim.
func (u *EmbyUpdater) ProcessOne(ctx context.Context) bool {
	item, err := u.store.ClaimMoved(ctx)
	if err != nil {
		u.logger.Error().Err(err).Msg("claim failed")
		return false
	}
	if item == nil {
		return false
	}

	logger := u.logger.With().Int64("id", item.ID).Str("path", item.NewPath).Logger()

	if err := u.server.Refresh(ctx, u.server.ParentFolderID()); err != nil {
		logger.Error().Err(err).Msg("library scan failed")
		u.fail(ctx, item.ID, fmt.Sprintf("Emby library scan failed: %v", err), "")
		return true
	}

	ref, err := u.server.WaitForItem(ctx, item.NewPath)
	if err != nil {
		if errors.Is(err, emby.ErrNotIndexed) {
			logger.Warn().Msg("item never appeared in index")
			u.fail(ctx, item.ID, fmt.Sprintf("Item not indexed: %s", item.NewPath), "")
			return true
		}
		logger.Error().Err(err).Msg("index lookup failed")
		u.fail(ctx, item.ID, fmt.Sprintf("Item not indexed: %s: %v", item.NewPath, err), "")
		return true
	}

	if item.MetadataJSON != "" {
		rec, err := decodeRecord(item.MetadataJSON)
		if err != nil {
			logger.Error().Err(err).Msg("stored metadata is unreadable")
			u.fail(ctx, item.ID, fmt.Sprintf("Metadata write failed: %v", err), ref.ID)
			return true
		}
		if err := u.server.UpdateMetadata(ctx, ref.ID, rec); err != nil {
			logger.Error().Err(err).Str("emby_id", ref.ID).Msg("metadata update failed")
			u.fail(ctx, item.ID, fmt.Sprintf("Metadata write failed: %v", err), ref.ID)
			return true
		}
		// Artwork is best-effort and never blocks completion.
		if url := rec.ImageURL(); url != "" {
			u.server.UploadItemImages(ctx, ref.ID, url)
		} else {
			logger.Info().Str("emby_id", ref.ID).Msg("no artwork URL in metadata")
		}
	}

	u.setStatus(ctx, item.ID, queue.StatusCompleted, queue.Patch{EmbyItemID: queue.String(ref.ID)})
	logger.Info().Str("emby_id", ref.ID).Msg("item completed")
	return true
}

func decodeRecord(metadataJSON string) (*catalog.Record, error) {
	var rec catalog.Record
	if err := json.Unmarshal([]byte(metadataJSON), &rec); err != nil {
		return nil, err
	}
	rec.Raw = json.RawMessage(metadataJSON)
	return &rec, nil
}

func (u *EmbyUpdater) fail(ctx context.Context, id int64, message, embyItemID string) {
	patch := queue.Patch{ErrorMessage: queue.String(message)}
	if embyItemID != "" {
		patch.EmbyItemID = queue.String(embyItemID)
	}
	u.setStatus(ctx, id, queue.StatusError, patch)
}

func (u *EmbyUpdater) setStatus(ctx context.Context, id int64, status queue.Status, patch queue.Patch) {
	if _, err := u.store.UpdateStatus(ctx, id, status, patch); err != nil {
		u.logger.Error().Err(err).Int64("id", id).Str("status", string(status)).Msg("status update failed")
	}
}
