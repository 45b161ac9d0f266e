// SPDX-License-Identifier: MIT

// Package worker drives queue items through the pipeline: file processing,
// media server updates and retry scheduling.
package worker

import (
	"context"
	"time"

	"github.com/embyq/embyq/internal/catalog"
	"github.com/embyq/embyq/internal/emby"
)

// Catalog is the metadata lookup surface the file processor needs.
type Catalog interface {
	Search(ctx context.Context, movieCode string) (*catalog.Record, error)
}

// MediaServer is the media server surface the updater needs.
type MediaServer interface {
	Refresh(ctx context.Context, parentID string) error
	WaitForItem(ctx context.Context, filePath string) (*emby.ItemRef, error)
	UpdateMetadata(ctx context.Context, itemID string, rec *catalog.Record) error
	UploadItemImages(ctx context.Context, itemID, imageURL string)
	ParentFolderID() string
}

// poll runs step on every tick until ctx is cancelled. step reports whether
// it did work; the backlog is drained before the next tick is awaited.
func poll(ctx context.Context, interval time.Duration, step func(context.Context) bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for step(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
