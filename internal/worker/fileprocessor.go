// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
	"github.com/embyq/embyq/internal/parse"
	"github.com/embyq/embyq/internal/queue"
	"github.com/embyq/embyq/internal/renamer"
)

var actressCaser = cases.Title(language.English)

// FileProcessor claims pending queue items, resolves their metadata and
// relocates the files into the destination library.
type FileProcessor struct {
	store          *queue.Store
	catalog        Catalog
	destinationDir string
	errorDir       string
	interval       time.Duration
	logger         zerolog.Logger
}

// NewFileProcessor builds a file processor polling at interval.
func NewFileProcessor(store *queue.Store, cat Catalog, destinationDir, errorDir string, interval time.Duration) *FileProcessor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &FileProcessor{
		store:          store,
		catalog:        cat,
		destinationDir: destinationDir,
		errorDir:       errorDir,
		interval:       interval,
		logger:         log.WithComponent("file-processor"),
	}
}

// Run polls until ctx is cancelled.
func (p *FileProcessor) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Msg("file processor started")
	return poll(ctx, p.interval, p.ProcessOne)
}

// ProcessOne claims and fully handles one pending item. Returns false when
// the queue had nothing to claim.
func (p *FileProcessor) ProcessOne(ctx context.Context) bool {
	item, err := p.store.ClaimPending(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("claim failed")
		return false
	}
	if item == nil {
		return false
	}

	start := time.Now()
	logger := p.logger.With().Int64("id", item.ID).Str("file", item.FilePath).Logger()

	// An earlier attempt may have moved the file before the queue write
	// failed; never move it twice.
	if item.NewPath != "" {
		logger.Info().Str("new_path", item.NewPath).Msg("file already moved, forwarding")
		p.setStatus(ctx, item.ID, queue.StatusMoved, queue.Patch{})
		return true
	}

	filename := filepath.Base(item.FilePath)

	code, ok := parse.Code(filename)
	if !ok {
		logger.Warn().Msg("no movie code in filename")
		if err := renamer.Quarantine(item.FilePath, p.errorDir); err != nil {
			logger.Error().Err(err).Msg("quarantine failed")
		}
		p.fail(ctx, item.ID, fmt.Sprintf("No movie code found in filename: %s", filename))
		metrics.IncFileProcessed("quarantined")
		return true
	}
	subtitle := parse.Subtitle(filename)

	rec, err := p.catalog.Search(ctx, code)
	if err != nil {
		logger.Error().Err(err).Str("code", code).Msg("catalog lookup failed")
		p.fail(ctx, item.ID, fmt.Sprintf("No metadata found for movie code: %s: %v", code, err))
		metrics.IncFileProcessed("failure")
		return true
	}
	if rec == nil {
		logger.Warn().Str("code", code).Msg("no metadata for code")
		p.fail(ctx, item.ID, fmt.Sprintf("No metadata found for movie code: %s", code))
		metrics.IncFileProcessed("failure")
		return true
	}

	actress := "Unknown"
	if len(rec.Actress) > 0 && rec.Actress[0] != "" {
		actress = actressCaser.String(rec.Actress[0])
	}
	apiCode := rec.MovieCode
	if apiCode == "" {
		apiCode = code
	}

	newFilename := renamer.BuildFilename(actress, subtitle, apiCode, rec.Title, filepath.Ext(item.FilePath))
	newPath, err := renamer.Move(item.FilePath, p.destinationDir, actress, newFilename)
	if err != nil {
		logger.Error().Err(err).Msg("move failed")
		p.fail(ctx, item.ID, fmt.Sprintf("File move failed: %v", err))
		metrics.IncFileProcessed("failure")
		return true
	}
	logger.Info().Str("new_path", newPath).Msg("file moved")

	p.setStatus(ctx, item.ID, queue.StatusMoved, queue.Patch{
		NewPath:      queue.String(newPath),
		MetadataJSON: queue.String(string(rec.Raw)),
		MovieCode:    queue.String(apiCode),
		Actress:      queue.String(actress),
		Subtitle:     queue.String(subtitle),
	})
	metrics.IncFileProcessed("success")
	metrics.ObserveProcessingDuration(time.Since(start).Seconds())
	return true
}

func (p *FileProcessor) fail(ctx context.Context, id int64, message string) {
	p.setStatus(ctx, id, queue.StatusError, queue.Patch{ErrorMessage: queue.String(message)})
}

func (p *FileProcessor) setStatus(ctx context.Context, id int64, status queue.Status, patch queue.Patch) {
	if _, err := p.store.UpdateStatus(ctx, id, status, patch); err != nil {
		p.logger.Error().Err(err).Int64("id", id).Str("status", string(status)).Msg("status update failed")
	}
}
