// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
)

// timeLayout is the TEXT timestamp format used throughout the schema.
// All timestamps are written by SQL (strftime, UTC), never by callers, so
// lexicographic comparison inside queries is sound.
const timeLayout = "2006-01-02T15:04:05Z"

// sqlNow is the strftime expression producing a timeLayout timestamp.
const sqlNow = "strftime('%Y-%m-%dT%H:%M:%SZ','now')"

const (
	defaultMaxOpenConns = 5
	defaultMaxIdleConns = 1
)

// Options tunes retry scheduling for a Store.
type Options struct {
	MaxRetries     int   // rows beyond this retry count are dead letters (default 3)
	BackoffMinutes []int // backoff schedule per retry attempt (default 1, 5, 15)
}

// Store is the SQLite queue store. Safe for concurrent use; the connection
// pool and SQLite's serialized writers mediate access.
type Store struct {
	db         *sql.DB
	maxRetries int
	backoff    []int
	logger     zerolog.Logger
}

// Open initializes the store at dbPath and applies schema migrations
// idempotently. WAL mode and a busy timeout keep concurrent claims from
// surfacing "database locked" errors.
func Open(dbPath string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:         db,
		maxRetries: opts.MaxRetries,
		backoff:    opts.BackoffMinutes,
		logger:     log.WithComponent("queue"),
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if len(s.backoff) == 0 {
		s.backoff = []int{1, 5, 15}
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processing_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL UNIQUE,
		movie_code TEXT,
		actress TEXT,
		subtitle TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','processing','moved','emby_pending','completed','error')),
		error_message TEXT,
		new_path TEXT,
		emby_item_id TEXT,
		metadata_json TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT,
		created_at TEXT NOT NULL DEFAULT (` + sqlNow + `),
		updated_at TEXT NOT NULL DEFAULT (` + sqlNow + `)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON processing_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_next_retry
		ON processing_queue(next_retry_at) WHERE status = 'error';

	CREATE TRIGGER IF NOT EXISTS trg_queue_updated_at
	AFTER UPDATE ON processing_queue
	FOR EACH ROW
	BEGIN
		UPDATE processing_queue SET updated_at = ` + sqlNow + ` WHERE id = NEW.id;
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

const itemColumns = `id, file_path, movie_code, actress, subtitle, status,
	error_message, new_path, emby_item_id, metadata_json, retry_count,
	next_retry_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var it Item
	var movieCode, actress, subtitle, errMsg, newPath, embyID, metaJSON, nextRetry sql.NullString
	var createdAt, updatedAt string

	err := r.Scan(
		&it.ID, &it.FilePath, &movieCode, &actress, &subtitle, &it.Status,
		&errMsg, &newPath, &embyID, &metaJSON, &it.RetryCount,
		&nextRetry, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	it.MovieCode = movieCode.String
	it.Actress = actress.String
	it.Subtitle = subtitle.String
	it.ErrorMessage = errMsg.String
	it.NewPath = newPath.String
	it.EmbyItemID = embyID.String
	it.MetadataJSON = metaJSON.String
	if nextRetry.Valid {
		if t, err := time.Parse(timeLayout, nextRetry.String); err == nil {
			it.NextRetryAt = &t
		}
	}
	it.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	it.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &it, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Add inserts a new file into the queue with status pending. On a file_path
// conflict the existing row is returned unchanged, so Add is idempotent and
// safe under concurrent watcher races.
func (s *Store) Add(ctx context.Context, filePath string, movieCode, actress, subtitle string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO processing_queue (file_path, movie_code, actress, subtitle)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path) DO NOTHING
		RETURNING `+itemColumns,
		filePath, nullable(movieCode), nullable(actress), nullable(subtitle),
	)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Already queued; return the existing row.
		existing, gerr := s.GetByPath(ctx, filePath)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, fmt.Errorf("add %s: conflict but row not found", filePath)
		}
		s.logger.Debug().Str("event", "queue.add_duplicate").Str("file", filePath).Msg("file already queued")
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", filePath, err)
	}
	metrics.IncQueueAdd()
	s.logger.Info().Str("event", "queue.added").Int64("id", it.ID).Str("file", filePath).Msg("queue item added")
	return it, nil
}

// Get returns a queue item by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM processing_queue WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// GetByPath returns a queue item by file path, or nil when absent.
func (s *Store) GetByPath(ctx context.Context, filePath string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM processing_queue WHERE file_path = ?`, filePath)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// claim atomically picks the oldest row in from and transitions it to to.
// The single UPDATE statement is atomic under SQLite's serialized writers:
// a concurrent claimer either loses the write race and re-evaluates the
// subquery, or sees the row already transitioned. Returns nil when no row
// is claimable.
func (s *Store) claim(ctx context.Context, from, to Status) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE processing_queue
		SET status = ?
		WHERE id = (
			SELECT id FROM processing_queue
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+itemColumns,
		string(to), string(from),
	)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", from, err)
	}
	metrics.IncQueueTransition(string(from), string(to))
	s.logger.Info().Str("event", "queue.claimed").Int64("id", it.ID).
		Str("from", string(from)).Str("to", string(to)).Str("file", it.FilePath).Msg("claimed queue item")
	return it, nil
}

// ClaimPending claims the oldest pending row, transitioning it to processing.
func (s *Store) ClaimPending(ctx context.Context) (*Item, error) {
	return s.claim(ctx, StatusPending, StatusProcessing)
}

// ClaimMoved claims the oldest moved row, transitioning it to emby_pending.
func (s *Store) ClaimMoved(ctx context.Context) (*Item, error) {
	return s.claim(ctx, StatusMoved, StatusEmbyPending)
}

// UpdateStatus applies the patch and transitions the row to status. A
// transition into error also increments retry_count and schedules
// next_retry_at per the backoff table. Returns the updated row, or nil when
// the id does not exist.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status, patch Patch) (*Item, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	sets := []string{"status = ?"}
	args := []any{string(status)}

	appendSet := func(column string, v *string) {
		if v != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *v)
		}
	}
	appendSet("error_message", patch.ErrorMessage)
	appendSet("new_path", patch.NewPath)
	appendSet("emby_item_id", patch.EmbyItemID)
	appendSet("metadata_json", patch.MetadataJSON)
	appendSet("movie_code", patch.MovieCode)
	appendSet("actress", patch.Actress)
	appendSet("subtitle", patch.Subtitle)

	if status == StatusError {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE processing_queue
		SET `+strings.Join(sets, ", ")+`
		WHERE id = ?
		RETURNING `+itemColumns, args...)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn().Str("event", "queue.update_missing").Int64("id", id).Msg("queue item not found for update")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update status %d: %w", id, err)
	}

	if status == StatusError {
		idx := it.RetryCount - 1
		if idx >= len(s.backoff) {
			idx = len(s.backoff) - 1
		}
		if idx < 0 {
			idx = 0
		}
		modifier := fmt.Sprintf("+%d minutes", s.backoff[idx])
		row = tx.QueryRowContext(ctx, `
			UPDATE processing_queue
			SET next_retry_at = strftime('%Y-%m-%dT%H:%M:%SZ','now', ?)
			WHERE id = ?
			RETURNING `+itemColumns, modifier, id)
		if it, err = scanItem(row); err != nil {
			return nil, fmt.Errorf("schedule retry %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.IncQueueTransition("", string(status))
	s.logger.Info().Str("event", "queue.status").Int64("id", id).Str("status", string(status)).Msg("queue item status updated")
	return it, nil
}

// ListRetryableErrors returns error rows eligible for retry: retry count
// within bounds, next_retry_at due, and not carrying a non-retriable
// classifier. Quarantined rows stay in error until an operator intervenes.
func (s *Store) ListRetryableErrors(ctx context.Context, limit int) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM processing_queue
		WHERE status = 'error'
		  AND retry_count <= ?
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= `+sqlNow+`
		  AND (error_message IS NULL OR error_message NOT LIKE ? || '%')
		ORDER BY next_retry_at ASC
		LIMIT ?`,
		s.maxRetries, NonRetriablePrefix, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// ResetForRetry moves an error row back to pending, clearing the error
// message and retry schedule. retry_count is preserved so the backoff table
// keeps advancing. Returns nil when the row is absent, not in error, or past
// the retry limit.
func (s *Store) ResetForRetry(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', error_message = NULL, next_retry_at = NULL
		WHERE id = ? AND status = 'error' AND retry_count <= ?
		RETURNING `+itemColumns, id, s.maxRetries)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reset for retry %d: %w", id, err)
	}
	metrics.IncRetryScheduled()
	s.logger.Info().Str("event", "queue.retry_reset").Int64("id", id).Int("attempt", it.RetryCount).Msg("reset item for retry")
	return it, nil
}

// ResetAllRetriable resets every retriable error row to pending, skipping
// rows with a non-retriable classifier. Returns the number of rows reset.
func (s *Store) ResetAllRetriable(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', error_message = NULL, next_retry_at = NULL
		WHERE status = 'error'
		  AND (error_message IS NULL OR error_message NOT LIKE ? || '%')`,
		NonRetriablePrefix,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ForceReset transitions a row to pending regardless of current state,
// clearing the error fields and zeroing retry_count. Operator escape hatch
// for rows stranded in an in-flight status by a crashed worker.
func (s *Store) ForceReset(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', error_message = NULL, retry_count = 0, next_retry_at = NULL
		WHERE id = ?
		RETURNING `+itemColumns, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("force reset %d: %w", id, err)
	}
	s.logger.Info().Str("event", "queue.force_reset").Int64("id", id).Msg("item force-reset to pending")
	return it, nil
}

// Delete removes a queue row. Returns true when a row was deleted.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processing_queue WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListByStatus returns up to limit rows in the given status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Item, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM processing_queue
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// ListAll returns up to limit rows regardless of status, newest first.
func (s *Store) ListAll(ctx context.Context, limit int) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM processing_queue
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

// CountByStatus returns row counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM processing_queue GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// OldestPending returns the oldest pending row, or nil when none exists.
func (s *Store) OldestPending(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM processing_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// CountRetryable returns the number of error rows currently due for retry.
func (s *Store) CountRetryable(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE status = 'error'
		  AND (next_retry_at IS NULL OR next_retry_at <= `+sqlNow+`)`).Scan(&n)
	return n, err
}

// CountCompletedOlderThan counts completed rows last touched more than the
// given number of days ago.
func (s *Store) CountCompletedOlderThan(ctx context.Context, days int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE status = 'completed'
		  AND updated_at < strftime('%Y-%m-%dT%H:%M:%SZ','now', ?)`,
		fmt.Sprintf("-%d days", days)).Scan(&n)
	return n, err
}

// CleanupCompleted deletes completed rows last touched more than the given
// number of days ago. Returns the number of rows deleted.
func (s *Store) CleanupCompleted(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processing_queue
		WHERE status = 'completed'
		  AND updated_at < strftime('%Y-%m-%dT%H:%M:%SZ','now', ?)`,
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Str("event", "queue.cleanup").Int64("deleted", n).Int("days", days).Msg("cleaned up completed items")
	}
	return n, err
}

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
