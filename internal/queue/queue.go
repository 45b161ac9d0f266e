// SPDX-License-Identifier: MIT

// Package queue provides the durable SQLite-backed processing queue.
//
// Each queued file is one row; the row is both the unit of work and the unit
// of state. Status flow: pending -> processing -> moved -> emby_pending ->
// completed, with error as the failure branch. Claims are atomic single
// statements, so concurrent workers never observe the same row.
package queue

import (
	"time"
)

// Status enumerates the queue row states.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusMoved       Status = "moved"
	StatusEmbyPending Status = "emby_pending"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// ValidStatus reports whether s is one of the six known states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusMoved, StatusEmbyPending, StatusCompleted, StatusError:
		return true
	}
	return false
}

// NonRetriablePrefix classifies errors the retry scheduler must never rearm.
const NonRetriablePrefix = "No movie code"

// Item is one queue row.
type Item struct {
	ID           int64
	FilePath     string
	MovieCode    string
	Actress      string
	Subtitle     string
	Status       Status
	ErrorMessage string
	NewPath      string
	EmbyItemID   string
	MetadataJSON string // catalog response, preserved verbatim
	RetryCount   int
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Patch carries the optional field updates applied alongside a status
// transition. Nil pointers leave the column untouched.
type Patch struct {
	ErrorMessage *string
	NewPath      *string
	EmbyItemID   *string
	MetadataJSON *string
	MovieCode    *string
	Actress      *string
	Subtitle     *string
}

// String returns a pointer to s, for Patch literals.
func String(s string) *string { return &s }
