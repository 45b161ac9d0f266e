// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embyq/embyq/internal/catalog"
	"github.com/embyq/embyq/internal/queue"
)

type fakeCatalog struct {
	rec   *catalog.Record
	err   error
	calls int
}

func (f *fakeCatalog) Search(_ context.Context, _ string) (*catalog.Record, error) {
	f.calls++
	return f.rec, f.err
}

func newWorkerStore(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord() *catalog.Record {
	raw := `{"movie_code":"ABC-123","title":"ABC-123 some title","actress":["jane doe"],"image_cropped":"https://img/c.jpg"}`
	var rec catalog.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		panic(err)
	}
	rec.Raw = json.RawMessage(raw)
	return &rec
}

func TestFileProcessorHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	watchDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(watchDir, "abc-123 english.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	_, err := store.Add(ctx, src, "", "", "")
	require.NoError(t, err)

	p := NewFileProcessor(store, &fakeCatalog{rec: testRecord()}, destDir, filepath.Join(watchDir, "errors"), 0)
	require.True(t, p.ProcessOne(ctx))
	assert.False(t, p.ProcessOne(ctx), "queue should be drained")

	item, err := store.GetByPath(ctx, src)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, queue.StatusMoved, item.Status)
	assert.Equal(t, "ABC-123", item.MovieCode)
	assert.Equal(t, "Jane Doe", item.Actress)
	assert.Equal(t, "English Sub", item.Subtitle)
	assert.Contains(t, item.MetadataJSON, `"image_cropped"`)

	want := filepath.Join(destDir, "Jane Doe", "Jane Doe - [English Sub] ABC-123 Some Title.mp4")
	assert.Equal(t, want, item.NewPath)
	_, err = os.Stat(want)
	require.NoError(t, err)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestFileProcessorNoCodeQuarantines(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	watchDir := t.TempDir()
	errorDir := filepath.Join(watchDir, "errors")
	src := filepath.Join(watchDir, "holiday video.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	added, err := store.Add(ctx, src, "", "", "")
	require.NoError(t, err)

	cat := &fakeCatalog{}
	p := NewFileProcessor(store, cat, t.TempDir(), errorDir, 0)
	require.True(t, p.ProcessOne(ctx))

	item, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, item.Status)
	assert.True(t, strings.HasPrefix(item.ErrorMessage, queue.NonRetriablePrefix))
	assert.Zero(t, cat.calls, "catalog must not be queried without a code")

	_, err = os.Stat(filepath.Join(errorDir, "holiday video.mp4"))
	require.NoError(t, err, "file must be quarantined")
}

func TestFileProcessorMetadataMissIsRetriable(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	watchDir := t.TempDir()
	src := filepath.Join(watchDir, "ABC-123.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	added, err := store.Add(ctx, src, "", "", "")
	require.NoError(t, err)

	p := NewFileProcessor(store, &fakeCatalog{}, t.TempDir(), filepath.Join(watchDir, "errors"), 0)
	require.True(t, p.ProcessOne(ctx))

	item, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, item.Status)
	assert.Contains(t, item.ErrorMessage, "No metadata found for movie code: ABC-123")
	assert.Equal(t, 1, item.RetryCount)
	assert.NotNil(t, item.NextRetryAt)

	_, err = os.Stat(src)
	require.NoError(t, err, "file must stay in place for the retry")
}

func TestFileProcessorCatalogErrorIsRetriable(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	src := filepath.Join(t.TempDir(), "ABC-123.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	added, err := store.Add(ctx, src, "", "", "")
	require.NoError(t, err)

	p := NewFileProcessor(store, &fakeCatalog{err: errors.New("connection refused")}, t.TempDir(), t.TempDir(), 0)
	require.True(t, p.ProcessOne(ctx))

	item, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusError, item.Status)
	assert.Contains(t, item.ErrorMessage, "connection refused")
}

func TestFileProcessorResumesAlreadyMovedItem(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	added, err := store.Add(ctx, "/watch/ABC-123.mp4", "", "", "")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, added.ID, queue.StatusError, queue.Patch{
		ErrorMessage: queue.String("Emby library scan failed"),
		NewPath:      queue.String("/library/Jane Doe/done.mp4"),
	})
	require.NoError(t, err)
	_, err = store.ResetForRetry(ctx, added.ID)
	require.NoError(t, err)

	cat := &fakeCatalog{}
	p := NewFileProcessor(store, cat, t.TempDir(), t.TempDir(), 0)
	require.True(t, p.ProcessOne(ctx))

	item, err := store.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusMoved, item.Status)
	assert.Zero(t, cat.calls, "moved files must not be reprocessed")
}

func TestFileProcessorUnknownActressFallback(t *testing.T) {
	ctx := context.Background()
	store := newWorkerStore(t)

	src := filepath.Join(t.TempDir(), "ABC-123.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err := store.Add(ctx, src, "", "", "")
	require.NoError(t, err)

	rec := testRecord()
	rec.Actress = nil
	destDir := t.TempDir()
	p := NewFileProcessor(store, &fakeCatalog{rec: rec}, destDir, t.TempDir(), 0)
	require.True(t, p.ProcessOne(ctx))

	item, err := store.GetByPath(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", item.Actress)
	assert.Contains(t, item.NewPath, filepath.Join(destDir, "Unknown"))
}
