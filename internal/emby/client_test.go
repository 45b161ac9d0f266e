// SPDX-License-Identifier: MIT
package emby

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embyq/embyq/internal/catalog"
)

func newTestClient(url string) *Client {
	c := New(url, "secret", "user-1", "folder-4", []time.Duration{time.Millisecond, time.Millisecond})
	c.verifyDelay = 0
	return c
}

func TestRefreshScopedToParentFolder(t *testing.T) {
	var gotPath, gotToken, gotRecursive string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Emby-Token")
		gotRecursive = r.URL.Query().Get("Recursive")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.Refresh(context.Background(), "folder-4"))
	assert.Equal(t, "/emby/Items/folder-4/Refresh", gotPath)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "true", gotRecursive)
}

func TestRefreshFullLibrary(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.Refresh(context.Background(), ""))
	assert.Equal(t, "/Library/Refresh", gotPath)
}

func TestRefreshServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Refresh(context.Background(), "folder-4")
	require.Error(t, err)
}

func TestItemByPathMatchesClientSide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "folder-4", r.URL.Query().Get("ParentId"))
		_, _ = w.Write([]byte(`{"Items":[
			{"Id":"1","Name":"other","Path":"/lib/other.mp4"},
			{"Id":"2","Name":"target","Path":"/lib/Jane Doe/target.mp4"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	item, err := c.ItemByPath(context.Background(), "/lib/Jane Doe/target.mp4")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "2", item.ID)

	item, err = c.ItemByPath(context.Background(), "/lib/absent.mp4")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestItemByFilenamePrefersPathSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "target.mp4", r.URL.Query().Get("SearchTerm"))
		_, _ = w.Write([]byte(`{"Items":[
			{"Id":"1","Path":"/lib/near-target.mkv"},
			{"Id":"2","Path":"/lib/target.mp4"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	item, err := c.ItemByFilename(context.Background(), "target.mp4")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "2", item.ID)
}

func TestWaitForItemEventuallyFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"Items":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"Items":[{"Id":"42","Path":"/lib/file.mp4"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	item, err := c.WaitForItem(context.Background(), "/lib/file.mp4")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "42", item.ID)
}

func TestWaitForItemFilenameFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("SearchTerm") == "file.mp4" {
			_, _ = w.Write([]byte(`{"Items":[{"Id":"9","Path":"/elsewhere/file.mp4"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"Items":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	item, err := c.WaitForItem(context.Background(), "/lib/file.mp4")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "9", item.ID)
}

func TestWaitForItemExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Items":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.WaitForItem(context.Background(), "/lib/file.mp4")
	require.ErrorIs(t, err, ErrNotIndexed)
}

func TestUpdateMetadataPostsWholeRecordAndVerifies(t *testing.T) {
	stored := map[string]any{
		"Id":   "42",
		"Name": "old",
		"Path": "/lib/Jane Doe/Jane Doe - [No Sub] ABC-123 Title.mp4",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/Users/user-1/Items/42":
			require.NoError(t, json.NewEncoder(w).Encode(stored))
		case r.Method == http.MethodPost && r.URL.Path == "/Items/42":
			var posted map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			stored = posted
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	rec := &catalog.Record{
		Title:         "catalog title",
		OriginalTitle: "原題",
		Overview:      "a plot",
		ReleaseDate:   "2024-05-01",
		Actress:       catalog.StringList{"Jane Doe"},
		Genre:         catalog.StringList{"Drama"},
		Label:         "StudioX, StudioY",
	}
	c := newTestClient(srv.URL)
	require.NoError(t, c.UpdateMetadata(context.Background(), "42", rec))

	// Name tracks the file on disk, not the catalog title.
	assert.Equal(t, "Jane Doe - [No Sub] ABC-123 Title", stored["Name"])
	assert.Equal(t, stored["Name"], stored["SortName"])
	assert.Equal(t, stored["Name"], stored["ForcedSortName"])
	assert.Equal(t, "原題", stored["OriginalTitle"])
	assert.Equal(t, "a plot", stored["Overview"])
	assert.Equal(t, "2024-05-01", stored["PremiereDate"])
	assert.EqualValues(t, 2024, stored["ProductionYear"])
	assert.Equal(t, true, stored["LockData"])

	people := stored["People"].([]any)
	require.Len(t, people, 1)
	assert.Equal(t, "Jane Doe", people[0].(map[string]any)["Name"])
	studios := stored["Studios"].([]any)
	require.Len(t, studios, 2)
}

func TestUpdateMetadataVerificationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Server keeps returning the unlocked original record.
			_, _ = w.Write([]byte(`{"Id":"42","Name":"old","Path":"/lib/f.mp4","LockData":false}`))
			return
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.UpdateMetadata(context.Background(), "42", &catalog.Record{OriginalTitle: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification failed")
}
