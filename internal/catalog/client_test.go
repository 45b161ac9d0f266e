// SPDX-License-Identifier: MIT
package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"
)

func newTestClient(url string, order []string) *Client {
	c := New(url, "test-token", order)
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func TestSearchFirstSourceHit(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var p map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		gotBody = p["moviecode"]
		_, _ = w.Write([]byte(`{"success":true,"data":{"movie_code":"ABC-123","title":"A Title","actress":["Jane Doe"],"genre":"Drama, Romance"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "/missav/search", gotPath)
	assert.Equal(t, "ABC-123", gotBody)
	assert.Equal(t, "A Title", rec.Title)
	assert.Equal(t, StringList{"Jane Doe"}, rec.Actress)
	assert.Equal(t, StringList{"Drama", "Romance"}, rec.Genre)
	assert.Contains(t, string(rec.Raw), `"movie_code":"ABC-123"`)
}

func TestSearchFallsThroughToSecondSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missav/search" {
			_, _ = w.Write([]byte(`{"success":false,"data":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"movie_code":"ABC-123","title":"From Second"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "From Second", rec.Title)
}

func TestSearchAllMissRetriesSequenceOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ZZZ-999")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.EqualValues(t, 4, calls.Load(), "two sources, sequence run twice")
}

func TestSearchSecondPassCanHit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"success":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"title":"Late Hit"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Late Hit", rec.Title)
}

func TestSearchAllTransportFailuresError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening: every request fails at the transport level

	c := newTestClient(srv.URL, []string{"missav"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.Error(t, err)
	assert.Nil(t, rec)
}

func TestSearchAllServerErrorsIsMiss(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.NoError(t, err, "an answering source is a miss, not a failure")
	assert.Nil(t, rec)
	assert.Equal(t, 4, calls, "both sources tried on both passes")
}

func TestSearchMixedFailureAndMissIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missav/search" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, []string{"missav", "javguru"})
	rec, err := c.Search(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStringListUnmarshal(t *testing.T) {
	var l StringList
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &l))
	assert.Equal(t, StringList{"a", "b"}, l)

	require.NoError(t, json.Unmarshal([]byte(`"x, y ,"`), &l))
	assert.Equal(t, StringList{"x", "y"}, l)
}

func TestRecordImageURLPrefersCropped(t *testing.T) {
	r := Record{ImageCropped: "https://img/c.jpg", RawImageURL: "https://img/r.jpg"}
	assert.Equal(t, "https://img/c.jpg", r.ImageURL())
	r.ImageCropped = ""
	assert.Equal(t, "https://img/r.jpg", r.ImageURL())
}
