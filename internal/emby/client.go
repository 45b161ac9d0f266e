// SPDX-License-Identifier: MIT

// Package emby talks to the Emby server API: library scans, item lookup,
// metadata writes and artwork management.
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/embyq/embyq/internal/catalog"
	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
)

// ErrNotIndexed reports that a moved file never appeared in the server's
// index within the wait schedule.
var ErrNotIndexed = errors.New("item not indexed")

// DefaultWaits is the poll schedule applied between index lookups after a
// library scan.
var DefaultWaits = []time.Duration{
	2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 64 * time.Second,
}

// backdropSlots is how many Backdrop indices are cleared before re-upload.
const backdropSlots = 5

// ItemRef is a search hit from the Items endpoint.
type ItemRef struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
	Path string `json:"Path"`
}

// Client is an Emby API client. Wait and verify delays are fields so tests
// can collapse them.
type Client struct {
	base           string
	apiKey         string
	userID         string
	parentFolderID string
	waits          []time.Duration
	verifyDelay    time.Duration
	http           *http.Client
	logger         zerolog.Logger
}

// New builds an Emby client. waits may be nil to use DefaultWaits.
func New(baseURL, apiKey, userID, parentFolderID string, waits []time.Duration) *Client {
	if len(waits) == 0 {
		waits = DefaultWaits
	}
	return &Client{
		base:           strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		userID:         userID,
		parentFolderID: parentFolderID,
		waits:          waits,
		verifyDelay:    time.Second,
		http:           &http.Client{Timeout: 60 * time.Second},
		logger:         log.WithComponent("emby"),
	}
}

// ParentFolderID returns the configured library folder scans are scoped to.
func (c *Client) ParentFolderID() string { return c.parentFolderID }

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", c.apiKey)
	return req, nil
}

// Refresh triggers a library scan. A non-empty parentID scopes the scan to
// that folder; otherwise the whole library is refreshed.
func (c *Client) Refresh(ctx context.Context, parentID string) error {
	var u string
	if parentID != "" {
		u = fmt.Sprintf("%s/emby/Items/%s/Refresh?Recursive=true", c.base, url.PathEscape(parentID))
	} else {
		u = c.base + "/Library/Refresh"
	}
	req, err := c.newRequest(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncEmbyRequest("scan", "error")
		return fmt.Errorf("trigger scan: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		metrics.IncEmbyRequest("scan", "error")
		return fmt.Errorf("trigger scan: status %d", res.StatusCode)
	}
	metrics.IncEmbyRequest("scan", "success")
	c.logger.Info().Str("event", "emby.scan").Str("parent", parentID).Msg("library scan triggered")
	return nil
}

type itemsResponse struct {
	Items []ItemRef `json:"Items"`
}

func (c *Client) queryItems(ctx context.Context, params url.Values) ([]ItemRef, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+"/Items?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncEmbyRequest("lookup", "error")
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		metrics.IncEmbyRequest("lookup", "error")
		return nil, fmt.Errorf("query items: status %d", res.StatusCode)
	}
	var p itemsResponse
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("query items: decode: %w", err)
	}
	metrics.IncEmbyRequest("lookup", "success")
	return p.Items, nil
}

// ItemByPath looks an item up by its exact on-disk path. The server's path
// filter is unreliable across versions, so matching happens client-side.
// Returns nil when the path is not indexed yet.
func (c *Client) ItemByPath(ctx context.Context, filePath string) (*ItemRef, error) {
	params := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie"},
		"Fields":           {"Path"},
	}
	if c.parentFolderID != "" {
		params.Set("ParentId", c.parentFolderID)
	}
	items, err := c.queryItems(ctx, params)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Path == filePath {
			return &items[i], nil
		}
	}
	return nil, nil
}

// ItemByFilename searches for an item whose path ends in filename, scoped to
// the parent folder. With no exact path suffix match the first search result
// is taken.
func (c *Client) ItemByFilename(ctx context.Context, filename string) (*ItemRef, error) {
	params := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Video"},
		"Fields":           {"Path"},
		"SearchTerm":       {filename},
	}
	if c.parentFolderID != "" {
		params.Set("ParentId", c.parentFolderID)
	}
	items, err := c.queryItems(ctx, params)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if strings.HasSuffix(items[i].Path, filename) {
			return &items[i], nil
		}
	}
	if len(items) > 0 {
		c.logger.Info().Str("filename", filename).Str("id", items[0].ID).
			Msg("no exact path match, using first search result")
		return &items[0], nil
	}
	return nil, nil
}

// WaitForItem polls for a moved file to appear in the index: an immediate
// try, then each wait in the schedule, then a filename search fallback.
// Returns ErrNotIndexed when the schedule is exhausted.
func (c *Client) WaitForItem(ctx context.Context, filePath string) (*ItemRef, error) {
	start := time.Now()
	item, err := c.ItemByPath(ctx, filePath)
	if err == nil && item != nil {
		return item, nil
	}

	for i, wait := range c.waits {
		c.logger.Info().Str("file", filePath).Int("attempt", i+1).Dur("wait", wait).
			Msg("item not indexed yet, waiting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		item, err = c.ItemByPath(ctx, filePath)
		if err == nil && item != nil {
			metrics.ObserveIndexWait(time.Since(start).Seconds())
			return item, nil
		}
	}

	filename := path.Base(filepathToSlash(filePath))
	c.logger.Info().Str("filename", filename).Msg("path polling exhausted, trying filename fallback")
	item, err = c.ItemByFilename(ctx, filename)
	if err != nil {
		return nil, err
	}
	if item != nil {
		metrics.ObserveIndexWait(time.Since(start).Seconds())
		return item, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotIndexed, filePath)
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// ItemDetails fetches the full item record as the server last stored it.
func (c *Client) ItemDetails(ctx context.Context, itemID string) (map[string]any, error) {
	var u string
	if c.userID != "" {
		u = fmt.Sprintf("%s/Users/%s/Items/%s", c.base, url.PathEscape(c.userID), url.PathEscape(itemID))
	} else {
		u = fmt.Sprintf("%s/Items/%s", c.base, url.PathEscape(itemID))
	}
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("item details %s: status %d", itemID, res.StatusCode)
	}
	var item map[string]any
	if err := json.NewDecoder(res.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("item details %s: decode: %w", itemID, err)
	}
	return item, nil
}

// UpdateMetadata merges a catalog record into the item's stored record and
// posts it back whole, locked against the server's own providers. The write
// is verified by reading the item back.
func (c *Client) UpdateMetadata(ctx context.Context, itemID string, rec *catalog.Record) error {
	item, err := c.ItemDetails(ctx, itemID)
	if err != nil {
		metrics.IncEmbyRequest("metadata", "error")
		return err
	}

	applyRecord(item, rec)

	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/Items/%s", c.base, url.PathEscape(itemID)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncEmbyRequest("metadata", "error")
		return fmt.Errorf("post metadata: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		metrics.IncEmbyRequest("metadata", "error")
		return fmt.Errorf("post metadata: status %d", res.StatusCode)
	}

	if err := c.verifyMetadata(ctx, itemID, item); err != nil {
		metrics.IncEmbyRequest("metadata", "error")
		return err
	}
	metrics.IncEmbyRequest("metadata", "success")
	c.logger.Info().Str("event", "emby.metadata").Str("item", itemID).Msg("metadata updated and verified")
	return nil
}

// verifyMetadata reads the item back after a short persistence pause and
// checks the fields the server is most prone to dropping.
func (c *Client) verifyMetadata(ctx context.Context, itemID string, want map[string]any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.verifyDelay):
	}

	got, err := c.ItemDetails(ctx, itemID)
	if err != nil {
		return fmt.Errorf("verify read-back: %w", err)
	}

	var mismatches []string
	for _, field := range []string{"Name", "OriginalTitle"} {
		wantVal, _ := want[field].(string)
		gotVal, _ := got[field].(string)
		if wantVal != "" && gotVal != wantVal {
			mismatches = append(mismatches, field)
		}
	}
	if locked, _ := got["LockData"].(bool); !locked {
		mismatches = append(mismatches, "LockData")
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("metadata verification failed for %s: %s", itemID, strings.Join(mismatches, ", "))
	}
	return nil
}

// applyRecord maps catalog fields onto an Emby item record. The display name
// always follows the file on disk, never the catalog title.
func applyRecord(item map[string]any, rec *catalog.Record) {
	if p, _ := item["Path"].(string); p != "" {
		base := path.Base(filepathToSlash(p))
		if ext := path.Ext(base); ext != "" {
			base = strings.TrimSuffix(base, ext)
		}
		item["Name"] = base
		item["SortName"] = base
		item["ForcedSortName"] = base
	}

	item["OriginalTitle"] = rec.OriginalTitle
	item["Overview"] = rec.Overview
	item["PreferredMetadataLanguage"] = "en"
	item["PreferredMetadataCountryCode"] = "JP"
	item["ProductionLocations"] = []string{"Japan"}
	item["ProviderIds"] = map[string]string{}
	item["LockData"] = true

	if rec.ReleaseDate != "" {
		item["PremiereDate"] = rec.ReleaseDate
		if year, err := strconv.Atoi(strings.SplitN(rec.ReleaseDate, "-", 2)[0]); err == nil {
			item["ProductionYear"] = year
		}
	}

	var people []map[string]string
	for _, name := range rec.Actress {
		if name = strings.TrimSpace(name); name != "" {
			people = append(people, map[string]string{"Name": name, "Type": "Actor"})
		}
	}
	if len(people) > 0 {
		item["People"] = people
	}

	var genres []map[string]string
	for _, g := range rec.Genre {
		genres = append(genres, map[string]string{"Name": g})
	}
	if len(genres) > 0 {
		item["GenreItems"] = genres
	}

	var studios []map[string]string
	for _, l := range strings.Split(rec.Label, ",") {
		if l = strings.TrimSpace(l); l != "" {
			studios = append(studios, map[string]string{"Name": l})
		}
	}
	if len(studios) > 0 {
		item["Studios"] = studios
	}
}
