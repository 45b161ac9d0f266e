// SPDX-License-Identifier: MIT

// Package catalog queries the metadata catalog service for movie records.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/embyq/embyq/internal/log"
	"github.com/embyq/embyq/internal/metrics"
)

// StringList tolerates both a JSON array and a comma-joined string on the
// wire, which the catalog emits interchangeably for genre-like fields.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*l = out
	return nil
}

// Record is one catalog hit. Raw preserves the response data object verbatim
// so the queue row can carry it through to the metadata writer.
type Record struct {
	MovieCode     string     `json:"movie_code"`
	Title         string     `json:"title"`
	Actress       StringList `json:"actress"`
	OriginalTitle string     `json:"original_title"`
	Overview      string     `json:"overview"`
	ReleaseDate   string     `json:"release_date"`
	Genre         StringList `json:"genre"`
	Maker         string     `json:"maker"`
	Label         string     `json:"label"`
	Series        string     `json:"series"`
	ImageCropped  string     `json:"image_cropped"`
	RawImageURL   string     `json:"raw_image_url"`

	Raw json.RawMessage `json:"-"`
}

// ImageURL returns the preferred artwork URL, cropped first.
func (r *Record) ImageURL() string {
	if r.ImageCropped != "" {
		return r.ImageCropped
	}
	return r.RawImageURL
}

// Client searches catalog sources in a configured priority order.
type Client struct {
	base    string
	token   string
	order   []string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New builds a catalog client. Requests across all workers share one rate
// limiter so retries cannot hammer the catalog.
func New(baseURL, token string, order []string) *Client {
	if len(order) == 0 {
		order = []string{"missav", "javguru"}
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		order:   order,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		logger:  log.WithComponent("catalog"),
	}
}

type searchResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// Search tries every source in order and returns the first hit. A full miss
// across all sources is retried once before giving up; (nil, nil) means no
// source knows the code. Only when every attempt failed at the transport
// level does Search return an error.
func (c *Client) Search(ctx context.Context, movieCode string) (*Record, error) {
	var lastErr error
	for pass := 0; pass < 2; pass++ {
		transportFailures := 0
		attempts := 0
		for _, source := range c.order {
			attempts++
			rec, err := c.postSearch(ctx, source, movieCode)
			if err != nil {
				transportFailures++
				lastErr = err
				c.logger.Warn().Err(err).
					Str("code", movieCode).Str("source", source).
					Msg("catalog request failed")
				metrics.IncCatalogRequest(source, "error")
				continue
			}
			if rec != nil {
				c.logger.Info().Str("code", movieCode).Str("source", source).Msg("metadata found")
				metrics.IncCatalogRequest(source, "hit")
				return rec, nil
			}
			c.logger.Info().Str("code", movieCode).Str("source", source).Msg("no result from source")
			metrics.IncCatalogRequest(source, "miss")
		}
		if attempts > 0 && transportFailures == attempts && pass == 1 {
			return nil, fmt.Errorf("all catalog sources unreachable: %w", lastErr)
		}
	}
	return nil, nil
}

func (c *Client) postSearch(ctx context.Context, source, movieCode string) (*Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"moviecode": movieCode})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/search", c.base, source)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// A source answering with an error status knows nothing useful
		// about the code; treat it as a miss and move on.
		c.logger.Warn().Str("code", movieCode).Str("source", source).
			Int("status", res.StatusCode).Msg("catalog source returned non-2xx")
		return nil, nil
	}

	var p searchResponse
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("catalog %s: decode: %w", source, err)
	}
	if !p.Success || len(p.Data) == 0 || string(p.Data) == "null" || string(p.Data) == "{}" {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(p.Data, &rec); err != nil {
		return nil, fmt.Errorf("catalog %s: decode data: %w", source, err)
	}
	rec.Raw = append(json.RawMessage(nil), p.Data...)
	return &rec, nil
}
