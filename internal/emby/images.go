// SPDX-License-Identifier: MIT
package emby

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/embyq/embyq/internal/metrics"
)

// W800URL rewrites an artwork URL to request the 800px-wide variant: the
// `w` query parameter is forced to 800 and `horizontal` is dropped.
func W800URL(imageURL string) string {
	u, err := url.Parse(imageURL)
	if err != nil {
		return imageURL
	}
	q := u.Query()
	q.Set("w", "800")
	q.Del("horizontal")
	u.RawQuery = q.Encode()
	return u.String()
}

// DownloadImage fetches artwork bytes. Some media-crop endpoints return the
// image with HTTP 404, so any non-empty image/* body is accepted regardless
// of status.
func (c *Client) DownloadImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, "", fmt.Errorf("empty image URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	contentType := res.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "image/") && len(data) > 0 {
		return data, contentType, nil
	}
	if res.StatusCode >= 400 {
		return nil, "", fmt.Errorf("download image: status %d without image data", res.StatusCode)
	}
	return nil, "", fmt.Errorf("download image: unexpected content type %q", contentType)
}

// DeleteImage removes one image slot from an item. A 404 means the slot was
// already empty and counts as success.
func (c *Client) DeleteImage(ctx context.Context, itemID, imageType string, index int) error {
	u := fmt.Sprintf("%s/Items/%s/Images/%s/%d",
		c.base, url.PathEscape(itemID), url.PathEscape(imageType), index)
	req, err := c.newRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s image: %w", imageType, err)
	}
	defer func() { _ = res.Body.Close() }()
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("delete %s image: status %d", imageType, res.StatusCode)
}

// UploadImage posts raw artwork bytes into an item's image slot. This
// endpoint only accepts the api_key query parameter, not the token header.
func (c *Client) UploadImage(ctx context.Context, itemID, imageType string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	u := fmt.Sprintf("%s/Items/%s/Images/%s?api_key=%s",
		c.base, url.PathEscape(itemID), url.PathEscape(imageType), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	res, err := c.http.Do(req)
	if err != nil {
		metrics.IncEmbyRequest("image", "error")
		return fmt.Errorf("upload %s image: %w", imageType, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		metrics.IncEmbyRequest("image", "error")
		return fmt.Errorf("upload %s image: status %d", imageType, res.StatusCode)
	}
	metrics.IncEmbyRequest("image", "success")
	return nil
}

// UploadItemImages refreshes an item's artwork from a source URL: the
// original image becomes Primary, the 800px variant becomes Backdrop and
// Banner. Each slot is cleared before upload. Individual failures are logged
// and skipped; the pipeline never blocks on artwork.
func (c *Client) UploadItemImages(ctx context.Context, itemID, imageURL string) {
	if imageURL == "" {
		c.logger.Warn().Str("item", itemID).Msg("no image URL, skipping artwork")
		return
	}
	logger := c.logger.With().Str("item", itemID).Logger()

	original, originalType, err := c.DownloadImage(ctx, imageURL)
	if err != nil {
		logger.Warn().Err(err).Msg("could not download primary artwork")
	} else {
		if err := c.DeleteImage(ctx, itemID, "Primary", 0); err != nil {
			logger.Warn().Err(err).Msg("could not clear Primary slot")
		}
		if err := c.UploadImage(ctx, itemID, "Primary", original, originalType); err != nil {
			logger.Warn().Err(err).Msg("Primary upload failed")
		}
	}

	w800, w800Type, err := c.DownloadImage(ctx, W800URL(imageURL))
	if err != nil {
		logger.Warn().Err(err).Msg("could not download w800 artwork")
		return
	}
	for i := 0; i < backdropSlots; i++ {
		if err := c.DeleteImage(ctx, itemID, "Backdrop", i); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("could not clear Backdrop slot")
		}
	}
	if err := c.UploadImage(ctx, itemID, "Backdrop", w800, w800Type); err != nil {
		logger.Warn().Err(err).Msg("Backdrop upload failed")
	}
	if err := c.DeleteImage(ctx, itemID, "Banner", 0); err != nil {
		logger.Warn().Err(err).Msg("could not clear Banner slot")
	}
	if err := c.UploadImage(ctx, itemID, "Banner", w800, w800Type); err != nil {
		logger.Warn().Err(err).Msg("Banner upload failed")
	}
}
