// Package fetch wraps upstream HTTP access for playlists and segments and
// maps transport failures onto the download error taxonomy so retry policy
// can be decided by the caller.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"hls-vault/internal/domain"
)

// Client issues upstream GET requests with caller-supplied headers.
type Client struct {
	http *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient}
}

// Get fetches the full body of rawURL. HTTP 429 is returned as
// *domain.RateLimitedError with the server's Retry-After hint, 5xx and
// transport errors as *domain.TransientFetchError, and other non-2xx codes
// as plain errors that escalate straight to task failure.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientFetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, &domain.RateLimitedError{
			URL:        rawURL,
			RetryAfter: retryAfter(resp.Header),
		}
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &domain.TransientFetchError{
			URL: rawURL,
			Err: fmt.Errorf("upstream status %d", resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientFetchError{URL: rawURL, Err: err}
	}
	return body, nil
}

// retryAfter parses the Retry-After header, accepting both delta-seconds and
// HTTP-date forms. Zero means the server gave no usable hint.
func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
