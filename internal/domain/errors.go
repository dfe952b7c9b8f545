package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotDownloaded is returned when playback is requested for a key that
	// has no completed download.
	ErrNotDownloaded = errors.New("content is not downloaded")

	// ErrIncompleteStore is returned when a store that claims completion
	// fails re-verification (missing or partially deleted segment files).
	ErrIncompleteStore = errors.New("stored content failed completeness check")
)

// PlaylistError reports an empty or unparseable playlist body.
type PlaylistError struct {
	URL    string
	Reason string
}

func (e *PlaylistError) Error() string {
	return fmt.Sprintf("playlist %s: %s", e.URL, e.Reason)
}

// VariantNotFoundError reports a master playlist that yields no usable media
// variant, even as a fallback.
type VariantNotFoundError struct {
	URL  string
	Hint string
}

func (e *VariantNotFoundError) Error() string {
	return fmt.Sprintf("master playlist %s has no usable variant for %q", e.URL, e.Hint)
}

// RateLimitedError is an HTTP 429 response, carrying the server's
// Retry-After hint when present. Retried internally with enforced backoff.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited fetching %s (retry after %s)", e.URL, e.RetryAfter)
}

// TransientFetchError covers timeouts and 5xx responses, retryable with
// exponential backoff up to the configured ceiling.
type TransientFetchError struct {
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }
