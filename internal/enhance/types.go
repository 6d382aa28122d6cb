// Package enhance sends transcripts to remote AI providers for cleanup,
// with per-provider rate limiting, timeouts, and retry with exponential
// backoff. Enhancement failures are always non-fatal to the session.
package enhance

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies enhancement failures.
type Kind string

const (
	// KindNotConfigured: the provider needs a credential and has none. No
	// network call is made.
	KindNotConfigured Kind = "not_configured"
	// KindEmptyText: the transcript is empty or whitespace-only. No network
	// call is made.
	KindEmptyText Kind = "empty_text"
	// KindInvalidResponse: non-retryable provider failure (4xx other than
	// rate limiting, or a malformed response body).
	KindInvalidResponse Kind = "invalid_response"
	// KindTimeout: retries exhausted on timeouts or connection errors.
	KindTimeout Kind = "timeout"
	// KindRateLimited: retries exhausted with the provider still throttling.
	KindRateLimited Kind = "rate_limited"
)

// Error is a typed enhancement failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enhance via %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("enhance via %s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error, empty when err is not an
// enhancement Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Request is one enhancement attempt's input: the raw transcript plus the
// resolved prompt text and provider identity.
type Request struct {
	Text     string
	Prompt   string
	Provider string
}

// Result is the normalized outcome across providers.
type Result struct {
	Text     string
	Provider string
	Attempts int
	Duration time.Duration
}
