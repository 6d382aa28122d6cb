package enhance

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig configures retry, timeout, and rate limiting policy.
type ClientConfig struct {
	// RequestTimeout bounds each network attempt and is the backoff base.
	RequestTimeout time.Duration
	// MaxAttempts is the total number of network attempts per request.
	MaxAttempts int
	// MaxDelay caps the backoff delay between attempts.
	MaxDelay time.Duration
	// MinInterval is the minimum spacing between call starts to the same
	// provider. Calls arriving sooner are delayed, not rejected.
	MinInterval time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
		MaxDelay:       30 * time.Second,
		MinInterval:    1 * time.Second,
	}
}

// Client drives enhancement requests against registered providers.
type Client struct {
	config    ClientConfig
	providers map[string]Provider
	logger    zerolog.Logger

	// Per-provider last-call timestamps; the single critical section that
	// keeps near-simultaneous calls from both observing a stale value.
	mu       sync.Mutex
	lastCall map[string]time.Time
}

// NewClient creates an enhancement client.
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	defaults := DefaultClientConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MinInterval < 0 {
		config.MinInterval = 0
	}
	return &Client{
		config:    config,
		providers: make(map[string]Provider),
		logger:    logger.With().Str("component", "enhance").Logger(),
		lastCall:  make(map[string]time.Time),
	}
}

// Register adds a provider under its own name.
func (c *Client) Register(p Provider) {
	c.providers[p.Name()] = p
}

// Enhance runs one enhancement attempt end to end: fail-fast checks, rate
// limiting, then up to MaxAttempts network calls with exponential backoff.
// Caller cancellation surfaces as the context error, never as an *Error.
func (c *Client) Enhance(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(req.Text) == "" {
		return nil, &Error{Kind: KindEmptyText, Provider: req.Provider}
	}

	provider, ok := c.providers[req.Provider]
	if !ok || !provider.Available() {
		return nil, &Error{Kind: KindNotConfigured, Provider: req.Provider}
	}

	lastKind := KindTimeout
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.waitTurn(ctx, req.Provider); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		text, err := provider.Enhance(attemptCtx, req.Text, req.Prompt)
		cancel()

		if err == nil {
			c.logger.Debug().Str("provider", req.Provider).Int("attempt", attempt).Msg("Enhancement complete")
			return &Result{
				Text:     strings.TrimSpace(text),
				Provider: req.Provider,
				Attempts: attempt,
				Duration: time.Since(start),
			}, nil
		}

		// Caller cancellation is an outcome, not a failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind, transient := classify(err)
		if !transient {
			return nil, &Error{Kind: kind, Provider: req.Provider, Err: err}
		}

		lastKind = kind
		lastErr = err
		c.logger.Warn().Err(err).
			Str("provider", req.Provider).
			Int("attempt", attempt).
			Int("maxAttempts", c.config.MaxAttempts).
			Msg("Transient enhancement failure")
	}

	return nil, &Error{Kind: lastKind, Provider: req.Provider, Err: lastErr}
}

// backoff returns the delay before attempt n (1-indexed; the first retry is
// attempt 2): RequestTimeout x 2^(n-2), capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.RequestTimeout << (attempt - 2)
	if delay > c.config.MaxDelay || delay <= 0 {
		delay = c.config.MaxDelay
	}
	return delay
}

// waitTurn enforces MinInterval between call starts to the same provider.
// The next slot is reserved under the lock so concurrent callers queue up
// rather than racing on a stale timestamp.
func (c *Client) waitTurn(ctx context.Context, provider string) error {
	if c.config.MinInterval <= 0 {
		return nil
	}

	c.mu.Lock()
	now := time.Now()
	prev := c.lastCall[provider]
	next := prev.Add(c.config.MinInterval)
	if next.Before(now) {
		next = now
	}
	c.lastCall[provider] = next
	c.mu.Unlock()

	if err := c.sleep(ctx, time.Until(next)); err != nil {
		// The call never happened; give the slot back so the next caller
		// is not delayed by a phantom interval.
		c.mu.Lock()
		if c.lastCall[provider].Equal(next) {
			c.lastCall[provider] = prev
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// sleep waits for d or until ctx is cancelled.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps a provider error to a failure kind and whether it is worth
// retrying.
func classify(err error) (Kind, bool) {
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusTooManyRequests:
			return KindRateLimited, true
		case se.status >= 500:
			return KindTimeout, true
		default:
			return KindInvalidResponse, false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindTimeout, true
	}

	// Transport-level failures (connection refused, reset) arrive wrapped
	// in *url.Error; anything else is a malformed response.
	var ue *url.Error
	if errors.As(err, &ue) {
		return KindTimeout, true
	}

	return KindInvalidResponse, false
}
