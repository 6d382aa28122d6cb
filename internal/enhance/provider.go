package enhance

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read.
const MaxErrorBodySize = 1 * 1024 * 1024

// Provider is one remote enhancement backend. The request construction is
// provider-specific; the contract is uniform.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string

	// Available returns true when the provider is usable (credential
	// present where one is required).
	Available() bool

	// Enhance rewrites text under the given prompt and returns the
	// enhanced text.
	Enhance(ctx context.Context, text, prompt string) (string, error)
}

// ProviderConfig configures an HTTP provider.
type ProviderConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// statusError carries the HTTP status of a failed provider call so the
// client can tell transient failures from permanent ones.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return "provider returned status " + http.StatusText(e.status) + ": " + e.body
}

// baseProvider holds the pieces shared by the HTTP providers.
type baseProvider struct {
	name   string
	config ProviderConfig
	client *http.Client
}

func newBaseProvider(name string, cfg ProviderConfig, defaults ProviderConfig) baseProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.APIKey == "" {
		// Environment fallback, e.g. OPENAI_API_KEY.
		cfg.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
	}
	return baseProvider{
		name:   name,
		config: cfg,
		// Per-attempt deadlines come from the caller's context.
		client: &http.Client{},
	}
}

func (b *baseProvider) Name() string { return b.name }

func (b *baseProvider) Available() bool { return b.config.APIKey != "" }

// readLimitedBody reads up to maxBytes from r.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}
