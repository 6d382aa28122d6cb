// Package profile resolves the effective enhancement settings for a session
// from the frontmost application and optional browser URL.
package profile

import (
	"net/url"
	"strings"

	"github.com/quillvoice/quill/internal/config"
)

// Resolved is the effective configuration for one session. It is immutable
// once produced.
type Resolved struct {
	Enhance  bool
	Provider string
	Prompt   string
	// MatchedOverride holds the URL pattern that won, empty when the app
	// profile or global default applied.
	MatchedOverride string
}

// Resolver resolves profiles by precedence: URL override under the app
// profile, then the app profile, then the global default. Resolution is pure
// and never fails; the global default always exists.
type Resolver struct {
	defaults config.Profile
	apps     map[string]config.AppConfig
}

// NewResolver creates a Resolver from the configured profiles.
func NewResolver(cfg config.ProfilesConfig) *Resolver {
	return &Resolver{
		defaults: cfg.Default,
		apps:     cfg.Apps,
	}
}

// Resolve returns the effective profile for the given application identifier
// and optional URL. rawURL may be empty.
func (r *Resolver) Resolve(appID, rawURL string) Resolved {
	app, ok := r.apps[appID]
	if !ok {
		return fromProfile(r.defaults, "")
	}

	if rawURL != "" {
		// First configured match wins, in configured order.
		for _, override := range app.URLs {
			if matchURL(override.Pattern, rawURL) {
				return fromProfile(override.Profile, override.Pattern)
			}
		}
	}

	return fromProfile(app.Profile, "")
}

func fromProfile(p config.Profile, matched string) Resolved {
	return Resolved{
		Enhance:         p.Enhance,
		Provider:        p.Provider,
		Prompt:          p.Prompt,
		MatchedOverride: matched,
	}
}

// matchURL reports whether candidate matches pattern. Scheme and host compare
// case-insensitively; the path compares by prefix. Patterns may omit the
// scheme and may carry a trailing "*" (redundant, prefix matching is implied).
func matchURL(pattern, candidate string) bool {
	pattern = strings.TrimSuffix(strings.TrimSpace(pattern), "*")
	if pattern == "" {
		return false
	}

	pScheme, pHost, pPath := splitPattern(pattern)

	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return false
	}

	if pScheme != "" && !strings.EqualFold(pScheme, u.Scheme) {
		return false
	}
	if !strings.EqualFold(pHost, u.Host) {
		return false
	}
	return strings.HasPrefix(u.Path, pPath)
}

// splitPattern breaks a pattern into scheme (optional), host, and path.
func splitPattern(pattern string) (scheme, host, path string) {
	rest := pattern
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i]
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		return scheme, rest[:i], rest[i:]
	}
	return scheme, rest, ""
}
