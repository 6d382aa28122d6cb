// Package focus supplies the frontmost-application context the resolver
// keys on. Detection itself is external; this package only defines the
// contract and thin adapters over it.
package focus

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Context identifies what the user is focused on at recording start.
type Context struct {
	AppID string // bundle identifier or executable name
	URL   string // frontmost browser URL, empty when not a browser
}

// Source produces the current focus context on demand.
type Source interface {
	Current(ctx context.Context) (Context, error)
}

// Static always reports the same context. Useful for tests and for
// single-application setups.
type Static struct {
	App Context
}

func (s Static) Current(context.Context) (Context, error) {
	return s.App, nil
}

// Command shells out to a user-configured detector that prints the app
// identifier and, optionally, the URL on the first two lines of stdout.
type Command struct {
	Path string
	Args []string
}

func (c Command) Current(ctx context.Context) (Context, error) {
	out, err := exec.CommandContext(ctx, c.Path, c.Args...).Output()
	if err != nil {
		return Context{}, fmt.Errorf("focus detector: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(out)), "\n", 3)
	fc := Context{AppID: strings.TrimSpace(lines[0])}
	if len(lines) > 1 {
		fc.URL = strings.TrimSpace(lines[1])
	}
	if fc.AppID == "" {
		return Context{}, fmt.Errorf("focus detector returned no application")
	}
	return fc, nil
}
