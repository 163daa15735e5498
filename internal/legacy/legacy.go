// Package legacy adapts the dotted-name require/provide API onto the loader.
//
// Names use dots as separators ("app.widgets.Button") and map onto module
// ids by replacing every dot with a slash. A required module is loaded and
// executed inline whenever the loader can fetch it synchronously; otherwise
// it is requested and ErrNotReady is returned until it arrives.
package legacy

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/albertocavalcante/skyload/internal/loader"
)

// Shim is the legacy API bound to one loader.
type Shim struct {
	l        *loader.Loader
	platform string
}

// New returns a shim over l. platform selects the entry PlatformRequire
// uses; it defaults to runtime.GOOS.
func New(l *loader.Loader, platform string) *Shim {
	if platform == "" {
		platform = runtime.GOOS
	}
	return &Shim{l: l, platform: platform}
}

// Platform returns the platform name used by PlatformRequire.
func (s *Shim) Platform() string {
	return s.platform
}

// SlashName converts a dotted legacy name to a module id.
func SlashName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// Require returns the value of the module called name. Modules on another
// host than the base location are only requested.
func (s *Shim) Require(name string) (any, error) {
	id := SlashName(name)
	g := s.l.Global()
	if v, err := g.Module(id); err == nil {
		return v, nil
	}
	if s.crossDomain(id) {
		if err := g.Modules([]string{id}, nil); err != nil {
			return nil, err
		}
		return g.Module(id)
	}
	return s.l.Acquire(id)
}

// RequireIf requires name when cond holds and returns nil otherwise.
func (s *Shim) RequireIf(cond bool, name string) (any, error) {
	if !cond {
		return nil, nil
	}
	return s.Require(name)
}

// PlatformRequire requires every name under "common" followed by the names
// for the shim's platform, or the "default" names when the platform has no
// entry.
func (s *Shim) PlatformRequire(names map[string][]string) error {
	list := append([]string(nil), names["common"]...)
	if p, ok := names[s.platform]; ok {
		list = append(list, p...)
	} else {
		list = append(list, names["default"]...)
	}
	for _, name := range list {
		if _, err := s.Require(name); err != nil {
			return fmt.Errorf("platform require %s: %w", name, err)
		}
	}
	return nil
}

// Provide registers name as executed and returns its value. A nil value is
// replaced by an empty exports object so callers can hang members off it.
func (s *Shim) Provide(name string, value any) any {
	if value == nil {
		value = loader.NewExports()
	}
	return s.l.Provide(SlashName(name), value).Result
}

// GetText fetches url synchronously, whatever the loader's mode.
func (s *Shim) GetText(ctx context.Context, url string) (string, error) {
	h := s.l.Host()
	if h == nil {
		return "", loader.ErrNoHost
	}
	return h.FetchText(ctx, url)
}

func (s *Shim) crossDomain(id string) bool {
	return crossDomain(s.l.BaseURL(), s.l.ToURL(id, ""))
}

// crossDomain reports whether target names a host other than base's.
// Relative targets never do.
func crossDomain(base, target string) bool {
	t, err := url.Parse(target)
	if err != nil || t.Host == "" {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return true
	}
	return !strings.EqualFold(b.Scheme, t.Scheme) || !strings.EqualFold(b.Host, t.Host)
}
