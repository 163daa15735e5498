// Package host provides the resource hosts the module loader fetches module
// text through: the local filesystem, HTTP, an in-memory table, a scheme
// multiplexer and an on-disk cache in front of any of them.
//
// Every host offers a blocking FetchText and an InjectAsync that runs the
// fetch on its own goroutine and reports the outcome exactly once.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned for resources a host does not have.
var ErrNotFound = errors.New("resource not found")

// Host is the capability the loader needs from its environment.
type Host interface {
	FetchText(ctx context.Context, url string) (string, error)
	InjectAsync(ctx context.Context, url string, done func(text string, err error))
}

// fetchFunc is the blocking half of a host.
type fetchFunc func(ctx context.Context, url string) (string, error)

// goAsync runs fetch on a goroutine and hands the result to done.
func goAsync(ctx context.Context, fetch fetchFunc, url string, done func(string, error)) {
	go func() {
		text, err := fetch(ctx, url)
		done(text, err)
	}()
}

// FS serves resources from the local filesystem. Relative locations are
// resolved against Root.
type FS struct {
	Root string
}

// NewFS returns a filesystem host rooted at root.
func NewFS(root string) *FS {
	return &FS{Root: root}
}

// FetchText implements Host.
func (f *FS) FetchText(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := strings.TrimPrefix(url, "file://")
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, filepath.FromSlash(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", url, ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(data), nil
}

// InjectAsync implements Host.
func (f *FS) InjectAsync(ctx context.Context, url string, done func(string, error)) {
	goAsync(ctx, f.FetchText, url, done)
}

// Memory serves resources from a map. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemory returns a memory host holding files.
func NewMemory(files map[string]string) *Memory {
	m := &Memory{files: make(map[string]string, len(files))}
	for url, text := range files {
		m.files[url] = text
	}
	return m
}

// Set stores text at url.
func (m *Memory) Set(url, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[url] = text
}

// Delete removes url.
func (m *Memory) Delete(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, url)
}

// FetchText implements Host.
func (m *Memory) FetchText(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.files[url]
	if !ok {
		return "", fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	return text, nil
}

// InjectAsync implements Host.
func (m *Memory) InjectAsync(ctx context.Context, url string, done func(string, error)) {
	goAsync(ctx, m.FetchText, url, done)
}

// Mux routes each location to a host by its scheme. Locations without a
// scheme go to the default host.
type Mux struct {
	routes   map[string]Host
	fallback Host
}

// NewMux returns a multiplexer sending scheme-less locations to fallback.
func NewMux(fallback Host) *Mux {
	return &Mux{routes: make(map[string]Host), fallback: fallback}
}

// Handle routes locations with the given scheme, such as "https", to h.
func (m *Mux) Handle(scheme string, h Host) {
	m.routes[scheme] = h
}

func (m *Mux) route(url string) (Host, error) {
	if scheme, _, ok := strings.Cut(url, "://"); ok {
		if h, ok := m.routes[scheme]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("%s: no host for scheme %q", url, scheme)
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("%s: no default host", url)
	}
	return m.fallback, nil
}

// FetchText implements Host.
func (m *Mux) FetchText(ctx context.Context, url string) (string, error) {
	h, err := m.route(url)
	if err != nil {
		return "", err
	}
	return h.FetchText(ctx, url)
}

// InjectAsync implements Host.
func (m *Mux) InjectAsync(ctx context.Context, url string, done func(string, error)) {
	h, err := m.route(url)
	if err != nil {
		go done("", err)
		return
	}
	h.InjectAsync(ctx, url, done)
}
