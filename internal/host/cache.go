package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Cache keeps fetched text on disk in front of another host. Entries are
// keyed by location and shared between processes; writes are serialized by a
// lock file in the cache directory.
type Cache struct {
	Dir  string
	Next Host
}

// NewCache returns a cache storing entries under dir.
func NewCache(dir string, next Host) *Cache {
	return &Cache{Dir: dir, Next: next}
}

// DefaultCacheDir returns the per-user cache directory, honouring
// SKYLOAD_CACHE_DIR.
func DefaultCacheDir() (string, error) {
	if override := os.Getenv("SKYLOAD_CACHE_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache dir: %w", err)
	}
	return filepath.Join(base, "skyload"), nil
}

// Path returns the file an entry for url is stored in.
func (c *Cache) Path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:]))
}

// LockFile returns the path to the lock file.
func (c *Cache) LockFile() string {
	return filepath.Join(c.Dir, "lock")
}

func (c *Cache) lookup(url string) (string, bool) {
	data, err := os.ReadFile(c.Path(url))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (c *Cache) store(url, text string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	fileLock := flock.New(c.LockFile())
	if err := fileLock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fileLock.Unlock() }()

	tmp := c.Path(url) + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return os.Rename(tmp, c.Path(url))
}

// Purge removes every entry.
func (c *Cache) Purge() error {
	fileLock := flock.New(c.LockFile())
	if err := fileLock.Lock(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fileLock.Unlock() }()

	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "lock" {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, e.Name())); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
	}
	return nil
}

// FetchText implements Host.
func (c *Cache) FetchText(ctx context.Context, url string) (string, error) {
	if text, ok := c.lookup(url); ok {
		return text, nil
	}
	text, err := c.Next.FetchText(ctx, url)
	if err != nil {
		return "", err
	}
	if err := c.store(url, text); err != nil {
		return "", err
	}
	return text, nil
}

// InjectAsync implements Host.
func (c *Cache) InjectAsync(ctx context.Context, url string, done func(string, error)) {
	if text, ok := c.lookup(url); ok {
		go done(text, nil)
		return
	}
	c.Next.InjectAsync(ctx, url, func(text string, err error) {
		if err == nil {
			err = c.store(url, text)
		}
		done(text, err)
	})
}
