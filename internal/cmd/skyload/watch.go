package skyload

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/albertocavalcante/skyload/internal/cli"
)

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// watch reloads ids whenever a file under the session root changes and
// prints a unified diff of every value that changed. It returns when ctx is
// done.
func (s *session) watch(ctx context.Context, ids []string, values []any) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := addTree(fw, s.root); err != nil {
		return err
	}
	prev := snapshot(ids, values)
	s.log.Info("watching for changes", "dir", s.root)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// new directories are watched too
				_ = addTree(fw, event.Name)
			}
			diff, err := s.reload(ids, event.Name, prev)
			if err != nil {
				s.log.Error("reload failed", "file", event.Name, "err", err)
				continue
			}
			cli.Write(s.stdout, diff)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			s.log.Error("watch", "err", err)
		}
	}
}

// addTree watches root and every directory below it, skipping hidden ones.
func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// reload invalidates the records affected by a change to file, requests ids
// again and returns the diff against prev, which it updates. A file no record
// was loaded from yields no diff.
func (s *session) reload(ids []string, file string, prev map[string]string) (string, error) {
	if s.invalidate(file) == 0 {
		return "", nil
	}
	values, err := s.load(ids)
	if err != nil {
		return "", err
	}
	next := snapshot(ids, values)

	var b strings.Builder
	for _, id := range ids {
		if prev[id] == next[id] {
			continue
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(prev[id] + "\n"),
			B:        difflib.SplitLines(next[id] + "\n"),
			FromFile: id + " (before)",
			ToFile:   id + " (after)",
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diffing %s: %w", id, err)
		}
		if s.color {
			text = colorize(text)
		}
		b.WriteString(text)
		prev[id] = next[id]
	}
	return b.String(), nil
}

// invalidate drops every record loaded from file, and then every record
// depending on one dropped. Plugin resources carry no location, so a change
// to a file no module came from drops all of them. It returns the number of
// records dropped.
func (s *session) invalidate(file string) int {
	changed := make(map[string]bool)
	modules := s.l.Modules()
	for _, m := range modules {
		if m.URL != "" && s.samePath(m.URL, file) {
			changed[m.PQN] = true
		}
	}
	if len(changed) == 0 {
		for _, m := range modules {
			if m.Plugin() != nil {
				changed[m.PQN] = true
			}
		}
	}
	for grew := len(changed) > 0; grew; {
		grew = false
		for _, m := range modules {
			if changed[m.PQN] {
				continue
			}
			for _, d := range m.Deps {
				if changed[d.PQN] {
					changed[m.PQN] = true
					grew = true
					break
				}
			}
		}
	}
	for pqn := range changed {
		s.l.Invalidate(pqn)
	}
	if len(changed) > 0 {
		s.log.Debug("invalidated", "file", file, "modules", len(changed))
	}
	return len(changed)
}

// samePath reports whether a module location names file.
func (s *session) samePath(url, file string) bool {
	if strings.Contains(url, "://") && !strings.HasPrefix(url, "file://") {
		return false
	}
	url = filepath.FromSlash(strings.TrimPrefix(url, "file://"))
	if !filepath.IsAbs(url) {
		url = filepath.Join(s.root, url)
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(s.root, file)
	}
	return filepath.Clean(url) == filepath.Clean(file)
}

func snapshot(ids []string, values []any) map[string]string {
	out := make(map[string]string, len(ids))
	for i, id := range ids {
		out[id] = formatValue(values[i], "  ")
	}
	return out
}

func colorize(diff string) string {
	lines := strings.SplitAfter(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			lines[i] = ansiGreen + strings.TrimSuffix(line, "\n") + ansiReset + "\n"
		case strings.HasPrefix(line, "-"):
			lines[i] = ansiRed + strings.TrimSuffix(line, "\n") + ansiReset + "\n"
		}
	}
	return strings.Join(lines, "")
}
