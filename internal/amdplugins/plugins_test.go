package amdplugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/skyload/internal/host"
	"github.com/albertocavalcante/skyload/internal/loader"
	"github.com/albertocavalcante/skyload/internal/starlarkmod"
)

var files = map[string]string{
	"lib/notes.txt":   "hello\n",
	"lib/page.html":   "<?xml version='1.0' ?>\n<html><body class=\"x\">\n<p>hi</p>\n</body></html>",
	"lib/data.json":   `{"name": "skyload", "tags": ["a", "b"], "n": 3}`,
	"lib/broken.json": `{"name": `,
	"lib/app.star":    `define(["text!notes.txt", "json!data.json"], lambda notes, data: notes.strip() + "/" + data["name"])`,
}

func newLoader(t *testing.T, mode loader.Mode) *loader.Loader {
	t.Helper()
	l, err := loader.New(&loader.Config{BaseURL: "lib", Mode: mode},
		loader.WithHost(host.NewMemory(files)),
		loader.WithEvaluator(starlarkmod.New(starlarkmod.Options{})),
	)
	if err != nil {
		t.Fatalf("loader.New() error = %v", err)
	}
	Register(l)
	return l
}

func load(t *testing.T, l *loader.Loader, id string) (any, error) {
	t.Helper()
	var got any
	err := l.Global().Modules([]string{id}, func(values []any) error {
		got = starlarkmod.ToGo(values[0])
		return nil
	})
	if err == nil && l.Mode() == loader.ModeAsync {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.Wait(ctx)
	}
	return got, err
}

func TestPlugins(t *testing.T) {
	tests := []struct {
		id   string
		want any
	}{
		{id: "text!notes.txt", want: "hello\n"},
		{id: "text!page.html!strip", want: "<p>hi</p>\n"},
		{id: "json!data.json", want: map[string]any{"name": "skyload", "tags": []any{"a", "b"}, "n": int64(3)}},
		{id: "app", want: "hello/skyload"},
	}
	for _, mode := range []loader.Mode{loader.ModeSync, loader.ModeAsync} {
		for _, tt := range tests {
			t.Run(string(mode)+"/"+tt.id, func(t *testing.T) {
				got, err := load(t, newLoader(t, mode), tt.id)
				if err != nil {
					t.Fatalf("load(%s) error = %v", tt.id, err)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("load(%s) mismatch (-want +got):\n%s", tt.id, diff)
				}
			})
		}
	}
}

func TestPlugins_Errors(t *testing.T) {
	l := newLoader(t, loader.ModeSync)

	_, err := load(t, l, "text!missing.txt")
	if !errors.Is(err, host.ErrNotFound) {
		t.Errorf("load(text!missing.txt) error = %v, want ErrNotFound", err)
	}
	var lerr *loader.Error
	if !errors.As(err, &lerr) || lerr.Kind != loader.KindPluginLoad {
		t.Errorf("load(text!missing.txt) error = %v, want %s", err, loader.KindPluginLoad)
	}

	if _, err := load(t, l, "json!broken.json"); err == nil {
		t.Error("load(json!broken.json) succeeded")
	}
}

func TestStrip(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"<?xml version=\"1.0\"?>\n<svg/>", "\n<svg/>"},
		{"<html><BODY>\n  content\n</BODY></html>", "content\n"},
	}
	for _, tt := range tests {
		if got := Strip(tt.in); got != tt.want {
			t.Errorf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
