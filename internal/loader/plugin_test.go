package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func countingPlugin(calls *int) PluginFunc {
	return func(resource string, req *Require, done func(any)) error {
		*calls++
		done("content:" + resource)
		return nil
	}
}

func TestPlugin_ResourceDedup(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	calls := 0
	if err := l.Define("text", []string{}, countingPlugin(&calls)); err != nil {
		t.Fatalf("Define() error = %v", err)
	}

	var got [][]any
	for i := 0; i < 2; i++ {
		if err := l.Global().Modules([]string{"text!foo.html"}, func(values []any) error {
			got = append(got, values)
			return nil
		}); err != nil {
			t.Fatalf("Modules() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("load called %d times, want 1", calls)
	}
	want := [][]any{{"content:foo.html"}, {"content:foo.html"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	m, ok := l.Module("*text!foo.html")
	if !ok || !m.Executed() {
		t.Fatalf("resource record missing or not executed")
	}
	if !l.Resolve("text").IsPlugin() {
		t.Error("text not marked as plugin")
	}
}

func TestPlugin_DeferredUntilPluginArrives(t *testing.T) {
	files := map[string]string{"lib/text.star": "text-plugin"}
	calls := 0
	scripts := map[string]script{
		"text-plugin": func(d Definer) error {
			return d.Define("", []string{}, countingPlugin(&calls))
		},
	}
	h := newFakeHost(files)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, scripts)

	var got []any
	if err := l.Global().Modules([]string{"text!a.txt", "text!b.txt"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("load called %d times before the plugin arrived", calls)
	}
	if n := h.fetchCount("lib/text.star"); n != 1 {
		t.Errorf("plugin fetched %d times, want 1", n)
	}
	if q := l.Queued(); len(q) == 0 || q[0] != "*text" {
		t.Errorf("Queued() = %v, want the plugin first", q)
	}

	h.deliver(t, "lib/text.star")
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("load called %d times, want 2", calls)
	}
	if diff := cmp.Diff([]any{"content:a.txt", "content:b.txt"}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestPlugin_SyncFetchesPluginFirst(t *testing.T) {
	files := map[string]string{
		"lib/text.star": "text-plugin",
		"lib/greeting":  "hello",
	}
	scripts := map[string]script{
		"text-plugin": func(d Definer) error {
			return d.Define("", []string{}, PluginFunc(func(resource string, req *Require, done func(any)) error {
				return req.Fetch(req.ToURL(resource, ""), func(text string, err error) error {
					if err != nil {
						return err
					}
					done(text)
					return nil
				})
			}))
		},
	}
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	got, err := l.Global().Module("text!greeting")
	if err != nil {
		t.Fatalf("Module() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("text!greeting = %v, want hello", got)
	}
}

func TestPlugin_CachedResource(t *testing.T) {
	calls := 0
	l := newTestLoader(t, &Config{Cache: map[string]any{"*text!x": "cached"}}, newFakeHost(nil), nil)
	if err := l.Define("text", []string{}, countingPlugin(&calls)); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	got, err := l.Global().Module("text!x")
	if err != nil || got != "cached" {
		t.Errorf("Module(text!x) = %v, %v; want cached", got, err)
	}
	if calls != 0 {
		t.Errorf("load called %d times for a cached resource", calls)
	}
}

func TestPlugin_ExportsLoad(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	err := l.Define("upper", []string{"exports"}, FactoryFunc(func(args []any) (any, error) {
		args[0].(*Exports).Set("load", PluginFunc(func(resource string, _ *Require, done func(any)) error {
			done(resource + "!")
			return nil
		}))
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	var got []any
	if err := l.Global().Modules([]string{"upper!go"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if diff := cmp.Diff([]any{"go!"}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestPlugin_ResourceTimeout(t *testing.T) {
	l := newTestLoader(t, &Config{Mode: ModeAsync, Timeout: 10 * time.Millisecond}, newFakeHost(nil), nil)
	never := PluginFunc(func(string, *Require, func(any)) error { return nil })
	if err := l.Define("never", []string{}, never); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	if err := l.Global().Modules([]string{"never!x"}, nil); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Wait(ctx)
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindTimeout {
		t.Fatalf("Wait() error = %v, want %s", err, KindTimeout)
	}
	if diff := cmp.Diff([]any{"*never!x"}, lerr.Details); diff != "" {
		t.Errorf("timeout details mismatch (-want +got):\n%s", diff)
	}
}
