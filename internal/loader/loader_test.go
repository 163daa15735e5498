package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// script stands in for module source text in tests.
type script func(d Definer) error

// fakeHost serves files from a map. In manual mode asynchronous requests are
// held until deliver is called; otherwise they complete on a goroutine.
type fakeHost struct {
	mu      sync.Mutex
	files   map[string]string
	fetched []string
	manual  bool
	pending map[string]func(string, error)
}

func newFakeHost(files map[string]string) *fakeHost {
	return &fakeHost{files: files, pending: make(map[string]func(string, error))}
}

func (h *fakeHost) lookup(url string) (string, error) {
	text, ok := h.files[url]
	if !ok {
		return "", fmt.Errorf("fetch %s: %w", url, fs.ErrNotExist)
	}
	return text, nil
}

func (h *fakeHost) FetchText(_ context.Context, url string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetched = append(h.fetched, url)
	return h.lookup(url)
}

func (h *fakeHost) InjectAsync(_ context.Context, url string, done func(string, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetched = append(h.fetched, url)
	if h.manual {
		h.pending[url] = done
		return
	}
	text, err := h.lookup(url)
	go done(text, err)
}

func (h *fakeHost) deliver(t *testing.T, url string) {
	t.Helper()
	h.mu.Lock()
	done, ok := h.pending[url]
	delete(h.pending, url)
	text, err := h.lookup(url)
	h.mu.Unlock()
	if !ok {
		t.Fatalf("deliver(%q): not requested", url)
	}
	done(text, err)
}

func (h *fakeHost) fetchCount(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, u := range h.fetched {
		if u == url {
			n++
		}
	}
	return n
}

// scriptEval evaluates source text by looking it up in scripts.
func scriptEval(scripts map[string]script) Evaluator {
	return EvaluatorFunc(func(d Definer, src Source) error {
		s, ok := scripts[src.Text]
		if !ok {
			return fmt.Errorf("%s: unknown script %q", src.Name, src.Text)
		}
		return s(d)
	})
}

func newTestLoader(t *testing.T, cfg *Config, h Host, scripts map[string]script, opts ...Option) *Loader {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "lib/"
	}
	opts = append([]Option{WithHost(h), WithEvaluator(scriptEval(scripts))}, opts...)
	l, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

// chainScripts is m1 -> m2, where m2 is the literal 42.
func chainScripts() (map[string]string, map[string]script) {
	files := map[string]string{
		"lib/m1.star": "m1",
		"lib/m2.star": "m2",
	}
	scripts := map[string]script{
		"m1": func(d Definer) error {
			return d.Define("", []string{"m2"}, FactoryFunc(func(args []any) (any, error) {
				return map[string]any{"dependsOn": args[0]}, nil
			}))
		},
		"m2": func(d Definer) error {
			return d.Define("", []string{}, 42)
		},
	}
	return files, scripts
}

func TestEndToEnd_Sync(t *testing.T) {
	files, scripts := chainScripts()
	h := newFakeHost(files)
	l := newTestLoader(t, nil, h, scripts)

	var got []any
	err := l.Global().Modules([]string{"m1"}, func(values []any) error {
		got = values
		return nil
	})
	if err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	want := []any{map[string]any{"dependsOn": 42}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("callback values mismatch (-want +got):\n%s", diff)
	}
	if !l.Complete() {
		t.Errorf("Complete() = false after synchronous request; queued %v waiting %v", l.Queued(), l.Waiting())
	}
	m2, ok := l.Module("*m2")
	if !ok {
		t.Fatal("*m2 not registered")
	}
	m1, _ := l.Module("*m1")
	if m2.EvalOrder >= m1.EvalOrder {
		t.Errorf("EvalOrder m2 = %d, m1 = %d; want m2 before m1", m2.EvalOrder, m1.EvalOrder)
	}
}

func TestEndToEnd_AsyncManual(t *testing.T) {
	files, scripts := chainScripts()
	h := newFakeHost(files)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, scripts)

	var got []any
	called := 0
	err := l.Global().Modules([]string{"m1"}, func(values []any) error {
		called++
		got = values
		return nil
	})
	if err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if diff := cmp.Diff([]string{"*m1"}, l.Waiting()); diff != "" {
		t.Errorf("Waiting() mismatch (-want +got):\n%s", diff)
	}

	h.deliver(t, "lib/m1.star")
	if err := l.Pump(); err != nil {
		t.Fatalf("Pump() error = %v", err)
	}
	if called != 0 {
		t.Fatal("callback ran before m2 arrived")
	}
	if diff := cmp.Diff([]string{"*m2"}, l.Waiting()); diff != "" {
		t.Errorf("Waiting() mismatch (-want +got):\n%s", diff)
	}
	if m1, _ := l.Module("*m1"); m1.State() != Arrived {
		t.Errorf("m1 state = %v, want arrived", m1.State())
	}

	h.deliver(t, "lib/m2.star")
	if err := l.Pump(); err != nil {
		t.Fatalf("Pump() error = %v", err)
	}
	if called != 1 {
		t.Fatalf("callback ran %d times, want 1", called)
	}
	if diff := cmp.Diff([]any{map[string]any{"dependsOn": 42}}, got); diff != "" {
		t.Errorf("callback values mismatch (-want +got):\n%s", diff)
	}
	if !l.Complete() {
		t.Error("Complete() = false after all arrivals")
	}
}

func TestEndToEnd_AsyncWait(t *testing.T) {
	files, scripts := chainScripts()
	l := newTestLoader(t, &Config{Mode: ModeAsync}, newFakeHost(files), scripts)

	var got []any
	if err := l.Global().Modules([]string{"m1", "m2"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := []any{map[string]any{"dependsOn": 42}, 42}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("callback values mismatch (-want +got):\n%s", diff)
	}
}

func TestOrdering_ArrivalOrderIndependent(t *testing.T) {
	files := map[string]string{"lib/x.star": "x", "lib/y.star": "y", "lib/z.star": "z"}
	scripts := map[string]script{}
	for _, name := range []string{"x", "y", "z"} {
		name := name
		scripts[name] = func(d Definer) error { return d.Define("", []string{}, name+"-value") }
	}
	h := newFakeHost(files)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, scripts)

	var got []any
	if err := l.Global().Modules([]string{"x", "y", "z"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	for _, url := range []string{"lib/z.star", "lib/y.star", "lib/x.star"} {
		h.deliver(t, url)
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := []any{"x-value", "y-value", "z-value"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("callback values mismatch (-want +got):\n%s", diff)
	}
}

func TestExecution_Idempotent(t *testing.T) {
	runs := 0
	files := map[string]string{"lib/a.star": "a", "lib/b.star": "b", "lib/c.star": "c"}
	scripts := map[string]script{
		"a": func(d Definer) error {
			return d.Define("", []string{"c"}, FactoryFunc(func(args []any) (any, error) { return args[0], nil }))
		},
		"b": func(d Definer) error {
			return d.Define("", []string{"c"}, FactoryFunc(func(args []any) (any, error) { return args[0], nil }))
		},
		"c": func(d Definer) error {
			return d.Define("", []string{}, FactoryFunc(func([]any) (any, error) {
				runs++
				return "c", nil
			}))
		},
	}
	h := newFakeHost(files)
	l := newTestLoader(t, nil, h, scripts)

	for i := 0; i < 2; i++ {
		if err := l.Global().Modules([]string{"a", "b", "c"}, nil); err != nil {
			t.Fatalf("Modules() error = %v", err)
		}
	}
	if runs != 1 {
		t.Errorf("factory of c ran %d times, want 1", runs)
	}
	if n := h.fetchCount("lib/c.star"); n != 1 {
		t.Errorf("c fetched %d times, want 1", n)
	}
}

func TestExecution_Cycle(t *testing.T) {
	var (
		seenA    any
		seenALen int
	)
	files := map[string]string{"lib/a.star": "a", "lib/b.star": "b"}
	scripts := map[string]script{
		"a": func(d Definer) error {
			return d.Define("", []string{"b", "exports"}, FactoryFunc(func(args []any) (any, error) {
				args[1].(*Exports).Set("name", "a")
				args[1].(*Exports).Set("b", args[0])
				return nil, nil
			}))
		},
		"b": func(d Definer) error {
			return d.Define("", []string{"a", "exports"}, FactoryFunc(func(args []any) (any, error) {
				seenA = args[0]
				seenALen = args[0].(*Exports).Len()
				args[1].(*Exports).Set("name", "b")
				return nil, nil
			}))
		},
	}
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	var got []any
	if err := l.Global().Modules([]string{"a"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	a, ok := got[0].(*Exports)
	if !ok {
		t.Fatalf("a = %T, want *Exports", got[0])
	}
	if seenA != a {
		t.Error("b did not receive a's exports object")
	}
	if seenALen != 0 {
		t.Errorf("a's exports had %d entries while b ran, want 0", seenALen)
	}
	if name, _ := a.Get("name"); name != "a" {
		t.Errorf("a.name = %v, want a", name)
	}
	b, _ := a.Get("b")
	if name, _ := b.(*Exports).Get("name"); name != "b" {
		t.Errorf("b.name = %v, want b", name)
	}
}

func TestExecution_Sentinels(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)

	var (
		req *Require
		mod *Module
	)
	err := l.Define("app/r", nil, FactoryFunc(func(args []any) (any, error) {
		req = args[0].(*Require)
		mod = args[2].(*Module)
		mod.SetExports("replaced")
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	if err := l.Global().Modules([]string{"app/r"}, nil); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	m, _ := l.Module("*app/r")
	if m.Result != "replaced" {
		t.Errorf("Result = %v, want replaced", m.Result)
	}
	if mod != m {
		t.Error("module sentinel did not yield the record itself")
	}
	if req.Ref() != m {
		t.Error("require sentinel not scoped to the module")
	}
	if got := req.ToAbsID("./x"); got != "app/x" {
		t.Errorf("ToAbsID(./x) = %q, want app/x", got)
	}
	if got := req.ToURL("./x.txt", ""); got != "lib/app/x.txt" {
		t.Errorf("ToURL(./x.txt) = %q, want lib/app/x.txt", got)
	}
	if got := l.Global().ToAbsID("./x"); got != "./x" {
		t.Errorf("global ToAbsID(./x) = %q, want ./x", got)
	}
}

func TestDefine_NamedInBundle(t *testing.T) {
	addOne := FactoryFunc(func(args []any) (any, error) {
		return args[0].(int) + 1, nil
	})
	tests := []struct {
		name   string
		script script
		want   int
	}{
		{
			name: "dependency first",
			script: func(d Definer) error {
				if err := d.Define("b/one", []string{}, 1); err != nil {
					return err
				}
				return d.Define("", []string{"b/one"}, addOne)
			},
			want: 2,
		},
		{
			name: "dependency defined later",
			script: func(d Definer) error {
				if err := d.Define("b/two", []string{"b/one"}, addOne); err != nil {
					return err
				}
				if err := d.Define("b/one", []string{}, 1); err != nil {
					return err
				}
				return d.Define("", []string{"b/two"}, FactoryFunc(func(args []any) (any, error) {
					return args[0].(int) * 10, nil
				}))
			},
			want: 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{"lib/bundle.star": "bundle"}
			h := newFakeHost(files)
			l := newTestLoader(t, nil, h, map[string]script{"bundle": tt.script})

			got, err := l.Acquire("bundle")
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("bundle = %v, want %d", got, tt.want)
			}
			for _, url := range []string{"lib/b/one.star", "lib/b/two.star"} {
				if n := h.fetchCount(url); n != 0 {
					t.Errorf("%s fetched %d times, want 0", url, n)
				}
			}
		})
	}
}

func TestNonModule(t *testing.T) {
	files := map[string]string{"lib/plain.star": "plain"}
	scripts := map[string]script{"plain": func(Definer) error { return nil }}
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	var got []any
	if err := l.Global().Modules([]string{"plain"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if got[0] != NonModule {
		t.Errorf("plain = %v, want NonModule", got[0])
	}
	m, _ := l.Module("*plain")
	if !m.IsNonModule() || m.State() != Executed {
		t.Errorf("plain: IsNonModule = %v, State = %v", m.IsNonModule(), m.State())
	}
}

func TestCache(t *testing.T) {
	scripts := map[string]script{
		"cached": func(d Definer) error { return d.Define("", []string{}, "from-text") },
	}
	cfg := &Config{Cache: map[string]any{
		"*c/text": "cached",
		"*c/func": func(d Definer) error { return d.Define("", []string{}, "from-func") },
		"*c/lit":  7,
	}}
	h := newFakeHost(nil)
	l := newTestLoader(t, cfg, h, scripts)

	var got []any
	if err := l.Global().Modules([]string{"c/text", "c/func", "c/lit"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if diff := cmp.Diff([]any{"from-text", "from-func", 7}, got); diff != "" {
		t.Errorf("cached values mismatch (-want +got):\n%s", diff)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.fetched) != 0 {
		t.Errorf("fetched %v, want nothing", h.fetched)
	}
}

func TestUndef(t *testing.T) {
	runs := 0
	files := map[string]string{"lib/m.star": "m"}
	scripts := map[string]script{
		"m": func(d Definer) error {
			return d.Define("", []string{}, FactoryFunc(func([]any) (any, error) {
				runs++
				return runs, nil
			}))
		},
	}
	h := newFakeHost(files)
	l := newTestLoader(t, nil, h, scripts)

	first, err := l.Acquire("m")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	l.Undef("m")
	if _, ok := l.Module("*m"); ok {
		t.Fatal("*m still registered after Undef")
	}
	second, err := l.Acquire("m")
	if err != nil {
		t.Fatalf("Acquire() after Undef error = %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("values = %v, %v; want 1, 2", first, second)
	}
	if n := h.fetchCount("lib/m.star"); n != 2 {
		t.Errorf("fetched %d times, want 2", n)
	}
}

func TestProvideAcquire(t *testing.T) {
	files, scripts := chainScripts()
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	l.Provide("legacy/a", "provided")
	got, err := l.Acquire("legacy/a")
	if err != nil || got != "provided" {
		t.Errorf("Acquire(legacy/a) = %v, %v; want provided", got, err)
	}
	got, err = l.Acquire("m2")
	if err != nil || got != 42 {
		t.Errorf("Acquire(m2) = %v, %v; want 42", got, err)
	}
}

func TestAcquire_Async(t *testing.T) {
	files, scripts := chainScripts()
	h := newFakeHost(files)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, scripts)

	if _, err := l.Acquire("m2"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Acquire() error = %v, want ErrNotReady", err)
	}
	h.deliver(t, "lib/m2.star")
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got, err := l.Acquire("m2"); err != nil || got != 42 {
		t.Errorf("Acquire(m2) = %v, %v; want 42", got, err)
	}
}

func TestRequire_Module(t *testing.T) {
	files, scripts := chainScripts()
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	if _, err := l.Global().Module("m2"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Module(m2) before request error = %v, want ErrNotReady", err)
	}
	if _, err := l.Global().Call([]string{"m2"}); err != nil {
		t.Fatalf("Call([m2]) error = %v", err)
	}
	got, err := l.Global().Call("m2")
	if err != nil || got != 42 {
		t.Errorf("Call(m2) = %v, %v; want 42", got, err)
	}
}

func TestRequire_CallWithConfig(t *testing.T) {
	files := map[string]string{"lib/elsewhere/m2.star": "m2"}
	_, scripts := chainScripts()
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	var got []any
	_, err := l.Global().Call(&Config{Paths: map[string]string{"m2": "elsewhere/m2"}}, []string{"m2"}, Callback(func(values []any) error {
		got = values
		return nil
	}))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if diff := cmp.Diff([]any{42}, got); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestWait_Stalled(t *testing.T) {
	l := newTestLoader(t, &Config{Mode: ModeAsync}, newFakeHost(nil), nil)
	if err := l.Define("never", []string{}, PluginFunc(func(string, *Require, func(any)) error { return nil })); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	if err := l.Global().Modules([]string{"never!x"}, nil); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if err := l.Wait(context.Background()); !errors.Is(err, ErrStalled) {
		t.Errorf("Wait() error = %v, want ErrStalled", err)
	}
}

func TestWait_Timeout(t *testing.T) {
	h := newFakeHost(nil)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync, Timeout: 10 * time.Millisecond}, h, nil)

	if err := l.Global().Modules([]string{"slow"}, nil); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Wait(ctx)
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindTimeout {
		t.Fatalf("Wait() error = %v, want %s", err, KindTimeout)
	}
	if diff := cmp.Diff([]any{"*slow"}, lerr.Details); diff != "" {
		t.Errorf("timeout details mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigure_ModeFixedAtBoot(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	if err := l.Configure(&Config{Mode: ModeAsync}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if l.Mode() != ModeSync {
		t.Errorf("Mode() = %v, want %v", l.Mode(), ModeSync)
	}
}

func TestConfigure_DepsAndCallback(t *testing.T) {
	files, scripts := chainScripts()
	var got []any
	ready := false
	cfg := &Config{
		Deps: []string{"m2"},
		Callback: func(values []any) error {
			got = values
			return nil
		},
		Ready: func() error {
			ready = true
			return nil
		},
	}
	newTestLoader(t, cfg, newFakeHost(files), scripts)
	if diff := cmp.Diff([]any{42}, got); diff != "" {
		t.Errorf("boot callback values mismatch (-want +got):\n%s", diff)
	}
	if !ready {
		t.Error("boot ready function did not run")
	}
}

func TestInvalidate(t *testing.T) {
	files, scripts := chainScripts()
	l := newTestLoader(t, nil, newFakeHost(files), scripts)

	if _, err := l.Acquire("m2"); err != nil {
		t.Fatalf("Acquire(m2) error = %v", err)
	}
	if !l.Invalidate("*m2") {
		t.Error("Invalidate(*m2) = false, want true")
	}
	if _, ok := l.Module("*m2"); ok {
		t.Error("*m2 still registered after Invalidate")
	}
	if l.Invalidate("*m2") {
		t.Error("second Invalidate(*m2) = true, want false")
	}
	if l.Invalidate("*require") {
		t.Error("Invalidate(*require) = true, want false for a sentinel")
	}
	got, err := l.Acquire("m2")
	if err != nil || got != 42 {
		t.Errorf("Acquire(m2) after Invalidate = %v, %v; want 42", got, err)
	}
}
