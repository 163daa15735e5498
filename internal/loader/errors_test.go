package loader

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestError_FailedSync(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)

	err := l.Global().Modules([]string{"missing"}, nil)
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("Modules() error = %v, want *Error", err)
	}
	if lerr.Kind != KindFailedSync || lerr.PQN != "*missing" || lerr.URL != "lib/missing.star" {
		t.Errorf("error = %+v", lerr)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error %v does not wrap fs.ErrNotExist", err)
	}
}

func TestError_FailedSyncSkipsDependents(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	ran := false
	cb := func([]any) error {
		ran = true
		return nil
	}

	if err := l.Global().Modules([]string{"missing"}, cb); err == nil {
		t.Fatal("Modules() error = nil, want the fetch failure")
	}
	err := l.Define("app", []string{"missing"}, FactoryFunc(func([]any) (any, error) {
		ran = true
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("Define(app) error = %v", err)
	}
	if err := l.Global().Modules([]string{"app"}, cb); err != nil {
		t.Fatalf("Modules(app) error = %v", err)
	}
	if ran {
		t.Error("a dependent of the failed module ran")
	}
	m, ok := l.Module("*missing")
	if !ok || m.State() != Arrived || m.IsNonModule() {
		t.Errorf("missing: ok = %v, State = %v, IsNonModule = %v; want arrived", ok, m.State(), m.IsNonModule())
	}
	if waiting := l.Waiting(); len(waiting) != 0 {
		t.Errorf("Waiting() = %v, want empty", waiting)
	}
}

func TestError_FailedSyncRecovered(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	var kinds []ErrorKind
	l.OnError(func(kind ErrorKind, details []any) bool {
		kinds = append(kinds, kind)
		return true
	})

	var got []any
	if err := l.Global().Modules([]string{"missing"}, func(values []any) error {
		got = values
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	if diff := cmp.Diff([]ErrorKind{KindFailedSync}, kinds); diff != "" {
		t.Errorf("reported kinds mismatch (-want +got):\n%s", diff)
	}
	if len(got) != 1 || got[0] != NonModule {
		t.Errorf("values = %v, want [NonModule]", got)
	}
}

func TestError_FailedAsync(t *testing.T) {
	h := newFakeHost(nil)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, nil)

	if err := l.Global().Modules([]string{"missing"}, nil); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	h.deliver(t, "lib/missing.star")
	err := l.Pump()
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindFailedAsync {
		t.Fatalf("Pump() error = %v, want %s", err, KindFailedAsync)
	}
}

func TestError_FailedAsyncSkipsCallback(t *testing.T) {
	files := map[string]string{"lib/ok.star": "ok"}
	scripts := map[string]script{
		"ok": func(d Definer) error { return d.Define("", []string{}, "ok") },
	}
	h := newFakeHost(files)
	h.manual = true
	l := newTestLoader(t, &Config{Mode: ModeAsync}, h, scripts)

	ran := false
	if err := l.Global().Modules([]string{"missing", "ok"}, func([]any) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Modules() error = %v", err)
	}
	h.deliver(t, "lib/missing.star")
	if err := l.Pump(); err == nil {
		t.Fatal("Pump() error = nil, want the fetch failure")
	}
	h.deliver(t, "lib/ok.star")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, ErrStalled) {
		t.Errorf("Wait() error = %v, want ErrStalled", err)
	}
	if ran {
		t.Error("callback ran with a failed dependency")
	}
}

func TestError_Eval(t *testing.T) {
	files := map[string]string{"lib/bad.star": "unknown"}
	l := newTestLoader(t, nil, newFakeHost(files), map[string]script{})

	err := l.Global().Modules([]string{"bad"}, nil)
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindEval {
		t.Fatalf("Modules() error = %v, want %s", err, KindEval)
	}
}

func TestError_FactoryNotRetried(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	boom := errors.New("boom")
	runs := 0

	err := l.Define("bad", []string{}, FactoryFunc(func([]any) (any, error) {
		runs++
		return nil, boom
	}))
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindExec || !errors.Is(err, boom) {
		t.Fatalf("Define() error = %v, want %s wrapping boom", err, KindExec)
	}
	if diff := cmp.Diff([]any{"*bad"}, lerr.Details); diff != "" {
		t.Errorf("details mismatch (-want +got):\n%s", diff)
	}
	if _, err := l.Global().Module("bad"); err != nil {
		t.Errorf("Module(bad) error = %v", err)
	}
	if err := l.Global().Modules([]string{"bad"}, nil); err != nil {
		t.Errorf("Modules([bad]) error = %v", err)
	}
	if runs != 1 {
		t.Errorf("factory ran %d times, want 1", runs)
	}
	log := l.ErrorLog()
	if len(log) != 1 || log[0].Kind != KindExec {
		t.Errorf("ErrorLog() = %v", log)
	}
}

func TestError_FactoryPanic(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	err := l.Define("bad", []string{}, FactoryFunc(func([]any) (any, error) { panic("kaboom") }))
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindExec {
		t.Fatalf("Define() error = %v, want %s", err, KindExec)
	}
}

func TestError_MultipleDefine(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	if err := l.Define("x", []string{}, 1); err != nil {
		t.Fatalf("first Define() error = %v", err)
	}
	err := l.Define("x", []string{}, 2)
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindMultipleDefine {
		t.Fatalf("second Define() error = %v, want %s", err, KindMultipleDefine)
	}
	if got := l.Resolve("x").Result; got != 1 {
		t.Errorf("x = %v, want the first definition", got)
	}
}

func TestError_AnonymousDefine(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)
	err := l.Define("", []string{}, 1)
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindAnonymousDefine {
		t.Fatalf("Define() error = %v, want %s", err, KindAnonymousDefine)
	}
}

func TestOnError_ListenerOrderAndRemoval(t *testing.T) {
	l := newTestLoader(t, nil, newFakeHost(nil), nil)

	var calls []string
	removeFirst := l.OnError(func(ErrorKind, []any) bool {
		calls = append(calls, "first")
		return false
	})
	l.OnError(func(ErrorKind, []any) bool {
		calls = append(calls, "second")
		return true
	})
	l.OnError(func(ErrorKind, []any) bool {
		calls = append(calls, "third")
		return true
	})

	if !l.ReportError("custom/kind", 1) {
		t.Error("ReportError() = false, want recovered")
	}
	removeFirst()
	l.ReportError("custom/kind", 2)

	if diff := cmp.Diff([]string{"first", "second", "second"}, calls); diff != "" {
		t.Errorf("listener calls mismatch (-want +got):\n%s", diff)
	}
	want := []Report{{Kind: "custom/kind", Details: []any{1}}, {Kind: "custom/kind", Details: []any{2}}}
	if diff := cmp.Diff(want, l.ErrorLog()); diff != "" {
		t.Errorf("ErrorLog() mismatch (-want +got):\n%s", diff)
	}
}
