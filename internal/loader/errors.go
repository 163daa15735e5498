package loader

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies where the loader caught a problem.
type ErrorKind string

// Error kinds broadcast through the error channel.
const (
	// KindExec is a factory failure; details are (pqn, args...).
	KindExec ErrorKind = "loader/exec"
	// KindFailedSync is a synchronous fetch failure; details are (pqn, url, err).
	KindFailedSync ErrorKind = "loader/failed-sync"
	// KindFailedAsync is an asynchronous fetch failure; details are (pqn, url, err).
	KindFailedAsync ErrorKind = "loader/failed-async"
	// KindEval is a failure evaluating fetched text; details are (pqn, url, err).
	KindEval ErrorKind = "loader/eval"
	// KindTimeout fires when the waiting set outlives the timeout; details are the waiting pqns.
	KindTimeout ErrorKind = "loader/timeout"
	// KindMultipleDefine is a second definition of an arrived module; details are (pqn).
	KindMultipleDefine ErrorKind = "loader/multiple-define"
	// KindAnonymousDefine is an anonymous define with nothing being evaluated.
	KindAnonymousDefine ErrorKind = "loader/define-anonymous"
	// KindPluginLoad is a plugin load failure; details are (pqn, resource, err).
	KindPluginLoad ErrorKind = "loader/plugin-load"
	// KindOnLoad is a ready callback failure; details are (err).
	KindOnLoad ErrorKind = "loader/onLoad"
)

var (
	// ErrNotReady signals that a dependency has not arrived yet.
	ErrNotReady = errors.New("module not ready")

	// ErrNoEvaluator is returned when module text arrives and no evaluator is configured.
	ErrNoEvaluator = errors.New("no evaluator configured")

	// ErrNoHost is returned when a resource must be fetched and no host is configured.
	ErrNoHost = errors.New("no host configured")

	// ErrStalled is returned by Wait when nothing is in flight yet queued
	// modules cannot execute.
	ErrStalled = errors.New("loader stalled")
)

// Error is an unrecovered problem reported through the error channel.
type Error struct {
	Kind    ErrorKind
	PQN     string
	URL     string
	Details []any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.PQN != "" {
		b.WriteString(" ")
		b.WriteString(e.PQN)
	}
	if e.URL != "" {
		b.WriteString(" (")
		b.WriteString(e.URL)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Kind == KindTimeout && len(e.Details) > 0 {
		fmt.Fprintf(&b, ": waiting for %v", e.Details)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Listener is notified of every reported error. Returning true signals that
// the listener recovered and the loader should not fail the caller.
type Listener func(kind ErrorKind, details []any) bool

// Report is one entry of the error log.
type Report struct {
	Kind    ErrorKind
	Details []any
}

type listenerEntry struct {
	id int
	fn Listener
}

// OnError registers a listener and returns a function removing it.
// Listeners are tried in registration order; the first that returns true
// stops further propagation.
func (l *Loader) OnError(fn Listener) (remove func()) {
	l.nextListener++
	id := l.nextListener
	l.listeners = append(l.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		for i, entry := range l.listeners {
			if entry.id == id {
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				return
			}
		}
	}
}

// ReportError broadcasts a problem and reports whether a listener recovered it.
func (l *Loader) ReportError(kind ErrorKind, details ...any) bool {
	l.errorLog = append(l.errorLog, Report{Kind: kind, Details: details})
	l.log.Error(string(kind), "details", details)
	for _, entry := range append([]listenerEntry(nil), l.listeners...) {
		if entry.fn(kind, details) {
			return true
		}
	}
	return false
}

// ErrorLog returns every report made so far.
func (l *Loader) ErrorLog() []Report {
	return append([]Report(nil), l.errorLog...)
}

// fail reports err and returns it unless a listener recovered.
func (l *Loader) fail(err *Error, details ...any) error {
	if l.ReportError(err.Kind, details...) {
		return nil
	}
	err.Details = details
	return err
}
