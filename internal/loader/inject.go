package loader

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

func (l *Loader) injectDependencies(m *Module) error {
	for _, dep := range m.Deps {
		if err := l.injectModule(dep); err != nil {
			return err
		}
	}
	return nil
}

// injectModule triggers acquisition of m's resource exactly once.
func (l *Loader) injectModule(m *Module) error {
	if m.exec != unexecuted {
		return nil
	}
	if m.injected != Unrequested || (l.waiting[m.PQN] && l.syncDepth == 0) {
		return nil
	}
	if m.kind == kindPluginResource {
		return l.injectPlugin(m, false)
	}

	m.injected = Requested
	l.waiting[m.PQN] = true

	if entry, ok := l.cache[m.PQN]; ok {
		l.trace("loader-inject", "pqn", m.PQN, "cache", true)
		return l.onLoadCallback(m, l.evalCached(m, entry))
	}

	if l.syncDepth > 0 {
		l.enqueue(m)
		l.syncDepth++
		err := l.fetchSync(m)
		l.syncDepth--
		return l.onLoadCallback(m, err)
	}

	l.trace("loader-inject", "pqn", m.PQN, "url", m.URL)
	l.inject(m.URL, func(text string, err error) error {
		if err != nil {
			return l.onLoadCallback(m, l.fail(&Error{Kind: KindFailedAsync, PQN: m.PQN, URL: m.URL, Err: err}, m.PQN, m.URL, err))
		}
		return l.onLoadCallback(m, l.evaluate(m, text))
	})
	l.startTimer()
	return nil
}

// fetchSync fetches and evaluates m inline. Failures are reported and
// returned unless a listener recovers them.
func (l *Loader) fetchSync(m *Module) error {
	if l.host == nil {
		return l.fail(&Error{Kind: KindFailedSync, PQN: m.PQN, URL: m.URL, Err: ErrNoHost}, m.PQN, m.URL, ErrNoHost)
	}
	l.trace("loader-inject", "pqn", m.PQN, "url", m.URL, "sync", true)
	text, err := l.host.FetchText(l.ctx, m.URL)
	if err != nil {
		return l.fail(&Error{Kind: KindFailedSync, PQN: m.PQN, URL: m.URL, Err: err}, m.PQN, m.URL, err)
	}
	return l.evaluate(m, text)
}

// evaluate runs text as the source of m. Anonymous definitions made while
// it runs belong to m.
func (l *Loader) evaluate(m *Module, text string) error {
	if l.eval == nil {
		return l.fail(&Error{Kind: KindEval, PQN: m.PQN, URL: m.URL, Err: ErrNoEvaluator}, m.PQN, m.URL, ErrNoEvaluator)
	}
	l.injecting = append(l.injecting, m)
	err := l.eval.Eval(l, Source{Name: m.Path, URL: m.URL, Text: text})
	l.injecting = l.injecting[:len(l.injecting)-1]
	if err != nil {
		return l.fail(&Error{Kind: KindEval, PQN: m.PQN, URL: m.URL, Err: err}, m.PQN, m.URL, err)
	}
	return nil
}

// evalCached supplies m from a cache entry instead of the host.
func (l *Loader) evalCached(m *Module, entry any) error {
	switch v := entry.(type) {
	case string:
		return l.evaluate(m, v)
	case func():
		l.injecting = append(l.injecting, m)
		v()
		l.injecting = l.injecting[:len(l.injecting)-1]
		return nil
	case func(d Definer) error:
		l.injecting = append(l.injecting, m)
		err := v(l)
		l.injecting = l.injecting[:len(l.injecting)-1]
		if err != nil {
			return l.fail(&Error{Kind: KindEval, PQN: m.PQN, URL: m.URL, Err: err}, m.PQN, m.URL, err)
		}
		return nil
	default:
		// any other value is the module itself
		_, err := l.defineModule(m, []string{}, v)
		return err
	}
}

// onLoadCallback finishes the arrival of m's resource: it defines whatever the
// resource queued, downgrades m to a non-module if nothing defined it, and
// sweeps the execution queue. failed is the unrecovered error of fetching or
// evaluating the resource, if any; it leaves an undefined m arrived but not
// executed, so nothing depending on it runs, and skips the sweep.
// Undef clears such a record for another attempt.
func (l *Loader) onLoadCallback(m *Module, failed error) error {
	delete(l.waiting, m.PQN)
	err := l.runDefQ(m)
	if failed != nil {
		m.injected = Arrived
		l.removeQueued(m)
		if len(l.waiting) == 0 {
			l.clearTimer()
		}
		if err != nil {
			return errors.Join(failed, err)
		}
		return failed
	}
	if m.injected != Arrived {
		m.injected = Arrived
		m.defined = true
		m.Deps = nil
		m.factory = nil
		m.nonMod = true
		m.Result = NonModule
		m.exec = executed
	}
	if len(l.waiting) == 0 {
		l.clearTimer()
	}
	if err != nil {
		return err
	}
	return l.checkComplete()
}

// inject starts an asynchronous fetch of url. done runs on the loader
// goroutine during Wait.
func (l *Loader) inject(url string, done func(text string, err error) error) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()

	if l.host == nil {
		l.arrive(func() error { return done("", ErrNoHost) })
		return
	}
	var once sync.Once
	l.host.InjectAsync(l.ctx, url, func(text string, err error) {
		once.Do(func() {
			l.arrive(func() error { return done(text, err) })
		})
	})
}

// arrive queues an asynchronous arrival and releases its in-flight slot in
// one step, so Wait never sees the slot released before the event exists.
func (l *Loader) arrive(fn func() error) {
	l.mu.Lock()
	l.inflight--
	l.events = append(l.events, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loader) startTimer() {
	l.clearTimer()
	if l.timeout <= 0 {
		return
	}
	gen := l.timerGen
	l.timer = time.AfterFunc(l.timeout, func() {
		l.post(func() error {
			if gen != l.timerGen || len(l.waiting) == 0 {
				return nil
			}
			l.clearTimer()
			waiting := l.Waiting()
			return l.fail(&Error{Kind: KindTimeout, Err: fmt.Errorf("timed out after %s", l.timeout)}, toAny(waiting)...)
		})
	})
}

func (l *Loader) clearTimer() {
	l.timerGen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
