package loader

import (
	"errors"
	"fmt"
)

// Undef invalidates id: its record leaves the registry, the waiting set and
// the execution queue, so the next request fetches and defines it afresh.
func (l *Loader) Undef(id string) {
	l.undef(id, nil)
}

func (l *Loader) undef(id string, ref *Module) {
	l.drop(l.getModule(id, ref, false))
}

// Invalidate is Undef by qualified name. It reports whether a record was
// registered under pqn.
func (l *Loader) Invalidate(pqn string) bool {
	m, ok := l.modules[pqn]
	if !ok {
		return false
	}
	return l.drop(m)
}

func (l *Loader) drop(m *Module) bool {
	switch m.kind {
	case kindRequire, kindExports, kindModule:
		return false
	}
	l.trace("loader-undef", "pqn", m.PQN)
	delete(l.modules, m.PQN)
	delete(l.waiting, m.PQN)
	l.removeQueued(m)
	return true
}

// Provide registers value as the executed result of id without fetching or
// defining it.
func (l *Loader) Provide(id string, value any) *Module {
	m := l.getModule(id, nil, false)
	m.injected = Arrived
	m.defined = true
	m.Deps = nil
	m.exec = executed
	m.Result = value
	return m
}

// Acquire returns the value of id, loading it first if needed. In
// synchronous mode the module is fetched and executed inline; in
// asynchronous mode it is requested and ErrNotReady is returned until Wait
// has brought it in.
func (l *Loader) Acquire(id string) (any, error) {
	m := l.getModule(id, nil, false)
	if m.exec != unexecuted {
		return m.Result, nil
	}
	if l.syncDepth > 0 {
		if err := l.injectModule(m); err != nil {
			return nil, err
		}
		if _, err := l.execModule(m); err != nil && !errors.Is(err, ErrNotReady) {
			return nil, err
		}
	} else if err := l.global.Modules([]string{id}, nil); err != nil {
		return nil, err
	}
	if err := l.checkComplete(); err != nil {
		return nil, err
	}
	if m.exec == unexecuted {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, m.PQN)
	}
	return m.Result, nil
}
