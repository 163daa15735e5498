package loader

import (
	"errors"
	"fmt"
)

// execModule runs m's dependency vector and then its factory. It returns
// ErrNotReady when some dependency has not arrived. A module visited while it
// is already executing yields its current result, which is the exports
// object until the factory returns.
func (l *Loader) execModule(m *Module) (any, error) {
	if m.exec != unexecuted {
		return m.Result, nil
	}
	if !m.defined {
		return nil, ErrNotReady
	}

	l.trace("loader-execModule", "pqn", m.PQN)

	m.exec = executing
	args := make([]any, 0, len(m.Deps))
	for _, dep := range m.Deps {
		var (
			v   any
			err error
		)
		switch dep.kind {
		case kindRequire:
			v = l.requireFor(m)
		case kindExports:
			v = m.exports
		case kindModule:
			v = m
		default:
			v, err = l.execModule(dep)
		}
		if errors.Is(err, ErrNotReady) {
			m.exec = unexecuted
			return nil, ErrNotReady
		}
		if err != nil {
			// a failed dependency is already reported; this module ran nothing
			m.exec = unexecuted
			return nil, err
		}
		args = append(args, v)
	}
	m.exec = executed

	result, err := l.runFactory(m, args)
	if err != nil {
		if rerr := l.fail(&Error{Kind: KindExec, PQN: m.PQN, URL: m.URL, Err: err}, append([]any{m.PQN}, args...)...); rerr != nil {
			return nil, rerr
		}
	} else {
		m.Result = result
	}
	m.EvalOrder = l.evalOrder
	l.evalOrder++

	if m.loadQ != nil || m.isPlugin {
		if err := l.drainLoadQ(m); err != nil {
			return nil, err
		}
	}

	l.trace("loader-execModule-out", "pqn", m.PQN)
	return m.Result, nil
}

// runFactory invokes the factory. A function factory returning nil yields
// the module's exports; any other factory value is the result itself.
func (l *Loader) runFactory(m *Module, args []any) (result any, err error) {
	l.trace("loader-runFactory", "pqn", m.PQN)
	f, ok := asFactory(m.factory)
	if !ok {
		return m.factory, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	result, err = f.Run(args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = m.exports
	}
	return result, nil
}

// checkComplete sweeps the execution queue until a full pass executes
// nothing, then drains the ready queue if the loader is complete.
func (l *Loader) checkComplete() error {
	for i := 0; i < len(l.execQ); i++ {
		m := l.execQ[i]
		if _, err := l.execModule(m); err != nil && !errors.Is(err, ErrNotReady) {
			l.removeQueued(m)
			return err
		}
		if m.exec == executed {
			// the queue may have changed under the factory; restart the scan
			l.removeQueued(m)
			i = -1
		}
	}
	return l.onLoad()
}

func (l *Loader) removeQueued(m *Module) {
	for i, q := range l.execQ {
		if q == m {
			l.execQ = append(l.execQ[:i], l.execQ[i+1:]...)
			return
		}
	}
}

func (l *Loader) enqueue(m *Module) {
	for _, q := range l.execQ {
		if q == m {
			return
		}
	}
	l.execQ = append(l.execQ, m)
}
