package loader

import "errors"

// DefaultDeps is the dependency list of a definition that gives none.
var DefaultDeps = []string{"require", "exports", "module"}

// definition is a define made while a resource evaluates, waiting for the
// resource to finish.
type definition struct {
	target  *Module
	deps    []string
	factory any
}

// Define records a module factory. Definitions made while a resource is
// being evaluated are processed when that resource finishes, so a bundle may
// refer to modules it defines further down; an anonymous one (empty id)
// belongs to that resource. Outside evaluation a named definition is processed
// at once and its dependencies injected. A nil deps means DefaultDeps.
func (l *Loader) Define(id string, deps []string, factory any) error {
	if deps == nil {
		deps = append([]string(nil), DefaultDeps...)
	}
	l.trace("loader-define", "id", id, "deps", deps)

	if len(l.injecting) == 0 {
		if id == "" {
			return l.fail(&Error{Kind: KindAnonymousDefine, Err: errors.New("anonymous define outside module evaluation")}, deps)
		}
		m, err := l.defineModule(l.getModule(id, nil, false), deps, factory)
		if err != nil {
			return err
		}
		return l.injectDependencies(m)
	}

	target := l.injecting[len(l.injecting)-1]
	if id != "" {
		target = l.getModule(id, nil, false)
	}
	l.defQ = append(l.defQ, definition{
		target:  target,
		deps:    deps,
		factory: factory,
	})
	return nil
}

// defineModule gives m its dependency vector and factory. A module defined
// a second time keeps its first definition.
func (l *Loader) defineModule(m *Module, deps []string, factory any) (*Module, error) {
	l.trace("loader-defineModule", "pqn", m.PQN, "deps", deps)

	if m.injected == Arrived {
		return m, l.fail(&Error{Kind: KindMultipleDefine, PQN: m.PQN, URL: m.URL}, m.PQN)
	}

	exports := NewExports()
	m.injected = Arrived
	m.defined = true
	m.factory = factory
	m.exports = exports
	m.Result = exports
	m.Deps = make([]*Module, len(deps))
	for i, dep := range deps {
		m.Deps[i] = l.getModule(dep, m, false)
	}
	delete(l.waiting, m.PQN)

	// dependencies are injected by the caller once the whole resource has
	// been defined, so modules later in the same resource are not fetched
	if len(deps) == 0 {
		if _, err := l.execModule(m); err != nil && !errors.Is(err, ErrNotReady) {
			return m, err
		}
	}
	return m, nil
}

// runDefQ processes every queued definition, then injects the dependencies of
// all of them.
func (l *Loader) runDefQ(ref *Module) error {
	var (
		defined []*Module
		first   error
	)
	for len(l.defQ) > 0 {
		d := l.defQ[0]
		l.defQ = l.defQ[1:]
		target := d.target
		if target == nil {
			target = ref
		}
		m, err := l.defineModule(target, d.deps, d.factory)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		defined = append(defined, m)
	}
	for _, m := range defined {
		if err := l.injectDependencies(m); err != nil {
			return err
		}
	}
	return first
}
