package loader

import "fmt"

// Require is a requester. The global requester resolves identifiers from the
// top level; a module's requester resolves them relative to that module.
type Require struct {
	l   *Loader
	ref *Module
}

// requireFor returns the requester bound to m, creating it on first use.
func (l *Loader) requireFor(m *Module) *Require {
	if m == nil {
		return l.global
	}
	if m.require == nil {
		m.require = &Require{l: l, ref: m}
	}
	return m.require
}

// Loader returns the loader behind r.
func (r *Require) Loader() *Loader {
	return r.l
}

// Ref returns the module r is bound to, or nil for the global requester.
func (r *Require) Ref() *Module {
	return r.ref
}

// Module resolves id and returns the module's value without injecting it.
// Plugin resources are loaded immediately when their plugin is available.
// ErrNotReady is returned for modules that have not executed.
func (r *Require) Module(id string) (any, error) {
	m := r.l.getModule(id, r.ref, true)
	if m.kind == kindPluginResource && m.exec == unexecuted {
		if err := r.l.injectPlugin(m, true); err != nil {
			return nil, err
		}
	}
	if m.exec == unexecuted {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, m.PQN)
	}
	return m.Result, nil
}

// Modules requests ids and calls cb with their values, in order, once every
// one has executed. The pseudo-id "*ready" additionally holds cb back until
// the ready queue drains. In synchronous mode cb has run when Modules
// returns; in asynchronous mode it runs during Wait.
func (r *Require) Modules(ids []string, cb Callback) error {
	l := r.l
	callback := cb
	deps := make([]*Module, 0, len(ids))
	for _, id := range ids {
		if id == "*ready" {
			if cb != nil {
				callback = func(values []any) error {
					return l.OnReady(func() error { return cb(values) })
				}
			}
			continue
		}
		deps = append(deps, l.getModule(id, r.ref, true))
	}

	uid := l.nextUID()
	m := &Module{
		MID:      uid,
		PQN:      "*" + uid,
		kind:     kindRequest,
		injected: Arrived,
		defined:  true,
		Deps:     deps,
	}
	if callback != nil {
		m.factory = callback
	}

	// queued before injection so the loader is not complete, and ready
	// callbacks do not run, until the request itself has executed
	l.enqueue(m)
	if err := l.injectDependencies(m); err != nil {
		l.removeQueued(m)
		return err
	}
	return l.checkComplete()
}

// Call is the shape-overloaded requester. A string argument returns that
// module's value. A leading *Config is applied first. A []string is a request
// list, optionally followed by a Callback or func([]any) error; it returns r.
func (r *Require) Call(args ...any) (any, error) {
	if len(args) == 0 {
		return r, nil
	}
	if id, ok := args[0].(string); ok {
		return r.Module(id)
	}
	if cfg, ok := args[0].(*Config); ok {
		if err := r.l.Configure(cfg); err != nil {
			return nil, err
		}
		args = args[1:]
		if len(args) == 0 {
			return r, nil
		}
	}
	ids, ok := args[0].([]string)
	if !ok {
		return nil, fmt.Errorf("require: unexpected argument %T", args[0])
	}
	var cb Callback
	if len(args) > 1 {
		switch fn := args[1].(type) {
		case Callback:
			cb = fn
		case func(values []any) error:
			cb = fn
		case nil:
		default:
			return nil, fmt.Errorf("require: unexpected callback %T", args[1])
		}
	}
	return r, r.Modules(ids, cb)
}

// Configure applies cfg to the loader.
func (r *Require) Configure(cfg *Config) error {
	return r.l.Configure(cfg)
}

// ToURL returns the location name resolves to from r's module.
func (r *Require) ToURL(name, ext string) string {
	return r.l.toURL(name, ext, r.ref)
}

// ToAbsID returns the resolved module path of id. The global requester
// returns id unchanged.
func (r *Require) ToAbsID(id string) string {
	if r.ref == nil {
		return id
	}
	return r.l.toAbsID(id, r.ref)
}

// Undef invalidates id resolved relative to r's module.
func (r *Require) Undef(id string) {
	r.l.undef(id, r.ref)
}

// Fetch reads url through the host and passes the outcome to fn. In
// synchronous mode fn runs before Fetch returns; in asynchronous mode it runs
// during Wait and its error surfaces there.
func (r *Require) Fetch(url string, fn func(text string, err error) error) error {
	l := r.l
	if l.host == nil {
		return fn("", ErrNoHost)
	}
	if l.syncDepth > 0 {
		text, err := l.host.FetchText(l.ctx, url)
		return fn(text, err)
	}
	l.inject(url, func(text string, err error) error {
		return fn(text, err)
	})
	return nil
}
