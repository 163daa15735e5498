package loader

import (
	"fmt"
)

// injectPlugin loads the plugin resource m. When the plugin module is not yet
// available the load is queued on it and replayed once it executes. immediate
// requests, made by Module, never inject the plugin or join the waiting set.
func (l *Loader) injectPlugin(m *Module, immediate bool) error {
	plugin := m.plugin
	plugin.isPlugin = true

	if l.syncDepth > 0 && plugin.exec != executed {
		if err := l.injectModule(plugin); err != nil {
			return err
		}
	}

	if plugin.exec == executed && plugin.load == nil {
		p, err := l.asPlugin(plugin)
		if err != nil {
			return l.fail(&Error{Kind: KindPluginLoad, PQN: m.PQN, Err: err}, m.PQN, m.resource, err)
		}
		plugin.load = p
	}

	if v, ok := l.cache[m.PQN]; ok {
		l.resourceLoaded(m, v)
		return l.takeErr()
	}

	if plugin.load == nil && !immediate {
		plugin.loadQ = []pluginLoad{}
		plugin.load = PluginFunc(func(resource string, req *Require, done func(any)) error {
			plugin.loadQ = append(plugin.loadQ, pluginLoad{resource: resource, req: req, done: done})
			return nil
		})
		// plugins are presumably needed to load other modules; run them first
		l.removeQueued(plugin)
		l.execQ = append([]*Module{plugin}, l.execQ...)
		if err := l.injectModule(plugin); err != nil {
			return err
		}
	}

	if !immediate && m.exec == unexecuted && !l.waiting[m.PQN] {
		l.waiting[m.PQN] = true
		if l.syncDepth == 0 {
			l.startTimer()
		}
	}
	if plugin.load != nil && !m.loadCalled {
		m.loadCalled = true
		l.trace("loader-inject", "pqn", m.PQN, "plugin", plugin.PQN)
		done := func(v any) { l.resourceLoaded(m, v) }
		if err := plugin.load.Load(m.resource, m.req, done); err != nil {
			if rerr := l.fail(&Error{Kind: KindPluginLoad, PQN: m.PQN, Err: err}, m.PQN, m.resource, err); rerr != nil {
				return rerr
			}
		}
	}
	return l.takeErr()
}

// resourceLoaded is the completion callback handed to a plugin's load.
// Calls after the first are ignored.
func (l *Loader) resourceLoaded(m *Module, v any) {
	if m.exec == executed {
		return
	}
	m.injected = Arrived
	m.defined = true
	m.exec = executed
	m.Result = v
	delete(l.waiting, m.PQN)
	if len(l.waiting) == 0 {
		l.clearTimer()
	}
	l.deferErr(l.checkComplete())
}

// drainLoadQ installs the executed plugin module's real load function and
// replays every load queued while it was unavailable.
func (l *Loader) drainLoadQ(m *Module) error {
	p, err := l.asPlugin(m)
	if err != nil {
		return l.fail(&Error{Kind: KindPluginLoad, PQN: m.PQN, URL: m.URL, Err: err}, m.PQN, "", err)
	}
	m.load = p
	q := m.loadQ
	m.loadQ = nil
	for _, pl := range q {
		if err := p.Load(pl.resource, pl.req, pl.done); err != nil {
			if rerr := l.fail(&Error{Kind: KindPluginLoad, PQN: m.PQN, Err: err}, m.PQN, pl.resource, err); rerr != nil {
				return rerr
			}
		}
	}
	return l.takeErr()
}

// asPlugin extracts a load capability from an executed plugin module.
func (l *Loader) asPlugin(m *Module) (Plugin, error) {
	switch v := m.Result.(type) {
	case Plugin:
		return v, nil
	case func(resource string, req *Require, done func(value any)) error:
		return PluginFunc(v), nil
	case *Exports:
		if load, ok := v.Get("load"); ok {
			switch fn := load.(type) {
			case Plugin:
				return fn, nil
			case func(resource string, req *Require, done func(value any)) error:
				return PluginFunc(fn), nil
			}
			for _, a := range l.adapters {
				if p, ok := a.AsPlugin(load); ok {
					return p, nil
				}
			}
		}
	}
	for _, a := range l.adapters {
		if p, ok := a.AsPlugin(m.Result); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("module %s does not provide load", m.PQN)
}

// deferErr keeps the first error raised where no caller can receive it, such
// as inside a plugin's completion callback.
func (l *Loader) deferErr(err error) {
	if err != nil && l.pendingErr == nil {
		l.pendingErr = err
	}
}

func (l *Loader) takeErr() error {
	err := l.pendingErr
	l.pendingErr = nil
	return err
}
