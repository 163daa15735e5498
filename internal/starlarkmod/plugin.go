package starlarkmod

import (
	"go.starlark.net/starlark"

	"github.com/albertocavalcante/skyload/internal/loader"
)

var _ loader.PluginAdapter = (*Evaluator)(nil)

// AsPlugin implements loader.PluginAdapter. A plugin module written in
// Starlark is a callable load(resource, require, done), or a value with a
// callable "load" attribute or key.
func (e *Evaluator) AsPlugin(v any) (loader.Plugin, bool) {
	var load starlark.Value
	switch x := v.(type) {
	case *starlark.Dict:
		val, found, err := x.Get(starlark.String("load"))
		if err != nil || !found {
			return nil, false
		}
		load = val
	case starlark.Callable:
		load = x
	case starlark.HasAttrs:
		val, err := x.Attr("load")
		if err != nil || val == nil {
			return nil, false
		}
		load = val
	default:
		return nil, false
	}
	fn, ok := load.(starlark.Callable)
	if !ok {
		return nil, false
	}
	return &plugin{e: e, fn: fn}, true
}

type plugin struct {
	e  *Evaluator
	fn starlark.Callable
}

// Load implements loader.Plugin. done is exposed to Starlark as a builtin
// taking the resource value; it may be called after load returns, for
// example from a require.fetch callback.
func (p *plugin) Load(resource string, req *loader.Require, done func(value any)) error {
	doneFn := starlark.NewBuiltin("done", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var val starlark.Value = starlark.None
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &val); err != nil {
			return nil, err
		}
		if val == starlark.None {
			done(nil)
		} else {
			done(val)
		}
		return starlark.None, nil
	})
	args := starlark.Tuple{starlark.String(resource), p.e.toStarlark(req), doneFn}
	_, err := p.e.call(p.fn, args)
	return err
}
