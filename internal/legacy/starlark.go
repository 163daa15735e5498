package legacy

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/skyload/internal/starlarkmod"
)

// Bind predeclares the shim as the "legacy" struct for modules e evaluates
// from now on. Its members are require, require_if, platform_require,
// provide and get_text.
func (s *Shim) Bind(e *starlarkmod.Evaluator) {
	b := &binding{s: s, e: e}
	e.Predeclare("legacy", starlarkstruct.FromStringDict(starlark.String("legacy"), starlark.StringDict{
		"platform":         starlark.String(s.platform),
		"require":          starlark.NewBuiltin("require", b.require),
		"require_if":       starlark.NewBuiltin("require_if", b.requireIf),
		"platform_require": starlark.NewBuiltin("platform_require", b.platformRequire),
		"provide":          starlark.NewBuiltin("provide", b.provide),
		"get_text":         starlark.NewBuiltin("get_text", b.getText),
	}))
}

type binding struct {
	s *Shim
	e *starlarkmod.Evaluator
}

func (b *binding) require(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	v, err := b.s.Require(name)
	if err != nil {
		return nil, err
	}
	return b.e.Value(v), nil
}

func (b *binding) requireIf(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		cond starlark.Value
		name string
	)
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &cond, &name); err != nil {
		return nil, err
	}
	v, err := b.s.RequireIf(bool(cond.Truth()), name)
	if err != nil {
		return nil, err
	}
	return b.e.Value(v), nil
}

func (b *binding) platformRequire(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var d *starlark.Dict
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &d); err != nil {
		return nil, err
	}
	names := make(map[string][]string, d.Len())
	for _, item := range d.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: key %s is not a string", fn.Name(), item[0])
		}
		list, ok := item[1].(starlark.Indexable)
		if !ok {
			return nil, fmt.Errorf("%s: %q must map to a list of names, got %s", fn.Name(), key, item[1].Type())
		}
		for i := 0; i < list.Len(); i++ {
			name, ok := starlark.AsString(list.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: %q: name %d is not a string", fn.Name(), key, i)
			}
			names[key] = append(names[key], name)
		}
	}
	if err := b.s.PlatformRequire(names); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (b *binding) provide(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name  string
		value starlark.Value = starlark.None
	)
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name, &value); err != nil {
		return nil, err
	}
	var v any
	if value != starlark.None {
		v = value
	}
	return b.e.Value(b.s.Provide(name, v)), nil
}

func (b *binding) getText(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var u string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &u); err != nil {
		return nil, err
	}
	text, err := b.s.GetText(b.s.l.Context(), u)
	if err != nil {
		return nil, err
	}
	return starlark.String(text), nil
}
