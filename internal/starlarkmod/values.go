package starlarkmod

import (
	"errors"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/albertocavalcante/skyload/internal/loader"
	"github.com/albertocavalcante/skyload/internal/loaderconfig"
)

// toStarlark converts a loader value into a Starlark value. Starlark values
// pass through; loader objects get live wrappers.
func (e *Evaluator) toStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case starlark.Value:
		return x
	case *loader.Exports:
		return &exportsValue{e: e, exports: x}
	case *loader.Module:
		return &moduleValue{e: e, m: x}
	case *loader.Require:
		return &requireValue{e: e, r: x}
	case string:
		return starlark.String(x)
	case bool:
		return starlark.Bool(x)
	case int:
		return starlark.MakeInt(x)
	case int64:
		return starlark.MakeInt64(x)
	case float64:
		return starlark.Float(x)
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, s := range x {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems)
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, item := range x {
			elems[i] = e.toStarlark(item)
		}
		return starlark.NewList(elems)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), e.toStarlark(x[k]))
		}
		return d
	}
	if v == loader.NonModule {
		return starlark.None
	}
	return &goValue{v: v}
}

// ToGo converts a module result into plain Go data: nil, bool, int64,
// float64, string, []any and map[string]any. Values without a data
// representation, such as functions, become their string form.
func ToGo(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *loader.Exports:
		out := make(map[string]any, x.Len())
		for _, k := range x.Keys() {
			val, _ := x.Get(k)
			out[k] = ToGo(val)
		}
		return out
	case *exportsValue:
		return ToGo(x.exports)
	case *moduleValue:
		return x.m.Path
	case *goValue:
		return ToGo(x.v)
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		return float64(x)
	case starlark.String:
		return string(x)
	case starlark.Bytes:
		return string(x)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = ToGo(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			val, err := x.Attr(name)
			if err == nil {
				out[name] = ToGo(val)
			}
		}
		return out
	case starlark.Callable:
		return x.String()
	case starlark.Iterable:
		var out []any
		iter := x.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			out = append(out, ToGo(elem))
		}
		if out == nil {
			out = []any{}
		}
		return out
	case starlark.Value:
		return x.String()
	case string, bool, int64, float64:
		return x
	case int:
		return int64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = ToGo(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = ToGo(item)
		}
		return out
	}
	if v == loader.NonModule {
		return nil
	}
	return fmt.Sprint(v)
}

// exportsValue exposes a module's live exports object. Attribute assignment
// writes through, so modules in a dependency cycle observe each other's
// exports as they are filled in.
type exportsValue struct {
	e       *Evaluator
	exports *loader.Exports
}

var (
	_ starlark.HasSetField = (*exportsValue)(nil)
	_ starlark.Mapping     = (*exportsValue)(nil)
)

func (v *exportsValue) String() string        { return v.exports.String() }
func (v *exportsValue) Type() string          { return "exports" }
func (v *exportsValue) Freeze()               {}
func (v *exportsValue) Truth() starlark.Bool  { return true }
func (v *exportsValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: exports") }

// Attr implements starlark.HasAttrs.
func (v *exportsValue) Attr(name string) (starlark.Value, error) {
	val, ok := v.exports.Get(name)
	if !ok {
		return nil, nil
	}
	return v.e.toStarlark(val), nil
}

// AttrNames implements starlark.HasAttrs.
func (v *exportsValue) AttrNames() []string {
	names := v.exports.Keys()
	sort.Strings(names)
	return names
}

// SetField implements starlark.HasSetField.
func (v *exportsValue) SetField(name string, val starlark.Value) error {
	v.exports.Set(name, val)
	return nil
}

// Get implements starlark.Mapping.
func (v *exportsValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("exports key must be a string, got %s", k.Type())
	}
	val, found := v.exports.Get(name)
	if !found {
		return nil, false, nil
	}
	return v.e.toStarlark(val), true, nil
}

// moduleValue is the CommonJS module object handed to factories that depend
// on "module".
type moduleValue struct {
	e *Evaluator
	m *loader.Module
}

var _ starlark.HasAttrs = (*moduleValue)(nil)

func (v *moduleValue) String() string        { return fmt.Sprintf("<module %s>", v.m.PQN) }
func (v *moduleValue) Type() string          { return "module" }
func (v *moduleValue) Freeze()               {}
func (v *moduleValue) Truth() starlark.Bool  { return true }
func (v *moduleValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: module") }

// Attr implements starlark.HasAttrs.
func (v *moduleValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(v.m.Path), nil
	case "pqn":
		return starlark.String(v.m.PQN), nil
	case "uri":
		return starlark.String(v.m.URL), nil
	case "exports":
		return v.e.toStarlark(v.m.Exports()), nil
	case "set_exports":
		return starlark.NewBuiltin("set_exports", v.setExports), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (v *moduleValue) AttrNames() []string {
	return []string{"exports", "id", "pqn", "set_exports", "uri"}
}

func (v *moduleValue) setExports(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var val starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &val); err != nil {
		return nil, err
	}
	if ev, ok := val.(*exportsValue); ok {
		v.m.SetExports(ev.exports)
	} else {
		v.m.SetExports(val)
	}
	return starlark.None, nil
}

// requireValue is a callable requester.
type requireValue struct {
	e *Evaluator
	r *loader.Require
}

var (
	_ starlark.Callable = (*requireValue)(nil)
	_ starlark.HasAttrs = (*requireValue)(nil)
)

func (v *requireValue) String() string {
	if ref := v.r.Ref(); ref != nil {
		return fmt.Sprintf("<require %s>", ref.PQN)
	}
	return "<require>"
}
func (v *requireValue) Type() string          { return "require" }
func (v *requireValue) Freeze()               {}
func (v *requireValue) Truth() starlark.Bool  { return true }
func (v *requireValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: require") }
func (v *requireValue) Name() string          { return "require" }

// CallInternal implements starlark.Callable.
func (v *requireValue) CallInternal(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("require: unexpected keyword argument %s", kwargs[0][0])
	}
	if len(args) == 0 {
		return nil, errors.New("require: missing argument")
	}

	goArgs := make([]any, 0, len(args))
	rest := args
	if d, ok := rest[0].(*starlark.Dict); ok {
		cfg, err := configFromDict(d)
		if err != nil {
			return nil, fmt.Errorf("require: %w", err)
		}
		goArgs = append(goArgs, cfg)
		rest = rest[1:]
	}
	if len(rest) > 0 {
		switch first := rest[0].(type) {
		case starlark.String:
			if len(goArgs) > 0 || len(rest) > 1 {
				return nil, errors.New("require: a module id cannot be combined with other arguments")
			}
			val, err := v.r.Module(string(first))
			if err != nil {
				return nil, err
			}
			return v.e.toStarlark(val), nil
		default:
			ids, err := stringList("require", first)
			if err != nil {
				return nil, err
			}
			goArgs = append(goArgs, ids)
		}
		if len(rest) > 1 {
			fn, ok := rest[1].(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("require: callback must be callable, got %s", rest[1].Type())
			}
			goArgs = append(goArgs, v.e.callback(fn))
		}
		if len(rest) > 2 {
			return nil, fmt.Errorf("require: got %d arguments, want at most 3", len(args))
		}
	}

	if _, err := v.r.Call(goArgs...); err != nil {
		return nil, err
	}
	return v, nil
}

// callback adapts a Starlark function to a loader callback.
func (e *Evaluator) callback(fn starlark.Callable) loader.Callback {
	return func(values []any) error {
		args := make(starlark.Tuple, len(values))
		for i, val := range values {
			args[i] = e.toStarlark(val)
		}
		_, err := e.call(fn, args)
		return err
	}
}

func configFromDict(d *starlark.Dict) (*loader.Config, error) {
	f, err := loaderconfig.FileFromDict(d)
	if err != nil {
		return nil, err
	}
	return f.Config()
}

// Attr implements starlark.HasAttrs.
func (v *requireValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "to_url":
		return starlark.NewBuiltin("to_url", v.toURL), nil
	case "to_abs_id":
		return starlark.NewBuiltin("to_abs_id", v.toAbsID), nil
	case "undef":
		return starlark.NewBuiltin("undef", v.undef), nil
	case "fetch":
		return starlark.NewBuiltin("fetch", v.fetch), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (v *requireValue) AttrNames() []string {
	return []string{"fetch", "to_abs_id", "to_url", "undef"}
}

func (v *requireValue) toURL(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, ext string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "ext?", &ext); err != nil {
		return nil, err
	}
	return starlark.String(v.r.ToURL(name, ext)), nil
}

func (v *requireValue) toAbsID(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	return starlark.String(v.r.ToAbsID(id)), nil
}

func (v *requireValue) undef(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	v.r.Undef(id)
	return starlark.None, nil
}

// fetch(url, callback) reads url and calls callback(text, error), where
// error is None on success and a message otherwise.
func (v *requireValue) fetch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		url string
		fn  starlark.Callable
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "callback", &fn); err != nil {
		return nil, err
	}
	err := v.r.Fetch(url, func(text string, ferr error) error {
		var msg starlark.Value = starlark.None
		if ferr != nil {
			msg = starlark.String(ferr.Error())
		}
		_, err := v.e.call(fn, starlark.Tuple{starlark.String(text), msg})
		return err
	})
	if err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// goValue carries a Go value with no Starlark counterpart through Starlark
// code unchanged.
type goValue struct {
	v any
}

func (g *goValue) String() string        { return fmt.Sprintf("<go %T>", g.v) }
func (g *goValue) Type() string          { return "go_value" }
func (g *goValue) Freeze()               {}
func (g *goValue) Truth() starlark.Bool  { return true }
func (g *goValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: go_value") }

// Unwrap returns the Go value of v when v carries one.
func Unwrap(v any) any {
	if g, ok := v.(*goValue); ok {
		return g.v
	}
	return v
}
