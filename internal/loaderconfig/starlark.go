package loaderconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.starlark.net/starlark"
)

// DefaultStarlarkTimeout is the default execution timeout for Starlark config files.
const DefaultStarlarkTimeout = 5 * time.Second

// ErrConfigureNotFound is returned when skyload.star doesn't define a configure() function.
var ErrConfigureNotFound = errors.New("skyload.star must define a configure() function")

// ErrConfigureReturnType is returned when configure() doesn't return a dict.
var ErrConfigureReturnType = errors.New("configure() must return a dict")

// LoadStarlark loads a configuration from a Starlark file.
// The file must define a configure() function that returns a dict.
// The execution is sandboxed: no filesystem or network access, with a timeout.
func LoadStarlark(path string, timeout time.Duration) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: path,
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	globals, err := starlark.ExecFile(thread, path, data, configPredeclared())
	if err != nil {
		return nil, fmt.Errorf("executing config %s: %w", path, err)
	}

	configureFn, ok := globals["configure"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigureNotFound)
	}

	fn, ok := configureFn.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: configure must be a function, got %s", path, configureFn.Type())
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: calling configure(): %w", path, err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", path, ErrConfigureReturnType, result.Type())
	}

	f, err := FileFromDict(dict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// configPredeclared returns the predeclared values for config Starlark files.
// This is a sandboxed environment with no filesystem or network access.
func configPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"getenv":    starlark.NewBuiltin("getenv", builtinGetenv),
		"host_os":   starlark.String(runtime.GOOS),
		"host_arch": starlark.String(runtime.GOARCH),
		"duration":  starlark.NewBuiltin("duration", builtinDuration),
	}
}

// builtinGetenv implements getenv(name, default="") -> string.
func builtinGetenv(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultVal starlark.String
	if err := starlark.UnpackArgs("getenv", args, kwargs, "name", &name, "default?", &defaultVal); err != nil {
		return nil, err
	}

	val := os.Getenv(name)
	if val == "" {
		return defaultVal, nil
	}
	return starlark.String(val), nil
}

// builtinDuration implements duration(s) -> string.
// Validates that the string is a valid Go duration.
func builtinDuration(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs("duration", args, kwargs, "s", &s); err != nil {
		return nil, err
	}

	if _, err := time.ParseDuration(s); err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	return starlark.String(s), nil
}

// FileFromDict converts a Starlark dict with the skyload.toml keys into a
// File. It is shared by skyload.star and require(config, ...) in modules.
func FileFromDict(d *starlark.Dict) (*File, error) {
	f := &File{}
	var err error

	if f.BaseURL, err = dictString(d, "base_url"); err != nil {
		return nil, err
	}
	if f.Mode, err = dictString(d, "mode"); err != nil {
		return nil, err
	}
	if f.Extension, err = dictString(d, "extension"); err != nil {
		return nil, err
	}

	// timeout: "30s" or a number of seconds
	if v, found, _ := d.Get(starlark.String("timeout")); found {
		switch val := v.(type) {
		case starlark.String:
			dur, err := time.ParseDuration(string(val))
			if err != nil {
				return nil, fmt.Errorf("invalid timeout %q: %w", string(val), err)
			}
			f.Timeout = Duration{dur}
		case starlark.Int:
			secs, ok := val.Int64()
			if !ok {
				return nil, fmt.Errorf("timeout %s out of range", val)
			}
			f.Timeout = Duration{time.Duration(secs) * time.Second}
		default:
			return nil, fmt.Errorf("timeout must be a string or int, got %s", v.Type())
		}
	}

	if f.Deps, err = dictStringList(d, "deps"); err != nil {
		return nil, err
	}
	if f.Trace, err = dictStringList(d, "trace"); err != nil {
		return nil, err
	}
	if f.Paths, err = dictStringMap(d, "paths"); err != nil {
		return nil, err
	}
	if f.PackageMap, err = dictStringMap(d, "package_map"); err != nil {
		return nil, err
	}
	if f.Cache, err = dictStringMap(d, "cache"); err != nil {
		return nil, err
	}
	if f.PathTransforms, err = dictTransforms(d); err != nil {
		return nil, err
	}

	if v, found, _ := d.Get(starlark.String("packages")); found {
		if f.Packages, err = packageList("packages", v); err != nil {
			return nil, err
		}
	}

	if v, found, _ := d.Get(starlark.String("package_paths")); found {
		pd, ok := v.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("package_paths must be a dict, got %s", v.Type())
		}
		f.PackagePaths = make(map[string][]PackageFile)
		for _, item := range pd.Items() {
			base, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("package_paths keys must be strings, got %s", item[0].Type())
			}
			packs, err := packageList("package_paths["+base+"]", item[1])
			if err != nil {
				return nil, err
			}
			f.PackagePaths[base] = packs
		}
	}

	return f, nil
}

// packageList parses a list whose elements are package names or package dicts.
func packageList(what string, v starlark.Value) ([]PackageFile, error) {
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", what, v.Type())
	}
	var out []PackageFile
	for i := 0; i < list.Len(); i++ {
		switch elem := list.Index(i).(type) {
		case starlark.String:
			out = append(out, PackageFile{Name: string(elem)})
		case *starlark.Dict:
			pf, err := packageFromDict(elem)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", what, i, err)
			}
			out = append(out, pf)
		default:
			return nil, fmt.Errorf("%s[%d] must be a string or dict, got %s", what, i, elem.Type())
		}
	}
	return out, nil
}

func packageFromDict(d *starlark.Dict) (PackageFile, error) {
	var (
		pf  PackageFile
		err error
	)
	if pf.Name, err = dictString(d, "name"); err != nil {
		return pf, err
	}
	if pf.Location, err = dictString(d, "location"); err != nil {
		return pf, err
	}
	if pf.Lib, err = dictString(d, "lib"); err != nil {
		return pf, err
	}
	if pf.Main, err = dictString(d, "main"); err != nil {
		return pf, err
	}
	if pf.PackageMap, err = dictStringMap(d, "package_map"); err != nil {
		return pf, err
	}
	if pf.Paths, err = dictStringMap(d, "paths"); err != nil {
		return pf, err
	}
	if pf.PathTransforms, err = dictTransforms(d); err != nil {
		return pf, err
	}
	return pf, nil
}

// dictTransforms parses path_transforms, a list of (pattern, replacement)
// pairs given as tuples, lists or dicts.
func dictTransforms(d *starlark.Dict) ([]TransformFile, error) {
	v, found, _ := d.Get(starlark.String("path_transforms"))
	if !found {
		return nil, nil
	}
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("path_transforms must be a list, got %s", v.Type())
	}
	var out []TransformFile
	for i := 0; i < list.Len(); i++ {
		var tf TransformFile
		switch elem := list.Index(i).(type) {
		case starlark.String:
			return nil, fmt.Errorf("path_transforms[%d] must be a pair or dict, got string", i)
		case starlark.Indexable:
			if elem.Len() != 2 {
				return nil, fmt.Errorf("path_transforms[%d] must have 2 elements", i)
			}
			p, ok1 := starlark.AsString(elem.Index(0))
			r, ok2 := starlark.AsString(elem.Index(1))
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("path_transforms[%d] must hold strings", i)
			}
			tf = TransformFile{Pattern: p, Replacement: r}
		case *starlark.Dict:
			var err error
			if tf.Pattern, err = dictString(elem, "pattern"); err != nil {
				return nil, err
			}
			if tf.Replacement, err = dictString(elem, "replacement"); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("path_transforms[%d] must be a pair or dict, got %s", i, elem.Type())
		}
		out = append(out, tf)
	}
	return out, nil
}

func dictString(d *starlark.Dict, key string) (string, error) {
	v, found, _ := d.Get(starlark.String(key))
	if !found || v == starlark.None {
		return "", nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", key, v.Type())
	}
	return s, nil
}

func dictStringList(d *starlark.Dict, key string) ([]string, error) {
	v, found, _ := d.Get(starlark.String(key))
	if !found {
		return nil, nil
	}
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", key, v.Type())
	}
	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		s, ok := starlark.AsString(list.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

func dictStringMap(d *starlark.Dict, key string) (map[string]string, error) {
	v, found, _ := d.Get(starlark.String(key))
	if !found {
		return nil, nil
	}
	m, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s must be a dict, got %s", key, v.Type())
	}
	out := make(map[string]string, m.Len())
	for _, item := range m.Items() {
		k, ok1 := starlark.AsString(item[0])
		s, ok2 := starlark.AsString(item[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s must map strings to strings", key)
		}
		out[k] = s
	}
	return out, nil
}
