// Package starlarkmod runs module text written in Starlark.
//
// A module file is executed with two predeclared globals. define(...) records
// a factory the way an AMD define does:
//
//	define(factory)
//	define(deps, factory)
//	define(id, factory)
//	define(id, deps, factory)
//
// A callable factory receives its dependencies positionally; any other value
// is the module's value. require is the global requester: require("id")
// returns an executed module, require(["a", "b"], callback) requests modules
// and require(config, ...) applies configuration first.
package starlarkmod

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/albertocavalcante/skyload/internal/loader"
)

// Vendor is reported by define.amd.vendor.
const Vendor = "skyload"

// Options configures an Evaluator.
type Options struct {
	// Logger receives print() output at info level. Defaults to discarding.
	Logger *log.Logger

	// Predeclared contains additional predeclared values for every module.
	Predeclared starlark.StringDict

	// Timeout bounds a single file evaluation or factory call. Zero means no limit.
	Timeout time.Duration
}

// Evaluator implements loader.Evaluator and loader.PluginAdapter for
// Starlark sources.
type Evaluator struct {
	log         *log.Logger
	predeclared starlark.StringDict
	timeout     time.Duration
}

// New creates an evaluator.
func New(opts Options) *Evaluator {
	e := &Evaluator{
		log:         opts.Logger,
		predeclared: make(starlark.StringDict, len(opts.Predeclared)),
		timeout:     opts.Timeout,
	}
	for k, v := range opts.Predeclared {
		e.predeclared[k] = v
	}
	if e.log == nil {
		e.log = log.New(io.Discard)
	}
	return e
}

// Predeclare adds a predeclared value for sources evaluated from now on.
func (e *Evaluator) Predeclare(name string, v starlark.Value) {
	e.predeclared[name] = v
}

// Value converts a loader value for use in Starlark code.
func (e *Evaluator) Value(v any) starlark.Value {
	return e.toStarlark(v)
}

// Eval implements loader.Evaluator.
func (e *Evaluator) Eval(d loader.Definer, src loader.Source) error {
	filename := src.URL
	if filename == "" {
		filename = src.Name
	}
	scan := scanRequires(filename, src.Text)

	thread := e.newThread(src.Name)
	defer e.watch(thread)()

	predeclared := make(starlark.StringDict, len(e.predeclared)+3)
	for k, v := range e.predeclared {
		predeclared[k] = v
	}
	predeclared["define"] = &defineValue{e: e, d: d, scan: scan}
	predeclared["require"] = e.toStarlark(d.Global())
	predeclared["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)

	if _, err := starlark.ExecFile(thread, filename, src.Text, predeclared); err != nil {
		return fmt.Errorf("evaluating %s: %w", src.Name, err)
	}
	return nil
}

func (e *Evaluator) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			e.log.Info(msg, "module", name)
		},
	}
}

// watch cancels thread once the timeout elapses. The returned function stops
// the watchdog.
func (e *Evaluator) watch(thread *starlark.Thread) func() {
	if e.timeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	return func() {
		close(done)
		cancel()
	}
}

// call runs fn on a fresh thread. Surplus positional arguments are dropped
// for functions that cannot take them, so a factory may name only the
// dependencies it uses.
func (e *Evaluator) call(fn starlark.Callable, args starlark.Tuple) (starlark.Value, error) {
	if f, ok := fn.(*starlark.Function); ok && !f.HasVarargs() {
		n := f.NumParams() - f.NumKwonlyParams()
		if f.HasKwargs() {
			n--
		}
		if len(args) > n {
			args = args[:n]
		}
	}
	thread := e.newThread(fn.Name())
	defer e.watch(thread)()
	return starlark.Call(thread, fn, args, nil)
}

// defineValue is the predeclared define callable of one evaluation.
type defineValue struct {
	e    *Evaluator
	d    loader.Definer
	scan requireScan
}

var (
	_ starlark.Callable = (*defineValue)(nil)
	_ starlark.HasAttrs = (*defineValue)(nil)
)

func (dv *defineValue) String() string        { return "<built-in function define>" }
func (dv *defineValue) Type() string          { return "builtin_function_or_method" }
func (dv *defineValue) Freeze()               {}
func (dv *defineValue) Truth() starlark.Bool  { return true }
func (dv *defineValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: define") }
func (dv *defineValue) Name() string          { return "define" }

// Attr implements starlark.HasAttrs.
func (dv *defineValue) Attr(name string) (starlark.Value, error) {
	if name == "amd" {
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"vendor": starlark.String(Vendor),
		}), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (dv *defineValue) AttrNames() []string {
	return []string{"amd"}
}

// CallInternal implements starlark.Callable.
func (dv *defineValue) CallInternal(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("define: unexpected keyword argument %s", kwargs[0][0])
	}

	var (
		id      string
		deps    []string
		factory starlark.Value
		err     error
	)
	switch len(args) {
	case 1:
		factory = args[0]
		if fn, ok := factory.(*starlark.Function); ok {
			deps = append(append([]string(nil), loader.DefaultDeps...), dv.scan.lookup(fn)...)
		}
	case 2:
		factory = args[1]
		if _, ok := args[0].(*starlark.List); ok {
			if deps, err = stringList("define", args[0]); err != nil {
				return nil, err
			}
		} else if id, err = idArg(args[0]); err != nil {
			return nil, err
		}
	case 3:
		factory = args[2]
		if id, err = idArg(args[0]); err != nil {
			return nil, err
		}
		if args[1] != starlark.None {
			if deps, err = stringList("define", args[1]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("define: got %d arguments, want 1 to 3", len(args))
	}

	if err := dv.d.Define(id, deps, dv.e.factory(factory)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func idArg(v starlark.Value) (string, error) {
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("define: module id must be a string, got %s", v.Type())
	}
	return s, nil
}

// stringList converts a list or tuple of strings. An empty sequence yields a
// non-nil empty slice.
func stringList(fname string, v starlark.Value) ([]string, error) {
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("%s: want a list of ids, got %s", fname, v.Type())
	}
	if _, isString := v.(starlark.String); isString {
		return nil, fmt.Errorf("%s: want a list of ids, got string", fname)
	}
	out := make([]string, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		s, ok := starlark.AsString(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: id %d must be a string, got %s", fname, i, seq.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// factory adapts a define argument for the loader: callables become
// loader.Factory values, anything else is the module's literal value.
func (e *Evaluator) factory(v starlark.Value) any {
	if fn, ok := v.(starlark.Callable); ok {
		return &factory{e: e, fn: fn}
	}
	return v
}

type factory struct {
	e  *Evaluator
	fn starlark.Callable
}

// Run implements loader.Factory. Returning None leaves the module's exports
// as its value.
func (f *factory) Run(args []any) (any, error) {
	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		sargs[i] = f.e.toStarlark(a)
	}
	v, err := f.e.call(f.fn, sargs)
	if err != nil {
		return nil, err
	}
	if v == starlark.None {
		return nil, nil
	}
	return v, nil
}

// requireScan maps function definitions to the literal require("id") calls
// in their bodies.
type requireScan map[scanKey][]string

type scanKey struct {
	file      string
	line, col int32
}

func (s requireScan) lookup(fn *starlark.Function) []string {
	pos := fn.Position()
	return s[scanKey{pos.Filename(), pos.Line, pos.Col}]
}

// scanRequires parses src and records, for every def and lambda, the ids of
// require calls with a single string literal argument. Parse errors are left
// for evaluation to report.
func scanRequires(filename, src string) requireScan {
	f, err := syntax.Parse(filename, src, 0)
	if err != nil {
		return nil
	}
	scan := make(requireScan)
	syntax.Walk(f, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.DefStmt:
			var ids []string
			for _, stmt := range n.Body {
				ids = append(ids, requireCalls(stmt)...)
			}
			scan[scanKey{n.Def.Filename(), n.Def.Line, n.Def.Col}] = ids
		case *syntax.LambdaExpr:
			scan[scanKey{n.Lambda.Filename(), n.Lambda.Line, n.Lambda.Col}] = requireCalls(n.Body)
		}
		return true
	})
	return scan
}

func requireCalls(root syntax.Node) []string {
	var ids []string
	syntax.Walk(root, func(n syntax.Node) bool {
		call, ok := n.(*syntax.CallExpr)
		if !ok || len(call.Args) != 1 {
			return true
		}
		if fn, ok := call.Fn.(*syntax.Ident); !ok || fn.Name != "require" {
			return true
		}
		if lit, ok := call.Args[0].(*syntax.Literal); ok && lit.Token == syntax.STRING {
			if id, ok := lit.Value.(string); ok {
				ids = append(ids, id)
			}
		}
		return true
	})
	return ids
}
