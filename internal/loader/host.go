package loader

import "context"

// Host acquires module resources on behalf of the loader. It is the only
// place the loader touches the outside world.
type Host interface {
	// FetchText returns the resource text at url, blocking until it is
	// available. Used in synchronous mode and by plugins.
	FetchText(ctx context.Context, url string) (string, error)

	// InjectAsync starts acquiring url and returns immediately. done is called
	// exactly once, from any goroutine, with the text or the failure.
	InjectAsync(ctx context.Context, url string, done func(text string, err error))
}

// Source is a fetched resource handed to an Evaluator.
type Source struct {
	// Name identifies the source in diagnostics; it is the module path.
	Name string
	// URL is where the text was fetched from.
	URL string
	// Text is the resource content.
	Text string
}

// Definer is the surface an Evaluator uses while running module text.
type Definer interface {
	// Define records a factory; see Loader.Define.
	Define(id string, deps []string, factory any) error
	// Global returns the loader's unscoped requester.
	Global() *Require
}

// Evaluator runs fetched module text. Running the text is expected to call
// Definer.Define for every module the text contains.
type Evaluator interface {
	Eval(d Definer, src Source) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(d Definer, src Source) error

// Eval implements Evaluator.
func (f EvaluatorFunc) Eval(d Definer, src Source) error {
	return f(d, src)
}

// Factory computes a module value from its resolved dependencies, passed
// positionally in declared order.
type Factory interface {
	Run(args []any) (any, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(args []any) (any, error)

// Run implements Factory.
func (f FactoryFunc) Run(args []any) (any, error) {
	return f(args)
}

// Plugin is implemented by module values that resolve plugin resources such
// as "text!foo.html". done delivers the resource value; it may be called
// later, from the loader's goroutine, for example inside a Fetch callback.
type Plugin interface {
	Load(resource string, req *Require, done func(value any)) error
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(resource string, req *Require, done func(value any)) error

// Load implements Plugin.
func (f PluginFunc) Load(resource string, req *Require, done func(value any)) error {
	return f(resource, req, done)
}

// PluginAdapter converts module values the loader does not understand
// natively into plugins. Evaluators for other value systems implement it.
type PluginAdapter interface {
	AsPlugin(v any) (Plugin, bool)
}

// Callback receives the values of a request list positionally.
type Callback func(values []any) error

func asFactory(v any) (Factory, bool) {
	switch f := v.(type) {
	case Factory:
		return f, true
	case func(args []any) (any, error):
		return FactoryFunc(f), true
	case Callback:
		return FactoryFunc(func(args []any) (any, error) { return nil, f(args) }), true
	case func(values []any) error:
		return FactoryFunc(func(args []any) (any, error) { return nil, f(args) }), true
	}
	return nil, false
}
