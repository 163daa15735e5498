package loader

import (
	"fmt"
	"sort"
	"strings"
)

// State is the lifecycle position of a module record.
type State int

const (
	// Unrequested records exist only because some identifier resolved to them.
	Unrequested State = iota
	// Requested records have had their resource injected but it has not arrived.
	Requested
	// Arrived records have a definition (or were found not to be modules).
	Arrived
	// Executing records are running their dependency vector or factory.
	Executing
	// Executed records carry a computed result.
	Executed
)

func (s State) String() string {
	switch s {
	case Unrequested:
		return "unrequested"
	case Requested:
		return "requested"
	case Arrived:
		return "arrived"
	case Executing:
		return "executing"
	case Executed:
		return "executed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type execState int

const (
	unexecuted execState = iota
	executing
	executed
)

type moduleKind int

const (
	kindNormal moduleKind = iota
	kindRequire
	kindExports
	kindModule
	kindPluginResource
	kindRequest
)

// nonModule is the result of a resource that never called define.
type nonModule struct{}

func (nonModule) String() string { return "<non-module>" }

// NonModule is the result given to resources that arrived without defining a
// module, such as plain scripts.
var NonModule any = nonModule{}

// Module is the loader's record for one resolvable unit of code. Records are
// created on first resolution and shared by every identifier that resolves to
// the same qualified name.
type Module struct {
	// PID is the package identifier; empty for modules outside any package.
	PID string
	// MID is the module identifier within its package.
	MID string
	// PQN is the package-qualified name, the registry key.
	PQN string
	// Path is the resolved module path after mapping.
	Path string
	// URL is the location the resource is fetched from.
	URL string
	// Pack is the owning package, if any.
	Pack *Package
	// Deps is the dependency vector in declared order.
	Deps []*Module
	// Result is the memoized module value once executed.
	Result any
	// EvalOrder numbers factory runs; diagnostics only.
	EvalOrder int

	kind     moduleKind
	injected State
	exec     execState
	defined  bool
	factory  any
	exports  any
	nonMod   bool

	require *Require

	// plugin resource fields
	plugin     *Module
	resource   string
	req        *Require
	loadCalled bool

	// plugin module fields
	isPlugin bool
	load     Plugin
	loadQ    []pluginLoad
}

type pluginLoad struct {
	resource string
	req      *Require
	done     func(any)
}

// State folds injection and execution progress into one value.
func (m *Module) State() State {
	switch m.exec {
	case executed:
		return Executed
	case executing:
		return Executing
	}
	return m.injected
}

// Executed reports whether the module has a computed result.
func (m *Module) Executed() bool {
	return m.exec == executed
}

// IsPlugin reports whether the module has been used as a plugin.
func (m *Module) IsPlugin() bool {
	return m.isPlugin
}

// IsNonModule reports whether the resource arrived without defining a module.
func (m *Module) IsNonModule() bool {
	return m.nonMod
}

// Plugin returns the plugin module for a plugin resource record.
func (m *Module) Plugin() *Module {
	return m.plugin
}

// Resource returns the plugin resource string for a plugin resource record.
func (m *Module) Resource() string {
	return m.resource
}

// Exports returns the module's current CommonJS exports value. It is an
// *Exports until the factory replaces it through SetExports.
func (m *Module) Exports() any {
	return m.exports
}

// SetExports replaces the exports value. A factory returning nil yields the
// value set here.
func (m *Module) SetExports(v any) {
	m.exports = v
}

func (m *Module) String() string {
	return m.PQN
}

// Exports is the live, mutable exports object handed to factories that
// depend on "exports". Consumers caught in a dependency cycle receive it
// before the producing factory has finished populating it.
type Exports struct {
	keys   []string
	values map[string]any
}

// NewExports returns an empty exports object.
func NewExports() *Exports {
	return &Exports{values: make(map[string]any)}
}

// Get returns the named export.
func (e *Exports) Get(name string) (any, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Set assigns an export, keeping first-assignment order.
func (e *Exports) Set(name string, v any) {
	if _, ok := e.values[name]; !ok {
		e.keys = append(e.keys, name)
	}
	e.values[name] = v
}

// Delete removes an export.
func (e *Exports) Delete(name string) {
	if _, ok := e.values[name]; !ok {
		return
	}
	delete(e.values, name)
	for i, k := range e.keys {
		if k == name {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
}

// Keys returns export names in assignment order.
func (e *Exports) Keys() []string {
	return append([]string(nil), e.keys...)
}

// Len returns the number of exports.
func (e *Exports) Len() int {
	return len(e.keys)
}

func (e *Exports) String() string {
	keys := e.Keys()
	sort.Strings(keys)
	return "exports(" + strings.Join(keys, ", ") + ")"
}
