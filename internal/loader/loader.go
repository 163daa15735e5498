// Package loader implements an AMD-style module loader.
//
// A request names modules by identifier. The loader resolves identifiers to
// shared module records, injects the resources backing them through a Host,
// hands the arrived text to an Evaluator which defines the modules, and then
// executes factories bottom-up through the dependency graph. Circular
// dependencies are tolerated: a module visited while it is still executing
// contributes its exports object.
//
// The loader is single-threaded. All methods must be called from one
// goroutine; asynchronous arrivals are queued and processed by Wait.
package loader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/skyload/internal/mapprog"
)

// Option configures a Loader.
type Option func(*Loader)

// WithHost sets the resource host.
func WithHost(h Host) Option {
	return func(l *Loader) { l.host = h }
}

// WithEvaluator sets the evaluator for fetched text. If it also implements
// PluginAdapter it is consulted when a plugin module's value is not a Plugin.
func WithEvaluator(e Evaluator) Option {
	return func(l *Loader) { l.eval = e }
}

// WithPluginAdapter registers an additional plugin adapter.
func WithPluginAdapter(a PluginAdapter) Option {
	return func(l *Loader) { l.adapters = append(l.adapters, a) }
}

// WithLogger sets the logger used for reports and trace groups.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) { l.log = logger }
}

// WithContext sets the context passed to host fetches.
func WithContext(ctx context.Context) Option {
	return func(l *Loader) { l.ctx = ctx }
}

// WithPageLoaded controls whether the hosting page is considered loaded at
// start. When false, ready callbacks wait for SignalPageLoaded.
func WithPageLoaded(loaded bool) Option {
	return func(l *Loader) { l.pageLoaded = loaded }
}

// Loader owns a module registry and the queues that drive it.
type Loader struct {
	ctx      context.Context
	host     Host
	eval     Evaluator
	adapters []PluginAdapter
	log      *log.Logger

	mode      Mode
	baseURL   string
	extension string
	timeout   time.Duration
	traceSet  map[string]bool

	paths          map[string]string
	pathsProg      mapprog.Program
	packages       map[string]*Package
	packageMap     map[string]string
	packageMapProg mapprog.Program
	pathTransforms []mapprog.Transform
	cache          map[string]any

	modules   map[string]*Module
	waiting   map[string]bool
	execQ     []*Module
	defQ      []definition
	injecting []*Module

	syncDepth    int
	syncBaseline int
	evalOrder    int
	uid          int

	sentinels map[string]*Module
	global    *Require

	loadQ      []readyEntry
	inOnLoad   bool
	pageLoaded bool

	listeners    []listenerEntry
	nextListener int
	errorLog     []Report
	pendingErr   error

	mu       sync.Mutex
	events   []func() error
	wake     chan struct{}
	inflight int
	timer    *time.Timer
	timerGen int
}

// New creates a loader, applies cfg as the boot configuration, and then
// requests the configuration's deps.
func New(cfg *Config, opts ...Option) (*Loader, error) {
	l := &Loader{
		ctx:        context.Background(),
		log:        log.New(io.Discard),
		mode:       ModeSync,
		extension:  DefaultExtension,
		traceSet:   make(map[string]bool),
		packages:   make(map[string]*Package),
		packageMap: make(map[string]string),
		cache:      make(map[string]any),
		modules:    make(map[string]*Module),
		waiting:    make(map[string]bool),
		sentinels:  make(map[string]*Module),
		pageLoaded: true,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if a, ok := l.eval.(PluginAdapter); ok {
		l.adapters = append(l.adapters, a)
	}
	if err := l.configure(cfg, true); err != nil {
		return nil, err
	}
	if l.mode == ModeSync {
		l.syncDepth, l.syncBaseline = 1, 1
	}
	for _, id := range []string{"require", "exports", "module"} {
		l.sentinels[id] = l.makeSentinel(id)
	}
	l.global = &Require{l: l}

	if cfg != nil {
		if err := l.doWork(cfg.Deps, cfg.Callback, cfg.Ready); err != nil {
			return l, err
		}
	}
	return l, nil
}

func (l *Loader) makeSentinel(id string) *Module {
	kind := map[string]moduleKind{"require": kindRequire, "exports": kindExports, "module": kindModule}[id]
	return &Module{
		MID:      id,
		PQN:      "*" + id,
		Path:     id,
		kind:     kind,
		injected: Arrived,
		exec:     executed,
		defined:  true,
	}
}

// Mode returns the acquisition mode fixed at boot.
func (l *Loader) Mode() Mode {
	return l.mode
}

// BaseURL returns the effective base location.
func (l *Loader) BaseURL() string {
	return l.baseURL
}

// Host returns the host the loader fetches through, or nil.
func (l *Loader) Host() Host {
	return l.host
}

// Context returns the context passed to host operations.
func (l *Loader) Context() context.Context {
	return l.ctx
}

// Global returns the unscoped requester.
func (l *Loader) Global() *Require {
	return l.global
}

// Configure applies a further configuration layer and runs its deps.
func (l *Loader) Configure(cfg *Config) error {
	return l.configure(cfg, false)
}

func (l *Loader) doWork(deps []string, callback Callback, ready func() error) error {
	if len(deps) > 0 || callback != nil {
		if err := l.global.Modules(deps, callback); err != nil {
			return err
		}
	}
	if ready != nil {
		return l.OnReady(ready)
	}
	return nil
}

// Complete reports whether the loader has no outstanding work: the
// synchronous depth is at its baseline and the definition queue, waiting set
// and execution queue are all empty.
func (l *Loader) Complete() bool {
	return l.syncDepth == l.syncBaseline && len(l.defQ) == 0 && len(l.waiting) == 0 && len(l.execQ) == 0
}

// post queues fn to run on the loader goroutine. Safe for concurrent use.
func (l *Loader) post(fn func() error) {
	l.mu.Lock()
	l.events = append(l.events, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loader) takeEvents() []func() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

func (l *Loader) pendingAsync() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight + len(l.events)
}

// Pump processes the asynchronous arrivals queued so far without blocking.
func (l *Loader) Pump() error {
	for _, ev := range l.takeEvents() {
		if err := ev(); err != nil {
			return err
		}
	}
	return l.takeErr()
}

// Wait processes asynchronous arrivals until the loader is complete. It
// returns the first unrecovered error, ErrStalled when nothing is in flight
// yet queued modules cannot execute, or the context's error.
func (l *Loader) Wait(ctx context.Context) error {
	for {
		if err := l.Pump(); err != nil {
			return err
		}
		if l.pendingAsync() == 0 {
			if l.Complete() {
				// ready callbacks may still be held back by the page
				return nil
			}
			if l.timer == nil {
				return fmt.Errorf("%w: queued %v, waiting %v", ErrStalled, l.Queued(), l.Waiting())
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loader) nextUID() string {
	l.uid++
	return fmt.Sprintf("_%d", l.uid)
}

func (l *Loader) trace(group string, keyvals ...any) {
	if l.traceSet[group] {
		l.log.Debug(group, keyvals...)
	}
}

// Module returns the registered record for a qualified name.
func (l *Loader) Module(pqn string) (*Module, bool) {
	m, ok := l.modules[pqn]
	return m, ok
}

// Modules returns every registered record ordered by qualified name.
func (l *Loader) Modules() []*Module {
	out := make([]*Module, 0, len(l.modules))
	for _, m := range l.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PQN < out[j].PQN })
	return out
}

// Waiting returns the qualified names currently in flight.
func (l *Loader) Waiting() []string {
	out := make([]string, 0, len(l.waiting))
	for pqn := range l.waiting {
		out = append(out, pqn)
	}
	sortStrings(out)
	return out
}

// Queued returns the qualified names on the execution queue in queue order.
func (l *Loader) Queued() []string {
	out := make([]string, len(l.execQ))
	for i, m := range l.execQ {
		out[i] = m.PQN
	}
	return out
}

func sortStrings(s []string) {
	sort.Strings(s)
}
