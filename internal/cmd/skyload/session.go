package skyload

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/skyload/internal/amdplugins"
	"github.com/albertocavalcante/skyload/internal/host"
	"github.com/albertocavalcante/skyload/internal/legacy"
	"github.com/albertocavalcante/skyload/internal/loader"
	"github.com/albertocavalcante/skyload/internal/loaderconfig"
	"github.com/albertocavalcante/skyload/internal/starlarkmod"
)

// session is one loader wired for the command line.
type session struct {
	ctx    context.Context
	opts   options
	root   string
	l      *loader.Loader
	ev     *starlarkmod.Evaluator
	log    *log.Logger
	stdout io.Writer
	color  bool
}

func newSession(ctx context.Context, opts options, stdout io.Writer, logger *log.Logger) (*session, error) {
	cfg, path, err := loaderconfig.Resolve(opts.dir, opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, opts); err != nil {
		return nil, err
	}

	root := opts.dir
	if path != "" {
		root = filepath.Dir(path)
		logger.Debug("using config", "path", path)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}

	h, err := newHost(root, opts)
	if err != nil {
		return nil, err
	}

	// boot deps run once the plugins are registered
	deps := cfg.Deps
	cfg.Deps = nil

	ev := starlarkmod.New(starlarkmod.Options{Logger: logger, Timeout: opts.evalTimeout})
	l, err := loader.New(cfg,
		loader.WithHost(h),
		loader.WithEvaluator(ev),
		loader.WithLogger(logger),
		loader.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	amdplugins.Register(l)
	legacy.New(l, opts.platform).Bind(ev)

	s := &session{
		ctx:    ctx,
		opts:   opts,
		root:   root,
		l:      l,
		ev:     ev,
		log:    logger,
		stdout: stdout,
		color:  isTerminal(stdout),
	}
	if len(deps) > 0 {
		if err := l.Configure(&loader.Config{Deps: deps}); err != nil {
			return nil, err
		}
		if err := s.wait(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// applyFlags layers command-line settings over the resolved configuration.
func applyFlags(cfg *loader.Config, opts options) error {
	mode, err := loaderconfig.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	var trace []string
	if opts.trace != "" {
		trace = strings.Split(opts.trace, ",")
	}
	cfg.Merge(&loader.Config{
		BaseURL: opts.base,
		Mode:    mode,
		Timeout: opts.timeout,
		Trace:   loaderconfig.TraceSet(trace),
	})
	return nil
}

// newHost serves scheme-less and file:// locations from root and HTTP(S)
// locations from the network, optionally through the disk cache.
func newHost(root string, opts options) (loader.Host, error) {
	fsHost := host.NewFS(root)
	mux := host.NewMux(fsHost)
	mux.Handle("file", fsHost)

	var remote loader.Host = host.NewHTTP()
	if opts.cache || opts.purgeCache {
		dir, err := host.DefaultCacheDir()
		if err != nil {
			return nil, err
		}
		c := host.NewCache(dir, remote)
		if opts.purgeCache {
			if err := c.Purge(); err != nil {
				return nil, err
			}
		}
		if opts.cache {
			remote = c
		}
	}
	mux.Handle("http", remote)
	mux.Handle("https", remote)
	return mux, nil
}

// wait brings in asynchronous arrivals.
func (s *session) wait() error {
	if s.l.Mode() != loader.ModeAsync {
		return nil
	}
	return s.l.Wait(s.ctx)
}

// load requests ids and returns their values in order.
func (s *session) load(ids []string) ([]any, error) {
	if len(ids) == 0 {
		return nil, s.wait()
	}
	var values []any
	err := s.l.Global().Modules(ids, func(v []any) error {
		values = append([]any(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.wait(); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, fmt.Errorf("modules did not execute; waiting on %s", strings.Join(s.l.Waiting(), ", "))
	}
	return values, nil
}
