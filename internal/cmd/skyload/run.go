// Package skyload implements the skyload command, which loads modules through
// the loader and prints their values.
package skyload

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/albertocavalcante/skyload/internal/cli"
	"github.com/albertocavalcante/skyload/internal/version"
)

// options holds the parsed command line.
type options struct {
	dir         string
	configPath  string
	base        string
	mode        string
	platform    string
	trace       string
	timeout     time.Duration
	evalTimeout time.Duration
	jsonOut     bool
	graph       bool
	verbose     bool
	watch       bool
	cache       bool
	purgeCache  bool
}

// Run executes skyload with the given arguments and returns the exit code.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return RunWithIO(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for embedding/testing.
func RunWithIO(ctx context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) int {
	var (
		opts        options
		versionFlag bool
	)

	fs := flag.NewFlagSet("skyload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.dir, "dir", ".", "directory modules are loaded from")
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default: discovered skyload.star or skyload.toml)")
	fs.StringVar(&opts.base, "base", "", "base location, overriding the configuration")
	fs.StringVar(&opts.mode, "mode", "", "acquisition mode: sync or async")
	fs.StringVar(&opts.platform, "platform", "", "platform name for legacy.platform_require (default: GOOS)")
	fs.StringVar(&opts.trace, "trace", "", "comma-separated trace groups, or all")
	fs.DurationVar(&opts.timeout, "timeout", 0, "fail when modules stay in flight this long")
	fs.DurationVar(&opts.evalTimeout, "eval-timeout", 0, "bound a single module evaluation or factory call")
	fs.BoolVar(&opts.jsonOut, "json", false, "print values as JSON")
	fs.BoolVar(&opts.graph, "graph", false, "print the module registry after loading")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.BoolVar(&opts.watch, "watch", false, "reload and print diffs when files change")
	fs.BoolVar(&opts.cache, "cache", false, "cache remote modules on disk")
	fs.BoolVar(&opts.purgeCache, "purge-cache", false, "empty the remote module cache before loading")
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")

	fs.Usage = func() {
		cli.Writeln(stderr, "Usage: skyload [flags] <module>...")
		cli.Writeln(stderr)
		cli.Writeln(stderr, "Loads modules and prints their values.")
		cli.Writeln(stderr)
		cli.Writeln(stderr, "Flags:")
		fs.PrintDefaults()
		cli.Writeln(stderr)
		cli.Writeln(stderr, "Examples:")
		cli.Writeln(stderr, "  skyload app                    # Load app.star and print its value")
		cli.Writeln(stderr, "  skyload -json app text!a.txt   # JSON output, with a plugin resource")
		cli.Writeln(stderr, "  skyload -mode async -graph app # Asynchronous loading, then the registry")
		cli.Writeln(stderr, "  skyload -watch app             # Print diffs as files change")
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return cli.ExitOK
		}
		return cli.ExitUsage
	}

	if versionFlag {
		cli.Writef(stdout, "skyload %s\n", version.String())
		return cli.ExitOK
	}

	ids := fs.Args()
	if len(ids) == 0 && !opts.graph {
		cli.Writeln(stderr, "skyload: no modules specified")
		fs.Usage()
		return cli.ExitUsage
	}

	logger := newLogger(stderr, opts)
	s, err := newSession(ctx, opts, stdout, logger)
	if err != nil {
		cli.Writef(stderr, "skyload: %v\n", err)
		return cli.ExitError
	}

	values, err := s.load(ids)
	if err != nil {
		cli.Writef(stderr, "skyload: %v\n", err)
		if opts.graph {
			s.printGraph(stdout)
		}
		return cli.ExitError
	}
	if err := s.printValues(ids, values); err != nil {
		cli.Writef(stderr, "skyload: %v\n", err)
		return cli.ExitError
	}
	if opts.graph {
		s.printGraph(stdout)
	}

	if opts.watch {
		if err := s.watch(ctx, ids, values); err != nil {
			cli.Writef(stderr, "skyload: %v\n", err)
			return cli.ExitError
		}
	}
	return cli.ExitOK
}

func newLogger(w io.Writer, opts options) *log.Logger {
	level := log.InfoLevel
	if opts.verbose || strings.TrimSpace(opts.trace) != "" {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix: "skyload",
		Level:  level,
	})
}
