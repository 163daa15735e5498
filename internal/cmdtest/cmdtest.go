// Package cmdtest runs the skyload command against txtar scripts.
//
// Each file under testdata/ is a testscript: commands at the top, files for
// the work directory below. For example:
//
//	# a module and its dependency
//	exec skyload app
//	stdout '^app = "hello"$'
//
//	-- app.star --
//	define(["util"], lambda u: u)
//	-- util.star --
//	define("hello")
package cmdtest

import (
	"os"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/albertocavalcante/skyload/internal/cmd/skyload"
)

// Run executes the testscript tests in the given directory.
func Run(t *testing.T, dir string) {
	testscript.Run(t, testscript.Params{
		Dir: dir,
		Setup: func(env *testscript.Env) error {
			// keep the user's cache and config out of the scripts
			env.Setenv("SKYLOAD_CACHE_DIR", env.WorkDir+"/.cache")
			env.Setenv("SKYLOAD_CONFIG", "")
			return nil
		},
	})
}

// Main is the TestMain function that should be called from test files.
// It registers skyload as a testscript command.
func Main(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"skyload": wrapRun(skyload.Run),
	}))
}

// wrapRun adapts a Run(args []string) int function to testscript, taking the
// arguments from os.Args[1:].
func wrapRun(run func(args []string) int) func() int {
	return func() int {
		return run(os.Args[1:])
	}
}
