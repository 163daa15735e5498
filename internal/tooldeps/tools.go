// Package tooldeps pins the analyzers of the lint job in go.mod: errcheck,
// bodyclose for the HTTP host, and the nilness and unusedwrite passes.
package tooldeps

import (
	_ "github.com/kisielk/errcheck/errcheck"
	_ "github.com/timakin/bodyclose/passes/bodyclose"
	_ "golang.org/x/tools/go/analysis/passes/nilness"
	_ "golang.org/x/tools/go/analysis/passes/unusedwrite"
)
