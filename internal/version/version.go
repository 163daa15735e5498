// Package version reports the skyload build version. The variables are set
// with -ldflags "-X" at release time.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns the version line printed by -version. Development builds
// fall back to the module version recorded by the Go toolchain.
func String() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return fmt.Sprintf("%s (commit %s, built %s)", v, Commit, Date)
}
