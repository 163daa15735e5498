package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	old := Commit
	Commit = "abc123"
	defer func() { Commit = old }()

	got := String()
	if !strings.Contains(got, "commit abc123") {
		t.Errorf("String() = %q, want it to name the commit", got)
	}
}
