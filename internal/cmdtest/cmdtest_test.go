package cmdtest

import (
	"testing"
)

func TestMain(m *testing.M) {
	Main(m)
}

func TestSkyload(t *testing.T) {
	Run(t, "testdata/skyload")
}
