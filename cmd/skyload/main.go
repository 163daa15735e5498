// Command skyload loads modules written in Starlark and prints their values.
//
// Usage:
//
//	skyload app
//	skyload -json app text!notes.txt
//	skyload -mode async -graph app
//	skyload -watch app
package main

import (
	"os"

	"github.com/albertocavalcante/skyload/internal/cmd/skyload"
)

func main() {
	os.Exit(skyload.Run(os.Args[1:]))
}
