// Package cli holds output helpers and exit codes shared by skyload commands.
package cli

// Exit codes.
const (
	// ExitOK means every requested module loaded.
	ExitOK = 0

	// ExitError means loading failed: a fetch, evaluation or factory error,
	// a timeout, or bad configuration.
	ExitError = 1

	// ExitUsage means the command line could not be parsed.
	ExitUsage = 2
)
