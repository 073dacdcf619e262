package main

import "github.com/gravitational/trace"

// Exit codes per spec.md §6: 0 normal, 1 configuration error (malformed or
// missing service strings, duplicate service names, bind failure), 2 fatal
// runtime error.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitRuntimeFailure = 2
)

// exitCodeFor classifies a top-level error the way the teacher's main.go
// classifies connection/setup failures, but against our own error kinds:
// trace.BadParameter is always a configuration mistake, anything else that
// escaped a Run/ConnectionLoop is a runtime failure.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if trace.IsBadParameter(err) {
		return exitConfigError
	}
	return exitRuntimeFailure
}
