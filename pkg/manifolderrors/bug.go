// Package manifolderrors holds error helpers shared across manifold.
package manifolderrors

import (
	"fmt"
	"os"
	"strings"
)

// Based on: https://stackoverflow.com/a/58945030
func isInTests() bool {
	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// IsInTests returns true if the binary is a test binary.
func IsInTests() bool { return isInTests() }

// MustBugf returns an error representing a bug in the system. Will panic if run under testing.
func MustBugf(format string, args ...any) error {
	if isInTests() {
		panic(fmt.Sprintf(format, args...))
	}

	return fmt.Errorf("BUG: "+format, args...)
}
