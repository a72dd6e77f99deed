package fsstate

import (
	"strings"
)

// WriteFailure writes the failure marker for input with the diagnostic text.
// The marker excludes input from every later scan until it is removed.
func WriteFailure(d Dirs, input string, cause string) error {
	if !strings.HasSuffix(cause, "\n") {
		cause += "\n"
	}
	return WriteFileAtomic(d.MarkerPath(input), []byte(cause), 0o644)
}
