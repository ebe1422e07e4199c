package sfm

import "fmt"

// FormatError reports a structural violation in an input file: a wrong
// header, a count that cannot be matched by the remaining lines, a truncated
// record or an explicitly requested node/file that cannot be resolved.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "format error: " + e.Reason
	}
	return fmt.Sprintf("format error in %s: %s", e.Path, e.Reason)
}

func newFormatError(path, format string, args ...interface{}) *FormatError {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
