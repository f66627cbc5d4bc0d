package errcat

import "fmt"

// StructuredError is the typed error raised by handlers and services. It
// carries a catalog code, an internal detail that is only ever logged, and a
// context map that enriches the log record. The HTTP layer maps it to the
// sanitized response described by the catalog entry.
type StructuredError struct {
	Code           string
	InternalDetail string
	Context        map[string]any
}

// New constructs a StructuredError. The code must match the catalog code
// pattern; a malformed code panics because it is a programming error, not a
// runtime condition.
func New(code, internalDetail string, context map[string]any) *StructuredError {
	if !codePattern.MatchString(code) {
		panic(fmt.Sprintf("errcat: malformed error code %q", code))
	}
	// Copy, never alias: callers may mutate their map after raising.
	var ctx map[string]any
	if len(context) > 0 {
		ctx = make(map[string]any, len(context))
		for k, v := range context {
			ctx[k] = v
		}
	}
	return &StructuredError{Code: code, InternalDetail: internalDetail, Context: ctx}
}

// Error returns the code and internal detail for log output. This string
// must never be written to an HTTP response.
func (e *StructuredError) Error() string {
	if e.InternalDetail == "" {
		return e.Code
	}
	return e.Code + ": " + e.InternalDetail
}
