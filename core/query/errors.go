package query

import "fmt"

// InvalidQueryError reports an unparsable query-string value. It is a
// distinct type so that handlers can map it to a client error rather than a
// server failure.
type InvalidQueryError struct {
	Raw string
	Err error
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("query: invalid query %q: %v", e.Raw, e.Err)
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }
