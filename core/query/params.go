package query

import (
	"net/url"
	"strconv"
)

// IntParam reads a non-negative integer query parameter. It returns whether
// the parameter was present; a present but empty or non-numeric value is a
// client error.
func IntParam(values url.Values, name string) (int64, bool, error) {
	if _, present := values[name]; !present {
		return 0, false, nil
	}
	raw := values.Get(name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, true, &InvalidQueryError{Raw: name + "=" + raw, Err: err}
	}
	return n, true, nil
}
