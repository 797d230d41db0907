package model

import "fmt"

// MissingIDError is returned by Save when the instance has no identity yet.
// It carries the offending instance so that callers can branch on it.
type MissingIDError struct {
	Instance any
}

func (e *MissingIDError) Error() string {
	return fmt.Sprintf("model: save requires an id, call create first (%T)", e.Instance)
}
