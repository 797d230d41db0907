/*Package query implements the query-string mini-protocol of the generic
route handlers: projection parsing, operator sanitization and pagination.

Projection trees map field names to 0 (exclude), 1 (include) or a nested
tree. Inclusion and exclusion may mix across branches of one tree; each leaf
applies its own semantics and the last applied entry wins. The underlying
store is equally permissive, so no validation happens here; integrators
relying on mixed trees should know they are on soft ground.
*/
package query

import (
	"strings"

	"github.com/goccy/go-json"
)

// ParseProjection parses a raw query-string value into a projection.
// The value must be JSON; anything unparsable yields an *InvalidQueryError.
// A JSON array of strings is converted into a projection tree: a leading "-"
// marks exclusion, dots build nested paths. Empty entries and bare dashes
// are skipped silently at any depth. Any other JSON value is returned as-is;
// the caller already supplied a projection object.
func ParseProjection(raw string) (any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &InvalidQueryError{Raw: raw, Err: err}
	}
	entries, ok := parsed.([]any)
	if !ok {
		return parsed, nil
	}

	tree := map[string]any{}
	for _, entry := range entries {
		path, ok := entry.(string)
		if !ok {
			continue
		}
		value := 1
		if strings.HasPrefix(path, "-") {
			value = 0
			path = path[1:]
		}
		if path == "" {
			continue
		}
		addProjectionPath(tree, path, value)
	}
	return tree, nil
}

func addProjectionPath(tree map[string]any, path string, value int) {
	segments := strings.Split(path, ".")
	current := tree
	last := -1
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return
	}
	for _, segment := range segments[:last] {
		if segment == "" {
			continue
		}
		next, ok := current[segment].(map[string]any)
		if !ok {
			// a previous leaf on this path is overwritten, last applied wins
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[last]] = value
}
