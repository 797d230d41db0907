package query

import (
	"strings"

	"github.com/goccy/go-json"
)

// whereOperator is the store's arbitrary-code-execution operator. Letting it
// through would allow clients to run server-side evaluation.
const whereOperator = "$where"

// StripOperators removes every key beginning with the store's operator
// prefix "$" from every nesting level of the input. Objects and arrays are
// deep-cloned; a JSON string is parsed first (an unparsable one yields an
// *InvalidQueryError); other values pass through unchanged.
func StripOperators(input any) (any, error) {
	input, err := parseStringInput(input)
	if err != nil {
		return nil, err
	}
	return strip(input, func(key string) bool {
		return strings.HasPrefix(key, "$")
	}), nil
}

// StripWhereOperator is the narrow variant of StripOperators: it removes
// only the arbitrary-code-execution key, leaving legitimate query operators
// in place.
func StripWhereOperator(input any) (any, error) {
	input, err := parseStringInput(input)
	if err != nil {
		return nil, err
	}
	return strip(input, func(key string) bool {
		return key == whereOperator
	}), nil
}

// only the top-level input may be a JSON string; nested strings are values
func parseStringInput(input any) (any, error) {
	raw, ok := input.(string)
	if !ok {
		return input, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &InvalidQueryError{Raw: raw, Err: err}
	}
	return parsed, nil
}

func strip(input any, drop func(string) bool) any {
	switch v := input.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if drop(key) {
				continue
			}
			out[key] = strip(value, drop)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, value := range v {
			out = append(out, strip(value, drop))
		}
		return out
	}
	return input
}

// Flatten converts a nested object into a single-level object with
// dot-joined keys. The store's projection and filter syntax addresses nested
// fields with dotted flat keys, not nested objects.
func Flatten(obj map[string]any) map[string]any {
	out := map[string]any{}
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) {
	for key, value := range obj {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if sub, ok := value.(map[string]any); ok && len(sub) > 0 {
			flattenInto(out, name, sub)
			continue
		}
		out[name] = value
	}
}
