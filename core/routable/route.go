package routable

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tarn-io/tarn/core/access"
)

// Hook runs before or after a route handler. Returning false halts the
// chain; the hook is then responsible for having written a response.
type Hook func(w http.ResponseWriter, r *http.Request) bool

// Route declares one endpoint of a routable.
type Route struct {
	// Name identifies the route; it doubles as the default path segment.
	Name string
	// Path below the routable's base URL. Defaults to Name; use "/" to
	// serve the bare base URL.
	Path string
	// Methods lists the HTTP verbs, lower-case, defaulting to "get". The
	// special verb "*" accepts all verbs.
	Methods []string
	// Handler serves the request. Handlers communicate with hooks through
	// the request's Locals bag.
	Handler http.HandlerFunc
	// Before and After hooks for this route. Class-level hooks of the
	// routable run first in both positions.
	Before []Hook
	After  []Hook
	// Authenticators for this route, evaluated before the class-level
	// ones.
	Authenticators []access.Authenticator
	// Blacklist excludes the route from assembly.
	Blacklist bool
}

// allVerbs is the fixed allow-list of route verbs.
var allVerbs = []string{
	http.MethodConnect, http.MethodDelete, http.MethodGet, http.MethodHead,
	http.MethodOptions, http.MethodPatch, http.MethodPost, http.MethodPut,
	http.MethodTrace,
}

// normalizeMethods validates verbs against the allow-list and returns their
// canonical upper-case form. Empty strings, empty lists and unknown verbs
// are programmer errors and panic.
func normalizeMethods(name string, methods []string) []string {
	if methods == nil {
		return []string{http.MethodGet}
	}
	if len(methods) == 0 {
		panic(fmt.Sprintf("route %s: empty method list", name))
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		if m == "*" {
			return append([]string{}, allVerbs...)
		}
		canonical := strings.ToUpper(m)
		valid := false
		for _, v := range allVerbs {
			if canonical == v {
				valid = true
				break
			}
		}
		if !valid {
			panic(fmt.Sprintf("route %s: invalid method %q", name, m))
		}
		out = append(out, canonical)
	}
	return out
}

// joinPath joins a base URL and a route path into an absolute path with a
// leading slash and no trailing slash.
func joinPath(base, path string) string {
	joined := strings.Trim(base, "/")
	path = strings.Trim(path, "/")
	if path != "" {
		if joined != "" {
			joined += "/"
		}
		joined += path
	}
	return "/" + joined
}
