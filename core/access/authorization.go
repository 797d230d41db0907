/*Package access provides utilities for access control.

An Authorization carries roles and properties for the authenticated caller
and travels in the request context. Authenticators are consulted per route
by the routable package: each one either derives an Authorization from the
request or fails the request with 401.
*/
package access

import (
	"context"
	"errors"
	"net/http"
)

type contextKeyType struct{}

var contextKeyAuthorization = &contextKeyType{}

// ErrUnauthorized is the failure an Authenticator returns when the request
// carries no acceptable credentials.
var ErrUnauthorized = errors.New("access: unauthorized")

// Authorization stores who the caller is and what they may do.
type Authorization struct {
	Identity   string            `json:"identity,omitempty"`
	Roles      []string          `json:"roles"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasRole returns true if the authorization contains the requested role.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// ContextWithAuthorization returns a new context carrying auth.
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext returns the authorization from the context, or
// nil when the request is anonymous.
func AuthorizationFromContext(ctx context.Context) *Authorization {
	auth, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return auth
}

// Authenticator authenticates one request. A nil Authorization with a nil
// error means "no objection, no identity either"; an error fails the
// request.
type Authenticator interface {
	Authenticate(r *http.Request) (*Authorization, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (*Authorization, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (*Authorization, error) {
	return f(r)
}

// RequireRole returns an authenticator that admits requests whose context
// authorization carries the given role. It relies on an earlier middleware
// or authenticator having established the authorization.
func RequireRole(role string) Authenticator {
	return AuthenticatorFunc(func(r *http.Request) (*Authorization, error) {
		auth := AuthorizationFromContext(r.Context())
		if auth.HasRole(role) {
			return auth, nil
		}
		return nil, ErrUnauthorized
	})
}
