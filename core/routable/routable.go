/*Package routable assembles route descriptor lists from declared routes and
model bindings, and serves them through gorilla/mux.

A routable is declared once (routes plus Options) and assembled per instance
with MustAssemble. Assembly resolves base-URL joining, appends the
auto-generated CRUD routes of a bound model, applies expose/suppress and
blacklist filtering, and freezes the result: the descriptor list of an
assembled routable never changes. Assembling the same declaration again
yields an independent instance, so one declaration can back several
routables with different injected stores and hooks.
*/
package routable

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core"
	"github.com/tarn-io/tarn/core/access"
	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/model"
	"github.com/tarn-io/tarn/core/schema"
	"github.com/tarn-io/tarn/core/storage"
)

// crudRouteNames are the auto-generated routes of a model-bound routable,
// individually selectable in ExposeAPI and SuppressAPI.
var crudRouteNames = []string{"get", "getAll", "put", "post", "delete"}

// NotifyFunc receives a change notification after a successful write on an
// auto-generated route.
type NotifyFunc func(ctx context.Context, op core.Operation, resource string, id primitive.ObjectID, payload []byte)

// Options configure the assembly of a routable.
type Options struct {
	// BaseURL is the common path prefix of all routes. A model-bound
	// routable without a base URL uses the lower-cased model name.
	BaseURL string
	// Model binds the routable to a registered, persistence-bound model;
	// the five CRUD routes are then generated automatically.
	Model *model.Def
	// Store is the database the bound model operates on. Mandatory with
	// Model.
	Store storage.Database
	// Ops optionally carries integrator-supplied CRUD overrides; nil
	// members are filled with defaults (see model.Ops).
	Ops *model.Ops
	// SchemaID selects a schema in Validator which post and put bodies
	// must satisfy. Optional.
	SchemaID  string
	Validator *schema.Validator
	// Before and After are the class-level hooks, running outside the
	// per-route hooks.
	Before []Hook
	After  []Hook
	// Authenticators are the class-level authenticators; route-level ones
	// run first.
	Authenticators []access.Authenticator
	// SuppressAPI removes individual CRUD routes by name; SuppressAll
	// removes all five. Mutually exclusive with ExposeAPI.
	SuppressAPI []string
	SuppressAll bool
	// ExposeAPI, when set, generates only the named CRUD routes.
	ExposeAPI []string
	// Blacklist excludes declared routes by name.
	Blacklist map[string]bool
	// Notify receives change notifications from the generated CRUD
	// routes. Usually wired by the backend.
	Notify NotifyFunc
}

// Descriptor is one fully resolved endpoint. Descriptors are immutable once
// assembled.
type Descriptor struct {
	Path           string
	Methods        []string
	Handler        http.HandlerFunc
	Before         []Hook
	After          []Hook
	Authenticators []access.Authenticator
	// Source is the name of the declared route, or the CRUD route name
	// for generated routes.
	Source string
}

// Routable is an assembled set of route descriptors bound to one set of
// collaborators.
type Routable struct {
	opts        Options
	base        string
	descriptors []Descriptor
	ops         *model.Ops
}

// MustAssemble resolves the declared routes and options into a routable.
// Configuration mistakes (conflicting expose/suppress, unknown verbs, model
// without store) are programmer errors and panic.
func MustAssemble(opts Options, routes []Route) *Routable {
	if len(opts.ExposeAPI) > 0 && (opts.SuppressAll || len(opts.SuppressAPI) > 0) {
		panic("routable: exposeApi and suppressApi are mutually exclusive")
	}
	rt := &Routable{opts: opts}

	base := strings.Trim(opts.BaseURL, "/")
	if opts.Model != nil {
		if !opts.Model.Persistent() {
			panic(fmt.Sprintf("routable: model %s is not bound to a collection", opts.Model.Name()))
		}
		if opts.Store == nil {
			panic(fmt.Sprintf("routable: model %s requires a store", opts.Model.Name()))
		}
		rt.ops = opts.Model.BindOps(opts.Store, opts.Ops)
		if base == "" {
			base = strings.ToLower(opts.Model.Name())
		}
	}
	rt.base = base

	for _, route := range routes {
		if route.Name == "" {
			panic("routable: route requires a name")
		}
		if route.Handler == nil {
			panic(fmt.Sprintf("route %s: missing handler", route.Name))
		}
		if route.Blacklist || opts.Blacklist[route.Name] {
			continue
		}
		path := route.Path
		if path == "" {
			path = route.Name
		}
		rt.descriptors = append(rt.descriptors, Descriptor{
			Path:           joinPath(base, path),
			Methods:        normalizeMethods(route.Name, route.Methods),
			Handler:        route.Handler,
			Before:         concatHooks(opts.Before, route.Before),
			After:          concatHooks(opts.After, route.After),
			Authenticators: concatAuthenticators(route.Authenticators, opts.Authenticators),
			Source:         route.Name,
		})
	}

	if opts.Model != nil && !opts.SuppressAll {
		rt.appendCRUDRoutes()
	}
	return rt
}

func (rt *Routable) appendCRUDRoutes() {
	opts := rt.opts
	itemPath := joinPath(rt.base, "{id}")
	listPath := joinPath(rt.base, "")

	generated := map[string]Descriptor{
		"get":    {Path: itemPath, Methods: []string{http.MethodGet}, Handler: rt.handleGet},
		"getAll": {Path: listPath, Methods: []string{http.MethodGet}, Handler: rt.handleGetAll},
		"put":    {Path: itemPath, Methods: []string{http.MethodPut}, Handler: rt.handlePut},
		"post":   {Path: listPath, Methods: []string{http.MethodPost}, Handler: rt.handlePost},
		"delete": {Path: itemPath, Methods: []string{http.MethodDelete}, Handler: rt.handleDelete},
	}

	for _, name := range crudRouteNames {
		if !rt.crudRouteEnabled(name) {
			continue
		}
		d := generated[name]
		d.Before = concatHooks(opts.Before, nil)
		d.After = concatHooks(opts.After, nil)
		d.Authenticators = concatAuthenticators(nil, opts.Authenticators)
		d.Source = name
		rt.descriptors = append(rt.descriptors, d)
	}
}

func (rt *Routable) crudRouteEnabled(name string) bool {
	if len(rt.opts.ExposeAPI) > 0 {
		for _, exposed := range rt.opts.ExposeAPI {
			if exposed == name {
				return true
			}
		}
		return false
	}
	for _, suppressed := range rt.opts.SuppressAPI {
		if suppressed == name {
			return false
		}
	}
	return true
}

// Descriptors returns a copy of the assembled route descriptors.
func (rt *Routable) Descriptors() []Descriptor {
	out := make([]Descriptor, len(rt.descriptors))
	copy(out, rt.descriptors)
	return out
}

// Base returns the resolved base path segment.
func (rt *Routable) Base() string { return rt.base }

// Ops returns the bound CRUD operations, or nil for a model-less routable.
func (rt *Routable) Ops() *model.Ops { return rt.ops }

// BindNotify installs the change-notification sink. The backend calls this
// once before mounting; installing it after serving has started is a race.
func (rt *Routable) BindNotify(f NotifyFunc) {
	rt.opts.Notify = f
}

// Mount adds all descriptors to the router.
func (rt *Routable) Mount(router *mux.Router) {
	rlog := logger.Default()
	for _, d := range rt.descriptors {
		rlog.Debugln("handle route:", d.Path, strings.Join(d.Methods, ","))
		router.HandleFunc(d.Path, rt.chain(d)).Methods(d.Methods...)
	}
}

// chain builds the middleware chain of one descriptor: authenticators,
// before-hooks, handler, after-hooks, flush. Stages run strictly in order;
// a failing authenticator or a hook returning false ends the request.
func (rt *Routable) chain(d Descriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		r, l := withLocals(r)

		for _, a := range d.Authenticators {
			auth, err := a.Authenticate(r)
			if err != nil {
				respondError(w, r, l, http.StatusUnauthorized, "unauthorized", "")
				return
			}
			if auth != nil {
				r = r.WithContext(access.ContextWithAuthorization(r.Context(), auth))
			}
		}
		for _, h := range d.Before {
			if !h(w, r) {
				return
			}
		}
		d.Handler(w, r)
		if l.halted {
			return
		}
		for _, h := range d.After {
			if !h(w, r) {
				return
			}
		}
		l.flush(w, r)
	}
}

func (rt *Routable) notify(r *http.Request, op core.Operation, id primitive.ObjectID, payload []byte) {
	if rt.opts.Notify == nil {
		return
	}
	rt.opts.Notify(r.Context(), op, rt.base, id, payload)
}

func concatHooks(a, b []Hook) []Hook {
	out := make([]Hook, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func concatAuthenticators(a, b []access.Authenticator) []access.Authenticator {
	out := make([]access.Authenticator, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
