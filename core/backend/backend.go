/*Package backend composes routables, middleware and notifications into a
servable REST backend.

The backend owns the router: it installs request-ID logging, optional JWT
authorization, CORS and response compression, mounts all routables, and wires
their change notifications both to in-process handlers and to an optional
external notifier.
*/
package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tarn-io/tarn/core/access"
	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/registry"
	"github.com/tarn-io/tarn/core/routable"
	"github.com/tarn-io/tarn/core/storage"
)

// Backend is the assembled REST backend.
type Backend struct {
	router    *mux.Router
	db        storage.Database
	routables []*routable.Routable
	notifier  Notifier
	handlers  map[string]notificationHandler
	// Registry is the JSON object registry of this backend's database.
	Registry *registry.Registry
}

// Builder configures a Backend.
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// DB is the document database. Mandatory when any routable is
	// model-bound or the registry is used.
	DB storage.Database
	// Routables are the assembled routables to mount.
	Routables []*routable.Routable
	// Notifier receives change notifications from the generated CRUD
	// routes. This is optional.
	Notifier Notifier
	// JWT enables bearer-token authorization on all routes. Optional.
	JWT *access.JWTMiddlewareBuilder
	// EnableCORS answers preflight requests and sets permissive CORS
	// headers on all responses.
	EnableCORS bool
	// CompressResponses enables gzip response compression.
	CompressResponses bool
}

// New realizes the actual backend: it installs the middleware stack and adds
// the routes of all routables to the router.
func New(bb *Builder) *Backend {
	if bb.Router == nil {
		panic("Router is missing")
	}

	b := &Backend{
		router:    bb.Router,
		db:        bb.DB,
		routables: bb.Routables,
		notifier:  bb.Notifier,
		handlers:  make(map[string]notificationHandler),
	}
	if bb.DB != nil {
		b.Registry = registry.New(bb.DB)
	}

	logger.AddRequestID(b.router)
	if bb.JWT != nil {
		b.router.Use(access.NewJWTMiddleware(bb.JWT))
	}
	if bb.EnableCORS {
		b.handleCORS()
	}
	if bb.CompressResponses {
		b.handleCompression()
	}

	for _, rt := range b.routables {
		rt.BindNotify(b.notify)
		rt.Mount(b.router)
	}
	return b
}

// Router returns the backend's router.
func (b *Backend) Router() *mux.Router {
	return b.router
}

func (b *Backend) handleCORS() {
	b.router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, If-None-Match, Access-Control-Allow-Origin")
			w.Header().Set("Access-Control-Expose-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	})
}

func (b *Backend) handleCompression() {
	b.router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.CompressHandler(h).ServeHTTP(w, r)
		})
	})
}
