/*Package logger provides request-scoped structured logging.

Every request gets a logrus entry carrying a unique request ID, stored in the
request context. The entry can be serialized into notification messages so
that out-of-process consumers log under the same request ID.
*/
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	requestIDKey = "requestID"
	identityKey  = "identity"
)

type contextKeyType struct{}

var contextKey = &contextKeyType{}

type contextValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
}

// Init sets up the global logrus formatter and level.
func Init(level logrus.Level) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
}

// AddRequestID installs a middleware on the router which ensures that every
// request context carries a logger with a request ID.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a context with a logger. If the given context
// already has one, it is returned unchanged, otherwise a new logger with a
// fresh request ID is added.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := entryFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	id, _ := uuid.NewUUID()
	rlog := logrus.WithField(requestIDKey, id.String())
	return context.WithValue(ctx, contextKey, rlog), rlog
}

// ContextWithIdentity returns a context with a logger that carries the given
// identity in addition to the request ID.
func ContextWithIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(identityKey, identity)
	return context.WithValue(ctx, contextKey, rlog), rlog
}

// FromContext returns the logger from the context. If the context is nil or
// has no logger, the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return Default()
	}
	if rlog := entryFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// RequestIDFromContext returns the request id for the given context, or the
// empty string.
func RequestIDFromContext(ctx context.Context) string {
	return values(ctx).RequestID
}

// SerializeContext returns a JSON representation of the logger parameters in
// the context, suitable for transmission in a message header.
func SerializeContext(ctx context.Context) []byte {
	v := values(ctx)
	if v.RequestID == "" {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContextWithLoggerFromData returns a context with a logger reconstructed
// from serialized logger parameters. If the data is unusable, a logger with
// a fresh request ID is added instead.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := entryFromContext(ctx); rlog != nil {
		return ctx
	}
	var v contextValues
	if err := json.Unmarshal(data, &v); err != nil || v.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDKey, v.RequestID)
	if v.Identity != "" {
		rlog = rlog.WithField(identityKey, v.Identity)
	}
	return context.WithValue(ctx, contextKey, rlog)
}

func entryFromContext(ctx context.Context) *logrus.Entry {
	rlog, ok := ctx.Value(contextKey).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

func values(ctx context.Context) contextValues {
	var v contextValues
	if ctx == nil {
		return v
	}
	rlog := entryFromContext(ctx)
	if rlog == nil {
		return v
	}
	if s, ok := rlog.Data[requestIDKey].(string); ok {
		v.RequestID = s
	}
	if s, ok := rlog.Data[identityKey].(string); ok {
		v.Identity = s
	}
	return v
}
