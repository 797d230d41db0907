package routable

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tarn-io/tarn/core/logger"
)

type contextKeyType struct{}

var contextKeyLocals = &contextKeyType{}

// Locals is the per-request bag shared by hooks and handlers. A handler
// stashes its result here instead of writing the response directly, so that
// after-hooks can still observe and modify it; the route chain flushes the
// bag as JSON once the chain has run to completion.
type Locals struct {
	// Status is the response status; 0 means 200 once Data is set.
	Status int
	// Data is the response body, JSON-serialized on flush.
	Data any
	// Body is the decoded request body, if a handler decoded one.
	Body map[string]any

	halted  bool
	written bool
}

// Send stores status and data for the final response.
func (l *Locals) Send(status int, data any) {
	l.Status = status
	l.Data = data
}

// Halt marks the chain as finished; after-hooks and the flush are skipped.
// A hook or handler that halts without writing a response leaves the request
// unanswered.
func (l *Locals) Halt() {
	l.halted = true
}

// LocalsFromContext returns the request's locals bag, or nil outside a route
// chain.
func LocalsFromContext(ctx context.Context) *Locals {
	l, _ := ctx.Value(contextKeyLocals).(*Locals)
	return l
}

func withLocals(r *http.Request) (*http.Request, *Locals) {
	if l := LocalsFromContext(r.Context()); l != nil {
		return r, l
	}
	l := &Locals{}
	return r.WithContext(context.WithValue(r.Context(), contextKeyLocals, l)), l
}

func (l *Locals) flush(w http.ResponseWriter, r *http.Request) {
	if l.written || (l.Data == nil && l.Status == 0) {
		return
	}
	status := l.Status
	if status == 0 {
		status = http.StatusOK
	}
	l.written = true
	writeJSON(w, r, status, l.Data)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

// errorBody is the stable two-key shape of validation failures.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// respondError writes a structured error body and halts the chain.
func respondError(w http.ResponseWriter, r *http.Request, l *Locals, status int, code, details string) {
	l.halted = true
	l.written = true
	writeJSON(w, r, status, errorBody{Error: code, Details: details})
}
