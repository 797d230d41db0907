package routable

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core"
	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/model"
	"github.com/tarn-io/tarn/core/query"
	"github.com/tarn-io/tarn/core/storage"
)

// The generated handlers never write the response themselves; they stash the
// result in the locals bag and let the chain flush it after the after-hooks.
// Validation failures respond immediately and halt the chain.

func (rt *Routable) handleGet(w http.ResponseWriter, r *http.Request) {
	l := LocalsFromContext(r.Context())
	id, ok := rt.pathID(w, r, l)
	if !ok {
		return
	}
	jsonTree, projection, ok := rt.parseFields(w, r, l)
	if !ok {
		return
	}
	instance, err := rt.ops.GetByID(r.Context(), id, projection)
	if err != nil {
		rt.internalError(w, r, l, err)
		return
	}
	if instance == nil {
		respondError(w, r, l, http.StatusNotFound, "not_found", "")
		return
	}
	l.Send(http.StatusOK, rt.opts.Model.ToJSONProjected(instance, jsonTree))
}

func (rt *Routable) handleGetAll(w http.ResponseWriter, r *http.Request) {
	l := LocalsFromContext(r.Context())
	q := r.URL.Query()

	filter := bson.M{}
	if raw := q.Get("where"); raw != "" {
		clean, err := query.StripWhereOperator(raw)
		if err != nil {
			respondError(w, r, l, http.StatusBadRequest, "invalid_where_parameter", err.Error())
			return
		}
		tree, ok := clean.(map[string]any)
		if !ok {
			respondError(w, r, l, http.StatusBadRequest, "invalid_where_parameter", "where must be an object")
			return
		}
		filter = rt.opts.Model.DBFilterFromJSON(tree)
	}

	jsonTree, projection, ok := rt.parseFields(w, r, l)
	if !ok {
		return
	}

	opts := &model.GetOptions{Projection: projection}
	if v, present, err := query.IntParam(q, "limit"); err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_limit_parameter", err.Error())
		return
	} else if present {
		opts.Limit = v
	}
	if v, present, err := query.IntParam(q, "skip"); err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_skip_parameter", err.Error())
		return
	} else if present {
		opts.Skip = v
	}

	instances, err := rt.ops.Get(r.Context(), filter, opts)
	if err != nil {
		rt.internalError(w, r, l, err)
		return
	}
	result := make([]map[string]any, 0, len(instances))
	for _, instance := range instances {
		result = append(result, rt.opts.Model.ToJSONProjected(instance, jsonTree))
	}
	l.Send(http.StatusOK, result)
}

func (rt *Routable) handlePost(w http.ResponseWriter, r *http.Request) {
	l := LocalsFromContext(r.Context())
	payload, ok := rt.decodeBody(w, r, l)
	if !ok {
		return
	}
	instance, err := rt.opts.Model.FromJSON(payload)
	if err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	id, err := rt.ops.Create(r.Context(), instance)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			respondError(w, r, l, http.StatusConflict, "duplicate_resource", "")
			return
		}
		rt.internalError(w, r, l, err)
		return
	}
	if body, err := json.Marshal(rt.opts.Model.ToJSON(instance)); err == nil {
		rt.notify(r, core.OperationCreate, id, body)
	}
	l.Send(http.StatusOK, map[string]any{"count": 1, "id": id.Hex()})
}

func (rt *Routable) handlePut(w http.ResponseWriter, r *http.Request) {
	l := LocalsFromContext(r.Context())
	id, ok := rt.pathID(w, r, l)
	if !ok {
		return
	}
	payload, ok := rt.decodeBody(w, r, l)
	if !ok {
		return
	}
	changeSet := rt.opts.Model.ChangeSetFromJSON(payload)
	instance := rt.opts.Model.NewInstance()
	rt.opts.Model.SetID(instance, id)
	matched, err := rt.ops.Save(r.Context(), instance, changeSet)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			respondError(w, r, l, http.StatusConflict, "duplicate_resource", "")
			return
		}
		rt.internalError(w, r, l, err)
		return
	}
	if matched == 0 {
		respondError(w, r, l, http.StatusNotFound, "not_found", "")
		return
	}
	if body, err := json.Marshal(changeSet); err == nil {
		rt.notify(r, core.OperationUpdate, id, body)
	}
	l.Send(http.StatusOK, map[string]any{"count": matched})
}

func (rt *Routable) handleDelete(w http.ResponseWriter, r *http.Request) {
	l := LocalsFromContext(r.Context())
	id, ok := rt.pathID(w, r, l)
	if !ok {
		return
	}
	deleted, err := rt.ops.RemoveByID(r.Context(), id)
	if err != nil {
		rt.internalError(w, r, l, err)
		return
	}
	if deleted > 0 {
		rt.notify(r, core.OperationDelete, id, nil)
	}
	l.Send(http.StatusOK, map[string]any{"count": deleted})
}

func (rt *Routable) pathID(w http.ResponseWriter, r *http.Request, l *Locals) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_id_parameter", err.Error())
		return primitive.NilObjectID, false
	}
	return id, true
}

// parseFields reads the fields query parameter and returns the json-named
// projection tree for response shaping plus the flattened db-named projection
// for the fetch.
func (rt *Routable) parseFields(w http.ResponseWriter, r *http.Request, l *Locals) (map[string]any, bson.M, bool) {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil, nil, true
	}
	parsed, err := query.ParseProjection(raw)
	if err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_fields_parameter", err.Error())
		return nil, nil, false
	}
	tree, ok := parsed.(map[string]any)
	if !ok {
		respondError(w, r, l, http.StatusBadRequest, "invalid_fields_parameter", "fields must be an array or object")
		return nil, nil, false
	}
	stripped, err := query.StripOperators(rt.opts.Model.DBProjectionFromJSON(tree))
	if err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_fields_parameter", err.Error())
		return nil, nil, false
	}
	dbTree, _ := stripped.(map[string]any)
	return tree, bson.M(query.Flatten(dbTree)), true
}

// decodeBody reads and decodes the JSON request body, validates it against
// the configured schema, and stashes it in the locals bag for the hooks.
func (rt *Routable) decodeBody(w http.ResponseWriter, r *http.Request, l *Locals) (map[string]any, bool) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, r, l, http.StatusBadRequest, "invalid_body", err.Error())
		return nil, false
	}
	if rt.opts.SchemaID != "" && rt.opts.Validator != nil {
		if err := rt.opts.Validator.ValidateStruct(payload, rt.opts.SchemaID); err != nil {
			respondError(w, r, l, http.StatusBadRequest, "invalid_body", err.Error())
			return nil, false
		}
	}
	l.Body = payload
	return payload, true
}

func (rt *Routable) internalError(w http.ResponseWriter, r *http.Request, l *Locals, err error) {
	logger.FromContext(r.Context()).WithError(err).Errorln("request failed")
	respondError(w, r, l, http.StatusInternalServerError, "internal_error", "")
}
