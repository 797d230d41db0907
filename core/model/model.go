package model

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/storage"
)

// GetOptions modify the default Get operation.
type GetOptions struct {
	// Projection restricts the fetched document fields, in flattened
	// database field names. A non-empty projection switches decoding to
	// strict mode: absent fields stay pruned instead of defaulted.
	Projection bson.M
	// Limit caps the number of results; 0 means unlimited.
	Limit int64
	Skip  int64
	// Collation selects string comparison rules.
	Collation *storage.Collation
}

// Ops is the CRUD capability of a bound model: a struct of operations
// assembled by BindOps. Integrators override an operation by assigning the
// member before calling BindOps; BindOps fills only nil members with the
// default implementations. Resolution happens exactly once, at bind time.
type Ops struct {
	// Create persists a new instance and assigns the generated identity
	// back onto it.
	Create func(ctx context.Context, instance any) (primitive.ObjectID, error)
	// Save partially updates an existing instance. With a nil change-set
	// the whole instance is written; with a change-set (keyed by property
	// name) only those fields are written, and on success they are merged
	// back onto the in-memory instance. An instance without an identity is
	// rejected with *MissingIDError.
	Save func(ctx context.Context, instance any, changeSet map[string]any) (int64, error)
	// Remove deletes the instance by its identity.
	Remove func(ctx context.Context, instance any) (int64, error)
	// RemoveByID deletes by identity.
	RemoveByID func(ctx context.Context, id primitive.ObjectID) (int64, error)
	// RemoveAll deletes every document matching the filter.
	RemoveAll func(ctx context.Context, filter bson.M) (int64, error)
	// Get fetches all matching instances. Documents that fail to decode
	// into a valid instance are dropped silently.
	Get func(ctx context.Context, filter bson.M, opts *GetOptions) ([]any, error)
	// GetByID fetches one instance, or nil when there is no match.
	GetByID func(ctx context.Context, id primitive.ObjectID, projection bson.M) (any, error)
	// GetCursor is the raw-cursor escape hatch behind Get.
	GetCursor func(ctx context.Context, filter bson.M, opts *GetOptions) (storage.Cursor, error)
}

// Collection returns the model's storage collection. Panics when the model
// is not bound to a collection; binding an unbound model is a programmer
// error.
func (d *Def) Collection(db storage.Database) storage.Collection {
	if !d.Persistent() {
		panic(fmt.Sprintf("model %s is not bound to a collection", d.typ.Name()))
	}
	return db.Collection(d.opts.Collection)
}

// BindOps fills the nil members of ops with the default CRUD operations
// against the given database. Members the integrator has already assigned
// are never replaced. A nil ops gets a fully defaulted capability struct.
func (d *Def) BindOps(db storage.Database, ops *Ops) *Ops {
	if ops == nil {
		ops = &Ops{}
	}
	col := d.Collection(db)

	if ops.GetCursor == nil {
		ops.GetCursor = func(ctx context.Context, filter bson.M, opts *GetOptions) (storage.Cursor, error) {
			fo := &storage.FindOptions{}
			if opts != nil {
				fo.Projection = opts.Projection
				fo.Limit = opts.Limit
				fo.Skip = opts.Skip
				fo.Collation = opts.Collation
			}
			return col.Find(ctx, filter, fo)
		}
	}

	if ops.Create == nil {
		ops.Create = func(ctx context.Context, instance any) (primitive.ObjectID, error) {
			doc := d.ToDB(instance)
			if doc == nil {
				return primitive.NilObjectID, fmt.Errorf("model %s: cannot encode %T", d.typ.Name(), instance)
			}
			id, err := col.InsertOne(ctx, doc)
			if err != nil {
				return primitive.NilObjectID, err
			}
			d.SetID(instance, id)
			return id, nil
		}
	}

	if ops.Save == nil {
		ops.Save = func(ctx context.Context, instance any, changeSet map[string]any) (int64, error) {
			id := d.IDOf(instance)
			if id.IsZero() {
				return 0, &MissingIDError{Instance: instance}
			}
			var doc bson.M
			if changeSet == nil {
				doc = d.ToDB(instance)
			} else {
				doc = d.ToDBChangeSet(changeSet)
			}
			delete(doc, IDFieldName)
			matched, err := col.UpdateOne(ctx, bson.M{IDFieldName: id}, bson.M{"$set": doc})
			if err != nil {
				return 0, err
			}
			if matched > 0 && changeSet != nil {
				d.mergeChangeSet(instance, changeSet)
			}
			return matched, nil
		}
	}

	if ops.Remove == nil {
		ops.Remove = func(ctx context.Context, instance any) (int64, error) {
			id := d.IDOf(instance)
			if id.IsZero() {
				return 0, &MissingIDError{Instance: instance}
			}
			return col.DeleteOne(ctx, bson.M{IDFieldName: id})
		}
	}

	if ops.RemoveByID == nil {
		ops.RemoveByID = func(ctx context.Context, id primitive.ObjectID) (int64, error) {
			return col.DeleteOne(ctx, bson.M{IDFieldName: id})
		}
	}

	if ops.RemoveAll == nil {
		ops.RemoveAll = func(ctx context.Context, filter bson.M) (int64, error) {
			if filter == nil {
				filter = bson.M{}
			}
			return col.DeleteMany(ctx, filter)
		}
	}

	if ops.Get == nil {
		ops.Get = func(ctx context.Context, filter bson.M, opts *GetOptions) ([]any, error) {
			cursor, err := ops.GetCursor(ctx, filter, opts)
			if err != nil {
				return nil, err
			}
			defer cursor.Close(ctx)
			strict := opts != nil && len(opts.Projection) > 0
			instances := []any{}
			for cursor.Next(ctx) {
				var doc bson.M
				if err := cursor.Decode(&doc); err != nil {
					logger.FromContext(ctx).WithError(err).Debugln("dropping undecodable document")
					continue
				}
				var inst any
				if strict {
					inst, err = d.FromDBStrict(doc)
				} else {
					inst, err = d.FromDB(doc)
				}
				if err != nil || inst == nil {
					continue
				}
				instances = append(instances, inst)
			}
			return instances, cursor.Err()
		}
	}

	if ops.GetByID == nil {
		ops.GetByID = func(ctx context.Context, id primitive.ObjectID, projection bson.M) (any, error) {
			results, err := ops.Get(ctx, bson.M{IDFieldName: id}, &GetOptions{Projection: projection, Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return nil, nil
			}
			return results[0], nil
		}
	}

	return ops
}

// mergeChangeSet copies successfully saved change-set values back onto the
// in-memory instance.
func (d *Def) mergeChangeSet(instance any, changeSet map[string]any) {
	v, ok := d.structValue(instance)
	if !ok || !v.CanSet() {
		return
	}
	for key, value := range changeSet {
		f, known := d.byName[key]
		if !known || f.IsID {
			continue
		}
		assignValue(v.FieldByIndex(f.index), f, value, false)
	}
}
