package storage

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryDriver is an in-process Driver for tests and examples. Documents are
// deep-copied on write and on read, so callers never share state with the
// store.
//
// Filters are matched by equality on flattened dotted keys; the $eq operator
// is understood, other operators match nothing. That covers the framework's
// own needs; integrators wanting real query operators use the mongo driver.
type MemoryDriver struct {
	mu  sync.Mutex
	dbs map[string]*memoryDatabase
}

// NewMemoryDriver creates an empty in-process document store.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{dbs: make(map[string]*memoryDatabase)}
}

// Connect returns the database with the given name, creating it on first use.
func (d *MemoryDriver) Connect(ctx context.Context, name string) (Database, error) {
	if name == "" {
		return nil, fmt.Errorf("storage: database name must not be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok := d.dbs[name]
	if !ok {
		db = &memoryDatabase{name: name, cols: make(map[string]*memoryCollection)}
		d.dbs[name] = db
	}
	return db, nil
}

// Close is a no-op for the memory driver.
func (d *MemoryDriver) Close(ctx context.Context) error { return nil }

type memoryDatabase struct {
	name string
	mu   sync.RWMutex
	cols map[string]*memoryCollection
}

func (db *memoryDatabase) Name() string { return db.name }

func (db *memoryDatabase) Collection(name string) Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	col, ok := db.cols[name]
	if !ok {
		col = &memoryCollection{docs: make(map[primitive.ObjectID]bson.M)}
		db.cols[name] = col
	}
	return col
}

// EnsureUniqueIndex declares a unique index on a flattened field name, so
// that duplicate-key code paths can be exercised without a live database.
func (db *memoryDatabase) EnsureUniqueIndex(collection, field string) {
	col := db.Collection(collection).(*memoryCollection)
	col.mu.Lock()
	defer col.mu.Unlock()
	for _, f := range col.unique {
		if f == field {
			return
		}
	}
	col.unique = append(col.unique, field)
}

// EnsureUniqueIndex is a convenience that reaches through to the database.
func (d *MemoryDriver) EnsureUniqueIndex(database, collection, field string) {
	db, _ := d.Connect(context.Background(), database)
	db.(*memoryDatabase).EnsureUniqueIndex(collection, field)
}

type memoryCollection struct {
	mu     sync.RWMutex
	docs   map[primitive.ObjectID]bson.M
	order  []primitive.ObjectID
	unique []string
}

func (c *memoryCollection) InsertOne(ctx context.Context, doc bson.M) (primitive.ObjectID, error) {
	stored := deepCopyDoc(doc)
	id, ok := stored["_id"].(primitive.ObjectID)
	if !ok {
		id = primitive.NewObjectID()
		stored["_id"] = id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[id]; exists {
		return primitive.NilObjectID, fmt.Errorf("%w: _id %s", ErrDuplicateKey, id.Hex())
	}
	for _, field := range c.unique {
		value, ok := lookupDotted(stored, field)
		if !ok {
			continue
		}
		for _, other := range c.docs {
			if existing, ok := lookupDotted(other, field); ok && looselyEqual(existing, value) {
				return primitive.NilObjectID, fmt.Errorf("%w: %s", ErrDuplicateKey, field)
			}
		}
	}
	c.docs[id] = stored
	c.order = append(c.order, id)
	return id, nil
}

func (c *memoryCollection) UpdateOne(ctx context.Context, filter, update bson.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		doc := c.docs[id]
		if !matchFilter(doc, filter) {
			continue
		}
		if set, ok := update["$set"].(bson.M); ok {
			for k, v := range deepCopyDoc(set) {
				if k == "_id" {
					continue
				}
				doc[k] = v
			}
		}
		if unset, ok := update["$unset"].(bson.M); ok {
			for k := range unset {
				delete(doc, k)
			}
		}
		return 1, nil
	}
	return 0, nil
}

func (c *memoryCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(filter, true)
}

func (c *memoryCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(filter, false)
}

func (c *memoryCollection) delete(filter bson.M, single bool) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deleted int64
	remaining := c.order[:0]
	for _, id := range c.order {
		doc := c.docs[id]
		if (!single || deleted == 0) && matchFilter(doc, filter) {
			delete(c.docs, id)
			deleted++
			continue
		}
		remaining = append(remaining, id)
	}
	c.order = remaining
	return deleted, nil
}

func (c *memoryCollection) Find(ctx context.Context, filter bson.M, opts *FindOptions) (Cursor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []bson.M
	var skipped int64
	for _, id := range c.order {
		doc := c.docs[id]
		if !matchFilter(doc, filter) {
			continue
		}
		if opts != nil && skipped < opts.Skip {
			skipped++
			continue
		}
		out := deepCopyDoc(doc)
		if opts != nil && len(opts.Projection) > 0 {
			out = applyProjection(out, opts.Projection)
		}
		result = append(result, out)
		if opts != nil && opts.Limit > 0 && int64(len(result)) >= opts.Limit {
			break
		}
	}
	return &memoryCursor{docs: result, pos: -1}, nil
}

func (c *memoryCollection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, id := range c.order {
		if matchFilter(c.docs[id], filter) {
			n++
		}
	}
	return n, nil
}

type memoryCursor struct {
	docs []bson.M
	pos  int
}

func (c *memoryCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *memoryCursor) Decode(out *bson.M) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("storage: cursor has no current document")
	}
	*out = c.docs[c.pos]
	return nil
}

func (c *memoryCursor) All(ctx context.Context) ([]bson.M, error) {
	var all []bson.M
	for c.Next(ctx) {
		all = append(all, c.docs[c.pos])
	}
	return all, nil
}

func (c *memoryCursor) Err() error { return nil }

func (c *memoryCursor) Close(ctx context.Context) error { return nil }

func matchFilter(doc, filter bson.M) bool {
	for key, want := range filter {
		got, ok := lookupDotted(doc, key)
		if m, isMap := asStringMap(want); isMap {
			if eq, hasEq := m["$eq"]; hasEq {
				want = eq
			} else {
				// unsupported operator document
				return false
			}
		}
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// lookupDotted resolves "a.b.c" style keys against nested documents.
func lookupDotted(doc bson.M, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looselyEqual compares values the way a BSON store would, treating all
// numeric types as one domain.
func looselyEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ida, ok := a.(primitive.ObjectID); ok {
		if idb, ok := b.(primitive.ObjectID); ok {
			return ida == idb
		}
		if s, ok := b.(string); ok {
			return ida.Hex() == s
		}
		return false
	}
	if idb, ok := b.(primitive.ObjectID); ok {
		if s, ok := a.(string); ok {
			return idb.Hex() == s
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// applyProjection implements inclusion/exclusion on flattened dotted keys.
// Inclusion and exclusion may mix; each leaf applies its own semantics,
// matching the permissive behavior of the real store.
func applyProjection(doc bson.M, projection bson.M) bson.M {
	inclusive := false
	for key, v := range projection {
		if key == "_id" {
			continue
		}
		if included(v) {
			inclusive = true
			break
		}
	}
	if inclusive {
		out := bson.M{}
		if id, ok := doc["_id"]; ok {
			if v, present := projection["_id"]; !present || included(v) {
				out["_id"] = id
			}
		}
		for key, v := range projection {
			if key == "_id" || !included(v) {
				continue
			}
			if value, ok := lookupDotted(doc, key); ok {
				setDotted(out, key, value)
			}
		}
		return out
	}
	for key, v := range projection {
		if included(v) {
			continue
		}
		removeDotted(doc, key)
	}
	return doc
}

func included(v any) bool {
	f, ok := asFloat(v)
	return ok && f != 0
}

func setDotted(doc bson.M, key string, value any) {
	parts := strings.Split(key, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asStringMap(current[part])
		if !ok {
			next = bson.M{}
			current[part] = bson.M(next)
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func removeDotted(doc bson.M, key string) {
	parts := strings.Split(key, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asStringMap(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func deepCopyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return deepCopyDoc(t)
	case map[string]any:
		return map[string]any(deepCopyDoc(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	}
	return v
}
