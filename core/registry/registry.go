/*Package registry provides a persistent registry of objects in the document
store.

Values are serialized as JSON and kept in a reserved "_registry_" collection,
one document per key, together with the time of the last write.
*/
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core/storage"
)

const collectionName = "_registry_"

// Registry provides a persistent registry of objects in the document store.
type Registry struct {
	col storage.Collection
}

// New creates a new registry for the specified database.
func New(db storage.Database) *Registry {
	return &Registry{col: db.Collection(collectionName)}
}

// Accessor is an accessor with optional prefix.
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix.
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{Prefix: prefix, Registry: r}
}

func (a Accessor) key(key string) string {
	if a.Prefix != "" {
		return a.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the time when the value
// was written, or a zero timestamp if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Read(key string, value any) (time.Time, error) {
	var timestamp time.Time
	cursor, err := a.Registry.col.Find(context.Background(),
		bson.M{"key": a.key(key)}, &storage.FindOptions{Limit: 1})
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	defer cursor.Close(context.Background())
	if !cursor.Next(context.Background()) {
		return timestamp, nil
	}
	var doc bson.M
	if err := cursor.Decode(&doc); err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	switch t := doc["timestamp"].(type) {
	case time.Time:
		timestamp = t
	case primitive.DateTime:
		timestamp = t.Time()
	}
	raw, _ := doc["value"].(string)
	if raw == "" {
		return timestamp, nil
	}
	return timestamp, json.Unmarshal([]byte(raw), value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Write(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ctx := context.Background()
	now := time.Now().UTC()
	matched, err := a.Registry.col.UpdateOne(ctx,
		bson.M{"key": a.key(key)},
		bson.M{"$set": bson.M{"value": string(body), "timestamp": now}})
	if err != nil {
		return err
	}
	if matched > 0 {
		return nil
	}
	_, err = a.Registry.col.InsertOne(ctx, bson.M{
		"key":       a.key(key),
		"value":     string(body),
		"timestamp": now,
	})
	return err
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Delete(key string) error {
	_, err := a.Registry.col.DeleteMany(context.Background(), bson.M{"key": a.key(key)})
	return err
}
