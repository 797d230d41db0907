/*Package storage defines the document-store interfaces the framework
consumes, together with two drivers: the real mongo driver and an in-process
memory driver for tests and examples.

Connection pooling and cross-request serialization are the driver's business;
the framework performs no locking of its own.
*/
package storage

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrDuplicateKey is returned by InsertOne when a unique index is violated.
// Drivers normalize their native duplicate-key errors to this value so that
// callers can map it to a 409.
var ErrDuplicateKey = errors.New("storage: duplicate key")

// Collation selects language-specific string comparison rules for Find.
type Collation struct {
	Locale   string
	Strength int
}

// FindOptions modify a Find operation. A Limit of 0 means unlimited.
type FindOptions struct {
	Projection bson.M
	Limit      int64
	Skip       int64
	Collation  *Collation
}

// Cursor iterates over the documents of a Find result.
type Cursor interface {
	// Next advances the cursor. It returns false when the cursor is
	// exhausted or an error occurred; check Err afterwards.
	Next(ctx context.Context) bool
	// Decode unmarshals the current document into out.
	Decode(out *bson.M) error
	// All drains the remaining documents and closes the cursor.
	All(ctx context.Context) ([]bson.M, error)
	Err() error
	Close(ctx context.Context) error
}

// Collection is one named collection of documents.
type Collection interface {
	// InsertOne stores a new document and returns its generated id. If the
	// document already carries an "_id" key, that id is used instead.
	InsertOne(ctx context.Context, doc bson.M) (primitive.ObjectID, error)
	// UpdateOne applies update to the first document matching filter and
	// returns the number of matched documents (0 or 1).
	UpdateOne(ctx context.Context, filter, update bson.M) (int64, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Find(ctx context.Context, filter bson.M, opts *FindOptions) (Cursor, error)
	CountDocuments(ctx context.Context, filter bson.M) (int64, error)
}

// Database is a named database holding collections.
type Database interface {
	Name() string
	Collection(name string) Collection
}

// Driver is a connected document store from which databases are obtained
// by name.
type Driver interface {
	Connect(ctx context.Context, name string) (Database, error)
	Close(ctx context.Context) error
}
