package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarn-io/tarn/core/logger"
)

// MongoDriver is the Driver implementation backed by a real mongo deployment.
type MongoDriver struct {
	client *mongo.Client
}

// OpenMongo connects to the mongo deployment at uri and pings it.
func OpenMongo(ctx context.Context, uri string) (*MongoDriver, error) {
	logger.Default().Debugln("connecting to mongo:", uri)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoDriver{client: client}, nil
}

// MustOpenMongo is OpenMongo that panics on error, for service bootstrap.
func MustOpenMongo(ctx context.Context, uri string) *MongoDriver {
	d, err := OpenMongo(ctx, uri)
	if err != nil {
		panic(err)
	}
	return d
}

// Connect returns the database with the given name.
func (d *MongoDriver) Connect(ctx context.Context, name string) (Database, error) {
	if name == "" {
		return nil, fmt.Errorf("storage: database name must not be empty")
	}
	return &mongoDatabase{db: d.client.Database(name)}, nil
}

// Close disconnects from the deployment.
func (d *MongoDriver) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

type mongoDatabase struct {
	db *mongo.Database
}

func (m *mongoDatabase) Name() string { return m.db.Name() }

func (m *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{col: m.db.Collection(name)}
}

type mongoCollection struct {
	col *mongo.Collection
}

func (m *mongoCollection) InsertOne(ctx context.Context, doc bson.M) (primitive.ObjectID, error) {
	res, err := m.col.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return primitive.NilObjectID, err
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, fmt.Errorf("storage: inserted id is not an object id: %v", res.InsertedID)
	}
	return id, nil
}

func (m *mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := m.col.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return 0, err
	}
	return res.MatchedCount, nil
}

func (m *mongoCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := m.col.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := m.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) Find(ctx context.Context, filter bson.M, opts *FindOptions) (Cursor, error) {
	fo := options.Find()
	if opts != nil {
		if len(opts.Projection) > 0 {
			fo.SetProjection(opts.Projection)
		}
		if opts.Limit > 0 {
			fo.SetLimit(opts.Limit)
		}
		if opts.Skip > 0 {
			fo.SetSkip(opts.Skip)
		}
		if opts.Collation != nil {
			fo.SetCollation(&options.Collation{
				Locale:   opts.Collation.Locale,
				Strength: opts.Collation.Strength,
			})
		}
	}
	if filter == nil {
		filter = bson.M{}
	}
	cur, err := m.col.Find(ctx, filter, fo)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

func (m *mongoCollection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	return m.col.CountDocuments(ctx, filter)
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }

func (c *mongoCursor) Decode(out *bson.M) error { return c.cur.Decode(out) }

func (c *mongoCursor) All(ctx context.Context) ([]bson.M, error) {
	var docs []bson.M
	if err := c.cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *mongoCursor) Err() error { return c.cur.Err() }

func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
