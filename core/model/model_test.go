package model_test

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core/model"
	"github.com/tarn-io/tarn/core/storage"
)

func testDatabase(t *testing.T) storage.Database {
	t.Helper()
	db, err := storage.NewMemoryDriver().Connect(context.Background(), "testdb")
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestOpsCreateAndGet(t *testing.T) {
	ctx := context.Background()
	ops := personDef.BindOps(testDatabase(t), nil)

	p := &Person{FirstName: "George", LastName: "Washington"}
	id, err := ops.Create(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if id.IsZero() {
		t.Fatal("no identity generated")
	}
	// the generated identity is written back onto the instance
	if p.ID != id {
		t.Fatal("identity not assigned to instance")
	}

	inst, err := ops.GetByID(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Person)
	if got.ID != id || got.FirstName != "George" {
		t.Fatalf("fetched instance mismatch: %+v", got)
	}

	inst, err = ops.GetByID(ctx, primitive.NewObjectID(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst != nil {
		t.Fatal("missing document must yield nil")
	}
}

func TestOpsGetWithFilterAndProjection(t *testing.T) {
	ctx := context.Background()
	ops := personDef.BindOps(testDatabase(t), nil)

	for _, name := range []string{"George", "Martha", "John"} {
		if _, err := ops.Create(ctx, &Person{FirstName: name, LastName: "Washington"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ops.Create(ctx, &Person{FirstName: "Thomas", LastName: "Jefferson"}); err != nil {
		t.Fatal(err)
	}

	instances, err := ops.Get(ctx, bson.M{"lname": "Washington"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 3 {
		t.Fatalf("got %d instances, want 3", len(instances))
	}

	instances, err = ops.Get(ctx, bson.M{"lname": "Washington"}, &model.GetOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}

	// projected fetches decode strictly: absent fields stay zero
	instances, err = ops.Get(ctx, bson.M{"fname": "George"}, &model.GetOptions{Projection: bson.M{"fname": 1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("got %d instances, want 1", len(instances))
	}
	got := instances[0].(*Person)
	if got.FirstName != "George" || got.LastName != "" {
		t.Fatalf("projection not applied: %+v", got)
	}
}

func TestOpsSave(t *testing.T) {
	ctx := context.Background()
	ops := personDef.BindOps(testDatabase(t), nil)

	p := &Person{FirstName: "George", LastName: "Washington", Age: 56}
	id, err := ops.Create(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	// full save
	p.Age = 57
	matched, err := ops.Save(ctx, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if matched != 1 {
		t.Fatalf("matched %d, want 1", matched)
	}

	// partial save merges the change-set back onto the instance
	matched, err = ops.Save(ctx, p, map[string]any{"FirstName": "President George"})
	if err != nil {
		t.Fatal(err)
	}
	if matched != 1 {
		t.Fatalf("matched %d, want 1", matched)
	}
	if p.FirstName != "President George" {
		t.Fatal("change-set not merged back")
	}

	inst, err := ops.GetByID(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Person)
	if got.FirstName != "President George" || got.Age != 57 {
		t.Fatalf("saved instance mismatch: %+v", got)
	}
}

func TestOpsSaveWithoutIdentity(t *testing.T) {
	ops := personDef.BindOps(testDatabase(t), nil)

	p := &Person{FirstName: "George"}
	_, err := ops.Save(context.Background(), p, nil)
	var missing *model.MissingIDError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingIDError", err)
	}
	if missing.Instance != p {
		t.Fatal("error must carry the failing instance")
	}
	// the failed change-set must not be merged back
	if _, err := ops.Save(context.Background(), p, map[string]any{"FirstName": "Martha"}); err == nil {
		t.Fatal("save without identity accepted")
	}
	if p.FirstName != "George" {
		t.Fatal("failed save must not mutate the instance")
	}
}

func TestOpsRemove(t *testing.T) {
	ctx := context.Background()
	ops := personDef.BindOps(testDatabase(t), nil)

	p := &Person{FirstName: "George"}
	id, err := ops.Create(ctx, p)
	if err != nil {
		t.Fatal(err)
	}

	n, err := ops.RemoveByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	n, err = ops.RemoveByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("removed %d, want 0", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := ops.Create(ctx, &Person{LastName: "Washington"}); err != nil {
			t.Fatal(err)
		}
	}
	n, err = ops.RemoveAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
}

func TestBindOpsKeepsOverrides(t *testing.T) {
	called := false
	override := &model.Ops{
		Create: func(ctx context.Context, instance any) (primitive.ObjectID, error) {
			called = true
			return primitive.NewObjectID(), nil
		},
	}
	ops := personDef.BindOps(testDatabase(t), override)

	// the override survives binding, the other members are defaulted
	if _, err := ops.Create(context.Background(), &Person{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("override replaced by default")
	}
	if ops.Save == nil || ops.Get == nil || ops.RemoveByID == nil {
		t.Fatal("nil members not filled")
	}
}

func TestCollectionPanicsOnUnboundModel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic for unbound model")
		}
	}()
	addressDef.Collection(testDatabase(t))
}
