package model_test

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core/model"
)

func TestToDB(t *testing.T) {
	id := primitive.NewObjectID()
	p := Person{
		ID:        id,
		FirstName: "George",
		LastName:  "Washington",
		Password:  "secret",
		Age:       0,
		Address:   &Address{Street: "Main St", City: "Springfield"},
		Tags:      []string{"founder"},
		Memo:      "scratch",
	}
	doc := personDef.ToDB(p)

	if doc[model.IDFieldName] != id {
		t.Fatal("identity not written under _id")
	}
	if doc["fname"] != "George" || doc["lname"] != "Washington" {
		t.Fatalf("unexpected document: %v", doc)
	}
	// private fields persist
	if doc["pw"] != "secret" {
		t.Fatal("private field must persist")
	}
	// falsy values persist
	if doc["age"] != 0 {
		t.Fatal("zero value must persist")
	}
	// unmapped fields are dropped
	if _, ok := doc["memo"]; ok {
		t.Fatal("unmapped field must not persist")
	}
	addr, ok := doc["addr"].(bson.M)
	if !ok || addr["street"] != "Main St" || addr["city"] != "Springfield" {
		t.Fatalf("nested model not transcoded: %v", doc["addr"])
	}
}

func TestToDBZeroIDOmitted(t *testing.T) {
	doc := personDef.ToDB(Person{FirstName: "George"})
	if _, ok := doc[model.IDFieldName]; ok {
		t.Fatal("zero identity must be omitted so the store can generate one")
	}
}

func TestFromDBRoundTrip(t *testing.T) {
	id := primitive.NewObjectID()
	p := Person{
		ID:        id,
		FirstName: "George",
		Password:  "secret",
		Age:       57,
		Address:   &Address{Street: "Main St"},
		Tags:      []string{"founder", "general"},
	}
	inst, err := personDef.FromDB(personDef.ToDB(p))
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Person)
	if got.ID != id || got.FirstName != "George" || got.Password != "secret" || got.Age != 57 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Address == nil || got.Address.Street != "Main St" {
		t.Fatalf("nested round trip mismatch: %+v", got.Address)
	}
	if !reflect.DeepEqual(got.Tags, []string{"founder", "general"}) {
		t.Fatalf("slice round trip mismatch: %v", got.Tags)
	}
}

func TestFromDBNilDocument(t *testing.T) {
	inst, err := personDef.FromDB(nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst != nil {
		t.Fatal("nil document must yield nil, not an empty instance")
	}
}

func TestFromDBCoercesHexID(t *testing.T) {
	id := primitive.NewObjectID()
	inst, err := personDef.FromDB(bson.M{model.IDFieldName: id.Hex()})
	if err != nil {
		t.Fatal(err)
	}
	if inst.(*Person).ID != id {
		t.Fatal("hex string identity not coerced")
	}

	inst, err = personDef.FromDB(bson.M{model.IDFieldName: "not-an-id"})
	if err != nil {
		t.Fatal(err)
	}
	if !inst.(*Person).ID.IsZero() {
		t.Fatal("malformed identity must be dropped")
	}
}

func TestFromDBDropsUnconvertibleValues(t *testing.T) {
	inst, err := personDef.FromDB(bson.M{"age": "old", "fname": 42})
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Person)
	if got.Age != 0 || got.FirstName != "" {
		t.Fatalf("garbage values must be dropped, got %+v", got)
	}
}

func TestDefaulting(t *testing.T) {
	inst, err := widgetDef.FromDB(bson.M{"count": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := inst.(*Widget); got.Color != "blue" || got.Count != 3 {
		t.Fatalf("defaults not applied: %+v", got)
	}

	// strict decoding keeps absent fields zero
	inst, err = widgetDef.FromDBStrict(bson.M{"count": 3})
	if err != nil {
		t.Fatal(err)
	}
	if got := inst.(*Widget); got.Color != "" {
		t.Fatalf("strict decode must not default: %+v", got)
	}
}

func TestPromiscuousPassThrough(t *testing.T) {
	g := Gadget{Name: "sprocket", Extra: map[string]any{"weight": 12}}
	doc := gadgetDef.ToDB(g)
	if doc["name"] != "sprocket" {
		t.Fatal("unmapped field must pass through under its default name")
	}
	extra, ok := doc["extra"].(map[string]any)
	if !ok || extra["weight"] != 12 {
		t.Fatalf("promiscuous sub-document not passed through: %v", doc["extra"])
	}

	inst, err := gadgetDef.FromDB(doc)
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Gadget)
	if got.Name != "sprocket" {
		t.Fatal("unmapped field must decode through its default name")
	}
	if got.Extra["weight"] != 12 {
		t.Fatalf("promiscuous sub-document not decoded: %v", got.Extra)
	}
}

func TestToJSON(t *testing.T) {
	id := primitive.NewObjectID()
	p := Person{
		ID:        id,
		FirstName: "George",
		Password:  "secret",
		Address:   &Address{Street: "Main St", City: "Springfield"},
	}
	out := personDef.ToJSON(p)

	if out["id"] != id.Hex() {
		t.Fatal("identity must be emitted as hex string")
	}
	if out["fn"] != "George" {
		t.Fatalf("unexpected output: %v", out)
	}
	if _, ok := out["pw"]; ok {
		t.Fatal("private field leaked to the wire")
	}
	addr, ok := out["address"].(map[string]any)
	if !ok || addr["street"] != "Main St" {
		t.Fatalf("nested model not transcoded: %v", out["address"])
	}
	// falsy values stay present
	if out["age"] != 0 {
		t.Fatal("zero value must appear on the wire")
	}
}

func TestToJSONProjected(t *testing.T) {
	p := Person{FirstName: "George", LastName: "Washington", Age: 57,
		Address: &Address{Street: "Main St", City: "Springfield"}}

	// inclusion: only the named fields appear
	out := personDef.ToJSONProjected(p, map[string]any{"fn": 1})
	if out["fn"] != "George" || len(out) != 1 {
		t.Fatalf("unexpected projection result: %v", out)
	}

	// exclusion: everything but the named fields appears
	out = personDef.ToJSONProjected(p, map[string]any{"fn": 0})
	if _, ok := out["fn"]; ok {
		t.Fatal("excluded field present")
	}
	if out["ln"] != "Washington" {
		t.Fatal("non-excluded field missing")
	}

	// mixed trees apply leaf semantics per branch
	out = personDef.ToJSONProjected(p, map[string]any{"address": map[string]any{"city": 0}, "fn": 1})
	addr, ok := out["address"].(map[string]any)
	if !ok {
		t.Fatalf("nested projection missing: %v", out)
	}
	if _, ok := addr["city"]; ok {
		t.Fatal("nested excluded field present")
	}
	if addr["street"] != "Main St" || out["fn"] != "George" {
		t.Fatalf("unexpected mixed projection result: %v", out)
	}
}

func TestFromJSON(t *testing.T) {
	payload := map[string]any{
		"fn":      "George",
		"ln":      "Washington",
		"age":     float64(57), // numbers arrive as float64 from the decoder
		"tags":    []any{"founder"},
		"address": map[string]any{"street": "Main St"},
	}
	inst, err := personDef.FromJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	got := inst.(*Person)
	if got.FirstName != "George" || got.LastName != "Washington" || got.Age != 57 {
		t.Fatalf("decode mismatch: %+v", got)
	}
	if got.Address == nil || got.Address.Street != "Main St" {
		t.Fatalf("nested decode mismatch: %+v", got.Address)
	}
	if !reflect.DeepEqual(got.Tags, []string{"founder"}) {
		t.Fatalf("slice decode mismatch: %v", got.Tags)
	}
}

func TestFromJSONIgnoresPrivateWireNames(t *testing.T) {
	// Password is json:"-", so no wire name decodes into it
	inst, err := personDef.FromJSON(map[string]any{"pw": "hack", "password": "hack"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.(*Person).Password != "" {
		t.Fatal("opted-out field must not decode")
	}
}

func TestChangeSetFromJSON(t *testing.T) {
	cs := personDef.ChangeSetFromJSON(map[string]any{
		"fn":  "George",
		"age": float64(57),
		"id":  primitive.NewObjectID().Hex(),
	})
	if cs["FirstName"] != "George" {
		t.Fatalf("unexpected change-set: %v", cs)
	}
	// values are properly typed, not raw JSON values
	if age, ok := cs["Age"].(int); !ok || age != 57 {
		t.Fatalf("change-set value not typed: %T %v", cs["Age"], cs["Age"])
	}
	// the identity is never part of a change-set
	if _, ok := cs["ID"]; ok {
		t.Fatal("identity leaked into change-set")
	}
	// absent fields stay absent
	if _, ok := cs["LastName"]; ok {
		t.Fatal("absent field appeared in change-set")
	}
}

func TestChangeSetFromJSONPromiscuous(t *testing.T) {
	cs := gadgetDef.ChangeSetFromJSON(map[string]any{"name": "sprocket", "custom": true})
	if cs["Name"] != "sprocket" {
		t.Fatalf("unexpected change-set: %v", cs)
	}
	if cs["custom"] != true {
		t.Fatal("unknown key must pass through on a promiscuous model")
	}
}

func TestToDBChangeSet(t *testing.T) {
	doc := personDef.ToDBChangeSet(map[string]any{
		"FirstName": "George",
		"Age":       0,
		"Memo":      "scratch",
		"bogus":     1,
	})
	if doc["fname"] != "George" {
		t.Fatalf("unexpected document: %v", doc)
	}
	if doc["age"] != 0 {
		t.Fatal("falsy change-set value must persist")
	}
	if _, ok := doc["memo"]; ok {
		t.Fatal("unmapped property must not persist")
	}
	if _, ok := doc["bogus"]; ok {
		t.Fatal("unknown property must not persist")
	}
}

func TestDBFilterFromJSON(t *testing.T) {
	id := primitive.NewObjectID()
	filter := personDef.DBFilterFromJSON(map[string]any{
		"fn":           "George",
		"id":           id.Hex(),
		"address.city": "Springfield",
		"$or": []any{
			map[string]any{"ln": "Washington"},
			map[string]any{"age": map[string]any{"$gt": 50}},
		},
		"unknown": 1,
	})

	if filter["fname"] != "George" {
		t.Fatalf("wire name not translated: %v", filter)
	}
	if filter[model.IDFieldName] != id {
		t.Fatal("identity filter not coerced to ObjectID")
	}
	if filter["addr.city"] != "Springfield" {
		t.Fatalf("dotted path not translated: %v", filter)
	}
	or, ok := filter["$or"].([]any)
	if !ok || len(or) != 2 {
		t.Fatalf("operator value not translated: %v", filter["$or"])
	}
	if or[0].(map[string]any)["lname"] != "Washington" {
		t.Fatalf("operator branch not translated: %v", or[0])
	}
	if filter["unknown"] != 1 {
		t.Fatal("unknown keys must pass through")
	}
}

func TestDBProjectionFromJSON(t *testing.T) {
	tree := personDef.DBProjectionFromJSON(map[string]any{
		"fn": 1,
		"address": map[string]any{
			"city": 0,
		},
	})
	if tree["fname"] != 1 {
		t.Fatalf("wire name not translated: %v", tree)
	}
	sub, ok := tree["addr"].(map[string]any)
	if !ok || sub["city"] != 0 {
		t.Fatalf("nested tree not translated: %v", tree)
	}
}

func TestIDOfAndSetID(t *testing.T) {
	p := &Person{}
	if !personDef.IDOf(p).IsZero() {
		t.Fatal("fresh instance must have a zero identity")
	}
	id := primitive.NewObjectID()
	personDef.SetID(p, id)
	if personDef.IDOf(p) != id {
		t.Fatal("identity not set")
	}
}
