package routable_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/client"
	"github.com/tarn-io/tarn/core/model"
	"github.com/tarn-io/tarn/core/routable"
	"github.com/tarn-io/tarn/core/schema"
	"github.com/tarn-io/tarn/core/storage"
)

type countResponse struct {
	Count int    `json:"count"`
	ID    string `json:"id"`
}

func testClient(t *testing.T, opts routable.Options) client.Client {
	t.Helper()
	rt := routable.MustAssemble(opts, nil)
	router := mux.NewRouter()
	rt.Mount(router)
	return client.NewWithRouter(router)
}

func TestCRUDLifecycle(t *testing.T) {
	c := testClient(t, routable.Options{Model: userDef, Store: testDatabase(t)})

	var created countResponse
	if _, err := c.Post("/user", map[string]any{"name": "George", "email": "g@example.com"}, &created); err != nil {
		t.Fatal(err)
	}
	if created.Count != 1 || created.ID == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if _, err := primitive.ObjectIDFromHex(created.ID); err != nil {
		t.Fatalf("id is not a hex ObjectID: %s", created.ID)
	}

	var fetched map[string]any
	if _, err := c.Get("/user/"+created.ID, &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched["name"] != "George" || fetched["id"] != created.ID {
		t.Fatalf("unexpected fetch: %v", fetched)
	}

	var updated countResponse
	if _, err := c.Put("/user/"+created.ID, map[string]any{"name": "Martha"}, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Count != 1 {
		t.Fatalf("unexpected update response: %+v", updated)
	}
	if _, err := c.Get("/user/"+created.ID, &fetched); err != nil {
		t.Fatal(err)
	}
	// untouched fields survive a partial update
	if fetched["name"] != "Martha" || fetched["email"] != "g@example.com" {
		t.Fatalf("partial update went wrong: %v", fetched)
	}

	var deleted countResponse
	if _, err := c.Delete("/user/"+created.ID, &deleted); err != nil {
		t.Fatal(err)
	}
	if deleted.Count != 1 {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}
	status, _ := c.Get("/user/"+created.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", status)
	}
}

func TestGetAllWithQuery(t *testing.T) {
	c := testClient(t, routable.Options{Model: userDef, Store: testDatabase(t)})
	for _, name := range []string{"a", "b", "c"} {
		if _, err := c.Post("/user", map[string]any{"name": name, "email": name + "@example.com"}, nil); err != nil {
			t.Fatal(err)
		}
	}

	var list []map[string]any
	if _, err := c.Get("/user", &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d users, want 3", len(list))
	}

	// where filters on wire field names
	list = nil
	if _, err := c.Get(`/user?where={"name":"b"}`, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["name"] != "b" {
		t.Fatalf("unexpected filtered list: %v", list)
	}

	// fields restricts the response shape
	list = nil
	if _, err := c.Get(`/user?fields=["name"]&limit=2`, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d users, want 2", len(list))
	}
	if list[0]["name"] == nil {
		t.Fatalf("projected field missing: %v", list[0])
	}
	if _, ok := list[0]["email"]; ok {
		t.Fatalf("unprojected field present: %v", list[0])
	}

	list = nil
	if _, err := c.Get(`/user?skip=2`, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d users, want 1", len(list))
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("malformed error body %q: %v", body, err)
	}
	return e.Error
}

func TestQueryValidation(t *testing.T) {
	c := testClient(t, routable.Options{Model: userDef, Store: testDatabase(t)})

	cases := []struct {
		path string
		code string
	}{
		{`/user?where={broken`, "invalid_where_parameter"},
		{`/user?where=[1,2]`, "invalid_where_parameter"},
		{`/user?fields=[broken`, "invalid_fields_parameter"},
		{`/user?fields="name"`, "invalid_fields_parameter"},
		{`/user?limit=abc`, "invalid_limit_parameter"},
		{`/user?limit=-1`, "invalid_limit_parameter"},
		{`/user?skip=abc`, "invalid_skip_parameter"},
	}
	for _, tc := range cases {
		status, body, err := c.Raw(http.MethodGet, tc.path, nil)
		if err != nil {
			t.Fatal(err)
		}
		if status != http.StatusBadRequest {
			t.Fatalf("%s: got status %d, want 400", tc.path, status)
		}
		if got := errorCode(t, body); got != tc.code {
			t.Fatalf("%s: got error %q, want %q", tc.path, got, tc.code)
		}
	}

	status, body, err := c.Raw(http.MethodGet, "/user/not-an-id", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || errorCode(t, body) != "invalid_id_parameter" {
		t.Fatalf("got %d %s", status, body)
	}

	status, body, err = c.Raw(http.MethodPost, "/user", []byte("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || errorCode(t, body) != "invalid_body" {
		t.Fatalf("got %d %s", status, body)
	}
}

func TestDuplicateKeyConflict(t *testing.T) {
	driver := storage.NewMemoryDriver()
	driver.EnsureUniqueIndex("routabletest", "users", "email")
	db, err := driver.Connect(context.Background(), "routabletest")
	if err != nil {
		t.Fatal(err)
	}
	c := testClient(t, routable.Options{Model: userDef, Store: db})

	if _, err := c.Post("/user", map[string]any{"email": "x@example.com"}, nil); err != nil {
		t.Fatal(err)
	}
	status, body, err := c.Raw(http.MethodPost, "/user", map[string]any{"email": "x@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusConflict || errorCode(t, body) != "duplicate_resource" {
		t.Fatalf("got %d %s", status, body)
	}
}

func TestPutMissingDocument(t *testing.T) {
	c := testClient(t, routable.Options{Model: userDef, Store: testDatabase(t)})
	status, body, err := c.Raw(http.MethodPut, "/user/"+primitive.NewObjectID().Hex(), map[string]any{"name": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("got %d %s", status, body)
	}
}

func TestDeleteMissingDocument(t *testing.T) {
	c := testClient(t, routable.Options{Model: userDef, Store: testDatabase(t)})
	var deleted countResponse
	if _, err := c.Delete("/user/"+primitive.NewObjectID().Hex(), &deleted); err != nil {
		t.Fatal(err)
	}
	if deleted.Count != 0 {
		t.Fatalf("deleted %d, want 0", deleted.Count)
	}
}

type citizen struct {
	ID        primitive.ObjectID `json:"id"`
	FirstName string             `db:"fname" json:"fn"`
	LastName  string             `db:"lname" json:"ln"`
}

var citizenDef = model.MustRegister(citizen{}, model.Options{Database: "routabletest", Collection: "citizens"})

// the wire names and the database field names diverge; the route must
// translate between them in both directions
func TestWireAndDatabaseMapping(t *testing.T) {
	db := testDatabase(t)
	c := testClient(t, routable.Options{Model: citizenDef, Store: db})

	var created countResponse
	if _, err := c.Post("/citizen", map[string]any{"fn": "George", "ln": "Washington"}, &created); err != nil {
		t.Fatal(err)
	}
	if created.Count != 1 || created.ID == "" {
		t.Fatalf("unexpected create response: %+v", created)
	}

	cursor, err := db.Collection("citizens").Find(context.Background(), bson.M{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := cursor.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	if docs[0]["fname"] != "George" || docs[0]["lname"] != "Washington" {
		t.Fatalf("document not stored under db field names: %v", docs[0])
	}
	if _, ok := docs[0]["fn"]; ok {
		t.Fatalf("wire field name leaked into the document: %v", docs[0])
	}

	var fetched map[string]any
	if _, err := c.Get("/citizen/"+created.ID, &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched["fn"] != "George" || fetched["ln"] != "Washington" {
		t.Fatalf("unexpected wire shape: %v", fetched)
	}
}

func TestSchemaValidation(t *testing.T) {
	validator := schema.MustNewValidator([]string{`{
		"$id": "user",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1}
		}
	}`}, nil)
	c := testClient(t, routable.Options{
		Model:     userDef,
		Store:     testDatabase(t),
		SchemaID:  "user",
		Validator: validator,
	})

	if _, err := c.Post("/user", map[string]any{"name": "George"}, nil); err != nil {
		t.Fatal(err)
	}
	status, body, err := c.Raw(http.MethodPost, "/user", map[string]any{"email": "g@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || errorCode(t, body) != "invalid_body" {
		t.Fatalf("got %d %s", status, body)
	}
}
