/*Package model implements declarative mapping between three representations
of an entity: the in-memory struct, its wire JSON, and its database document.

Types are registered once, typically from main or an init function, with
MustRegister. Registration parses the struct tags into a field-mapping
definition and stores it in a process-global registry which is read-only
after startup. The definition then drives the object-graph transcoder
(ToDB/FromDB/ToJSON/FromJSON) and the default CRUD operations (BindOps).

Per-field declarations live in tags:

	type Person struct {
		ID        primitive.ObjectID `json:"id"`
		FirstName string             `db:"fname" json:"fn"`
		LastName  string             `db:"lname" json:"ln"`
		Password  string             `db:"pw,private" json:"-"`
		Address   Address            `db:"addr,model" json:"address"`
	}

The db tag names the database field; "-" opts the field out of persistence
entirely, no tag leaves it unmapped (dropped unless the model is
promiscuous). Options after the comma: "private" (never emitted to JSON),
"model" (nested registered model, transcoded recursively), "promiscuous"
(free-form sub-payloads copied structurally on decode), "id" (identity
field). The json tag follows the standard library grammar and names the wire
field; additional decode aliases are added with JSONAlias.
*/
package model

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDFieldName is the reserved identity key of the document store.
const IDFieldName = "_id"

// Options configure a registered model type.
type Options struct {
	// Database and Collection bind the model to persistent storage. Either
	// both are set or neither; a half-set pair panics at registration.
	Database   string
	Collection string
	// Promiscuous lets fields without an explicit db mapping pass through
	// to and from the database under their default name.
	Promiscuous bool
}

// Field describes the mapping of one struct field.
type Field struct {
	// Name is the Go field name, the canonical property name.
	Name string
	// DBName is the database field name; empty when unmapped.
	DBName string
	// JSONName is the canonical wire field name; empty when opted out.
	JSONName string
	// JSONAliases are all accepted wire names, in registration order. The
	// last entry is the canonical output name.
	JSONAliases []string
	// Private marks a field that never appears in JSON output, regardless
	// of its json tag.
	Private bool
	// IsID marks the identity field.
	IsID bool
	// Promiscuous marks a field whose free-form sub-payload is copied
	// structurally on JSON decode even without a registered mapping.
	Promiscuous bool

	index     []int
	typ       reflect.Type
	nested    bool
	dbOptOut  bool
	defaultDB string
}

// Def is the complete mapping definition of one registered model type.
// Definitions are immutable after registration, except for JSONAlias which
// is expected to be called during the same startup phase.
type Def struct {
	typ    reflect.Type
	opts   Options
	fields []*Field
	byName map[string]*Field
	byDB   map[string]*Field
	byJSON map[string]*Field
	id     *Field
}

var (
	registryMu sync.RWMutex
	registry   = make(map[reflect.Type]*Def)
)

// Register parses the struct tags of prototype and adds the resulting
// definition to the global registry. The prototype may be a value or a
// pointer; the registered type is always the struct type.
func Register(prototype any, opts Options) (*Def, error) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model: %T is not a struct type", prototype)
	}
	if (opts.Database == "") != (opts.Collection == "") {
		return nil, fmt.Errorf("model %s: database and collection must both be set or both be empty", t.Name())
	}

	d := &Def{
		typ:    t,
		opts:   opts,
		byName: make(map[string]*Field),
		byDB:   make(map[string]*Field),
		byJSON: make(map[string]*Field),
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		f, err := parseField(sf)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", t.Name(), err)
		}
		d.fields = append(d.fields, f)
		d.byName[f.Name] = f
		if f.DBName != "" {
			d.byDB[f.DBName] = f
		}
		for _, alias := range f.JSONAliases {
			d.byJSON[alias] = f
		}
		if f.IsID {
			if d.id != nil {
				return nil, fmt.Errorf("model %s: multiple identity fields (%s, %s)", t.Name(), d.id.Name, f.Name)
			}
			d.id = f
		}
	}

	// an exported ObjectID field named ID is the identity by convention
	if d.id == nil {
		if f, ok := d.byName["ID"]; ok && f.typ == reflect.TypeOf(primitive.ObjectID{}) {
			f.IsID = true
			f.DBName = IDFieldName
			d.byDB[IDFieldName] = f
			d.id = f
		}
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[t]; exists {
		return nil, fmt.Errorf("model %s: already registered", t.Name())
	}
	registry[t] = d
	return d, nil
}

// MustRegister is Register that panics on error. Registration mistakes are
// programmer errors; failing fast at startup is intended.
func MustRegister(prototype any, opts Options) *Def {
	d, err := Register(prototype, opts)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the definition registered for the type of prototype.
func Lookup(prototype any) (*Def, bool) {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return lookupType(t)
}

func lookupType(t reflect.Type) (*Def, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[t]
	return d, ok
}

func parseField(sf reflect.StructField) (*Field, error) {
	f := &Field{
		Name:      sf.Name,
		index:     sf.Index,
		typ:       sf.Type,
		defaultDB: strings.ToLower(sf.Name),
	}

	if tag, ok := sf.Tag.Lookup("db"); ok {
		parts := strings.Split(tag, ",")
		name := parts[0]
		switch name {
		case "-":
			f.dbOptOut = true
		case "":
			f.DBName = f.defaultDB
		default:
			f.DBName = name
		}
		for _, opt := range parts[1:] {
			switch opt {
			case "private":
				f.Private = true
			case "model":
				f.nested = true
			case "promiscuous":
				f.Promiscuous = true
			case "id":
				f.IsID = true
			case "":
			default:
				return nil, fmt.Errorf("field %s: unknown db tag option %q", sf.Name, opt)
			}
		}
	}

	jsonName := f.defaultDB
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name := strings.Split(tag, ",")[0]
		if name == "-" {
			jsonName = ""
		} else if name != "" {
			jsonName = name
		}
	}
	if jsonName != "" {
		f.JSONName = jsonName
		f.JSONAliases = []string{jsonName}
	}

	if f.IsID {
		f.DBName = IDFieldName
		if f.typ != reflect.TypeOf(primitive.ObjectID{}) {
			return nil, fmt.Errorf("identity field %s must be a primitive.ObjectID", sf.Name)
		}
	}
	return f, nil
}

// JSONAlias adds additional accepted wire names for a field. The
// last-registered alias becomes the canonical output name. Returns the
// definition for chaining; panics on an unknown field name.
func (d *Def) JSONAlias(field string, aliases ...string) *Def {
	f, ok := d.byName[field]
	if !ok {
		panic(fmt.Sprintf("model %s: no field %s", d.typ.Name(), field))
	}
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		f.JSONAliases = append(f.JSONAliases, alias)
		f.JSONName = alias
		d.byJSON[alias] = f
	}
	return d
}

// Name returns the model's type name.
func (d *Def) Name() string { return d.typ.Name() }

// Options returns a copy of the registration options.
func (d *Def) Options() Options { return d.opts }

// Persistent reports whether the model is bound to a database collection.
func (d *Def) Persistent() bool { return d.opts.Collection != "" }

// Fields returns the field mappings in declaration order.
func (d *Def) Fields() []*Field {
	out := make([]*Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// FieldByName returns the mapping for a Go field name.
func (d *Def) FieldByName(name string) (*Field, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// FieldByDB returns the mapping for a database field name.
func (d *Def) FieldByDB(name string) (*Field, bool) {
	f, ok := d.byDB[name]
	return f, ok
}

// FieldByJSON returns the mapping for any accepted wire name.
func (d *Def) FieldByJSON(name string) (*Field, bool) {
	f, ok := d.byJSON[name]
	return f, ok
}

// nestedDef resolves the definition of a nested model field. Resolution is
// late so that registration order does not matter.
func (f *Field) nestedDef() (*Def, bool) {
	t := f.typ
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return lookupType(t)
}
