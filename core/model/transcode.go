package model

import (
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Defaulter is implemented by models that carry default values. SetDefaults
// is called on every fresh instance, except in strict decoding where absent
// fields stay pruned.
type Defaulter interface {
	SetDefaults()
}

// NewInstance creates a pointer to a fresh instance of the model type with
// its defaults applied.
func (d *Def) NewInstance() any {
	inst := reflect.New(d.typ).Interface()
	if def, ok := inst.(Defaulter); ok {
		def.SetDefaults()
	}
	return inst
}

func (d *Def) newInstanceStrict() any {
	return reflect.New(d.typ).Interface()
}

// IDOf returns the identity value of the instance, or the nil ObjectID when
// the model has no identity field or the instance is not of this type.
func (d *Def) IDOf(instance any) primitive.ObjectID {
	if d.id == nil {
		return primitive.NilObjectID
	}
	v, ok := d.structValue(instance)
	if !ok {
		return primitive.NilObjectID
	}
	id, _ := v.FieldByIndex(d.id.index).Interface().(primitive.ObjectID)
	return id
}

// SetID assigns the identity value on the instance. Instance must be a
// pointer to the model type.
func (d *Def) SetID(instance any, id primitive.ObjectID) {
	if d.id == nil {
		return
	}
	v, ok := d.structValue(instance)
	if !ok || !v.CanSet() {
		return
	}
	v.FieldByIndex(d.id.index).Set(reflect.ValueOf(id))
}

func (d *Def) structValue(instance any) (reflect.Value, bool) {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Type() != d.typ {
		return reflect.Value{}, false
	}
	return v, true
}

// ToDB converts a model instance into a database document. Mapped fields are
// written under their database field name, the identity under the reserved
// "_id" key when set. Unmapped fields are dropped unless the model is
// promiscuous, in which case they pass through under their default name.
func (d *Def) ToDB(instance any) bson.M {
	v, ok := d.structValue(instance)
	if !ok {
		return nil
	}
	doc := bson.M{}
	for _, f := range d.fields {
		if f.dbOptOut {
			continue
		}
		name := f.DBName
		if name == "" {
			if !d.opts.Promiscuous {
				continue
			}
			name = f.defaultDB
		}
		fv := v.FieldByIndex(f.index)
		if f.IsID {
			if id, _ := fv.Interface().(primitive.ObjectID); !id.IsZero() {
				doc[IDFieldName] = id
			}
			continue
		}
		if fv.Kind() == reflect.Func {
			continue
		}
		doc[name] = f.encodeDB(fv)
	}
	return doc
}

// ToDBChangeSet converts a partial change-set, keyed by property name, into
// a database document fragment. Values are passed through verbatim, so falsy
// values (0, false, the empty string) are preserved. Keys with no mapping
// are dropped unless the model is promiscuous.
func (d *Def) ToDBChangeSet(changeSet map[string]any) bson.M {
	doc := bson.M{}
	for key, value := range changeSet {
		f, ok := d.byName[key]
		if !ok {
			if d.opts.Promiscuous {
				doc[key] = value
			}
			continue
		}
		if f.dbOptOut {
			continue
		}
		if f.IsID {
			if id, ok := value.(primitive.ObjectID); ok && !id.IsZero() {
				doc[IDFieldName] = id
			}
			continue
		}
		name := f.DBName
		if name == "" {
			if !d.opts.Promiscuous {
				continue
			}
			name = f.defaultDB
		}
		if f.nested {
			if nested, ok := f.nestedDef(); ok {
				if sub := nested.encodeNestedValue(reflect.ValueOf(value)); sub != nil {
					doc[name] = sub
					continue
				}
			}
		}
		doc[name] = value
	}
	return doc
}

func (f *Field) encodeDB(v reflect.Value) any {
	if f.nested {
		if nested, ok := f.nestedDef(); ok {
			return nested.encodeNestedValue(v)
		}
	}
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

// encodeNestedValue encodes a nested model value, a pointer to one, or a
// slice of them, element-wise.
func (d *Def) encodeNestedValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return d.encodeNestedValue(v.Elem())
	case reflect.Slice:
		out := make(bson.A, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, d.encodeNestedValue(v.Index(i)))
		}
		return out
	case reflect.Struct:
		if v.Type() == d.typ {
			return d.ToDB(v.Interface())
		}
	case reflect.Map:
		// promiscuous free-form sub-document
		return v.Interface()
	}
	return v.Interface()
}

// FromDB converts a database document into a fresh model instance with
// defaults applied. A nil document yields nil, never an error; this lets
// callers treat "not found" uniformly.
func (d *Def) FromDB(doc bson.M) (any, error) {
	return d.fromDB(doc, false)
}

// FromDBStrict is FromDB without defaulting: fields absent from the document
// stay zero. This is the decode mode for projected fetches, where absent
// fields were pruned on purpose.
func (d *Def) FromDBStrict(doc bson.M) (any, error) {
	return d.fromDB(doc, true)
}

func (d *Def) fromDB(doc bson.M, strict bool) (any, error) {
	if doc == nil {
		return nil, nil
	}
	var inst any
	if strict {
		inst = d.newInstanceStrict()
	} else {
		inst = d.NewInstance()
	}
	v := reflect.ValueOf(inst).Elem()

	for key, value := range doc {
		if key == IDFieldName {
			if d.id != nil {
				if id, ok := coerceObjectID(value); ok {
					v.FieldByIndex(d.id.index).Set(reflect.ValueOf(id))
				}
			}
			continue
		}
		f, ok := d.byDB[key]
		if !ok {
			if !d.opts.Promiscuous {
				continue
			}
			f = d.fieldByDefaultDB(key)
			if f == nil {
				continue
			}
		}
		d.assignField(v, f, value, strict)
	}
	return inst, nil
}

func (d *Def) fieldByDefaultDB(name string) *Field {
	for _, f := range d.fields {
		if f.defaultDB == name && f.DBName == "" && !f.dbOptOut {
			return f
		}
	}
	return nil
}

// assignField sets a decoded value onto a struct field, recursing into
// nested models and slices. Values that cannot be represented in the field's
// type are dropped silently; malformed documents never panic.
func (d *Def) assignField(structVal reflect.Value, f *Field, value any, strict bool) {
	if value == nil {
		return
	}
	target := structVal.FieldByIndex(f.index)
	assignValue(target, f, value, strict)
}

func assignValue(target reflect.Value, f *Field, value any, strict bool) {
	if value == nil || !target.CanSet() {
		return
	}
	// typed values (e.g. from a change-set merge) assign directly
	if rv := reflect.ValueOf(value); rv.Type().AssignableTo(target.Type()) {
		target.Set(rv)
		return
	}
	if f != nil && f.nested {
		if nested, ok := f.nestedDef(); ok {
			assignNested(target, nested, value, strict)
			return
		}
	}
	assignScalar(target, value)
}

func assignNested(target reflect.Value, nested *Def, value any, strict bool) {
	switch target.Kind() {
	case reflect.Slice:
		items, ok := asArray(value)
		if !ok {
			return
		}
		slice := reflect.MakeSlice(target.Type(), 0, len(items))
		for _, item := range items {
			elem := reflect.New(target.Type().Elem()).Elem()
			assignNested(elem, nested, item, strict)
			slice = reflect.Append(slice, elem)
		}
		target.Set(slice)
	case reflect.Ptr:
		doc, ok := asDocument(value)
		if !ok {
			return
		}
		child, err := nested.fromDB(doc, strict)
		if err != nil || child == nil {
			return
		}
		cv := reflect.ValueOf(child)
		if cv.Type().AssignableTo(target.Type()) {
			target.Set(cv)
		}
	case reflect.Struct:
		doc, ok := asDocument(value)
		if !ok {
			return
		}
		child, err := nested.fromDB(doc, strict)
		if err != nil || child == nil {
			return
		}
		cv := reflect.ValueOf(child).Elem()
		if cv.Type().AssignableTo(target.Type()) {
			target.Set(cv)
		}
	case reflect.Map:
		assignScalar(target, value)
	}
}

func assignScalar(target reflect.Value, value any) {
	if value == nil || !target.CanSet() {
		return
	}
	// BSON dates arrive as primitive.DateTime
	if dt, ok := value.(primitive.DateTime); ok && target.Type() == reflect.TypeOf(time.Time{}) {
		target.Set(reflect.ValueOf(dt.Time()))
		return
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(target.Type()):
		target.Set(rv)
	case target.Kind() == reflect.Slice:
		// decoded arrays arrive as []any (or bson.A) and assign element-wise
		items, ok := asArray(value)
		if !ok {
			return
		}
		slice := reflect.MakeSlice(target.Type(), 0, len(items))
		for _, item := range items {
			elem := reflect.New(target.Type().Elem()).Elem()
			assignScalar(elem, item)
			slice = reflect.Append(slice, elem)
		}
		target.Set(slice)
	case rv.Type().ConvertibleTo(target.Type()) && convertKindSafe(rv.Kind(), target.Kind()):
		target.Set(rv.Convert(target.Type()))
	case target.Kind() == reflect.Ptr && rv.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(rv)
		target.Set(p)
	}
}

// convertKindSafe limits conversions to numeric widening and same-family
// kinds; it notably refuses string<->number conversions, which Go's Convert
// would happily perform with garbage results.
func convertKindSafe(from, to reflect.Kind) bool {
	return kindFamily(from) != 0 && kindFamily(from) == kindFamily(to)
}

func kindFamily(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return 1
	case reflect.String:
		return 2
	}
	return 0
}

// coerceObjectID accepts a native ObjectID or a validly-formatted hex
// string, matching the identity coercion of the source protocol.
func coerceObjectID(value any) (primitive.ObjectID, bool) {
	switch id := value.(type) {
	case primitive.ObjectID:
		return id, true
	case string:
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return primitive.NilObjectID, false
		}
		return oid, true
	}
	return primitive.NilObjectID, false
}

func asDocument(value any) (bson.M, bool) {
	switch doc := value.(type) {
	case bson.M:
		return doc, true
	case map[string]any:
		return bson.M(doc), true
	}
	return nil, false
}

func asArray(value any) ([]any, bool) {
	switch arr := value.(type) {
	case bson.A:
		return []any(arr), true
	case []any:
		return arr, true
	}
	return nil, false
}

// ToJSON converts a model instance into its wire representation. Fields
// marked private never appear, even if they carry a json mapping; function
// values are always excluded; the identity is emitted as a hex string.
func (d *Def) ToJSON(instance any) map[string]any {
	return d.ToJSONProjected(instance, nil)
}

// ToJSONProjected is ToJSON restricted by a projection tree (field name to
// 0, 1, or a nested tree). Inclusion and exclusion may mix across branches;
// each leaf applies its own semantics. This mirrors the permissive behavior
// of the underlying store and is deliberately not validated.
func (d *Def) ToJSONProjected(instance any, projection map[string]any) map[string]any {
	v, ok := d.structValue(instance)
	if !ok {
		return nil
	}
	inclusive := false
	for _, pv := range projection {
		if isIncluded(pv) {
			inclusive = true
			break
		}
	}
	out := map[string]any{}
	for _, f := range d.fields {
		if f.Private || f.JSONName == "" {
			continue
		}
		fv := v.FieldByIndex(f.index)
		if fv.Kind() == reflect.Func {
			continue
		}
		var subProjection map[string]any
		if projection != nil {
			pv, present := projection[f.JSONName]
			switch {
			case !present:
				if inclusive {
					continue
				}
			case !isIncluded(pv):
				continue
			default:
				subProjection, _ = pv.(map[string]any)
			}
		}
		if f.IsID {
			if id, _ := fv.Interface().(primitive.ObjectID); !id.IsZero() {
				out[f.JSONName] = id.Hex()
			}
			continue
		}
		out[f.JSONName] = d.encodeJSONValue(f, fv, subProjection)
	}
	return out
}

func isIncluded(pv any) bool {
	switch n := pv.(type) {
	case map[string]any:
		return true
	case int:
		return n != 0
	case int32:
		return n != 0
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	}
	return false
}

func (d *Def) encodeJSONValue(f *Field, v reflect.Value, projection map[string]any) any {
	if f.nested {
		if nested, ok := f.nestedDef(); ok {
			return nested.encodeNestedJSON(v, projection)
		}
	}
	if !v.IsValid() {
		return nil
	}
	if id, ok := v.Interface().(primitive.ObjectID); ok {
		if id.IsZero() {
			return nil
		}
		return id.Hex()
	}
	return v.Interface()
}

func (d *Def) encodeNestedJSON(v reflect.Value, projection map[string]any) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return d.encodeNestedJSON(v.Elem(), projection)
	case reflect.Slice:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, d.encodeNestedJSON(v.Index(i), projection))
		}
		return out
	case reflect.Struct:
		if v.Type() == d.typ {
			return d.ToJSONProjected(v.Interface(), projection)
		}
	}
	return v.Interface()
}

// FromJSON converts a wire payload into a fresh model instance with defaults
// applied. Every accepted alias of a field decodes; when several aliases
// appear in one payload, the last-registered one wins. A nil payload yields
// nil.
func (d *Def) FromJSON(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	inst := d.NewInstance()
	v := reflect.ValueOf(inst).Elem()
	d.applyJSON(v, payload)
	return inst, nil
}

func (d *Def) applyJSON(v reflect.Value, payload map[string]any) map[string]bool {
	applied := make(map[string]bool)
	for _, f := range d.fields {
		for _, alias := range f.JSONAliases {
			value, present := payload[alias]
			if !present {
				continue
			}
			applied[f.Name] = true
			if f.IsID {
				if id, ok := coerceObjectID(value); ok {
					v.FieldByIndex(f.index).Set(reflect.ValueOf(id))
				}
				continue
			}
			target := v.FieldByIndex(f.index)
			if f.nested {
				if nested, ok := f.nestedDef(); ok {
					assignNestedJSON(target, nested, value)
					continue
				}
			}
			if f.Promiscuous && target.Kind() == reflect.Map {
				// free-form sub-payload, copied structurally
				assignScalar(target, value)
				continue
			}
			assignScalar(target, value)
		}
	}
	return applied
}

func assignNestedJSON(target reflect.Value, nested *Def, value any) {
	switch target.Kind() {
	case reflect.Slice:
		items, ok := asArray(value)
		if !ok {
			return
		}
		slice := reflect.MakeSlice(target.Type(), 0, len(items))
		for _, item := range items {
			elem := reflect.New(target.Type().Elem()).Elem()
			assignNestedJSON(elem, nested, item)
			slice = reflect.Append(slice, elem)
		}
		target.Set(slice)
	case reflect.Ptr:
		doc, ok := asDocument(value)
		if !ok {
			return
		}
		child, err := nested.FromJSON(doc)
		if err != nil || child == nil {
			return
		}
		cv := reflect.ValueOf(child)
		if cv.Type().AssignableTo(target.Type()) {
			target.Set(cv)
		}
	case reflect.Struct:
		doc, ok := asDocument(value)
		if !ok {
			return
		}
		child, err := nested.FromJSON(doc)
		if err != nil || child == nil {
			return
		}
		cv := reflect.ValueOf(child).Elem()
		if cv.Type().AssignableTo(target.Type()) {
			target.Set(cv)
		}
	case reflect.Map:
		assignScalar(target, value)
	}
}

// ChangeSetFromJSON converts a wire payload into a change-set keyed by
// property name, holding properly typed values. Only keys present in the
// payload appear; unknown keys pass through verbatim when the model is
// promiscuous.
func (d *Def) ChangeSetFromJSON(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	inst := d.newInstanceStrict()
	v := reflect.ValueOf(inst).Elem()
	applied := d.applyJSON(v, payload)

	cs := make(map[string]any, len(applied))
	for name := range applied {
		f := d.byName[name]
		if f.IsID {
			continue
		}
		cs[name] = v.FieldByIndex(f.index).Interface()
	}
	if d.opts.Promiscuous {
		for key, value := range payload {
			if _, known := d.byJSON[key]; known {
				continue
			}
			cs[key] = value
		}
	}
	return cs
}

// DBFilterFromJSON translates a filter object keyed by wire field names into
// one keyed by database field names. Operator keys ($and, $gt, ...) are kept
// and their values translated recursively; dotted paths are translated
// segment-wise through nested models; unknown keys pass through unchanged.
func (d *Def) DBFilterFromJSON(filter map[string]any) bson.M {
	out := bson.M{}
	for key, value := range filter {
		if strings.HasPrefix(key, "$") {
			out[key] = d.translateFilterValue(value)
			continue
		}
		name, f := d.translateKey(key)
		if f != nil && f.IsID {
			if id, ok := coerceObjectID(value); ok {
				out[name] = id
				continue
			}
		}
		if f != nil && f.nested {
			if nested, ok := f.nestedDef(); ok {
				if doc, isDoc := asDocument(value); isDoc {
					out[name] = nested.DBFilterFromJSON(doc)
					continue
				}
			}
		}
		out[name] = value
	}
	return out
}

func (d *Def) translateFilterValue(value any) any {
	switch t := value.(type) {
	case map[string]any:
		return map[string]any(d.DBFilterFromJSON(t))
	case bson.M:
		return map[string]any(d.DBFilterFromJSON(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = d.translateFilterValue(e)
		}
		return out
	}
	return value
}

// translateKey maps one possibly dotted wire key to its database key.
func (d *Def) translateKey(key string) (string, *Field) {
	head, rest, dotted := strings.Cut(key, ".")
	f, ok := d.byJSON[head]
	if !ok {
		return key, nil
	}
	name := f.DBName
	if name == "" {
		name = f.defaultDB
	}
	if !dotted {
		return name, f
	}
	if f.nested {
		if nested, nok := f.nestedDef(); nok {
			tail, _ := nested.translateKey(rest)
			return name + "." + tail, f
		}
	}
	return name + "." + rest, f
}

// DBProjectionFromJSON translates a projection tree keyed by wire field
// names into one keyed by database field names. The tree shape (0, 1,
// nested trees) is preserved.
func (d *Def) DBProjectionFromJSON(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for key, value := range tree {
		name, f := d.translateKey(key)
		if sub, ok := asDocument(value); ok && f != nil && f.nested {
			if nested, nok := f.nestedDef(); nok {
				out[name] = nested.DBProjectionFromJSON(sub)
				continue
			}
		}
		out[name] = value
	}
	return out
}
