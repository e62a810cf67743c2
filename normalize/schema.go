// Package normalize implements the entity-graph normalization engine
// described in spec.md §4.8: a schema-driven projection of domain
// entities into flat field maps, a change-set apply algorithm, BFS
// graph composition, and dependency tracking so that composed views
// recompose when any entity they depend on changes.
package normalize

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/continuumlabs/syncstore/key"
)

// Kind is the closed set of shapes a normalized field value can take.
type Kind int

const (
	KindScalar Kind = iota
	KindRef
	KindRefList
	KindScalarList
)

// NormalizedValue is one field's value in a normalized Record.
type NormalizedValue struct {
	kind       Kind
	scalar     any
	ref        key.Entity
	refList    []key.Entity
	scalarList []any
}

// Scalar wraps a plain value with no entity references.
func Scalar(v any) NormalizedValue { return NormalizedValue{kind: KindScalar, scalar: v} }

// Ref wraps a single reference to another entity.
func Ref(e key.Entity) NormalizedValue { return NormalizedValue{kind: KindRef, ref: e} }

// RefList wraps an ordered list of entity references.
func RefList(es []key.Entity) NormalizedValue {
	return NormalizedValue{kind: KindRefList, refList: append([]key.Entity(nil), es...)}
}

// ScalarList wraps a list of plain values.
func ScalarList(vs []any) NormalizedValue {
	return NormalizedValue{kind: KindScalarList, scalarList: append([]any(nil), vs...)}
}

// Kind reports which variant v holds.
func (v NormalizedValue) Kind() Kind { return v.kind }

// AsScalar returns the wrapped scalar, if v is a Scalar.
func (v NormalizedValue) AsScalar() (any, bool) {
	if v.kind != KindScalar {
		return nil, false
	}
	return v.scalar, true
}

// AsRef returns the wrapped entity reference, if v is a Ref.
func (v NormalizedValue) AsRef() (key.Entity, bool) {
	if v.kind != KindRef {
		return key.Entity{}, false
	}
	return v.ref, true
}

// AsRefList returns the wrapped entity references, if v is a RefList.
func (v NormalizedValue) AsRefList() ([]key.Entity, bool) {
	if v.kind != KindRefList {
		return nil, false
	}
	return v.refList, true
}

// AsScalarList returns the wrapped values, if v is a ScalarList.
func (v NormalizedValue) AsScalarList() ([]any, bool) {
	if v.kind != KindScalarList {
		return nil, false
	}
	return v.scalarList, true
}

// References returns every entity v points to, regardless of whether it
// is a single Ref or a RefList; used by Shape.OutboundRefs helpers.
func (v NormalizedValue) References() []key.Entity {
	switch v.kind {
	case KindRef:
		return []key.Entity{v.ref}
	case KindRefList:
		return v.refList
	default:
		return nil
	}
}

// wireValue is NormalizedValue's JSON-on-the-wire shape, needed because
// NormalizedValue's fields are unexported (callers must go through the
// Scalar/Ref/RefList/ScalarList constructors to keep the variant closed).
type wireValue struct {
	Kind       Kind         `json:"kind"`
	Scalar     any          `json:"scalar,omitempty"`
	Ref        key.Entity   `json:"ref,omitempty"`
	RefList    []key.Entity `json:"refList,omitempty"`
	ScalarList []any        `json:"scalarList,omitempty"`
}

// MarshalJSON implements json.Marshaler so Record can be used directly
// as the wire format for reference persistence adapters such as
// normalize/redisbackend.
func (v NormalizedValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{
		Kind:       v.kind,
		Scalar:     v.scalar,
		Ref:        v.ref,
		RefList:    v.refList,
		ScalarList: v.scalarList,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *NormalizedValue) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.kind = w.Kind
	v.scalar = w.Scalar
	v.ref = w.Ref
	v.refList = w.RefList
	v.scalarList = w.ScalarList
	return nil
}

// Record is a normalized entity: a flat map from field name to value.
type Record map[string]NormalizedValue

// FieldMask names the fields an upsert should patch. An empty or nil
// mask means "replace the whole record" per spec.md §4.8.
type FieldMask map[string]struct{}

// NewFieldMask builds a FieldMask from field names.
func NewFieldMask(fields ...string) FieldMask {
	m := make(FieldMask, len(fields))
	for _, f := range fields {
		m[f] = struct{}{}
	}
	return m
}

func (m FieldMask) has(field string) bool {
	_, ok := m[field]
	return ok
}

// Context is handed to Adapter.Normalize so it can register nested
// entities discovered while projecting one entity's fields.
type Context struct {
	seen   map[key.Entity]struct{}
	nested []key.Entity
}

// NewContext creates an empty normalization context.
func NewContext() *Context {
	return &Context{seen: make(map[key.Entity]struct{})}
}

// RegisterNested records e as a nested entity to include in the same
// change-set, deduplicating by key, and returns e unchanged so it can
// be used inline when building a Ref/RefList value.
func (c *Context) RegisterNested(e key.Entity) key.Entity {
	if _, ok := c.seen[e]; !ok {
		c.seen[e] = struct{}{}
		c.nested = append(c.nested, e)
	}
	return e
}

// Nested returns every entity registered so far, in registration order.
func (c *Context) Nested() []key.Entity { return c.nested }

// DenormalizeContext is handed to Adapter.Denormalize so it can resolve
// references either from the BFS composition's in-memory result set or,
// if missing, lazily from the backend.
type DenormalizeContext struct {
	resolver func(key.Entity) (Record, bool)
}

// ResolveReference returns the record for e, consulting the BFS result
// set first and falling back to the backend. It returns ok=false if e
// could not be resolved at all, in which case the adapter should
// denormalize the reference to nil per spec.md §4.8 step 5.
func (d *DenormalizeContext) ResolveReference(e key.Entity) (Record, bool) {
	if d.resolver == nil {
		return nil, false
	}
	return d.resolver(e)
}

// Adapter bridges one entity type to the normalized Record shape.
type Adapter interface {
	ExtractID(entity any) (string, error)
	Normalize(entity any, ctx *Context) (Record, FieldMask, error)
	Denormalize(record Record, ctx *DenormalizeContext) (any, error)
}

// Registry maps entity type names to their Adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register associates typ with a. Re-registering a type overwrites the
// previous adapter, matching how the teacher's handler registries let
// later registrations win during route setup.
func (r *Registry) Register(typ string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[typ] = a
}

// For returns the adapter registered for typ.
func (r *Registry) For(typ string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[typ]
	if !ok {
		return nil, fmt.Errorf("normalize: no adapter registered for type %q", typ)
	}
	return a, nil
}
