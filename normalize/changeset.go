package normalize

import (
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
)

// Rekey moves a record from Old to New within a ChangeSet.
type Rekey struct {
	Old, New key.Entity
}

// ChangeSet is the unit of work applied atomically to a Backend.
// Rekeys apply in the order given; later operations in the same
// change-set observe earlier effects (spec.md §4.8).
type ChangeSet struct {
	Upserts    map[key.Entity]Record
	Deletes    map[key.Entity]struct{}
	Rekeys     []Rekey
	FieldMasks map[key.Entity]FieldMask
	Meta       map[key.Entity]meta.EntityMeta
}

// NewChangeSet returns an empty ChangeSet ready for population.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Upserts:    make(map[key.Entity]Record),
		Deletes:    make(map[key.Entity]struct{}),
		FieldMasks: make(map[key.Entity]FieldMask),
		Meta:       make(map[key.Entity]meta.EntityMeta),
	}
}

// Upsert stages a full-replace or masked-patch upsert for e. Calling
// Upsert after Delete on the same key within one change-set does not
// un-delete it: per spec.md, delete wins on conflict regardless of
// call order, which Apply enforces by checking Deletes first.
func (c *ChangeSet) Upsert(e key.Entity, rec Record, mask FieldMask, m meta.EntityMeta) {
	c.Upserts[e] = rec
	if len(mask) > 0 {
		c.FieldMasks[e] = mask
	}
	c.Meta[e] = m
}

// Delete stages a tombstoning delete for e.
func (c *ChangeSet) Delete(e key.Entity) {
	c.Deletes[e] = struct{}{}
}

// AddRekey stages a rekey from old to new.
func (c *ChangeSet) AddRekey(old, new key.Entity) {
	c.Rekeys = append(c.Rekeys, Rekey{Old: old, New: new})
}

// Touched returns every entity key this change-set mentions, across
// upserts, deletes, and both sides of every rekey — the set a Backend
// uses to compute which roots to invalidate.
func (c *ChangeSet) Touched() []key.Entity {
	seen := make(map[key.Entity]struct{})
	add := func(e key.Entity) { seen[e] = struct{}{} }
	for e := range c.Upserts {
		add(e)
	}
	for e := range c.Deletes {
		add(e)
	}
	for _, rk := range c.Rekeys {
		add(rk.Old)
		add(rk.New)
	}
	out := make([]key.Entity, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	return out
}

// ApplyRecord applies this change-set's upsert/delete semantics (not
// rekeys, which require rewriting cross-entity references and are left
// to the Backend) to a single existing record, returning the record
// that should be stored afterward and whether it should be deleted
// instead of stored.
func (c *ChangeSet) ApplyRecord(e key.Entity, existing Record) (result Record, deleted bool) {
	if _, del := c.Deletes[e]; del {
		return nil, true
	}
	upsert, ok := c.Upserts[e]
	if !ok {
		return existing, false
	}
	mask, masked := c.FieldMasks[e]
	if !masked || len(mask) == 0 {
		return upsert, false
	}
	merged := make(Record, len(existing)+len(upsert))
	for f, v := range existing {
		merged[f] = v
	}
	for f := range mask {
		if v, ok := upsert[f]; ok {
			merged[f] = v
		}
	}
	return merged, false
}
