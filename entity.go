package loom

import (
	"fmt"
	"sync"

	"github.com/loomdb/loom/schema"
)

// Entity is a dynamic record of one row: its column values, a set of
// pending writes, and the per-instance relation cache. An entity is
// owned by the session that hydrated it; the identity cache guarantees
// one entity per row within that session. Field access is guarded by a
// mutex so a session may be shared across goroutines.
type Entity struct {
	sch *schema.Schema

	mu        sync.RWMutex
	values    map[string]any // column name -> decoded value
	dirty     map[string]any // column name -> pending write
	relations map[string]any // relation name -> *Entity | []*Entity | nil
}

// newEntity builds an entity over already-decoded column values.
func newEntity(sch *schema.Schema, values map[string]any) *Entity {
	return &Entity{
		sch:       sch,
		values:    values,
		relations: make(map[string]any),
	}
}

// Schema returns the entity's model metadata. For rows of a polymorphic
// table this is the concrete subtype's schema.
func (e *Entity) Schema() *schema.Schema { return e.sch }

// Model returns the model name.
func (e *Entity) Model() string { return e.sch.Name }

// Get returns the value of the named property (the entity-side name of
// a column). Pending writes shadow loaded values.
func (e *Entity) Get(property string) (any, error) {
	col := e.columnFor(property)
	if col == nil {
		return nil, &SchemaError{Model: e.sch.Name, Err: fmt.Errorf("unknown property %s", property)}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.dirty[col.Name]; ok {
		return v, nil
	}
	return e.values[col.Name], nil
}

// Set records a pending write of the named property. The write reaches
// the database on the next Save.
func (e *Entity) Set(property string, v any) error {
	col := e.columnFor(property)
	if col == nil {
		return &SchemaError{Model: e.sch.Name, Err: fmt.Errorf("unknown property %s", property)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dirty == nil {
		e.dirty = make(map[string]any)
	}
	e.dirty[col.Name] = v
	return nil
}

// columnFor resolves a property name to its column. Property defaults to
// the column name, so both forms resolve.
func (e *Entity) columnFor(property string) *schema.Column {
	for _, c := range e.sch.Columns {
		if c.Property == property {
			return c
		}
	}
	return e.sch.Column(property)
}

// column returns the loaded value of a column by its table name.
func (e *Entity) column(name string) any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.dirty[name]; ok {
		return v
	}
	return e.values[name]
}

// PrimaryKey returns the primary-key values in key-column order. Missing
// components are nil, as happens for rows loaded through a projection
// that drops a key column.
func (e *Entity) PrimaryKey() []any {
	cols := e.sch.PrimaryKey()
	pk := make([]any, len(cols))
	for i, c := range cols {
		pk[i] = e.column(c)
	}
	return pk
}

// identityKey returns the identity-cache key of the entity, or "" if a
// key component is missing.
func (e *Entity) identityKey() string {
	pk := e.PrimaryKey()
	for _, v := range pk {
		if v == nil {
			return ""
		}
	}
	return identityKey(e.sch.Name, pk)
}

// AsMap returns the external representation of the entity: visible
// columns only, keyed by property name. Hidden columns are loaded and
// queryable but never exported.
func (e *Entity) AsMap() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.sch.Columns))
	for _, c := range e.sch.Columns {
		if c.Hidden {
			continue
		}
		v, ok := e.values[c.Name]
		if dv, dirty := e.dirty[c.Name]; dirty {
			v, ok = dv, true
		}
		if ok {
			out[c.Property] = v
		}
	}
	return out
}

// Relation returns the cached value of a relation slot. Values are a
// *Entity for single kinds, a []*Entity for many kinds, and nil when the
// relation resolved to no rows. A slot that was never loaded returns a
// NotLoadedError.
func (e *Entity) Relation(name string) (any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.relations[name]
	if !ok {
		return nil, NewNotLoadedError(name)
	}
	return v, nil
}

// relationLoaded reports whether the relation slot is populated.
func (e *Entity) relationLoaded(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.relations[name]
	return ok
}

// setRelation writes the relation cache slot. A nil (or empty) value is
// stored too, so resolved-to-nothing relations are not re-queried.
func (e *Entity) setRelation(name string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relations[name] = v
}

// invalidateRelation clears one relation slot, forcing the next access
// to re-resolve it.
func (e *Entity) invalidateRelation(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.relations, name)
}

// isDirty reports whether the entity has pending writes.
func (e *Entity) isDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.dirty) > 0
}

// dirtySnapshot returns a copy of the pending writes.
func (e *Entity) dirtySnapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := make(map[string]any, len(e.dirty))
	for k, v := range e.dirty {
		d[k] = v
	}
	return d
}

// takeDirty returns the pending writes and clears them, folding the
// values into the loaded state. Called by Save after a successful flush.
func (e *Entity) takeDirty() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.dirty
	e.dirty = nil
	for k, v := range d {
		e.values[k] = v
	}
	return d
}

// String implements fmt.Stringer.
func (e *Entity) String() string {
	return fmt.Sprintf("%s(%v)", e.sch.Name, e.AsMap())
}
