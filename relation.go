package loom

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/dialect/sql"
	"github.com/loomdb/loom/schema"
)

// localLinkingKey is the synthetic column selected by the batched form
// of join-based relations. A plain join loses which source row each
// joined result belongs to; selecting the link-side key alongside `*`
// restores that association.
const localLinkingKey = "__local_linking_key"

// Relation resolves one named relation of a model. Implementations are
// immutable and cached per (model, relation) for the client lifetime;
// what varies per entity is the relation cache slot, not the strategy.
type Relation interface {
	// Name returns the relation name on the declaring model.
	Name() string
	// Fetch resolves the relation for one entity: the per-instance
	// cache slot first, then the identity cache where the key allows,
	// then a single query. The result is cached before returning; a
	// no-row result caches a nil/empty sentinel.
	Fetch(ctx context.Context, e *Entity) (any, error)
	// Query returns a preparable selector scoped to one entity's key
	// value, for explicit chaining before execution.
	Query(e *Entity) (*sql.Selector, error)
	// RawQuery returns an instance-agnostic template selector: the
	// declaring key stays a column reference instead of a bound value,
	// so the selector composes into correlated EXISTS sub-queries.
	RawQuery() (*sql.Selector, error)
	// EagerLoad resolves the relation for many entities in one query,
	// skipping entities whose slot is already populated and writing an
	// empty sentinel into slots that matched no rows.
	EagerLoad(ctx context.Context, entities []*Entity) error
}

// WritableRelation is implemented by the relation kinds that accept
// assignment: BelongsTo and HasOne. Assigning mutates the appropriate
// foreign-key column as a pending write; the caller saves the affected
// entity.
type WritableRelation interface {
	Relation
	Associate(e *Entity, target *Entity) error
}

// Relation returns the resolution strategy for the model's named
// relation, building and memoizing it on first use.
func (c *Client) Relation(model, relation string) (Relation, error) {
	key := model + "." + relation
	c.relMu.Lock()
	defer c.relMu.Unlock()
	if rel, ok := c.relations[key]; ok {
		return rel, nil
	}
	if rel, ok := c.custom[key]; ok {
		c.relations[key] = rel
		return rel, nil
	}
	sch, err := c.lookupSchema(model)
	if err != nil {
		return nil, err
	}
	def := sch.Relation(relation)
	if def == nil {
		return nil, &RelationError{Model: model, Relation: relation, Err: fmt.Errorf("undefined relation")}
	}
	rel, err := c.buildRelation(sch, def)
	if err != nil {
		return nil, err
	}
	c.relations[key] = rel
	return rel, nil
}

// RegisterRelation installs a custom Relation implementation for the
// model's named relation, satisfying schema relations of kind Custom.
func (c *Client) RegisterRelation(model, relation string, rel Relation) {
	c.relMu.Lock()
	defer c.relMu.Unlock()
	c.custom[model+"."+relation] = rel
}

func (c *Client) buildRelation(owner *schema.Schema, def *schema.Relation) (Relation, error) {
	if def.Kind == schema.Custom {
		return nil, &RelationError{Model: owner.Name, Relation: def.Name, Err: fmt.Errorf("custom relation has no registered implementation")}
	}
	target, err := c.lookupSchema(def.Target)
	if err != nil {
		return nil, &RelationError{Model: owner.Name, Relation: def.Name, Err: err}
	}
	base := baseRelation{client: c, owner: owner, def: def, target: target}
	switch def.Kind {
	case schema.BelongsTo:
		return &belongsTo{base}, nil
	case schema.HasOne, schema.HasMany:
		return &has{baseRelation: base, many: def.Kind == schema.HasMany}, nil
	case schema.BelongsToMany:
		return &belongsToMany{base}, nil
	case schema.HasOneThrough, schema.HasManyThrough:
		through, err := c.lookupSchema(def.Through)
		if err != nil {
			return nil, &RelationError{Model: owner.Name, Relation: def.Name, Err: err}
		}
		return &throughRelation{
			baseRelation: base,
			through:      through,
			many:         def.Kind == schema.HasManyThrough,
		}, nil
	default:
		return nil, &RelationError{Model: owner.Name, Relation: def.Name, Err: fmt.Errorf("unsupported relation kind %s", def.Kind)}
	}
}

// Load resolves a relation for one entity, lazily: the cached slot wins,
// otherwise a single query runs and populates it.
func (c *Client) Load(ctx context.Context, e *Entity, relation string) (any, error) {
	rel, err := c.Relation(e.Model(), relation)
	if err != nil {
		return nil, err
	}
	return rel.Fetch(ctx, e)
}

// Associate assigns target through the entity's named relation. Only
// BelongsTo and HasOne accept assignment; every other kind returns
// ErrImmutableRelation.
func (c *Client) Associate(e *Entity, relation string, target *Entity) error {
	rel, err := c.Relation(e.Model(), relation)
	if err != nil {
		return err
	}
	wr, ok := rel.(WritableRelation)
	if !ok {
		return &RelationError{Model: e.Model(), Relation: relation, Err: ErrImmutableRelation}
	}
	return wr.Associate(e, target)
}

// baseRelation carries what every strategy needs: the session, the
// declaring and target metadata, and the relation descriptor.
type baseRelation struct {
	client *Client
	owner  *schema.Schema
	def    *schema.Relation
	target *schema.Schema
}

func (r *baseRelation) Name() string { return r.def.Name }

func (r *baseRelation) dialect() string { return r.client.driver.Dialect() }

// targetSelector returns a fresh `SELECT target.* FROM target` selector
// and its table view.
func (r *baseRelation) targetSelector() (*sql.Selector, *sql.SelectTable) {
	t := sql.Dialect(r.dialect()).Table(r.target.Table)
	return sql.Dialect(r.dialect()).Select(t.C("*")).From(t), t
}

// ownerTable returns the declaring model's table view, for column
// references in instance-agnostic queries.
func (r *baseRelation) ownerTable() *sql.SelectTable {
	return sql.Dialect(r.dialect()).Table(r.owner.Table)
}

// keyValue reads the driver-side value of an owner column, running it
// back through the column's cast if one is declared.
func (r *baseRelation) keyValue(e *Entity, column string) (any, error) {
	v := e.column(column)
	if v == nil {
		return nil, nil
	}
	return encodeColumn(e.Schema(), column, v)
}

func (r *baseRelation) relErr(err error) error {
	if err == nil {
		return nil
	}
	return &RelationError{Model: r.owner.Name, Relation: r.def.Name, Err: err}
}

// run builds and executes a relation selector.
func (r *baseRelation) run(ctx context.Context, sel *sql.Selector) ([]map[string]any, error) {
	query, args := sel.Query()
	if err := sel.Err(); err != nil {
		return nil, &BuildError{Model: r.owner.Name, Op: "relation " + r.def.Name, Err: err}
	}
	var rows sql.Rows
	if err := r.client.driver.Query(ctx, query, args, &rows); err != nil {
		return nil, execError(r.owner.Name, "relation "+r.def.Name, err)
	}
	values, err := sql.ScanAllValues(&rows)
	if err != nil {
		return nil, execError(r.owner.Name, "relation "+r.def.Name, err)
	}
	return values, nil
}

// pending filters the batch down to entities whose slot is not yet
// populated.
func (r *baseRelation) pending(entities []*Entity) []*Entity {
	var out []*Entity
	for _, e := range entities {
		if !e.relationLoaded(r.def.Name) {
			out = append(out, e)
		}
	}
	return out
}

// collectKeys gathers the distinct declaring-key values of the batch.
// Entities whose key is NULL resolve to the empty sentinel immediately.
func (r *baseRelation) collectKeys(entities []*Entity, column string, emptySentinel any) ([]any, error) {
	var keys []any
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		v, err := r.keyValue(e, column)
		if err != nil {
			return nil, err
		}
		if v == nil {
			e.setRelation(r.def.Name, emptySentinel)
			continue
		}
		if k := fmt.Sprint(v); !seen[k] {
			seen[k] = true
			keys = append(keys, v)
		}
	}
	return keys, nil
}

// belongsTo resolves a relation whose foreign key lives on the declaring
// table and points at the target's key. A composite target key resolves
// to its first column.
type belongsTo struct {
	baseRelation
}

func (r *belongsTo) Fetch(ctx context.Context, e *Entity) (any, error) {
	if v, err := e.Relation(r.def.Name); err == nil {
		return v, nil
	}
	fk, err := r.keyValue(e, r.def.ForeignKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	if fk == nil {
		e.setRelation(r.def.Name, nil)
		return nil, nil
	}
	// When the reference is the target's full primary key, the identity
	// cache can satisfy the fetch without a query.
	if pk := r.target.PrimaryKey(); len(pk) == 1 && pk[0] == r.def.LocalKey {
		if cached, ok := r.client.identity.Get(identityKey(r.target.Name, []any{fk})); ok {
			e.setRelation(r.def.Name, cached)
			return cached, nil
		}
	}
	sel, err := r.Query(e)
	if err != nil {
		return nil, err
	}
	rows, err := r.run(ctx, sel.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		e.setRelation(r.def.Name, nil)
		return nil, nil
	}
	related, err := r.client.hydrate(r.target, rows[0])
	if err != nil {
		return nil, err
	}
	e.setRelation(r.def.Name, related)
	return related, nil
}

func (r *belongsTo) Query(e *Entity) (*sql.Selector, error) {
	fk, err := r.keyValue(e, r.def.ForeignKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	sel, t := r.targetSelector()
	return sel.Where(sql.EQ(t.C(r.def.LocalKey), fk)), nil
}

func (r *belongsTo) RawQuery() (*sql.Selector, error) {
	sel, t := r.targetSelector()
	owner := r.ownerTable()
	return sel.Where(sql.ColumnsEQ(t.C(r.def.LocalKey), owner.C(r.def.ForeignKey))), nil
}

func (r *belongsTo) EagerLoad(ctx context.Context, entities []*Entity) error {
	batch := r.pending(entities)
	if len(batch) == 0 {
		return nil
	}
	keys, err := r.collectKeys(batch, r.def.ForeignKey, nil)
	if err != nil {
		return r.relErr(err)
	}
	if len(keys) == 0 {
		return nil
	}
	sel, t := r.targetSelector()
	sel.Where(sql.In(t.C(r.def.LocalKey), keys...))
	rows, err := r.run(ctx, sel)
	if err != nil {
		return err
	}
	byKey := make(map[string]*Entity, len(rows))
	for _, row := range rows {
		related, err := r.client.hydrate(r.target, row)
		if err != nil {
			return err
		}
		byKey[fmt.Sprint(row[r.def.LocalKey])] = related
	}
	for _, e := range batch {
		if e.relationLoaded(r.def.Name) {
			continue // NULL-key sentinel written during collection.
		}
		fk, err := r.keyValue(e, r.def.ForeignKey)
		if err != nil {
			return r.relErr(err)
		}
		related, ok := byKey[fmt.Sprint(fk)]
		if !ok {
			e.setRelation(r.def.Name, nil)
			continue
		}
		e.setRelation(r.def.Name, related)
	}
	return nil
}

// Associate points the entity's foreign key at the target and fills the
// relation slot. The column write is pending until Save.
func (r *belongsTo) Associate(e *Entity, target *Entity) error {
	if target.Model() != r.target.Name {
		return r.relErr(fmt.Errorf("cannot associate %s, want %s", target.Model(), r.target.Name))
	}
	ref, err := r.keyValue(target, r.def.LocalKey)
	if err != nil {
		return r.relErr(err)
	}
	if err := e.Set(r.def.ForeignKey, ref); err != nil {
		return err
	}
	e.setRelation(r.def.Name, target)
	return nil
}

// has resolves HasOne and HasMany: the target table holds the foreign
// key referencing the declaring model's key. The two kinds differ only
// in result cardinality; HasMany additionally supports a deterministic
// order.
type has struct {
	baseRelation
	many bool
}

func (r *has) emptySentinel() any {
	if r.many {
		return []*Entity{}
	}
	return nil
}

func (r *has) order(sel *sql.Selector, t *sql.SelectTable) *sql.Selector {
	if len(r.def.OrderBy) > 0 {
		sel.OrderBy(t.Columns(r.def.OrderBy...)...)
	}
	return sel
}

func (r *has) Fetch(ctx context.Context, e *Entity) (any, error) {
	if v, err := e.Relation(r.def.Name); err == nil {
		return v, nil
	}
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	// A NULL key can never match a foreign key; resolve to the sentinel
	// without a query, like the eager path does.
	if local == nil {
		sentinel := r.emptySentinel()
		e.setRelation(r.def.Name, sentinel)
		return sentinel, nil
	}
	sel, err := r.Query(e)
	if err != nil {
		return nil, err
	}
	if !r.many {
		sel.Limit(1)
	}
	rows, err := r.run(ctx, sel)
	if err != nil {
		return nil, err
	}
	if r.many {
		related, err := r.client.hydrateAll(r.target, rows)
		if err != nil {
			return nil, err
		}
		e.setRelation(r.def.Name, related)
		return related, nil
	}
	if len(rows) == 0 {
		e.setRelation(r.def.Name, nil)
		return nil, nil
	}
	related, err := r.client.hydrate(r.target, rows[0])
	if err != nil {
		return nil, err
	}
	e.setRelation(r.def.Name, related)
	return related, nil
}

func (r *has) Query(e *Entity) (*sql.Selector, error) {
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	sel, t := r.targetSelector()
	return r.order(sel.Where(sql.EQ(t.C(r.def.ForeignKey), local)), t), nil
}

func (r *has) RawQuery() (*sql.Selector, error) {
	sel, t := r.targetSelector()
	owner := r.ownerTable()
	return sel.Where(sql.ColumnsEQ(t.C(r.def.ForeignKey), owner.C(r.def.LocalKey))), nil
}

func (r *has) EagerLoad(ctx context.Context, entities []*Entity) error {
	batch := r.pending(entities)
	if len(batch) == 0 {
		return nil
	}
	keys, err := r.collectKeys(batch, r.def.LocalKey, r.emptySentinel())
	if err != nil {
		return r.relErr(err)
	}
	if len(keys) == 0 {
		return nil
	}
	sel, t := r.targetSelector()
	r.order(sel.Where(sql.In(t.C(r.def.ForeignKey), keys...)), t)
	rows, err := r.run(ctx, sel)
	if err != nil {
		return err
	}
	grouped := make(map[string][]*Entity, len(batch))
	for _, row := range rows {
		key := fmt.Sprint(row[r.def.ForeignKey])
		related, err := r.client.hydrate(r.target, row)
		if err != nil {
			return err
		}
		grouped[key] = append(grouped[key], related)
	}
	return r.assign(batch, grouped, r.def.LocalKey)
}

// assign writes each entity's slot from the key-partitioned results.
// Association is by key equality, never by row position.
func (r *has) assign(batch []*Entity, grouped map[string][]*Entity, keyColumn string) error {
	for _, e := range batch {
		if e.relationLoaded(r.def.Name) {
			continue
		}
		local, err := r.keyValue(e, keyColumn)
		if err != nil {
			return r.relErr(err)
		}
		related := grouped[fmt.Sprint(local)]
		switch {
		case r.many && related == nil:
			e.setRelation(r.def.Name, []*Entity{})
		case r.many:
			e.setRelation(r.def.Name, related)
		case len(related) == 0:
			e.setRelation(r.def.Name, nil)
		default:
			e.setRelation(r.def.Name, related[0])
		}
	}
	return nil
}

// Associate writes the declaring model's key into the target's foreign
// key and fills the relation slot. HasOne only; HasMany is read-only.
func (r *has) Associate(e *Entity, target *Entity) error {
	if r.many {
		return r.relErr(ErrImmutableRelation)
	}
	if target.Model() != r.target.Name {
		return r.relErr(fmt.Errorf("cannot associate %s, want %s", target.Model(), r.target.Name))
	}
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return r.relErr(err)
	}
	if err := target.Set(r.def.ForeignKey, local); err != nil {
		return err
	}
	e.setRelation(r.def.Name, target)
	return nil
}

// belongsToMany resolves a many-to-many relation through a link table.
type belongsToMany struct {
	baseRelation
}

// linked returns a selector joining the target to the link table.
func (r *belongsToMany) linked() (*sql.Selector, *sql.SelectTable, *sql.SelectTable) {
	sel, t := r.targetSelector()
	l := sql.Dialect(r.dialect()).Table(r.def.LinkTable)
	sel.Join(l).On(l.C(r.def.LinkTargetKey), t.C(r.def.ForeignKey))
	return sel, t, l
}

func (r *belongsToMany) Fetch(ctx context.Context, e *Entity) (any, error) {
	if v, err := e.Relation(r.def.Name); err == nil {
		return v, nil
	}
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	if local == nil {
		e.setRelation(r.def.Name, []*Entity{})
		return []*Entity{}, nil
	}
	sel, err := r.Query(e)
	if err != nil {
		return nil, err
	}
	rows, err := r.run(ctx, sel)
	if err != nil {
		return nil, err
	}
	related, err := r.client.hydrateAll(r.target, rows)
	if err != nil {
		return nil, err
	}
	e.setRelation(r.def.Name, related)
	return related, nil
}

func (r *belongsToMany) Query(e *Entity) (*sql.Selector, error) {
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	sel, _, l := r.linked()
	return sel.Where(sql.EQ(l.C(r.def.LinkLocalKey), local)), nil
}

func (r *belongsToMany) RawQuery() (*sql.Selector, error) {
	sel, _, l := r.linked()
	owner := r.ownerTable()
	return sel.Where(sql.ColumnsEQ(l.C(r.def.LinkLocalKey), owner.C(r.def.LocalKey))), nil
}

func (r *belongsToMany) EagerLoad(ctx context.Context, entities []*Entity) error {
	batch := r.pending(entities)
	if len(batch) == 0 {
		return nil
	}
	keys, err := r.collectKeys(batch, r.def.LocalKey, []*Entity{})
	if err != nil {
		return r.relErr(err)
	}
	if len(keys) == 0 {
		return nil
	}
	sel, _, l := r.linked()
	sel.AppendSelectExpr(sql.ColumnAs(l.C(r.def.LinkLocalKey), localLinkingKey)).
		Where(sql.In(l.C(r.def.LinkLocalKey), keys...))
	rows, err := r.run(ctx, sel)
	if err != nil {
		return err
	}
	grouped, err := r.partition(rows)
	if err != nil {
		return err
	}
	return r.assignMany(batch, grouped)
}

// partition groups joined rows by the synthetic linking key, stripping
// it before hydration so it never reaches entity state.
func (r *belongsToMany) partition(rows []map[string]any) (map[string][]*Entity, error) {
	grouped := make(map[string][]*Entity)
	for _, row := range rows {
		key := fmt.Sprint(row[localLinkingKey])
		delete(row, localLinkingKey)
		related, err := r.client.hydrate(r.target, row)
		if err != nil {
			return nil, err
		}
		grouped[key] = append(grouped[key], related)
	}
	return grouped, nil
}

func (r *belongsToMany) assignMany(batch []*Entity, grouped map[string][]*Entity) error {
	for _, e := range batch {
		if e.relationLoaded(r.def.Name) {
			continue
		}
		local, err := r.keyValue(e, r.def.LocalKey)
		if err != nil {
			return r.relErr(err)
		}
		related := grouped[fmt.Sprint(local)]
		if related == nil {
			related = []*Entity{}
		}
		e.setRelation(r.def.Name, related)
	}
	return nil
}

// throughRelation resolves HasOneThrough and HasManyThrough: the link is
// a full model with its own primary key, and the join chains
// declaring -> through -> target across two hops.
type throughRelation struct {
	baseRelation
	through *schema.Schema
	many    bool
}

// joined returns a selector joining the target to the through table on
// the second hop: target.<fk> = through.<pk>.
func (r *throughRelation) joined() (*sql.Selector, *sql.SelectTable, *sql.SelectTable) {
	sel, t := r.targetSelector()
	th := sql.Dialect(r.dialect()).Table(r.through.Table)
	sel.Join(th).On(t.C(r.def.ForeignKey), th.C(r.through.PrimaryKey()[0]))
	return sel, t, th
}

func (r *throughRelation) emptySentinel() any {
	if r.many {
		return []*Entity{}
	}
	return nil
}

func (r *throughRelation) Fetch(ctx context.Context, e *Entity) (any, error) {
	if v, err := e.Relation(r.def.Name); err == nil {
		return v, nil
	}
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	if local == nil {
		sentinel := r.emptySentinel()
		e.setRelation(r.def.Name, sentinel)
		return sentinel, nil
	}
	sel, err := r.Query(e)
	if err != nil {
		return nil, err
	}
	if !r.many {
		sel.Limit(1)
	}
	rows, err := r.run(ctx, sel)
	if err != nil {
		return nil, err
	}
	if r.many {
		related, err := r.client.hydrateAll(r.target, rows)
		if err != nil {
			return nil, err
		}
		e.setRelation(r.def.Name, related)
		return related, nil
	}
	if len(rows) == 0 {
		e.setRelation(r.def.Name, nil)
		return nil, nil
	}
	related, err := r.client.hydrate(r.target, rows[0])
	if err != nil {
		return nil, err
	}
	e.setRelation(r.def.Name, related)
	return related, nil
}

func (r *throughRelation) Query(e *Entity) (*sql.Selector, error) {
	local, err := r.keyValue(e, r.def.LocalKey)
	if err != nil {
		return nil, r.relErr(err)
	}
	sel, _, th := r.joined()
	return sel.Where(sql.EQ(th.C(r.def.LinkLocalKey), local)), nil
}

func (r *throughRelation) RawQuery() (*sql.Selector, error) {
	sel, _, th := r.joined()
	owner := r.ownerTable()
	return sel.Where(sql.ColumnsEQ(th.C(r.def.LinkLocalKey), owner.C(r.def.LocalKey))), nil
}

func (r *throughRelation) EagerLoad(ctx context.Context, entities []*Entity) error {
	batch := r.pending(entities)
	if len(batch) == 0 {
		return nil
	}
	keys, err := r.collectKeys(batch, r.def.LocalKey, r.emptySentinel())
	if err != nil {
		return r.relErr(err)
	}
	if len(keys) == 0 {
		return nil
	}
	sel, _, th := r.joined()
	sel.AppendSelectExpr(sql.ColumnAs(th.C(r.def.LinkLocalKey), localLinkingKey)).
		Where(sql.In(th.C(r.def.LinkLocalKey), keys...))
	rows, err := r.run(ctx, sel)
	if err != nil {
		return err
	}
	grouped := make(map[string][]*Entity, len(batch))
	for _, row := range rows {
		key := fmt.Sprint(row[localLinkingKey])
		delete(row, localLinkingKey)
		related, err := r.client.hydrate(r.target, row)
		if err != nil {
			return err
		}
		grouped[key] = append(grouped[key], related)
	}
	for _, e := range batch {
		if e.relationLoaded(r.def.Name) {
			continue
		}
		local, err := r.keyValue(e, r.def.LocalKey)
		if err != nil {
			return r.relErr(err)
		}
		related := grouped[fmt.Sprint(local)]
		switch {
		case r.many && related == nil:
			e.setRelation(r.def.Name, []*Entity{})
		case r.many:
			e.setRelation(r.def.Name, related)
		case len(related) == 0:
			e.setRelation(r.def.Name, nil)
		default:
			e.setRelation(r.def.Name, related[0])
		}
	}
	return nil
}
