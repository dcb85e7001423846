package loom

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/loomdb/loom/dialect/sql"
	"github.com/loomdb/loom/schema"
)

// Query builds and executes a SELECT over one model. Clause methods may
// be called in any order; the emitted SQL always follows grammar order.
// Malformed queries fail at execution time with a BuildError and never
// reach the database.
type Query struct {
	client *Client
	sch    *schema.Schema
	table  *sql.SelectTable
	sel    *sql.Selector
	withs  []string
	ttl    time.Duration
	total  func(context.Context) (int64, error)
	err    error
}

// Query starts a query over the named model, selecting `table`.* by
// default.
func (c *Client) Query(model string) *Query {
	sch, err := c.lookupSchema(model)
	if err != nil {
		return &Query{client: c, err: err}
	}
	t := sql.Dialect(c.driver.Dialect()).Table(sch.Table)
	return &Query{
		client: c,
		sch:    sch,
		table:  t,
		sel:    sql.Dialect(c.driver.Dialect()).Select(t.C("*")).From(t),
	}
}

// C returns the qualified, quoted reference of a model column, for use
// in predicates: q.Where(sql.EQ(q.C("id"), 5)).
func (q *Query) C(column string) string {
	if q.err != nil {
		return column
	}
	return q.table.C(column)
}

// Select narrows the projection to the given columns, qualified by the
// model's table. Dropping primary-key columns from the projection
// disables identity caching for the produced entities.
func (q *Query) Select(columns ...string) *Query {
	if q.err != nil {
		return q
	}
	q.sel.Select(q.table.Columns(columns...)...)
	return q
}

// Where appends predicates to the WHERE clause, joined with AND.
func (q *Query) Where(ps ...*sql.Predicate) *Query {
	if q.err != nil {
		return q
	}
	for _, p := range ps {
		q.sel.Where(p)
	}
	return q
}

// OrWhere appends a predicate joined with OR.
func (q *Query) OrWhere(p *sql.Predicate) *Query {
	if q.err != nil {
		return q
	}
	q.sel.OrWhere(p)
	return q
}

// WherePrimaryKey scopes the query to one row of the (possibly
// composite) primary key. The value count must match the key arity.
func (q *Query) WherePrimaryKey(vs ...any) *Query {
	if q.err != nil {
		return q
	}
	q.sel.Where(sql.PrimaryKeyEQ(q.pkColumns(), vs...))
	return q
}

// WherePrimaryKeyIn scopes the query to several rows of the primary
// key: each row's AND-group is parenthesized and the groups are OR-ed.
func (q *Query) WherePrimaryKeyIn(rows ...[]any) *Query {
	if q.err != nil {
		return q
	}
	q.sel.Where(sql.PrimaryKeyIn(q.pkColumns(), rows...))
	return q
}

// WhereHas scopes the query to rows for which the named relation has at
// least one row satisfying the given refinements, emitted as a
// correlated EXISTS sub-query.
func (q *Query) WhereHas(relation string, fns ...func(*sql.Selector)) *Query {
	if q.err != nil {
		return q
	}
	rel, err := q.client.Relation(q.sch.Name, relation)
	if err != nil {
		q.err = err
		return q
	}
	sub, err := rel.RawQuery()
	if err != nil {
		q.err = err
		return q
	}
	for _, fn := range fns {
		fn(sub)
	}
	q.sel.Where(sql.Exists(sub))
	return q
}

// OrderBy appends ordering terms. Bare column names are qualified by
// the model table; a trailing ASC/DESC direction is preserved.
func (q *Query) OrderBy(columns ...string) *Query {
	if q.err != nil {
		return q
	}
	for _, c := range columns {
		if i := strings.IndexByte(c, ' '); i > 0 && !strings.ContainsAny(c[:i], ".`\"") {
			c = q.table.C(c[:i]) + c[i:]
		} else if !strings.ContainsAny(c, ". `\"") {
			c = q.table.C(c)
		}
		q.sel.OrderBy(c)
	}
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	if q.err != nil {
		return q
	}
	q.sel.Limit(n)
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if q.err != nil {
		return q
	}
	q.sel.Offset(n)
	return q
}

// With marks relations for eager loading: after the rows are fetched,
// each named relation is resolved for the whole batch in one query.
func (q *Query) With(relations ...string) *Query {
	q.withs = append(q.withs, relations...)
	return q
}

// CacheFor serves this query from the client's result cache when a
// fresh-enough copy exists, and stores the rows on miss. No-op when the
// client has no cache.
func (q *Query) CacheFor(ttl time.Duration) *Query {
	q.ttl = ttl
	return q
}

// WithTotal overrides how Paginate computes the total, for callers with
// a cheaper known total than a COUNT over the full query.
func (q *Query) WithTotal(total func(context.Context) (int64, error)) *Query {
	q.total = total
	return q
}

// Selector exposes the underlying selector for clause surfaces the
// sugar above does not cover (joins, group by, unions).
func (q *Query) Selector() *sql.Selector { return q.sel }

func (q *Query) pkColumns() []string {
	return q.table.Columns(q.sch.PrimaryKey()...)
}

// build compiles the selector, surfacing accumulated builder errors as
// a BuildError.
func (q *Query) build(sel *sql.Selector, op string) (string, []any, error) {
	query, args := sel.Query()
	if err := sel.Err(); err != nil {
		return "", nil, &BuildError{Model: q.sch.Name, Op: op, Err: err}
	}
	return query, args, nil
}

// rows executes the selector and drains the result set.
func (q *Query) rows(ctx context.Context, sel *sql.Selector, op string) ([]map[string]any, error) {
	query, args, err := q.build(sel, op)
	if err != nil {
		return nil, err
	}
	return q.rawRows(ctx, query, args, op)
}

func (q *Query) rawRows(ctx context.Context, query string, args []any, op string) ([]map[string]any, error) {
	var rows sql.Rows
	if err := q.client.driver.Query(ctx, query, args, &rows); err != nil {
		return nil, execError(q.sch.Name, op, err)
	}
	values, err := sql.ScanAllValues(&rows)
	if err != nil {
		return nil, execError(q.sch.Name, op, err)
	}
	return values, nil
}

// All executes the query and hydrates every row.
func (q *Query) All(ctx context.Context) ([]*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	values, err := q.allRows(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := q.client.hydrateAll(q.sch, values)
	if err != nil {
		return nil, err
	}
	if len(q.withs) > 0 {
		if err := q.client.eagerLoad(ctx, q.sch, entities, q.withs...); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// allRows fetches the raw rows of the query, through the result cache
// when enabled.
func (q *Query) allRows(ctx context.Context) ([]map[string]any, error) {
	query, args, err := q.build(q.sel, "select")
	if err != nil {
		return nil, err
	}
	cache := q.client.cache
	if q.ttl <= 0 || cache == nil {
		return q.rawRows(ctx, query, args, "select")
	}
	key := cacheKey(q.sch.Name, query, args)
	if data, err := cache.Get(ctx, key); err == nil && data != nil {
		return decodeRows(data)
	}
	values, err := q.rawRows(ctx, query, args, "select")
	if err != nil {
		return nil, err
	}
	if data, err := encodeRows(values); err == nil {
		_ = cache.Set(ctx, key, data, q.ttl)
	}
	return values, nil
}

// First executes the query with LIMIT 1 and returns the first entity,
// or nil when the result set is empty.
func (q *Query) First(ctx context.Context) (*Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	sel := q.sel.Clone().Limit(1)
	values, err := q.rows(ctx, sel, "select")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	e, err := q.client.hydrate(q.sch, values[0])
	if err != nil {
		return nil, err
	}
	if len(q.withs) > 0 {
		if err := q.client.eagerLoad(ctx, q.sch, []*Entity{e}, q.withs...); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// FirstOrErr is First that returns a NotFoundError when the result set
// is empty.
func (q *Query) FirstOrErr(ctx context.Context) (*Entity, error) {
	e, err := q.First(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewNotFoundError(q.sch.Name)
	}
	return e, nil
}

// Count executes `SELECT COUNT(*)` over the query as a derived table,
// ignoring its limit, offset and ordering.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	sub := q.sel.Clone().ClearOrder().ClearLimit().ClearOffset()
	sel := sql.Dialect(q.client.driver.Dialect()).
		SelectExpr(sql.Raw("COUNT(*)")).
		From(sub.As("t"))
	query, args, err := q.build(sel, "count")
	if err != nil {
		return 0, err
	}
	var rows sql.Rows
	if err := q.client.driver.Query(ctx, query, args, &rows); err != nil {
		return 0, execError(q.sch.Name, "count", err)
	}
	n, err := sql.ScanInt64(&rows)
	if err != nil {
		return 0, execError(q.sch.Name, "count", err)
	}
	return n, nil
}

// Exist reports whether the query matches at least one row.
func (q *Query) Exist(ctx context.Context) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	sub := q.sel.Clone().ClearOrder().ClearLimit().ClearOffset().SelectExpr(sql.Raw("1"))
	sel := sql.Dialect(q.client.driver.Dialect()).SelectExpr(sql.Exists(sub))
	values, err := q.rows(ctx, sel, "exist")
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return false, nil
	}
	for _, v := range values[0] {
		return asBool(v), nil
	}
	return false, nil
}

// Explain runs the engine's EXPLAIN over the built query and returns
// the plan rows.
func (q *Query) Explain(ctx context.Context) ([]map[string]any, error) {
	if q.err != nil {
		return nil, q.err
	}
	query, args, err := q.build(q.sel, "explain")
	if err != nil {
		return nil, err
	}
	return q.rawRows(ctx, "EXPLAIN "+query, args, "explain")
}

// Page is the result bundle of Paginate.
type Page struct {
	Items []*Entity
	Total int64
}

// Paginate fetches one window of the query plus the total row count.
// The total ignores limit and offset; WithTotal overrides how it is
// computed.
func (q *Query) Paginate(ctx context.Context, offset, limit int) (*Page, error) {
	if q.err != nil {
		return nil, q.err
	}
	total := q.total
	if total == nil {
		total = q.Count
	}
	n, err := total(ctx)
	if err != nil {
		return nil, err
	}
	items, err := q.window(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: n}, nil
}

func (q *Query) window(ctx context.Context, offset, limit int) ([]*Entity, error) {
	sel := q.sel.Clone().Limit(limit).Offset(offset)
	values, err := q.rows(ctx, sel, "select")
	if err != nil {
		return nil, err
	}
	entities, err := q.client.hydrateAll(q.sch, values)
	if err != nil {
		return nil, err
	}
	if len(q.withs) > 0 {
		if err := q.client.eagerLoad(ctx, q.sch, entities, q.withs...); err != nil {
			return nil, err
		}
	}
	return entities, nil
}

// Cursor executes the query and returns a lazy, forward-only iterator.
// Rows are hydrated one at a time on Next; an abandoned or exhausted
// cursor must be closed and cannot be restarted.
func (q *Query) Cursor(ctx context.Context) (*Cursor, error) {
	if q.err != nil {
		return nil, q.err
	}
	query, args, err := q.build(q.sel, "cursor")
	if err != nil {
		return nil, err
	}
	var rows sql.Rows
	if err := q.client.driver.Query(ctx, query, args, &rows); err != nil {
		return nil, execError(q.sch.Name, "cursor", err)
	}
	return &Cursor{query: q, rows: rows}, nil
}

// Cursor is a lazy, forward-only view over a result set.
type Cursor struct {
	query *Query
	rows  sql.Rows
	cur   *Entity
	err   error
}

// Next advances to the next row, hydrating it. It returns false at the
// end of the set or on the first error.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	values, err := sql.ScanValues(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur, c.err = c.query.client.hydrate(c.query.sch, values)
	return c.err == nil
}

// Entity returns the current row's entity.
func (c *Cursor) Entity() *Entity { return c.cur }

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error { return c.err }

// Close releases the underlying driver cursor.
func (c *Cursor) Close() error { return c.rows.Close() }

// Update executes an UPDATE with the given property values over the
// rows the query matches, and returns the affected row count. Cached
// results of the model are invalidated.
func (q *Query) Update(ctx context.Context, values map[string]any) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	encoded, err := q.encodeValues(values)
	if err != nil {
		return 0, err
	}
	u := sql.Dialect(q.client.driver.Dialect()).
		Update(q.sch.Table).
		SetMap(encoded)
	if p := q.sel.P(); p != nil {
		u.Where(p)
	}
	query, args := u.Query()
	if err := u.Err(); err != nil {
		return 0, &BuildError{Model: q.sch.Name, Op: "update", Err: err}
	}
	var res sql.Result
	if err := q.client.driver.Exec(ctx, query, args, &res); err != nil {
		return 0, execError(q.sch.Name, "update", err)
	}
	q.invalidateModelCache(ctx)
	n, err := res.RowsAffected()
	if err != nil {
		return 0, execError(q.sch.Name, "update", err)
	}
	return n, nil
}

// Delete executes a DELETE over the rows the query matches and returns
// the affected row count. Cached results of the model are invalidated.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	d := sql.Dialect(q.client.driver.Dialect()).Delete(q.sch.Table)
	if p := q.sel.P(); p != nil {
		d.Where(p)
	}
	query, args := d.Query()
	if err := d.Err(); err != nil {
		return 0, &BuildError{Model: q.sch.Name, Op: "delete", Err: err}
	}
	var res sql.Result
	if err := q.client.driver.Exec(ctx, query, args, &res); err != nil {
		return 0, execError(q.sch.Name, "delete", err)
	}
	q.invalidateModelCache(ctx)
	n, err := res.RowsAffected()
	if err != nil {
		return 0, execError(q.sch.Name, "delete", err)
	}
	return n, nil
}

func (q *Query) encodeValues(values map[string]any) (map[string]any, error) {
	encoded := make(map[string]any, len(values))
	for name, v := range values {
		ev, err := encodeColumn(q.sch, name, v)
		if err != nil {
			return nil, err
		}
		encoded[name] = ev
	}
	return encoded, nil
}

func (q *Query) invalidateModelCache(ctx context.Context) {
	if q.client.cache != nil {
		_ = q.client.cache.DeletePrefix(ctx, cacheModelPrefix(q.sch.Name))
	}
}

// Find returns the entity with the given primary key. The identity
// cache is consulted first, so a re-fetch of a loaded row issues no
// query and returns the canonical instance. A missing row is a
// NotFoundError.
func (c *Client) Find(ctx context.Context, model string, pk ...any) (*Entity, error) {
	sch, err := c.lookupSchema(model)
	if err != nil {
		return nil, err
	}
	if len(pk) != len(sch.PrimaryKey()) {
		return nil, &BuildError{
			Model: model,
			Op:    "find",
			Err:   errArity(len(sch.PrimaryKey()), len(pk)),
		}
	}
	if e, ok := c.identity.Get(identityKey(sch.Name, pk)); ok {
		return e, nil
	}
	e, err := c.Query(model).WherePrimaryKey(pk...).First(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		id := any(pk)
		if len(pk) == 1 {
			id = pk[0]
		}
		return nil, NewNotFoundErrorWithID(sch.Name, id)
	}
	return e, nil
}

func errArity(want, got int) error {
	return &arityError{want: want, got: got}
}

type arityError struct{ want, got int }

func (e *arityError) Error() string {
	return "primary key arity mismatch: want " + strconv.Itoa(e.want) + " values, got " + strconv.Itoa(e.got)
}

// asBool coerces the driver value of a boolean expression: engines
// variously return bool, int64 or a textual "0"/"1".
func asBool(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v == "1" || v == "t" || v == "true"
	case []byte:
		return asBool(string(v))
	default:
		return false
	}
}
