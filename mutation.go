package loom

import (
	"context"
	"fmt"

	"github.com/loomdb/loom/dialect"
	"github.com/loomdb/loom/dialect/sql"
	"github.com/loomdb/loom/schema"
)

// Create inserts a row with the given property values and returns the
// hydrated entity, registered in the identity cache. On engines with
// auto-increment keys, a missing single-column integer key is filled
// from the insert id; postgres uses RETURNING instead.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (*Entity, error) {
	sch, err := c.lookupSchema(model)
	if err != nil {
		return nil, err
	}
	encoded := make(map[string]any, len(values))
	for name, v := range values {
		ev, err := encodeColumn(sch, name, v)
		if err != nil {
			return nil, err
		}
		encoded[name] = ev
	}
	ins := sql.Dialect(c.driver.Dialect()).Insert(sch.Table).SetMap(encoded)
	pk := sch.PrimaryKey()
	needsKey := len(pk) == 1 && encoded[pk[0]] == nil
	if needsKey && c.driver.Dialect() == dialect.Postgres {
		return c.createReturning(ctx, sch, ins, values, pk[0])
	}
	query, args := ins.Query()
	if err := ins.Err(); err != nil {
		return nil, &BuildError{Model: model, Op: "insert", Err: err}
	}
	var res sql.Result
	if err := c.driver.Exec(ctx, query, args, &res); err != nil {
		return nil, execError(model, "insert", err)
	}
	row := make(map[string]any, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	if needsKey {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, execError(model, "insert", err)
		}
		row[pk[0]] = id
	}
	c.invalidateModel(ctx, model)
	return c.register(sch, row)
}

// createReturning is the postgres insert path: the generated key comes
// back as a result row.
func (c *Client) createReturning(ctx context.Context, sch *schema.Schema, ins *sql.InsertBuilder, values map[string]any, pkCol string) (*Entity, error) {
	ins.Returning(pkCol)
	query, args := ins.Query()
	if err := ins.Err(); err != nil {
		return nil, &BuildError{Model: sch.Name, Op: "insert", Err: err}
	}
	var rows sql.Rows
	if err := c.driver.Query(ctx, query, args, &rows); err != nil {
		return nil, execError(sch.Name, "insert", err)
	}
	id, err := sql.ScanInt64(&rows)
	if err != nil {
		return nil, execError(sch.Name, "insert", err)
	}
	row := make(map[string]any, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row[pkCol] = id
	c.invalidateModel(ctx, sch.Name)
	return c.register(sch, row)
}

// register builds the entity over already-decoded values and records it
// in the identity cache.
func (c *Client) register(sch *schema.Schema, row map[string]any) (*Entity, error) {
	e := newEntity(sch, row)
	if key := e.identityKey(); key != "" {
		c.identity.Set(key, e)
	}
	return e, nil
}

// Save flushes the entity's pending writes as an UPDATE scoped by its
// primary key. An entity with no pending writes is a no-op.
func (c *Client) Save(ctx context.Context, e *Entity) error {
	if !e.isDirty() {
		return nil
	}
	sch := e.Schema()
	pkCols := sch.PrimaryKey()
	pk := e.PrimaryKey()
	for _, v := range pk {
		if v == nil {
			return &BuildError{Model: sch.Name, Op: "save", Err: fmt.Errorf("entity has no primary key value")}
		}
	}
	dirty := e.dirtySnapshot()
	encoded := make(map[string]any, len(dirty))
	for name, v := range dirty {
		ev, err := encodeColumn(sch, name, v)
		if err != nil {
			return err
		}
		encoded[name] = ev
	}
	u := sql.Dialect(c.driver.Dialect()).
		Update(sch.Table).
		SetMap(encoded).
		Where(sql.PrimaryKeyEQ(pkCols, pk...))
	query, args := u.Query()
	if err := u.Err(); err != nil {
		return &BuildError{Model: sch.Name, Op: "save", Err: err}
	}
	if err := c.driver.Exec(ctx, query, args, nil); err != nil {
		return execError(sch.Name, "save", err)
	}
	e.takeDirty()
	c.invalidateModel(ctx, sch.Name)
	return nil
}

// DeleteEntity deletes the entity's row and evicts it from the identity
// cache.
func (c *Client) DeleteEntity(ctx context.Context, e *Entity) error {
	sch := e.Schema()
	pk := e.PrimaryKey()
	for _, v := range pk {
		if v == nil {
			return &BuildError{Model: sch.Name, Op: "delete", Err: fmt.Errorf("entity has no primary key value")}
		}
	}
	d := sql.Dialect(c.driver.Dialect()).
		Delete(sch.Table).
		Where(sql.PrimaryKeyEQ(sch.PrimaryKey(), pk...))
	query, args := d.Query()
	if err := d.Err(); err != nil {
		return &BuildError{Model: sch.Name, Op: "delete", Err: err}
	}
	if err := c.driver.Exec(ctx, query, args, nil); err != nil {
		return execError(sch.Name, "delete", err)
	}
	c.identity.Unset(identityKey(sch.Name, pk))
	c.invalidateModel(ctx, sch.Name)
	return nil
}

func (c *Client) invalidateModel(ctx context.Context, model string) {
	if c.cache != nil {
		_ = c.cache.DeletePrefix(ctx, cacheModelPrefix(model))
	}
}
