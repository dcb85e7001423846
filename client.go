package loom

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdb/loom/dialect"
	"github.com/loomdb/loom/dialect/sql"
	"github.com/loomdb/loom/schema"
)

// Client is a session over one driver: it builds queries against
// registered model metadata, executes them, and hydrates rows into
// entities through its identity cache. A client is safe for concurrent
// use; the identity cache and relation slots are mutex guarded.
type Client struct {
	driver   dialect.Driver
	registry *schema.Registry
	identity *IdentityCache
	cache    Cache
	inTx     bool

	relMu     sync.Mutex
	relations map[string]Relation
	custom    map[string]Relation
}

// Option configures a Client.
type Option func(*Client)

// WithCache attaches a byte-level query-result cache. Queries opt in per
// call with Query.CacheFor.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// Debug wraps the driver with the slog-based debug driver, logging every
// outgoing statement.
func Debug() Option {
	return func(c *Client) { c.driver = dialect.Debug(c.driver) }
}

// NewClient returns a client over the registry and driver.
func NewClient(registry *schema.Registry, driver dialect.Driver, opts ...Option) *Client {
	c := &Client{
		driver:    driver,
		registry:  registry,
		identity:  NewIdentityCache(),
		relations: make(map[string]Relation),
		custom:    make(map[string]Relation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the schema registry the client resolves models with.
func (c *Client) Registry() *schema.Registry { return c.registry }

// Identity returns the session's identity cache.
func (c *Client) Identity() *IdentityCache { return c.identity }

// Driver returns the underlying driver.
func (c *Client) Driver() dialect.Driver { return c.driver }

// Close closes the underlying driver.
func (c *Client) Close() error { return c.driver.Close() }

// lookupSchema resolves a model name, wrapping failures as SchemaError.
func (c *Client) lookupSchema(model string) (*schema.Schema, error) {
	s, err := c.registry.Lookup(model)
	if err != nil {
		return nil, &SchemaError{Model: model, Err: err}
	}
	return s, nil
}

// hydrate turns one raw row into an entity. Polymorphic schemas route
// the row through the discriminator to the concrete subtype first; the
// identity cache then guarantees one entity per row: a hit returns the
// canonical instance with its relation slots intact.
func (c *Client) hydrate(sch *schema.Schema, row map[string]any) (*Entity, error) {
	concrete := sch
	if sch.Discriminator != "" {
		if raw, ok := row[sch.Discriminator]; ok && raw != nil {
			name := sch.Subtype(fmt.Sprint(raw))
			if name != sch.Name {
				sub, err := c.lookupSchema(name)
				if err != nil {
					return nil, err
				}
				concrete = sub
			}
		}
	}
	key := rowIdentityKey(concrete, row)
	if key != "" {
		if e, ok := c.identity.Get(key); ok {
			return e, nil
		}
	}
	values := make(map[string]any, len(row))
	for name, v := range row {
		col := concrete.Column(name)
		if col != nil && col.Cast != nil && v != nil {
			decoded, err := col.Cast.Decode(v)
			if err != nil {
				return nil, &SchemaError{Model: concrete.Name, Err: fmt.Errorf("decode column %s: %w", name, err)}
			}
			v = decoded
		}
		values[name] = v
	}
	e := newEntity(concrete, values)
	if key != "" {
		c.identity.Set(key, e)
	}
	return e, nil
}

// hydrateAll hydrates a row set in order.
func (c *Client) hydrateAll(sch *schema.Schema, rows []map[string]any) ([]*Entity, error) {
	entities := make([]*Entity, len(rows))
	for i, row := range rows {
		e, err := c.hydrate(sch, row)
		if err != nil {
			return nil, err
		}
		entities[i] = e
	}
	return entities, nil
}

// rowIdentityKey returns the identity key of a raw row, or "" when a
// primary-key column is absent from the projection or NULL.
func rowIdentityKey(sch *schema.Schema, row map[string]any) string {
	cols := sch.PrimaryKey()
	pk := make([]any, len(cols))
	for i, col := range cols {
		v, ok := row[col]
		if !ok || v == nil {
			return ""
		}
		pk[i] = v
	}
	return identityKey(sch.Name, pk)
}

// encodeColumn runs a value through the column's cast, if any, producing
// the driver-side representation.
func encodeColumn(sch *schema.Schema, name string, v any) (any, error) {
	col := sch.Column(name)
	if col == nil {
		return nil, &SchemaError{Model: sch.Name, Err: fmt.Errorf("unknown column %s", name)}
	}
	if col.Cast == nil || v == nil {
		return v, nil
	}
	encoded, err := col.Cast.Encode(v)
	if err != nil {
		return nil, &SchemaError{Model: sch.Name, Err: fmt.Errorf("encode column %s: %w", name, err)}
	}
	return encoded, nil
}

// execError classifies a driver failure into the connection or execution
// error kind.
func execError(model, op string, err error) error {
	if sql.IsConnectionError(err) {
		return &ConnectionError{Err: err}
	}
	return &ExecutionError{Model: model, Op: op, Err: err}
}

// Tx starts a transaction and returns a transactional client over it.
// The transactional client has its own identity cache; entities hydrated
// inside the transaction are not shared with the parent session.
func (c *Client) Tx(ctx context.Context) (*Tx, error) {
	if c.inTx {
		return nil, ErrTxStarted
	}
	tx, err := c.driver.Tx(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	txc := &Client{
		driver:    &txDriver{tx: tx, dialect: c.driver.Dialect()},
		registry:  c.registry,
		identity:  NewIdentityCache(),
		cache:     c.cache,
		inTx:      true,
		relations: make(map[string]Relation),
		custom:    c.custom,
	}
	return &Tx{Client: txc, tx: tx}, nil
}

// Tx is a transactional client.
type Tx struct {
	*Client
	tx dialect.Tx
}

// Commit commits the transaction.
func (tx *Tx) Commit() error { return tx.tx.Commit() }

// Rollback discards the transaction.
func (tx *Tx) Rollback() error { return tx.tx.Rollback() }

// txDriver adapts a dialect.Tx to the dialect.Driver surface so the
// query layer runs unchanged inside a transaction.
type txDriver struct {
	tx      dialect.Tx
	dialect string
}

func (d *txDriver) Exec(ctx context.Context, query string, args, v any) error {
	return d.tx.Exec(ctx, query, args, v)
}

func (d *txDriver) Query(ctx context.Context, query string, args, v any) error {
	return d.tx.Query(ctx, query, args, v)
}

func (d *txDriver) Tx(context.Context) (dialect.Tx, error) { return d.tx, nil }
func (d *txDriver) Close() error                           { return nil }
func (d *txDriver) Dialect() string                        { return d.dialect }
