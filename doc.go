// Package loom is an ORM and SQL query-builder: explicit model metadata
// in, fluent parameterized SQL out, rows materialized into entities with
// relation traversal, batched eager loading, and a per-session identity
// cache.
//
// A session starts from a schema registry and a driver:
//
//	reg, _ := schema.LoadFile("models.yaml")
//	drv, _ := sql.Open(dialect.MySQL, dsn)
//	client := loom.NewClient(reg, drv)
//
//	users, err := client.Query("User").
//	    Where(sql.EQ("name", "alice")).
//	    With("posts").
//	    All(ctx)
//
// The identity cache guarantees one entity per (model, primary key) row
// within a session; eager loading resolves a relation for a whole batch
// in one query. Query construction is validated before execution:
// malformed statements surface as a BuildError and never reach the
// database.
package loom
