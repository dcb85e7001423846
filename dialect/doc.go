// Package dialect provides the database abstraction the Loom query and
// relation engines are built on.
//
// A dialect identifies the SQL flavor of the connected engine and drives
// identifier quoting, placeholder style and the few engine-specific
// statements Loom emits:
//
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite"
//	dialect.Postgres = "postgres"
//
// The Driver interface is the only thing the upper layers know about a
// connection:
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// Tx extends the statement surface with Commit and Rollback. The
// dialect/sql sub-package implements Driver on top of database/sql and
// adds the SQL builders used by the rest of the library.
//
// Use Debug to wrap any driver with slog-based statement logging:
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := loom.NewClient(registry, dialect.Debug(drv))
package dialect
