// Package sql provides the SQL statement builders and the database/sql
// driver implementation used by Loom.
//
// Builders accumulate clauses in any call order and always emit them in
// fixed grammar order. Values are bound as ordered parameters whose
// position matches the left-to-right placeholder order of the text:
//
//	users := sql.Table("users")
//	query, args := sql.Dialect(dialect.MySQL).
//	    Select(users.C("*")).
//	    From(users).
//	    Where(sql.EQ(users.C("id"), 5)).
//	    Query()
//	// query: SELECT `users`.* FROM `users` WHERE `users`.`id` = ?
//	// args:  [5]
//
// Malformed statements (unbalanced parentheses, an empty IN list, a
// primary-key arity mismatch) are build errors surfaced by the builder's
// Err method and are never sent to the database.
package sql
