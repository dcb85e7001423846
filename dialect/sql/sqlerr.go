package sql

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row.
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row.
	mysqlCheckConstraintViolate = 3819
)

// IsConstraintError reports whether the error resulted from any database
// constraint violation.
func IsConstraintError(err error) bool {
	return IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsCheckConstraintError(err)
}

// IsUniqueConstraintError reports whether the error resulted from a
// uniqueness constraint violation, e.g. a duplicate value in a unique
// index.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return string(pqe.Code) == pgUniqueViolation
	}
	var mye *mysql.MySQLError
	if errors.As(err, &mye) {
		return mye.Number == mysqlDuplicateEntry
	}
	return containsAny(err.Error(),
		"Error 1062",                 // MySQL drivers without typed errors.
		"violates unique constraint", // Postgres drivers without typed errors.
		"UNIQUE constraint failed",   // SQLite.
	)
}

// IsForeignKeyConstraintError reports whether the error resulted from a
// foreign-key constraint violation, e.g. a missing parent row.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return string(pqe.Code) == pgForeignKeyViolation
	}
	var mye *mysql.MySQLError
	if errors.As(err, &mye) {
		return mye.Number == mysqlForeignKeyParent || mye.Number == mysqlForeignKeyChild
	}
	return containsAny(err.Error(),
		"Error 1451",
		"Error 1452",
		"violates foreign key constraint",
		"FOREIGN KEY constraint failed",
	)
}

// IsCheckConstraintError reports whether the error resulted from a check
// constraint violation.
func IsCheckConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return string(pqe.Code) == pgCheckViolation
	}
	var mye *mysql.MySQLError
	if errors.As(err, &mye) {
		return mye.Number == mysqlCheckConstraintViolate
	}
	return containsAny(err.Error(),
		"Error 3819",
		"violates check constraint",
		"CHECK constraint failed",
	)
}

// IsConnectionError reports whether the error resulted from failing to
// establish or keep the underlying database connection, as opposed to the
// engine rejecting a delivered statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		// Class 08: connection exceptions.
		return strings.HasPrefix(string(pqe.Code), "08")
	}
	return containsAny(err.Error(),
		"connection refused",
		"connection reset",
		"broken pipe",
	)
}

// containsAny reports whether s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
