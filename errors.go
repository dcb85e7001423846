package loom

import (
	"errors"
	"fmt"

	"github.com/loomdb/loom/dialect/sql"
)

// Standard sentinel errors for common operations.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("loom: entity not found")

	// ErrImmutableRelation is returned when assigning through a relation
	// kind that is read-only (everything except BelongsTo and HasOne).
	ErrImmutableRelation = errors.New("loom: relation is not writable")

	// ErrTxStarted is returned when attempting to start a new transaction
	// within an existing transaction.
	ErrTxStarted = errors.New("loom: cannot start a transaction within a transaction")
)

// BuildError reports a malformed query detected before execution:
// unbalanced parentheses, an empty IN list, a primary-key arity
// mismatch. Build errors never reach the database.
type BuildError struct {
	Model string // Model being queried, if any.
	Op    string // Operation being built (e.g. "select", "update").
	Err   error  // Underlying builder error.
}

// Error returns the error string.
func (e *BuildError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("loom: build %s %s: %v", e.Op, e.Model, e.Err)
	}
	return fmt.Sprintf("loom: build %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error { return e.Err }

// IsBuildError returns true if the error is a BuildError.
func IsBuildError(err error) bool {
	if err == nil {
		return false
	}
	var e *BuildError
	return errors.As(err, &e)
}

// ConnectionError reports that the underlying database connection could
// not be established or was lost, as opposed to the engine rejecting a
// delivered statement.
type ConnectionError struct {
	Err error
}

// Error returns the error string.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("loom: connection: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError returns true if the error is a ConnectionError.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConnectionError
	return errors.As(err, &e)
}

// ExecutionError reports that the database rejected a delivered
// statement: a SQL syntax error, a constraint violation, a deadlock, or
// a failed prepare/bind step.
type ExecutionError struct {
	Model string // Model being operated on, if any.
	Op    string // Operation (e.g. "select", "insert", "delete").
	Err   error  // Underlying driver error.
}

// Error returns the error string.
func (e *ExecutionError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("loom: %s %s: %v", e.Op, e.Model, e.Err)
	}
	return fmt.Sprintf("loom: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError returns true if the error is an ExecutionError.
func IsExecutionError(err error) bool {
	if err == nil {
		return false
	}
	var e *ExecutionError
	return errors.As(err, &e)
}

// IsConstraintError returns true if the error resulted from a database
// constraint violation (unique, foreign-key or check).
func IsConstraintError(err error) bool {
	return sql.IsConstraintError(err)
}

// NotFoundError represents an error when an entity is not found. Only
// the *OrErr operation family produces it; the plain family returns a
// nil/empty sentinel instead.
type NotFoundError struct {
	label string
	id    any // Optional: the key that was searched for.
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("loom: %s not found (key=%v)", e.label, e.id)
	}
	return fmt.Sprintf("loom: %s not found", e.label)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(notFoundErr, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Label returns the entity label.
func (e *NotFoundError) Label() string { return e.label }

// ID returns the key that was searched for, if available.
func (e *NotFoundError) ID() any { return e.id }

// NewNotFoundError returns a new NotFoundError for the given entity type.
func NewNotFoundError(label string) *NotFoundError {
	return &NotFoundError{label: label}
}

// NewNotFoundErrorWithID returns a new NotFoundError with the key that
// was searched for.
func NewNotFoundErrorWithID(label string, id any) *NotFoundError {
	return &NotFoundError{label: label, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// SchemaError reports invalid model metadata: an unknown model, an
// unknown column or relation, or a cast failure.
type SchemaError struct {
	Model string // Model whose metadata is invalid.
	Err   error  // Underlying error.
}

// Error returns the error string.
func (e *SchemaError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("loom: model %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("loom: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SchemaError) Unwrap() error { return e.Err }

// IsSchemaError returns true if the error is a SchemaError.
func IsSchemaError(err error) bool {
	if err == nil {
		return false
	}
	var e *SchemaError
	return errors.As(err, &e)
}

// RelationError reports that a relation cannot be resolved: a write
// through a read-only kind, an unresolvable through model, or a custom
// relation with no registered implementation.
type RelationError struct {
	Model    string // Declaring model.
	Relation string // Relation name.
	Err      error  // Underlying error.
}

// Error returns the error string.
func (e *RelationError) Error() string {
	return fmt.Sprintf("loom: relation %s.%s: %v", e.Model, e.Relation, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelationError) Unwrap() error { return e.Err }

// IsRelationError returns true if the error is a RelationError.
func IsRelationError(err error) bool {
	if err == nil {
		return false
	}
	var e *RelationError
	return errors.As(err, &e)
}

// NotLoadedError represents an error when accessing a relation slot
// that was neither lazy- nor eager-loaded.
type NotLoadedError struct {
	relation string
}

// Error returns the error string.
func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("loom: relation %q was not loaded", e.relation)
}

// NewNotLoadedError returns a new NotLoadedError for the given relation
// name.
func NewNotLoadedError(relation string) *NotLoadedError {
	return &NotLoadedError{relation: relation}
}

// IsNotLoaded returns true if the error is a NotLoadedError.
func IsNotLoaded(err error) bool {
	if err == nil {
		return false
	}
	var e *NotLoadedError
	return errors.As(err, &e)
}
