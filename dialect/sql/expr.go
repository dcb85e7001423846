package sql

import (
	"fmt"
	"strconv"
)

// Func emits a named SQL function call with its arguments compiled in
// order. Querier arguments are compiled recursively; strings are treated
// as column references; anything else is bound as a parameter.
func Func(name string, args ...any) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString(name)
		b.Nested(func(b *Builder) {
			funcArgs(b, args)
		})
	})
}

func funcArgs(b *Builder, args []any) {
	for i, a := range args {
		if i > 0 {
			b.Comma()
		}
		funcArg(b, a)
	}
}

func funcArg(b *Builder, a any) {
	switch a := a.(type) {
	case Querier:
		b.Join(a)
	case string:
		b.Ident(a)
	default:
		b.Arg(a)
	}
}

// Value forces the argument to be bound as a parameter even if it is a
// string, which Func would otherwise treat as a column reference.
func Value(v any) Querier {
	return ExprFunc(func(b *Builder) {
		b.Arg(v)
	})
}

// As wraps the expression with an alias.
func As(q Querier, alias string) Querier {
	return ExprFunc(func(b *Builder) {
		b.Join(q)
		b.WriteString(" AS ").WriteString(b.Quote(alias))
	})
}

// ColumnAs selects the column under an alias.
func ColumnAs(column, alias string) Querier {
	return ExprFunc(func(b *Builder) {
		b.Ident(column).WriteString(" AS ").WriteString(b.Quote(alias))
	})
}

// Coalesce emits COALESCE over its arguments.
func Coalesce(args ...any) Querier { return Func("COALESCE", args...) }

// Greatest emits GREATEST over its arguments.
func Greatest(args ...any) Querier { return Func("GREATEST", args...) }

// Least emits LEAST over its arguments.
func Least(args ...any) Querier { return Func("LEAST", args...) }

// If emits IF(cond, then, else). The condition is compiled in place, so
// predicates work as conditions.
func If(cond Querier, then, els any) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString("IF")
		b.Nested(func(b *Builder) {
			b.Join(cond)
			b.Comma()
			funcArg(b, then)
			b.Comma()
			funcArg(b, els)
		})
	})
}

// IfNull emits IFNULL(expr, fallback).
func IfNull(expr, fallback any) Querier { return Func("IFNULL", expr, fallback) }

// NullIf emits NULLIF(a, b).
func NullIf(a, b any) Querier { return Func("NULLIF", a, b) }

// Concat emits CONCAT over its arguments.
func Concat(args ...any) Querier { return Func("CONCAT", args...) }

// ConcatWS emits CONCAT_WS with the separator prepended as the function's
// first argument, before the variadic value list.
func ConcatWS(sep string, args ...any) Querier {
	all := append([]any{Value(sep)}, args...)
	return Func("CONCAT_WS", all...)
}

// GroupConcatOptions configures the optional sub-clauses of GROUP_CONCAT.
// Zero values mean "absent".
type GroupConcatOptions struct {
	Distinct  bool
	OrderBy   []string
	Separator string
	Limit     int
	Offset    int
}

// GroupConcat emits GROUP_CONCAT over the expression. Optional
// sub-clauses are appended only when set, in fixed order: distinct, expr,
// order by, separator, limit, offset.
func GroupConcat(expr any, opts ...GroupConcatOptions) Querier {
	var o GroupConcatOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return ExprFunc(func(b *Builder) {
		b.WriteString("GROUP_CONCAT")
		b.Nested(func(b *Builder) {
			if o.Distinct {
				b.WriteString("DISTINCT ")
			}
			funcArg(b, expr)
			if len(o.OrderBy) > 0 {
				b.WriteString(" ORDER BY ")
				b.IdentComma(o.OrderBy...)
			}
			if o.Separator != "" {
				b.WriteString(" SEPARATOR ").Arg(o.Separator)
			}
			if o.Limit > 0 {
				b.WriteString(" LIMIT ").WriteString(strconv.Itoa(o.Limit))
				if o.Offset > 0 {
					b.WriteString(" OFFSET ").WriteString(strconv.Itoa(o.Offset))
				}
			}
		})
	})
}

// MatchAgainst emits a MySQL full-text MATCH(fields) AGAINST (expr)
// predicate. A single field or several are both accepted; boolean mode
// and query expansion are mutually exclusive refinements.
func MatchAgainst(fields []string, expr any, opts ...MatchOption) *Predicate {
	var o matchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return P(func(b *Builder) {
		if len(fields) == 0 {
			b.AddError(fmt.Errorf("sql: MATCH requires at least one field"))
			return
		}
		b.WriteString("MATCH")
		b.Nested(func(b *Builder) {
			b.IdentComma(fields...)
		})
		b.WriteString(" AGAINST ")
		b.Nested(func(b *Builder) {
			funcArg(b, expr)
			switch {
			case o.booleanMode:
				b.WriteString(" IN BOOLEAN MODE")
			case o.queryExpansion:
				b.WriteString(" WITH QUERY EXPANSION")
			}
		})
	})
}

type matchOptions struct {
	booleanMode    bool
	queryExpansion bool
}

// MatchOption refines a MatchAgainst predicate.
type MatchOption func(*matchOptions)

// InBooleanMode appends IN BOOLEAN MODE to the AGAINST clause.
func InBooleanMode() MatchOption {
	return func(o *matchOptions) { o.booleanMode = true }
}

// WithQueryExpansion appends WITH QUERY EXPANSION to the AGAINST clause.
func WithQueryExpansion() MatchOption {
	return func(o *matchOptions) { o.queryExpansion = true }
}

// SQLVar emits a MySQL session-variable assignment expression
// "@name := (subquery)", used for cross-row running computations inside
// a select list.
func SQLVar(name string, q Querier) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString("@").WriteString(name).WriteString(" := ")
		b.Nested(func(b *Builder) {
			b.Join(q)
		})
	})
}

// Aggregate helpers. Each returns a ready-to-select expression string.

// Count returns the COUNT aggregate of the column.
func Count(column string) string { return "COUNT(" + column + ")" }

// Max returns the MAX aggregate of the column.
func Max(column string) string { return "MAX(" + column + ")" }

// Min returns the MIN aggregate of the column.
func Min(column string) string { return "MIN(" + column + ")" }

// Sum returns the SUM aggregate of the column.
func Sum(column string) string { return "SUM(" + column + ")" }

// Avg returns the AVG aggregate of the column.
func Avg(column string) string { return "AVG(" + column + ")" }

// CountDistinct returns the COUNT(DISTINCT column) aggregate.
func CountDistinct(column string) string { return "COUNT(DISTINCT " + column + ")" }

// Math, string and date function families. Thin passthroughs over Func.

// Abs emits ABS(x).
func Abs(x any) Querier { return Func("ABS", x) }

// Pow emits POW(x, y).
func Pow(x, y any) Querier { return Func("POW", x, y) }

// Mod emits MOD(x, y).
func Mod(x, y any) Querier { return Func("MOD", x, y) }

// Round emits ROUND(x, precision).
func Round(x any, precision int) Querier { return Func("ROUND", x, Value(precision)) }

// Sin emits SIN(x).
func Sin(x any) Querier { return Func("SIN", x) }

// Cos emits COS(x).
func Cos(x any) Querier { return Func("COS", x) }

// Sqrt emits SQRT(x).
func Sqrt(x any) Querier { return Func("SQRT", x) }

// Lower emits LOWER(x).
func Lower(x any) Querier { return Func("LOWER", x) }

// Upper emits UPPER(x).
func Upper(x any) Querier { return Func("UPPER", x) }

// Length emits LENGTH(x).
func Length(x any) Querier { return Func("LENGTH", x) }

// Trim emits TRIM(x).
func Trim(x any) Querier { return Func("TRIM", x) }

// DateOf emits DATE(x).
func DateOf(x any) Querier { return Func("DATE", x) }

// Now emits NOW().
func Now() Querier { return Func("NOW") }

// DateAdd emits DATE_ADD(x, INTERVAL n unit).
func DateAdd(x any, n int, unit string) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString("DATE_ADD")
		b.Nested(func(b *Builder) {
			funcArg(b, x)
			b.Comma()
			b.WriteString("INTERVAL ").WriteString(strconv.Itoa(n)).Pad().WriteString(unit)
		})
	})
}

// DateSub emits DATE_SUB(x, INTERVAL n unit).
func DateSub(x any, n int, unit string) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString("DATE_SUB")
		b.Nested(func(b *Builder) {
			funcArg(b, x)
			b.Comma()
			b.WriteString("INTERVAL ").WriteString(strconv.Itoa(n)).Pad().WriteString(unit)
		})
	})
}

// Extract emits EXTRACT(part FROM x).
func Extract(part string, x any) Querier {
	return ExprFunc(func(b *Builder) {
		b.WriteString("EXTRACT")
		b.Nested(func(b *Builder) {
			b.WriteString(part).WriteString(" FROM ")
			funcArg(b, x)
		})
	})
}
