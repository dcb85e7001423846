package sql

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loomdb/loom/dialect"
)

// Querier wraps the Query method. It is implemented by every builder and
// expression in this package: Query returns the accumulated SQL text and
// its bound arguments, in emission order.
type Querier interface {
	Query() (string, []any)
}

// querierErr allows builders to expose their build errors to callers
// before execution. Build errors never reach the database.
type querierErr interface {
	Err() error
}

// state allows a parent builder to hand its dialect, placeholder counter
// and prepared-mode down to a nested builder before compiling it, so that
// parameter ordinals stay consistent after a merge.
type state interface {
	Dialect() string
	SetDialect(string)
	Total() int
	SetTotal(int)
	SetUnprepared(bool)
}

// Builder is the base accumulator shared by all builders and expressions:
// a text buffer, the ordered argument list, a placeholder counter and a
// parenthesis-nesting depth. Expressions compile by appending into the
// Builder of the statement being built, never by pre-rendering, which
// keeps argument order aligned with text order.
type Builder struct {
	sb         strings.Builder
	dialect    string
	args       []any
	total      int // total placeholders, including merged children.
	base       int // placeholder ordinal this builder starts from.
	errs       []error
	depth      int  // open parentheses not yet closed.
	unprepared bool // inline values instead of binding them.
	qualifier  string
}

// Quote quotes the given identifier with the dialect's escape characters.
func (b *Builder) Quote(ident string) string {
	switch {
	case ident == "*":
		return ident
	// Already quoted or a computed fragment. Trust the caller.
	case strings.ContainsAny(ident, "`\"() "):
		return ident
	case b.postgres():
		return strconv.Quote(ident)
	default:
		return "`" + ident + "`"
	}
}

// Ident appends the given string as an identifier, quoting it unless it
// is a star, already qualified, or a trusted fragment.
func (b *Builder) Ident(s string) *Builder {
	switch {
	case len(s) == 0:
	case strings.ContainsRune(s, '.'):
		// Qualified identifier: quote each part, keep a trailing star.
		parts := strings.Split(s, ".")
		for i, p := range parts {
			if i > 0 {
				b.WriteString(".")
			}
			b.WriteString(b.Quote(p))
		}
	default:
		b.WriteString(b.Quote(s))
	}
	return b
}

// IdentComma calls Ident on all arguments, comma separated.
func (b *Builder) IdentComma(ss ...string) *Builder {
	for i, s := range ss {
		if i > 0 {
			b.Comma()
		}
		b.Ident(s)
	}
	return b
}

// WriteString appends s to the accumulated query text.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Pad appends a single space.
func (b *Builder) Pad() *Builder { return b.WriteString(" ") }

// Comma appends a comma-space separator.
func (b *Builder) Comma() *Builder { return b.WriteString(", ") }

// OpenParen appends "(" and increments the nesting depth. The depth must
// return to zero before Query is called.
func (b *Builder) OpenParen() *Builder {
	b.depth++
	return b.WriteString("(")
}

// CloseParen appends ")" and decrements the nesting depth. Closing an
// unopened parenthesis is a build error recorded immediately.
func (b *Builder) CloseParen() *Builder {
	if b.depth == 0 {
		b.AddError(errors.New("unbalanced parenthesis: close without open"))
		return b
	}
	b.depth--
	return b.WriteString(")")
}

// Nested runs f inside a balanced pair of parentheses.
func (b *Builder) Nested(f func(*Builder)) *Builder {
	b.OpenParen()
	f(b)
	return b.CloseParen()
}

// Arg appends one bound value. In prepared mode it emits a placeholder
// and registers the value; in unprepared mode it inlines the value as an
// escaped literal. A Querier argument is compiled in place instead.
func (b *Builder) Arg(v any) *Builder {
	switch v := v.(type) {
	case nil:
		return b.WriteString("NULL")
	case *raw:
		return b.WriteString(v.s)
	case Querier:
		return b.Join(v)
	}
	if b.unprepared {
		lit, err := literal(v)
		if err != nil {
			b.AddError(err)
			return b
		}
		return b.WriteString(lit)
	}
	b.total++
	b.args = append(b.args, v)
	if b.postgres() {
		return b.WriteString("$" + strconv.Itoa(b.total))
	}
	return b.WriteString("?")
}

// Args appends all values comma separated.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.Comma()
		}
		b.Arg(v)
	}
	return b
}

// literal renders a scalar for unprepared-mode inlining.
func literal(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32, float64:
		return fmt.Sprintf("%v", v), nil
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'", nil
	case fmt.Stringer:
		return "'" + strings.ReplaceAll(v.String(), "'", "''") + "'", nil
	default:
		return "", fmt.Errorf("cannot inline value of type %T in unprepared mode", v)
	}
}

// Join merges the compiled output of the given queriers into this
// builder. Nested builders receive the dialect, prepared-mode and current
// placeholder count first, so their parameter ordinals continue where the
// parent left off.
func (b *Builder) Join(qs ...Querier) *Builder {
	return b.join(qs, "")
}

// JoinComma merges the queriers comma separated.
func (b *Builder) JoinComma(qs ...Querier) *Builder {
	return b.join(qs, ", ")
}

func (b *Builder) join(qs []Querier, sep string) *Builder {
	for i, q := range qs {
		if i > 0 {
			b.WriteString(sep)
		}
		st, isState := q.(state)
		if isState {
			st.SetDialect(b.dialect)
			st.SetTotal(b.total)
			st.SetUnprepared(b.unprepared)
		}
		query, args := q.Query()
		if !isState && b.postgres() && len(args) > 0 {
			query = b.renumber(query)
		}
		b.WriteString(query)
		b.args = append(b.args, args...)
		if isState {
			b.total = st.Total()
		} else {
			b.total += len(args)
		}
		if qe, ok := q.(querierErr); ok {
			if err := qe.Err(); err != nil {
				b.AddError(err)
			}
		}
	}
	return b
}

// renumber replaces each "?" placeholder in a raw fragment with the next
// "$n" ordinal. Used when merging raw queriers into a postgres statement.
func (b *Builder) renumber(query string) string {
	var sb strings.Builder
	n := b.total
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// AddError records a build error. All recorded errors are surfaced by Err
// and must be checked before execution.
func (b *Builder) AddError(err error) *Builder {
	if err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Err returns the accumulated build errors, if any.
func (b *Builder) Err() error {
	return errors.Join(b.errs...)
}

// Dialect returns the dialect of the builder.
func (b *Builder) Dialect() string { return b.dialect }

// SetDialect sets the builder dialect. Exposed for nested-builder merging.
func (b *Builder) SetDialect(d string) { b.dialect = d }

// Total returns the total number of placeholders emitted so far.
func (b *Builder) Total() int { return b.total }

// SetTotal sets the starting placeholder ordinal. Exposed for
// nested-builder merging.
func (b *Builder) SetTotal(total int) {
	b.total = total
	b.base = total
}

// SetUnprepared toggles unprepared mode, in which values are inlined as
// escaped literals instead of bound parameters.
func (b *Builder) SetUnprepared(v bool) { b.unprepared = v }

func (b *Builder) postgres() bool { return b.dialect == dialect.Postgres }
func (b *Builder) mysql() bool    { return b.dialect == dialect.MySQL }

// String returns the accumulated text.
func (b *Builder) String() string { return b.sb.String() }

// Query returns the accumulated text and arguments. An unbalanced
// parenthesis depth at this point is recorded as a build error.
func (b *Builder) Query() (string, []any) {
	if b.depth != 0 {
		b.AddError(fmt.Errorf("unbalanced parenthesis: %d unclosed", b.depth))
		b.depth = 0
	}
	return b.sb.String(), b.args
}

// reset clears accumulated text and arguments while keeping the dialect
// and prepared-mode, and rewinds the placeholder counter to the ordinal
// this builder starts from. Used by builders whose Query must be
// repeatable without double-registering or renumbering parameters.
func (b *Builder) reset() {
	b.sb.Reset()
	b.args = nil
	b.depth = 0
	b.total = b.base
}

type (
	// raw is a fragment inserted verbatim, bypassing parameter binding.
	raw struct{ s string }

	// exprFunc defers compilation into the target builder so that
	// argument registration happens at the use site, exactly once.
	exprFunc struct {
		Builder
		fn func(*Builder)
	}
)

// Raw returns a trusted SQL fragment to be inserted verbatim.
func Raw(s string) Querier { return &raw{s} }

// Query implements Querier.
func (r *raw) Query() (string, []any) { return r.s, nil }

// Expr returns a raw fragment with positional "?" placeholders and the
// values bound to them.
func Expr(exp string, args ...any) Querier {
	return &exprQuerier{s: exp, vs: args}
}

type exprQuerier struct {
	s  string
	vs []any
}

func (e *exprQuerier) Query() (string, []any) { return e.s, e.vs }

// ExprFunc returns an expression that compiles by running fn against the
// statement being built.
func ExprFunc(fn func(*Builder)) Querier {
	return &exprFunc{fn: fn}
}

// Query implements Querier. Repeated calls recompile from scratch.
func (e *exprFunc) Query() (string, []any) {
	e.reset()
	e.fn(&e.Builder)
	return e.Builder.Query()
}

// Predicate is a boolean expression compiled into a WHERE, HAVING or ON
// clause. Compilation is deferred: the recorded steps run against the
// target statement's builder so parameter order follows text order.
type Predicate struct {
	Builder
	fns []func(*Builder)
}

// P creates a new predicate from raw compile steps.
//
//	P().EQ(u.C("name"), "bob")
func P(fns ...func(*Builder)) *Predicate {
	return &Predicate{fns: fns}
}

// Append adds a compile step to the predicate.
func (p *Predicate) Append(f func(*Builder)) *Predicate {
	p.fns = append(p.fns, f)
	return p
}

// Query implements Querier. Repeated calls recompile from scratch and do
// not double-register parameters.
func (p *Predicate) Query() (string, []any) {
	p.reset()
	for _, f := range p.fns {
		f(&p.Builder)
	}
	return p.Builder.Query()
}

// clone returns a predicate with the same compile steps.
func (p *Predicate) clone() *Predicate {
	if p == nil {
		return nil
	}
	return &Predicate{fns: append([]func(*Builder){}, p.fns...)}
}

// And combines the predicates with AND, wrapping each in parentheses.
func And(preds ...*Predicate) *Predicate {
	p := P()
	return p.Append(func(b *Builder) {
		p.mayWrap(b, preds, "AND")
	})
}

// Or combines the predicates with OR, wrapping each in parentheses.
func Or(preds ...*Predicate) *Predicate {
	p := P()
	return p.Append(func(b *Builder) {
		p.mayWrap(b, preds, "OR")
	})
}

func (*Predicate) mayWrap(b *Builder, preds []*Predicate, op string) {
	if len(preds) == 1 {
		b.Join(preds[0])
		return
	}
	for i, pred := range preds {
		if i > 0 {
			b.Pad().WriteString(op).Pad()
		}
		b.Nested(func(b *Builder) {
			b.Join(pred)
		})
	}
}

// appendPred concatenates two predicates with the given connective,
// without introducing parentheses.
func appendPred(a, b *Predicate, op string) *Predicate {
	return P(func(bd *Builder) {
		bd.Join(a)
		bd.Pad().WriteString(op).Pad()
		bd.Join(b)
	})
}

// Not negates the given predicate.
func Not(pred *Predicate) *Predicate {
	return P(func(b *Builder) {
		b.WriteString("NOT ")
		b.Nested(func(b *Builder) {
			b.Join(pred)
		})
	})
}

func binary(col string, op string, v any) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col).Pad().WriteString(op).Pad().Arg(v)
	})
}

// EQ returns a "=" predicate.
func EQ(col string, v any) *Predicate { return binary(col, "=", v) }

// NEQ returns a "<>" predicate.
func NEQ(col string, v any) *Predicate { return binary(col, "<>", v) }

// GT returns a ">" predicate.
func GT(col string, v any) *Predicate { return binary(col, ">", v) }

// GTE returns a ">=" predicate.
func GTE(col string, v any) *Predicate { return binary(col, ">=", v) }

// LT returns a "<" predicate.
func LT(col string, v any) *Predicate { return binary(col, "<", v) }

// LTE returns a "<=" predicate.
func LTE(col string, v any) *Predicate { return binary(col, "<=", v) }

// ColumnsEQ returns a column-to-column equality predicate. Neither side
// is bound as a parameter.
func ColumnsEQ(col1, col2 string) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col1).WriteString(" = ").Ident(col2)
	})
}

// Like returns a LIKE predicate.
func Like(col, pattern string) *Predicate { return binary(col, "LIKE", pattern) }

// HasPrefix returns a prefix-match LIKE predicate.
func HasPrefix(col, prefix string) *Predicate {
	return Like(col, escapeLike(prefix)+"%")
}

// HasSuffix returns a suffix-match LIKE predicate.
func HasSuffix(col, suffix string) *Predicate {
	return Like(col, "%"+escapeLike(suffix))
}

// Contains returns a substring-match LIKE predicate.
func Contains(col, sub string) *Predicate {
	return Like(col, "%"+escapeLike(sub)+"%")
}

// EqualFold returns a case-insensitive equality predicate.
func EqualFold(col, v string) *Predicate {
	return P(func(b *Builder) {
		b.WriteString("LOWER(").Ident(col).WriteString(") = ").Arg(strings.ToLower(v))
	})
}

// ContainsFold returns a case-insensitive substring-match predicate.
func ContainsFold(col, sub string) *Predicate {
	return P(func(b *Builder) {
		b.WriteString("LOWER(").Ident(col).WriteString(") LIKE ").
			Arg("%" + strings.ToLower(escapeLike(sub)) + "%")
	})
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// IsNull returns an "IS NULL" predicate.
func IsNull(col string) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col).WriteString(" IS NULL")
	})
}

// NotNull returns an "IS NOT NULL" predicate.
func NotNull(col string) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col).WriteString(" IS NOT NULL")
	})
}

// Between returns a "BETWEEN lower AND upper" predicate.
func Between(col string, lower, upper any) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col).WriteString(" BETWEEN ").Arg(lower).WriteString(" AND ").Arg(upper)
	})
}

// In returns an "IN" predicate. An empty value list is a build error: the
// statement will refuse to compile rather than emit "IN ()". A single
// value degrades to "=" which planners handle better.
func In(col string, vs ...any) *Predicate {
	return P(func(b *Builder) {
		switch len(vs) {
		case 0:
			b.AddError(fmt.Errorf("sql: IN requires at least one value (column %s)", col))
		case 1:
			if _, ok := vs[0].(Querier); !ok {
				b.Ident(col).WriteString(" = ").Arg(vs[0])
				return
			}
			fallthrough
		default:
			b.Ident(col).WriteString(" IN ")
			b.Nested(func(b *Builder) {
				b.Args(vs...)
			})
		}
	})
}

// NotIn returns a "NOT IN" predicate with the same empty-list rule as In.
func NotIn(col string, vs ...any) *Predicate {
	return P(func(b *Builder) {
		if len(vs) == 0 {
			b.AddError(fmt.Errorf("sql: NOT IN requires at least one value (column %s)", col))
			return
		}
		b.Ident(col).WriteString(" NOT IN ")
		b.Nested(func(b *Builder) {
			b.Args(vs...)
		})
	})
}

// InSelect returns an "IN (subquery)" predicate.
func InSelect(col string, s *Selector) *Predicate {
	return P(func(b *Builder) {
		b.Ident(col).WriteString(" IN ")
		b.Nested(func(b *Builder) {
			b.Join(s)
		})
	})
}

// Exists returns an "EXISTS (subquery)" predicate.
func Exists(q Querier) *Predicate {
	return P(func(b *Builder) {
		b.WriteString("EXISTS ")
		b.Nested(func(b *Builder) {
			b.Join(q)
		})
	})
}

// NotExists returns a "NOT EXISTS (subquery)" predicate.
func NotExists(q Querier) *Predicate {
	return P(func(b *Builder) {
		b.WriteString("NOT EXISTS ")
		b.Nested(func(b *Builder) {
			b.Join(q)
		})
	})
}

// ExprP converts a raw fragment with arguments into a predicate.
func ExprP(exp string, args ...any) *Predicate {
	return P(func(b *Builder) {
		b.Join(Expr(exp, args...))
	})
}

// PrimaryKeyEQ returns the AND-joined equality chain matching one row of
// a (possibly composite) primary key. The number of values must match the
// number of key columns.
func PrimaryKeyEQ(cols []string, vs ...any) *Predicate {
	return P(func(b *Builder) {
		if len(cols) == 0 || len(cols) != len(vs) {
			b.AddError(fmt.Errorf("sql: primary key arity mismatch: %d columns, %d values", len(cols), len(vs)))
			return
		}
		for i := range cols {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.Ident(cols[i]).WriteString(" = ").Arg(vs[i])
		}
	})
}

// PrimaryKeyIn matches any of the given rows of a primary key. Single-
// column keys compile to one IN; composite keys compile to OR-ed,
// parenthesized AND-groups:
//
//	(pk1 = ? AND pk2 = ?) OR (pk1 = ? AND pk2 = ?)
func PrimaryKeyIn(cols []string, rows ...[]any) *Predicate {
	return P(func(b *Builder) {
		if len(cols) == 0 {
			b.AddError(errors.New("sql: primary key lookup requires at least one column"))
			return
		}
		if len(rows) == 0 {
			b.AddError(errors.New("sql: primary key lookup requires at least one row"))
			return
		}
		if len(cols) == 1 {
			vs := make([]any, len(rows))
			for i, row := range rows {
				if len(row) != 1 {
					b.AddError(fmt.Errorf("sql: primary key arity mismatch: 1 column, %d values", len(row)))
					return
				}
				vs[i] = row[0]
			}
			b.Join(In(cols[0], vs...))
			return
		}
		for i, row := range rows {
			if len(row) != len(cols) {
				b.AddError(fmt.Errorf("sql: primary key arity mismatch: %d columns, %d values", len(cols), len(row)))
				return
			}
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.Nested(func(b *Builder) {
				for j := range cols {
					if j > 0 {
						b.WriteString(" AND ")
					}
					b.Ident(cols[j]).WriteString(" = ").Arg(row[j])
				}
			})
		}
	})
}

// TableView is any FROM source: a named table, a derived-table selector
// or a CTE reference.
type TableView interface {
	view()
	// C returns a qualified, quoted column reference.
	C(column string) string
}

// SelectTable is a named table with an optional alias.
type SelectTable struct {
	Builder
	as     string
	name   string
	schema string
}

// Table returns a new table view with the given name.
func Table(name string) *SelectTable {
	return &SelectTable{name: name}
}

// Schema sets the database/schema qualifier of the table.
func (t *SelectTable) Schema(name string) *SelectTable {
	t.schema = name
	return t
}

// As sets the table alias.
func (t *SelectTable) As(alias string) *SelectTable {
	t.as = alias
	return t
}

// Name returns the table name.
func (t *SelectTable) Name() string { return t.name }

// C returns the qualified, quoted column reference. A "*" column renders
// as qualifier.* with an unescaped star.
func (t *SelectTable) C(column string) string {
	qualifier := t.name
	if t.as != "" {
		qualifier = t.as
	}
	if column == "*" {
		return t.Quote(qualifier) + ".*"
	}
	return t.Quote(qualifier) + "." + t.Quote(column)
}

// Columns returns a list of qualified column references.
func (t *SelectTable) Columns(columns ...string) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = t.C(c)
	}
	return names
}

func (t *SelectTable) ref() string {
	name := t.name
	if t.schema != "" {
		name = t.Quote(t.schema) + "." + t.Quote(t.name)
	} else {
		name = t.Quote(name)
	}
	if t.as != "" {
		name += " AS " + t.Quote(t.as)
	}
	return name
}

func (*SelectTable) view() {}

// join is one JOIN clause of a selector.
type join struct {
	kind string
	t    TableView
	on   *Predicate
}

// union is one UNION member of a selector.
type union struct {
	all bool
	Querier
}

// Selector builds a SELECT statement. Clauses accumulate in any call
// order; Query emits them in fixed grammar order: with, select, from,
// join, where, group by, having, order by, limit/offset, union.
type Selector struct {
	Builder
	as        string
	selection []any // string | Querier
	distinct  bool
	foundRows bool
	from      []TableView
	joins     []join
	where     *Predicate
	groupBy   []string
	having    *Predicate
	order     []any // string | Querier
	limit     *int
	offset    *int
	union     []union
	prefix    *WithBuilder
	suffix    Querier
}

// Select starts a SELECT statement with the given columns. No columns
// means "select everything": a bare star is emitted.
func Select(columns ...string) *Selector {
	return (&Selector{}).Select(columns...)
}

// SelectExpr starts a SELECT statement from arbitrary expressions.
func SelectExpr(exprs ...Querier) *Selector {
	return (&Selector{}).SelectExpr(exprs...)
}

// Select replaces the selected columns.
func (s *Selector) Select(columns ...string) *Selector {
	s.selection = make([]any, len(columns))
	for i, c := range columns {
		s.selection[i] = c
	}
	return s
}

// AppendSelect appends columns to the selection.
func (s *Selector) AppendSelect(columns ...string) *Selector {
	for _, c := range columns {
		s.selection = append(s.selection, c)
	}
	return s
}

// SelectExpr replaces the selection with arbitrary expressions.
func (s *Selector) SelectExpr(exprs ...Querier) *Selector {
	s.selection = make([]any, len(exprs))
	for i, e := range exprs {
		s.selection[i] = e
	}
	return s
}

// AppendSelectExpr appends an expression to the selection.
func (s *Selector) AppendSelectExpr(exprs ...Querier) *Selector {
	for _, e := range exprs {
		s.selection = append(s.selection, e)
	}
	return s
}

// SelectedColumns returns the names of the selected string columns.
func (s *Selector) SelectedColumns() []string {
	columns := make([]string, 0, len(s.selection))
	for _, sel := range s.selection {
		if c, ok := sel.(string); ok {
			columns = append(columns, c)
		}
	}
	return columns
}

// Distinct marks the selection as DISTINCT.
func (s *Selector) Distinct() *Selector {
	s.distinct = true
	return s
}

// FoundRows asks MySQL to compute the number of rows the statement would
// return without its LIMIT (SQL_CALC_FOUND_ROWS). Ignored on other
// dialects.
func (s *Selector) FoundRows() *Selector {
	s.foundRows = true
	return s
}

// Suffix appends a trailing fragment (for example "FOR UPDATE") after all
// regular clauses.
func (s *Selector) Suffix(q Querier) *Selector {
	s.suffix = q
	return s
}

// From sets the FROM source of the statement.
func (s *Selector) From(t TableView) *Selector {
	s.from = []TableView{t}
	return s
}

// AppendFrom adds another FROM source (cross product).
func (s *Selector) AppendFrom(t TableView) *Selector {
	s.from = append(s.from, t)
	return s
}

// Table returns the first FROM source as a named table, or nil.
func (s *Selector) Table() *SelectTable {
	for _, t := range s.from {
		if st, ok := t.(*SelectTable); ok {
			return st
		}
	}
	return nil
}

// C returns a column reference qualified by the selector's table or
// alias.
func (s *Selector) C(column string) string {
	if s.as != "" {
		if column == "*" {
			return s.Quote(s.as) + ".*"
		}
		return s.Quote(s.as) + "." + s.Quote(column)
	}
	if t := s.Table(); t != nil {
		t.SetDialect(s.dialect)
		return t.C(column)
	}
	return s.Quote(column)
}

// Columns returns a list of qualified column references.
func (s *Selector) Columns(columns ...string) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = s.C(c)
	}
	return names
}

// As sets the alias used when this selector is embedded as a derived
// table.
func (s *Selector) As(alias string) *Selector {
	s.as = alias
	return s
}

// Where appends the predicate to the WHERE clause, joined with AND. The
// segments are concatenated flat; use And/Or for explicit grouping.
func (s *Selector) Where(p *Predicate) *Selector {
	switch {
	case p == nil:
	case s.where == nil:
		s.where = p
	default:
		s.where = appendPred(s.where, p, "AND")
	}
	return s
}

// OrWhere appends the predicate to the WHERE clause with OR. Segments
// chain flat like Where; use Or for explicit grouping.
func (s *Selector) OrWhere(p *Predicate) *Selector {
	switch {
	case p == nil:
	case s.where == nil:
		s.where = p
	default:
		s.where = appendPred(s.where, p, "OR")
	}
	return s
}

// P returns the accumulated WHERE predicate.
func (s *Selector) P() *Predicate { return s.where }

// Join adds an INNER JOIN.
func (s *Selector) Join(t TableView) *Selector { return s.join("JOIN", t) }

// InnerJoin adds an INNER JOIN with an explicit keyword.
func (s *Selector) InnerJoin(t TableView) *Selector { return s.join("INNER JOIN", t) }

// LeftJoin adds a LEFT JOIN.
func (s *Selector) LeftJoin(t TableView) *Selector { return s.join("LEFT JOIN", t) }

// LeftOuterJoin adds a LEFT OUTER JOIN.
func (s *Selector) LeftOuterJoin(t TableView) *Selector { return s.join("LEFT OUTER JOIN", t) }

// RightJoin adds a RIGHT JOIN.
func (s *Selector) RightJoin(t TableView) *Selector { return s.join("RIGHT JOIN", t) }

// FullJoin adds a FULL JOIN.
func (s *Selector) FullJoin(t TableView) *Selector { return s.join("FULL JOIN", t) }

func (s *Selector) join(kind string, t TableView) *Selector {
	s.joins = append(s.joins, join{kind: kind, t: t})
	return s
}

// On sets the join condition of the most recent join to col1 = col2.
func (s *Selector) On(col1, col2 string) *Selector {
	return s.OnP(ColumnsEQ(col1, col2))
}

// OnP sets (or extends, with AND) the join condition of the most recent
// join.
func (s *Selector) OnP(p *Predicate) *Selector {
	if len(s.joins) == 0 {
		s.AddError(errors.New("sql: ON without a JOIN"))
		return s
	}
	j := &s.joins[len(s.joins)-1]
	if j.on == nil {
		j.on = p
	} else {
		j.on = And(j.on, p)
	}
	return s
}

// GroupBy appends columns to the GROUP BY clause.
func (s *Selector) GroupBy(columns ...string) *Selector {
	s.groupBy = append(s.groupBy, columns...)
	return s
}

// Having appends the predicate to the HAVING clause, joined with AND.
func (s *Selector) Having(p *Predicate) *Selector {
	if s.having == nil {
		s.having = p
	} else {
		s.having = appendPred(s.having, p, "AND")
	}
	return s
}

// OrderBy appends columns to the ORDER BY clause.
func (s *Selector) OrderBy(columns ...string) *Selector {
	for _, c := range columns {
		s.order = append(s.order, c)
	}
	return s
}

// OrderExpr appends expressions to the ORDER BY clause.
func (s *Selector) OrderExpr(exprs ...Querier) *Selector {
	for _, e := range exprs {
		s.order = append(s.order, e)
	}
	return s
}

// ClearOrder removes the ORDER BY clause.
func (s *Selector) ClearOrder() *Selector {
	s.order = nil
	return s
}

// Limit sets the LIMIT clause.
func (s *Selector) Limit(n int) *Selector {
	s.limit = &n
	return s
}

// ClearLimit removes the LIMIT clause.
func (s *Selector) ClearLimit() *Selector {
	s.limit = nil
	return s
}

// Offset sets the OFFSET clause.
func (s *Selector) Offset(n int) *Selector {
	s.offset = &n
	return s
}

// ClearOffset removes the OFFSET clause.
func (s *Selector) ClearOffset() *Selector {
	s.offset = nil
	return s
}

// Union appends a UNION member.
func (s *Selector) Union(q Querier) *Selector {
	s.union = append(s.union, union{Querier: q})
	return s
}

// UnionAll appends a UNION ALL member.
func (s *Selector) UnionAll(q Querier) *Selector {
	s.union = append(s.union, union{all: true, Querier: q})
	return s
}

// With prefixes the statement with the given common table expressions.
func (s *Selector) With(w *WithBuilder) *Selector {
	s.prefix = w
	return s
}

// Asc returns an ascending ORDER BY term.
func Asc(column string) string { return column + " ASC" }

// Desc returns a descending ORDER BY term.
func Desc(column string) string { return column + " DESC" }

// Clone returns a duplicate of the selector, detached from the original
// so further mutations do not alias.
func (s *Selector) Clone() *Selector {
	if s == nil {
		return nil
	}
	c := &Selector{
		as:        s.as,
		distinct:  s.distinct,
		foundRows: s.foundRows,
		selection: append([]any{}, s.selection...),
		from:      append([]TableView{}, s.from...),
		joins:     append([]join{}, s.joins...),
		where:     s.where.clone(),
		groupBy:   append([]string{}, s.groupBy...),
		having:    s.having.clone(),
		order:     append([]any{}, s.order...),
		union:     append([]union{}, s.union...),
		prefix:    s.prefix,
		suffix:    s.suffix,
	}
	c.SetDialect(s.dialect)
	c.SetUnprepared(s.unprepared)
	if s.limit != nil {
		n := *s.limit
		c.limit = &n
	}
	if s.offset != nil {
		n := *s.offset
		c.offset = &n
	}
	return c
}

// Query compiles the statement. It is a pure read of the accumulated
// clause state and can be called repeatedly.
func (s *Selector) Query() (string, []any) {
	s.reset()
	if s.prefix != nil {
		// The promoted Builder.Join, not the JOIN-clause method.
		s.Builder.Join(s.prefix)
		s.Pad()
	}
	s.WriteString("SELECT ")
	if s.foundRows && s.mysql() {
		s.WriteString("SQL_CALC_FOUND_ROWS ")
	}
	if s.distinct {
		s.WriteString("DISTINCT ")
	}
	if len(s.selection) > 0 {
		s.appendSelection()
	} else {
		s.WriteString("*")
	}
	if len(s.from) > 0 {
		s.WriteString(" FROM ")
	}
	for i, t := range s.from {
		if i > 0 {
			s.Comma()
		}
		s.appendView(t)
	}
	for _, j := range s.joins {
		s.Pad().WriteString(j.kind).Pad()
		s.appendView(j.t)
		if j.on != nil {
			s.WriteString(" ON ")
			s.Builder.Join(j.on)
		}
	}
	if s.where != nil {
		s.WriteString(" WHERE ")
		s.Builder.Join(s.where)
	}
	if len(s.groupBy) > 0 {
		s.WriteString(" GROUP BY ")
		s.IdentComma(s.groupBy...)
	}
	if s.having != nil {
		s.WriteString(" HAVING ")
		s.Builder.Join(s.having)
	}
	if len(s.order) > 0 {
		s.WriteString(" ORDER BY ")
		for i, o := range s.order {
			if i > 0 {
				s.Comma()
			}
			switch o := o.(type) {
			case string:
				s.appendOrder(o)
			case Querier:
				s.Builder.Join(o)
			}
		}
	}
	if s.limit != nil {
		s.WriteString(" LIMIT ").WriteString(strconv.Itoa(*s.limit))
	}
	if s.offset != nil {
		s.WriteString(" OFFSET ").WriteString(strconv.Itoa(*s.offset))
	}
	for _, u := range s.union {
		s.WriteString(" UNION ")
		if u.all {
			s.WriteString("ALL ")
		}
		s.Builder.Join(u.Querier)
	}
	if s.suffix != nil {
		s.Pad().Join(s.suffix)
	}
	return s.Builder.Query()
}

func (s *Selector) appendSelection() {
	for i, sel := range s.selection {
		if i > 0 {
			s.Comma()
		}
		switch sel := sel.(type) {
		case string:
			s.Ident(sel)
		case Querier:
			s.Builder.Join(sel)
		}
	}
}

func (s *Selector) appendView(t TableView) {
	switch t := t.(type) {
	case *SelectTable:
		t.SetDialect(s.dialect)
		s.WriteString(t.ref())
	case *Selector:
		s.Nested(func(b *Builder) {
			b.Join(t)
		})
		if t.as != "" {
			s.WriteString(" AS ").WriteString(s.Quote(t.as))
		}
	case *WithBuilder:
		s.WriteString(s.Quote(t.First().name))
	}
}

// appendOrder writes an order term, quoting the column while keeping a
// trailing ASC/DESC direction token.
func (s *Selector) appendOrder(term string) {
	column, dir := term, ""
	for _, d := range []string{" ASC", " DESC"} {
		if strings.HasSuffix(strings.ToUpper(term), d) {
			column, dir = term[:len(term)-len(d)], term[len(term)-len(d)+1:]
			break
		}
	}
	s.Ident(column)
	if dir != "" {
		s.Pad().WriteString(dir)
	}
}

func (*Selector) view() {}

// CTE is one common table expression of a WithBuilder.
type CTE struct {
	name    string
	columns []string
	q       Querier
}

// WithBuilder builds a WITH prefix (plain or recursive) holding one or
// more common table expressions.
type WithBuilder struct {
	Builder
	recursive bool
	ctes      []CTE
}

// With starts a WITH prefix with its first CTE name.
func With(name string, columns ...string) *WithBuilder {
	return &WithBuilder{ctes: []CTE{{name: name, columns: columns}}}
}

// WithRecursive starts a WITH RECURSIVE prefix.
func WithRecursive(name string, columns ...string) *WithBuilder {
	w := With(name, columns...)
	w.recursive = true
	return w
}

// As sets the body of the most recent CTE.
func (w *WithBuilder) As(q Querier) *WithBuilder {
	w.ctes[len(w.ctes)-1].q = q
	return w
}

// With adds another CTE to the same prefix.
func (w *WithBuilder) With(name string, columns ...string) *WithBuilder {
	w.ctes = append(w.ctes, CTE{name: name, columns: columns})
	return w
}

// First returns the first CTE.
func (w *WithBuilder) First() CTE { return w.ctes[0] }

// Name returns the name of the first CTE.
func (w *WithBuilder) Name() string { return w.ctes[0].name }

// C returns a column reference qualified by the first CTE.
func (w *WithBuilder) C(column string) string {
	return w.Quote(w.ctes[0].name) + "." + w.Quote(column)
}

func (*WithBuilder) view() {}

// Query implements Querier.
func (w *WithBuilder) Query() (string, []any) {
	w.reset()
	w.WriteString("WITH ")
	if w.recursive {
		w.WriteString("RECURSIVE ")
	}
	for i, cte := range w.ctes {
		if i > 0 {
			w.Comma()
		}
		w.WriteString(w.Quote(cte.name))
		if len(cte.columns) > 0 {
			w.Nested(func(b *Builder) {
				b.IdentComma(cte.columns...)
			})
		}
		w.WriteString(" AS ")
		w.Nested(func(b *Builder) {
			if cte.q == nil {
				b.AddError(fmt.Errorf("sql: CTE %q has no body", cte.name))
				return
			}
			b.Join(cte.q)
		})
	}
	return w.Builder.Query()
}

// InsertBuilder builds an INSERT statement.
type InsertBuilder struct {
	Builder
	table     string
	columns   []string
	values    [][]any
	ignore    bool
	replace   bool
	defaults  bool
	returning []string
}

// Insert starts an INSERT INTO statement.
func Insert(table string) *InsertBuilder {
	return &InsertBuilder{table: table}
}

// Columns sets the column list of the statement.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = append(i.columns, columns...)
	return i
}

// Values appends one row of values. The arity must match the column list.
func (i *InsertBuilder) Values(values ...any) *InsertBuilder {
	i.values = append(i.values, values)
	return i
}

// Set appends a single column/value pair, preserving call order. It
// applies to single-row inserts only.
func (i *InsertBuilder) Set(column string, v any) *InsertBuilder {
	i.columns = append(i.columns, column)
	if len(i.values) == 0 {
		i.values = [][]any{{v}}
	} else {
		i.values[0] = append(i.values[0], v)
	}
	return i
}

// SetMap appends all pairs of the map in deterministic (sorted-key)
// order, splitting it into the column list and the value row.
func (i *InsertBuilder) SetMap(m map[string]any) *InsertBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		i.Set(k, m[k])
	}
	return i
}

// Ignore makes the statement skip conflicting rows instead of failing.
func (i *InsertBuilder) Ignore() *InsertBuilder {
	i.ignore = true
	return i
}

// Replace makes the statement a REPLACE INTO (MySQL/SQLite).
func (i *InsertBuilder) Replace() *InsertBuilder {
	i.replace = true
	return i
}

// Default makes the statement insert a row of column defaults.
func (i *InsertBuilder) Default() *InsertBuilder {
	i.defaults = true
	return i
}

// Returning adds a RETURNING clause (Postgres and SQLite).
func (i *InsertBuilder) Returning(columns ...string) *InsertBuilder {
	i.returning = columns
	return i
}

// Query compiles the statement.
func (i *InsertBuilder) Query() (string, []any) {
	i.reset()
	switch {
	case i.table == "":
		i.AddError(errors.New("sql: INSERT without a table"))
	case !i.defaults && len(i.columns) == 0:
		i.AddError(errors.New("sql: INSERT without columns"))
	}
	verb := "INSERT"
	if i.replace {
		verb = "REPLACE"
	}
	i.WriteString(verb)
	if i.ignore {
		switch i.dialect {
		case dialect.MySQL:
			i.WriteString(" IGNORE")
		case dialect.SQLite:
			i.WriteString(" OR IGNORE")
		}
	}
	i.WriteString(" INTO ").Ident(i.table)
	if i.defaults {
		i.WriteString(" DEFAULT VALUES")
	} else {
		i.Pad().Nested(func(b *Builder) {
			b.IdentComma(i.columns...)
		})
		i.WriteString(" VALUES ")
		for n, row := range i.values {
			if len(row) != len(i.columns) {
				i.AddError(fmt.Errorf("sql: INSERT row %d has %d values for %d columns", n, len(row), len(i.columns)))
			}
			if n > 0 {
				i.Comma()
			}
			i.Nested(func(b *Builder) {
				b.Args(row...)
			})
		}
	}
	if i.ignore && i.postgres() {
		i.WriteString(" ON CONFLICT DO NOTHING")
	}
	if len(i.returning) > 0 && !i.mysql() {
		i.WriteString(" RETURNING ")
		i.IdentComma(i.returning...)
	}
	return i.Builder.Query()
}

// UpdateBuilder builds an UPDATE statement.
type UpdateBuilder struct {
	Builder
	table   string
	columns []string
	values  []any
	where   *Predicate
	order   []string
	limit   *int
}

// Update starts an UPDATE statement.
func Update(table string) *UpdateBuilder {
	return &UpdateBuilder{table: table}
}

// Set adds a column assignment.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// SetMap adds all pairs of the map in deterministic (sorted-key) order.
func (u *UpdateBuilder) SetMap(m map[string]any) *UpdateBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		u.Set(k, m[k])
	}
	return u
}

// SetExpr assigns a compiled expression to the column.
func (u *UpdateBuilder) SetExpr(column string, e Querier) *UpdateBuilder {
	return u.Set(column, e)
}

// Where appends the predicate to the WHERE clause, joined with AND.
func (u *UpdateBuilder) Where(p *Predicate) *UpdateBuilder {
	if u.where == nil {
		u.where = p
	} else {
		u.where = appendPred(u.where, p, "AND")
	}
	return u
}

// OrderBy appends an ORDER BY term (MySQL extension).
func (u *UpdateBuilder) OrderBy(columns ...string) *UpdateBuilder {
	u.order = append(u.order, columns...)
	return u
}

// Limit sets a row limit (MySQL extension).
func (u *UpdateBuilder) Limit(n int) *UpdateBuilder {
	u.limit = &n
	return u
}

// Empty reports whether the statement has no assignments.
func (u *UpdateBuilder) Empty() bool { return len(u.columns) == 0 }

// Query compiles the statement.
func (u *UpdateBuilder) Query() (string, []any) {
	u.reset()
	switch {
	case u.table == "":
		u.AddError(errors.New("sql: UPDATE without a table"))
	case u.Empty():
		u.AddError(errors.New("sql: UPDATE without assignments"))
	}
	u.WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for n, c := range u.columns {
		if n > 0 {
			u.Comma()
		}
		u.Ident(c).WriteString(" = ").Arg(u.values[n])
	}
	if u.where != nil {
		u.WriteString(" WHERE ")
		u.Join(u.where)
	}
	if len(u.order) > 0 && u.mysql() {
		u.WriteString(" ORDER BY ")
		u.IdentComma(u.order...)
	}
	if u.limit != nil && u.mysql() {
		u.WriteString(" LIMIT ").WriteString(strconv.Itoa(*u.limit))
	}
	return u.Builder.Query()
}

// DeleteBuilder builds a DELETE statement.
type DeleteBuilder struct {
	Builder
	table string
	where *Predicate
}

// Delete starts a DELETE statement.
func Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

// Where appends the predicate to the WHERE clause, joined with AND.
func (d *DeleteBuilder) Where(p *Predicate) *DeleteBuilder {
	if d.where == nil {
		d.where = p
	} else {
		d.where = appendPred(d.where, p, "AND")
	}
	return d
}

// Query compiles the statement.
func (d *DeleteBuilder) Query() (string, []any) {
	d.reset()
	if d.table == "" {
		d.AddError(errors.New("sql: DELETE without a table"))
	}
	d.WriteString("DELETE FROM ").Ident(d.table)
	if d.where != nil {
		d.WriteString(" WHERE ")
		d.Join(d.where)
	}
	return d.Builder.Query()
}

// DialectBuilder prefixes all builders it creates with the dialect, so
// identifier quoting and placeholder style are fixed at construction.
type DialectBuilder struct {
	dialect    string
	unprepared bool
}

// Dialect creates a builder factory for the given dialect.
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: name}
}

// Unprepared makes all created builders inline values as escaped literals
// instead of binding parameters. Used for template queries that are
// composed rather than executed.
func (d *DialectBuilder) Unprepared() *DialectBuilder {
	return &DialectBuilder{dialect: d.dialect, unprepared: true}
}

// Select creates a dialect-aware Selector.
func (d *DialectBuilder) Select(columns ...string) *Selector {
	s := Select(columns...)
	d.apply(&s.Builder)
	return s
}

// SelectExpr creates a dialect-aware Selector from expressions.
func (d *DialectBuilder) SelectExpr(exprs ...Querier) *Selector {
	s := SelectExpr(exprs...)
	d.apply(&s.Builder)
	return s
}

// Table creates a dialect-aware table view.
func (d *DialectBuilder) Table(name string) *SelectTable {
	t := Table(name)
	d.apply(&t.Builder)
	return t
}

// Insert creates a dialect-aware InsertBuilder.
func (d *DialectBuilder) Insert(table string) *InsertBuilder {
	i := Insert(table)
	d.apply(&i.Builder)
	return i
}

// Update creates a dialect-aware UpdateBuilder.
func (d *DialectBuilder) Update(table string) *UpdateBuilder {
	u := Update(table)
	d.apply(&u.Builder)
	return u
}

// Delete creates a dialect-aware DeleteBuilder.
func (d *DialectBuilder) Delete(table string) *DeleteBuilder {
	b := Delete(table)
	d.apply(&b.Builder)
	return b
}

// With creates a dialect-aware WithBuilder.
func (d *DialectBuilder) With(name string, columns ...string) *WithBuilder {
	w := With(name, columns...)
	d.apply(&w.Builder)
	return w
}

// WithRecursive creates a dialect-aware recursive WithBuilder.
func (d *DialectBuilder) WithRecursive(name string, columns ...string) *WithBuilder {
	w := WithRecursive(name, columns...)
	d.apply(&w.Builder)
	return w
}

// Truncate returns the dialect-appropriate statement emptying a table.
// SQLite has no TRUNCATE; an unqualified DELETE is its documented
// equivalent.
func (d *DialectBuilder) Truncate(table string) Querier {
	b := &Builder{}
	d.apply(b)
	switch d.dialect {
	case dialect.SQLite:
		b.WriteString("DELETE FROM ").Ident(table)
	default:
		b.WriteString("TRUNCATE TABLE ").Ident(table)
	}
	return b
}

// OptimizeTable returns the dialect-appropriate table-maintenance
// statement: OPTIMIZE TABLE on MySQL, VACUUM elsewhere.
func (d *DialectBuilder) OptimizeTable(table string) Querier {
	b := &Builder{}
	d.apply(b)
	switch d.dialect {
	case dialect.MySQL:
		b.WriteString("OPTIMIZE TABLE ").Ident(table)
	case dialect.Postgres:
		b.WriteString("VACUUM (ANALYZE) ").Ident(table)
	default:
		b.WriteString("VACUUM")
	}
	return b
}

func (d *DialectBuilder) apply(b *Builder) {
	b.SetDialect(d.dialect)
	b.SetUnprepared(d.unprepared)
}
