package sql

// Field-level predicate constructors. Each returns a function that, when
// applied to a Selector, qualifies the column by the selector's table and
// appends the comparison to its WHERE clause. The generic field types in
// predicate.go are thin typed wrappers over these.

// FieldEQ returns an equality predicate on the field.
func FieldEQ(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(EQ(s.C(name), v))
	}
}

// FieldNEQ returns an inequality predicate on the field.
func FieldNEQ(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(NEQ(s.C(name), v))
	}
}

// FieldGT returns a ">" predicate on the field.
func FieldGT(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(GT(s.C(name), v))
	}
}

// FieldGTE returns a ">=" predicate on the field.
func FieldGTE(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(GTE(s.C(name), v))
	}
}

// FieldLT returns a "<" predicate on the field.
func FieldLT(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(LT(s.C(name), v))
	}
}

// FieldLTE returns a "<=" predicate on the field.
func FieldLTE(name string, v any) func(*Selector) {
	return func(s *Selector) {
		s.Where(LTE(s.C(name), v))
	}
}

// FieldIn returns an IN predicate on the field.
func FieldIn[T any](name string, vs ...T) func(*Selector) {
	return func(s *Selector) {
		v := make([]any, len(vs))
		for i := range vs {
			v[i] = vs[i]
		}
		s.Where(In(s.C(name), v...))
	}
}

// FieldNotIn returns a NOT IN predicate on the field.
func FieldNotIn[T any](name string, vs ...T) func(*Selector) {
	return func(s *Selector) {
		v := make([]any, len(vs))
		for i := range vs {
			v[i] = vs[i]
		}
		s.Where(NotIn(s.C(name), v...))
	}
}

// FieldContains returns a substring-match predicate on the field.
func FieldContains(name, sub string) func(*Selector) {
	return func(s *Selector) {
		s.Where(Contains(s.C(name), sub))
	}
}

// FieldContainsFold returns a case-insensitive substring-match predicate.
func FieldContainsFold(name, sub string) func(*Selector) {
	return func(s *Selector) {
		s.Where(ContainsFold(s.C(name), sub))
	}
}

// FieldHasPrefix returns a prefix-match predicate on the field.
func FieldHasPrefix(name, prefix string) func(*Selector) {
	return func(s *Selector) {
		s.Where(HasPrefix(s.C(name), prefix))
	}
}

// FieldHasSuffix returns a suffix-match predicate on the field.
func FieldHasSuffix(name, suffix string) func(*Selector) {
	return func(s *Selector) {
		s.Where(HasSuffix(s.C(name), suffix))
	}
}

// FieldEqualFold returns a case-insensitive equality predicate.
func FieldEqualFold(name, v string) func(*Selector) {
	return func(s *Selector) {
		s.Where(EqualFold(s.C(name), v))
	}
}

// FieldIsNull returns an IS NULL predicate on the field.
func FieldIsNull(name string) func(*Selector) {
	return func(s *Selector) {
		s.Where(IsNull(s.C(name)))
	}
}

// FieldNotNull returns an IS NOT NULL predicate on the field.
func FieldNotNull(name string) func(*Selector) {
	return func(s *Selector) {
		s.Where(NotNull(s.C(name)))
	}
}

// FieldBetween returns a BETWEEN predicate on the field.
func FieldBetween(name string, lower, upper any) func(*Selector) {
	return func(s *Selector) {
		s.Where(Between(s.C(name), lower, upper))
	}
}
