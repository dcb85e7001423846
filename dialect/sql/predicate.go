package sql

// PredicateFunc is a constraint type for predicate functions. It allows
// the generic field types below to produce any predicate type based on
// func(*Selector), so model packages can declare their own predicate
// aliases and still share these helpers.
type PredicateFunc interface {
	~func(*Selector)
}

// OrderedField is a field whose values support the full comparison set.
// P is the predicate type produced; T is the field's Go type.
//
//	var Age = sql.OrderedField[predicate.User, int]("age")
//	query.Where(user.Age.GTE(21))
type OrderedField[P PredicateFunc, T any] string

// Name returns the column name of the field.
func (f OrderedField[P, T]) Name() string { return string(f) }

// EQ matches rows whose field equals v.
func (f OrderedField[P, T]) EQ(v T) P { return P(FieldEQ(string(f), v)) }

// NEQ matches rows whose field does not equal v.
func (f OrderedField[P, T]) NEQ(v T) P { return P(FieldNEQ(string(f), v)) }

// GT matches rows whose field is greater than v.
func (f OrderedField[P, T]) GT(v T) P { return P(FieldGT(string(f), v)) }

// GTE matches rows whose field is greater than or equal to v.
func (f OrderedField[P, T]) GTE(v T) P { return P(FieldGTE(string(f), v)) }

// LT matches rows whose field is less than v.
func (f OrderedField[P, T]) LT(v T) P { return P(FieldLT(string(f), v)) }

// LTE matches rows whose field is less than or equal to v.
func (f OrderedField[P, T]) LTE(v T) P { return P(FieldLTE(string(f), v)) }

// In matches rows whose field is any of vs.
func (f OrderedField[P, T]) In(vs ...T) P { return P(FieldIn(string(f), vs...)) }

// NotIn matches rows whose field is none of vs.
func (f OrderedField[P, T]) NotIn(vs ...T) P { return P(FieldNotIn(string(f), vs...)) }

// Between matches rows whose field lies in [lower, upper].
func (f OrderedField[P, T]) Between(lower, upper T) P {
	return P(FieldBetween(string(f), lower, upper))
}

// IsNull matches rows whose field is NULL.
func (f OrderedField[P, T]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull matches rows whose field is not NULL.
func (f OrderedField[P, T]) NotNull() P { return P(FieldNotNull(string(f))) }

// Common concrete field shapes.
type (
	// IntField is an OrderedField over int.
	IntField[P PredicateFunc] = OrderedField[P, int]
	// Int64Field is an OrderedField over int64.
	Int64Field[P PredicateFunc] = OrderedField[P, int64]
	// Float64Field is an OrderedField over float64.
	Float64Field[P PredicateFunc] = OrderedField[P, float64]
	// TimeField is an OrderedField over a time type T.
	TimeField[P PredicateFunc, T any] = OrderedField[P, T]
	// UUIDField is an OrderedField over a UUID type T.
	UUIDField[P PredicateFunc, T any] = OrderedField[P, T]
)

// StringField is a string-valued field with substring and
// case-insensitive predicates on top of the ordered set.
//
//	var Email = sql.StringField[predicate.User]("email")
//	query.Where(user.Email.Contains("@example.com"))
type StringField[P PredicateFunc] string

// Name returns the column name of the field.
func (f StringField[P]) Name() string { return string(f) }

// EQ matches rows whose field equals v.
func (f StringField[P]) EQ(v string) P { return P(FieldEQ(string(f), v)) }

// NEQ matches rows whose field does not equal v.
func (f StringField[P]) NEQ(v string) P { return P(FieldNEQ(string(f), v)) }

// GT matches rows whose field sorts after v.
func (f StringField[P]) GT(v string) P { return P(FieldGT(string(f), v)) }

// GTE matches rows whose field sorts after or equal to v.
func (f StringField[P]) GTE(v string) P { return P(FieldGTE(string(f), v)) }

// LT matches rows whose field sorts before v.
func (f StringField[P]) LT(v string) P { return P(FieldLT(string(f), v)) }

// LTE matches rows whose field sorts before or equal to v.
func (f StringField[P]) LTE(v string) P { return P(FieldLTE(string(f), v)) }

// In matches rows whose field is any of vs.
func (f StringField[P]) In(vs ...string) P { return P(FieldIn(string(f), vs...)) }

// NotIn matches rows whose field is none of vs.
func (f StringField[P]) NotIn(vs ...string) P { return P(FieldNotIn(string(f), vs...)) }

// Contains matches rows whose field contains the substring.
func (f StringField[P]) Contains(v string) P { return P(FieldContains(string(f), v)) }

// ContainsFold matches rows whose field contains the substring,
// case-insensitively.
func (f StringField[P]) ContainsFold(v string) P { return P(FieldContainsFold(string(f), v)) }

// HasPrefix matches rows whose field starts with the prefix.
func (f StringField[P]) HasPrefix(v string) P { return P(FieldHasPrefix(string(f), v)) }

// HasSuffix matches rows whose field ends with the suffix.
func (f StringField[P]) HasSuffix(v string) P { return P(FieldHasSuffix(string(f), v)) }

// EqualFold matches rows whose field equals v, case-insensitively.
func (f StringField[P]) EqualFold(v string) P { return P(FieldEqualFold(string(f), v)) }

// IsNull matches rows whose field is NULL.
func (f StringField[P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull matches rows whose field is not NULL.
func (f StringField[P]) NotNull() P { return P(FieldNotNull(string(f))) }

// BoolField is a boolean-valued field.
type BoolField[P PredicateFunc] string

// Name returns the column name of the field.
func (f BoolField[P]) Name() string { return string(f) }

// EQ matches rows whose field equals v.
func (f BoolField[P]) EQ(v bool) P { return P(FieldEQ(string(f), v)) }

// NEQ matches rows whose field does not equal v.
func (f BoolField[P]) NEQ(v bool) P { return P(FieldNEQ(string(f), v)) }

// IsNull matches rows whose field is NULL.
func (f BoolField[P]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull matches rows whose field is not NULL.
func (f BoolField[P]) NotNull() P { return P(FieldNotNull(string(f))) }

// EnumField is a string-enum field. T must have a string underlying type.
type EnumField[P PredicateFunc, T ~string] string

// Name returns the column name of the field.
func (f EnumField[P, T]) Name() string { return string(f) }

// EQ matches rows whose field equals v.
func (f EnumField[P, T]) EQ(v T) P { return P(FieldEQ(string(f), v)) }

// NEQ matches rows whose field does not equal v.
func (f EnumField[P, T]) NEQ(v T) P { return P(FieldNEQ(string(f), v)) }

// In matches rows whose field is any of vs.
func (f EnumField[P, T]) In(vs ...T) P { return P(FieldIn(string(f), vs...)) }

// NotIn matches rows whose field is none of vs.
func (f EnumField[P, T]) NotIn(vs ...T) P { return P(FieldNotIn(string(f), vs...)) }

// IsNull matches rows whose field is NULL.
func (f EnumField[P, T]) IsNull() P { return P(FieldIsNull(string(f))) }

// NotNull matches rows whose field is not NULL.
func (f EnumField[P, T]) NotNull() P { return P(FieldNotNull(string(f))) }
