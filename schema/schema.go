// Package schema holds the model metadata consumed by the query and
// relation layers: tables, columns, primary keys, relation descriptors
// and polymorphic subtype maps. Metadata is explicit data, built once
// (by hand, or from YAML files through Load) and registered in a
// Registry; nothing in this package touches the database.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/go-openapi/inflect"
)

// Cast converts between the driver representation of a column and the
// value exposed on the entity. Implementations must be stateless.
type Cast interface {
	// Decode converts the raw driver value into the entity value.
	Decode(raw any) (any, error)
	// Encode converts the entity value into a value the driver binds.
	Encode(v any) (any, error)
}

// Column describes one column of a model's table.
type Column struct {
	// Name is the column name in the table.
	Name string
	// Property is the name the column is exposed under on the entity.
	// Empty means same as Name.
	Property string
	// PrimaryKey marks the column as part of the primary key. The key
	// order follows the column order of the schema.
	PrimaryKey bool
	// Hidden excludes the column from the entity's external
	// representation. Hidden columns are still loaded and queryable.
	Hidden bool
	// Nullable reports whether the column accepts NULL.
	Nullable bool
	// Cast optionally converts values between driver and entity form.
	Cast Cast
}

// RelationKind enumerates the supported relation strategies.
type RelationKind string

// Relation kinds.
const (
	BelongsTo      RelationKind = "belongs_to"
	HasOne         RelationKind = "has_one"
	HasMany        RelationKind = "has_many"
	BelongsToMany  RelationKind = "belongs_to_many"
	HasOneThrough  RelationKind = "has_one_through"
	HasManyThrough RelationKind = "has_many_through"
	Custom         RelationKind = "custom"
)

// ParseKind converts the string form of a relation kind, as it appears
// in YAML model files, into a RelationKind.
func ParseKind(s string) (RelationKind, error) {
	switch k := RelationKind(s); k {
	case BelongsTo, HasOne, HasMany, BelongsToMany, HasOneThrough, HasManyThrough, Custom:
		return k, nil
	default:
		return "", fmt.Errorf("schema: unknown relation kind %q", s)
	}
}

// Many reports whether the kind resolves to a list of entities rather
// than a single one.
func (k RelationKind) Many() bool {
	switch k {
	case HasMany, BelongsToMany, HasManyThrough:
		return true
	}
	return false
}

// Relation describes one named relation of a model. Key fields left
// empty are filled with naming-convention defaults when the schema is
// registered.
type Relation struct {
	// Name is the relation name on the declaring model.
	Name string
	// Kind selects the resolution strategy.
	Kind RelationKind
	// Target is the related model name.
	Target string
	// ForeignKey is the column holding the reference. For BelongsTo it
	// lives on the declaring table; for HasOne/HasMany on the target.
	// Default: "<snake(owning model)>_<owning pk>".
	ForeignKey string
	// LocalKey is the referenced column on the owning side. Default:
	// the owning model's primary key (first column if composite).
	LocalKey string
	// Through is the intermediate model for through relations.
	Through string
	// LinkTable is the join table for BelongsToMany. Default: the two
	// table names sorted and joined with "_", so both sides of the
	// pair derive the same name.
	LinkTable string
	// LinkLocalKey and LinkTargetKey are the join-table columns
	// referencing the declaring and the target model respectively.
	// Defaults: "<snake(model)>_<model pk>".
	LinkLocalKey  string
	LinkTargetKey string
	// OrderBy optionally fixes the result order for HasMany-style
	// relations, making batch results deterministic.
	OrderBy []string
}

// Schema describes one model: its table, columns, relations and, for
// polymorphic hierarchies, the discriminator mapping. A Schema is
// immutable after registration.
type Schema struct {
	// Name is the model name, e.g. "User".
	Name string
	// Table is the table name. Default: pluralized snake of Name.
	Table string
	// Columns in declaration order.
	Columns []*Column
	// Relations in declaration order.
	Relations []*Relation
	// Discriminator names the column whose value selects the concrete
	// subtype of a polymorphic hierarchy. Empty for plain models.
	Discriminator string
	// Subtypes maps discriminator values to model names. A row whose
	// discriminator value has no mapping hydrates as this model.
	Subtypes map[string]string

	pk                []string
	relationsResolved bool
}

// PrimaryKey returns the primary-key column names in column order.
func (s *Schema) PrimaryKey() []string { return s.pk }

// Column returns the column with the given name, or nil.
func (s *Schema) Column(name string) *Column {
	for _, c := range s.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Relation returns the relation with the given name, or nil.
func (s *Schema) Relation(name string) *Relation {
	for _, r := range s.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// ColumnNames returns all column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Subtype resolves a discriminator value to the concrete model name.
// Unmapped values fall back to this model.
func (s *Schema) Subtype(value string) string {
	if name, ok := s.Subtypes[value]; ok {
		return name
	}
	return s.Name
}

// normalize validates the schema and fills naming-convention defaults.
// It is called once, under the registry lock.
func (s *Schema) normalize() error {
	if s.Name == "" {
		return fmt.Errorf("schema: model with no name")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema: model %s has no columns", s.Name)
	}
	if s.Table == "" {
		s.Table = TableName(s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	s.pk = s.pk[:0]
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema: model %s has a column with no name", s.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: model %s declares column %s twice", s.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Property == "" {
			c.Property = c.Name
		}
		if c.PrimaryKey {
			s.pk = append(s.pk, c.Name)
		}
	}
	if len(s.pk) == 0 {
		return fmt.Errorf("schema: model %s has no primary key", s.Name)
	}
	if s.Discriminator != "" && s.Column(s.Discriminator) == nil {
		return fmt.Errorf("schema: model %s discriminator %s is not a column", s.Name, s.Discriminator)
	}
	names := make(map[string]bool, len(s.Relations))
	for _, r := range s.Relations {
		if r.Name == "" {
			return fmt.Errorf("schema: model %s has a relation with no name", s.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("schema: model %s declares relation %s twice", s.Name, r.Name)
		}
		names[r.Name] = true
		if r.Target == "" && r.Kind != Custom {
			return fmt.Errorf("schema: relation %s.%s has no target model", s.Name, r.Name)
		}
		if _, err := ParseKind(string(r.Kind)); err != nil {
			return fmt.Errorf("schema: relation %s.%s: %w", s.Name, r.Name, err)
		}
		switch r.Kind {
		case HasOneThrough, HasManyThrough:
			if r.Through == "" {
				return fmt.Errorf("schema: relation %s.%s has no through model", s.Name, r.Name)
			}
		}
	}
	return nil
}

// resolveRelations fills the key defaults that depend on other schemas
// being known. Called by the registry after all schemas of a lookup are
// normalized.
func (s *Schema) resolveRelations(lookup func(string) (*Schema, error)) error {
	for _, r := range s.Relations {
		if r.Kind == Custom {
			continue
		}
		target, err := lookup(r.Target)
		if err != nil {
			return fmt.Errorf("schema: relation %s.%s: %w", s.Name, r.Name, err)
		}
		switch r.Kind {
		case BelongsTo:
			// The declaring table holds the foreign key; a composite
			// target key resolves to its first column.
			if r.LocalKey == "" {
				r.LocalKey = target.pk[0]
			}
			if r.ForeignKey == "" {
				r.ForeignKey = ForeignColumn(target.Name, r.LocalKey)
			}
		case HasOne, HasMany:
			if r.LocalKey == "" {
				r.LocalKey = s.pk[0]
			}
			if r.ForeignKey == "" {
				r.ForeignKey = ForeignColumn(s.Name, r.LocalKey)
			}
		case BelongsToMany:
			if r.LocalKey == "" {
				r.LocalKey = s.pk[0]
			}
			if r.ForeignKey == "" {
				r.ForeignKey = target.pk[0]
			}
			if r.LinkTable == "" {
				r.LinkTable = LinkTable(s.Table, target.Table)
			}
			if r.LinkLocalKey == "" {
				r.LinkLocalKey = ForeignColumn(s.Name, r.LocalKey)
			}
			if r.LinkTargetKey == "" {
				r.LinkTargetKey = ForeignColumn(target.Name, r.ForeignKey)
			}
		case HasOneThrough, HasManyThrough:
			through, err := lookup(r.Through)
			if err != nil {
				return fmt.Errorf("schema: relation %s.%s: %w", s.Name, r.Name, err)
			}
			if r.LocalKey == "" {
				r.LocalKey = s.pk[0]
			}
			// First hop: through table references the declaring model.
			if r.LinkLocalKey == "" {
				r.LinkLocalKey = ForeignColumn(s.Name, r.LocalKey)
			}
			// Second hop: target table references the through model.
			if r.ForeignKey == "" {
				r.ForeignKey = ForeignColumn(through.Name, through.pk[0])
			}
		}
	}
	return nil
}

// Naming conventions. Shared by the registry defaults and by callers
// that want to derive names the same way.

var rules = inflect.NewDefaultRuleset()

// TableName returns the default table name for a model: the pluralized
// snake_case of its name. "UserGroup" becomes "user_groups". The snake
// form is pluralized so irregular nouns resolve ("Person" -> "people").
func TableName(model string) string {
	return rules.Pluralize(snake(model))
}

// ForeignColumn returns the default foreign-key column referencing the
// given model and key column: "User","id" becomes "user_id". As with
// TableName, inflection runs on the snake form.
func ForeignColumn(model, key string) string {
	return rules.Singularize(snake(model)) + "_" + key
}

// LinkTable returns the default join-table name for a many-to-many pair.
// The two table names are sorted before joining, so both directions of
// the relation derive the same name.
func LinkTable(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "_" + b
}

// snake converts a CamelCase name to snake_case.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if upper := unicode.IsUpper(r); upper {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sortedNames returns the map keys in stable order. Used by error
// messages and tests.
func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
