package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File formats of the declarative model definitions:
//
//	models:
//	  - name: User
//	    table: users            # optional, defaults to pluralized snake
//	    columns:
//	      - name: id
//	        primary: true
//	      - name: password_hash
//	        hidden: true
//	      - name: nickname
//	        property: alias     # optional entity-side name
//	        nullable: true
//	    relations:
//	      - name: posts
//	        kind: has_many
//	        target: Post
//	        order_by: [created_at]
//	    discriminator: kind     # optional, polymorphic models only
//	    subtypes:
//	      admin: AdminUser
//
// Key columns (foreign_key, local_key, link_table, ...) may be set
// explicitly; anything omitted follows the naming conventions.

type fileDef struct {
	Models []modelDef `yaml:"models"`
}

type modelDef struct {
	Name          string            `yaml:"name"`
	Table         string            `yaml:"table,omitempty"`
	Columns       []columnDef       `yaml:"columns"`
	Relations     []relationDef     `yaml:"relations,omitempty"`
	Discriminator string            `yaml:"discriminator,omitempty"`
	Subtypes      map[string]string `yaml:"subtypes,omitempty"`
}

type columnDef struct {
	Name     string `yaml:"name"`
	Property string `yaml:"property,omitempty"`
	Primary  bool   `yaml:"primary,omitempty"`
	Hidden   bool   `yaml:"hidden,omitempty"`
	Nullable bool   `yaml:"nullable,omitempty"`
}

type relationDef struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Target        string   `yaml:"target,omitempty"`
	ForeignKey    string   `yaml:"foreign_key,omitempty"`
	LocalKey      string   `yaml:"local_key,omitempty"`
	Through       string   `yaml:"through,omitempty"`
	LinkTable     string   `yaml:"link_table,omitempty"`
	LinkLocalKey  string   `yaml:"link_local_key,omitempty"`
	LinkTargetKey string   `yaml:"link_target_key,omitempty"`
	OrderBy       []string `yaml:"order_by,omitempty"`
}

// Load reads declarative model definitions from the reader and returns
// a registry with all of them registered.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("schema: read model definitions: %w", err)
	}
	return Parse(data)
}

// LoadFile reads declarative model definitions from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read model definitions: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema: %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes declarative model definitions and returns a registry
// with all of them registered.
func Parse(data []byte) (*Registry, error) {
	var def fileDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("schema: decode model definitions: %w", err)
	}
	if len(def.Models) == 0 {
		return nil, fmt.Errorf("schema: model definitions declare no models")
	}
	reg := NewRegistry()
	for _, m := range def.Models {
		s, err := m.schema()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (m modelDef) schema() (*Schema, error) {
	s := &Schema{
		Name:          m.Name,
		Table:         m.Table,
		Discriminator: m.Discriminator,
		Subtypes:      m.Subtypes,
	}
	for _, c := range m.Columns {
		s.Columns = append(s.Columns, &Column{
			Name:       c.Name,
			Property:   c.Property,
			PrimaryKey: c.Primary,
			Hidden:     c.Hidden,
			Nullable:   c.Nullable,
		})
	}
	for _, r := range m.Relations {
		kind, err := ParseKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("schema: relation %s.%s: %w", m.Name, r.Name, err)
		}
		s.Relations = append(s.Relations, &Relation{
			Name:          r.Name,
			Kind:          kind,
			Target:        r.Target,
			ForeignKey:    r.ForeignKey,
			LocalKey:      r.LocalKey,
			Through:       r.Through,
			LinkTable:     r.LinkTable,
			LinkLocalKey:  r.LinkLocalKey,
			LinkTargetKey: r.LinkTargetKey,
			OrderBy:       r.OrderBy,
		})
	}
	return s, nil
}
