package loom

import (
	"fmt"
	"sort"

	"context"

	"github.com/loomdb/loom/schema"
)

// EagerLoad batch-resolves the named relations for the entities, which
// were fetched as the given base model. Relations declared on the base
// are resolved once for the whole batch, mixed subtypes included;
// subtype-specific relations are resolved per subtype group afterward.
// A relation name the base pass satisfied is never re-run for a
// subtype, so subtypes sharing a relation cost one query, not one per
// subtype.
func (c *Client) EagerLoad(ctx context.Context, model string, entities []*Entity, relations ...string) error {
	sch, err := c.lookupSchema(model)
	if err != nil {
		return err
	}
	return c.eagerLoad(ctx, sch, entities, relations...)
}

func (c *Client) eagerLoad(ctx context.Context, base *schema.Schema, entities []*Entity, relations ...string) error {
	if len(entities) == 0 {
		return nil
	}
	var subtypeOnly []string
	for _, name := range dedupe(relations) {
		if base.Relation(name) == nil {
			subtypeOnly = append(subtypeOnly, name)
			continue
		}
		rel, err := c.Relation(base.Name, name)
		if err != nil {
			return err
		}
		if err := rel.EagerLoad(ctx, entities); err != nil {
			return err
		}
	}
	if len(subtypeOnly) == 0 {
		return nil
	}
	return c.eagerLoadSubtypes(ctx, base, entities, subtypeOnly)
}

// eagerLoadSubtypes resolves relations the base does not declare, one
// batched query per (subtype, relation) pair.
func (c *Client) eagerLoadSubtypes(ctx context.Context, base *schema.Schema, entities []*Entity, relations []string) error {
	groups := make(map[string][]*Entity)
	for _, e := range entities {
		groups[e.Model()] = append(groups[e.Model()], e)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, relation := range relations {
		found := false
		for _, model := range names {
			group := groups[model]
			if group[0].Schema().Relation(relation) == nil {
				continue
			}
			found = true
			rel, err := c.Relation(model, relation)
			if err != nil {
				return err
			}
			if err := rel.EagerLoad(ctx, group); err != nil {
				return err
			}
		}
		if !found {
			return &RelationError{Model: base.Name, Relation: relation, Err: fmt.Errorf("undefined relation")}
		}
	}
	return nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
