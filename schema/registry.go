package schema

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Resolver produces a schema on first lookup. It is used to register
// models whose metadata is expensive to build; the registry resolves
// each one at most once for the process lifetime.
type Resolver func() (*Schema, error)

// Registry resolves model names to schemas. Registration happens at
// startup; lookups are concurrency-safe and memoized, so the metadata of
// a model is computed once no matter how many goroutines race on the
// first access.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[string]*Schema
	resolvers map[string]Resolver
	group     singleflight.Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:   make(map[string]*Schema),
		resolvers: make(map[string]Resolver),
	}
}

// Register normalizes the schema, fills naming defaults and adds it to
// the registry. Registering the same model name twice is an error.
func (r *Registry) Register(schemas ...*Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemas {
		if err := s.normalize(); err != nil {
			return err
		}
		if _, ok := r.schemas[s.Name]; ok {
			return fmt.Errorf("schema: model %s registered twice", s.Name)
		}
		if _, ok := r.resolvers[s.Name]; ok {
			return fmt.Errorf("schema: model %s registered twice", s.Name)
		}
		r.schemas[s.Name] = s
	}
	return nil
}

// RegisterLazy registers a resolver that builds the schema on first
// lookup.
func (r *Registry) RegisterLazy(name string, resolve Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; ok {
		return fmt.Errorf("schema: model %s registered twice", name)
	}
	if _, ok := r.resolvers[name]; ok {
		return fmt.Errorf("schema: model %s registered twice", name)
	}
	r.resolvers[name] = resolve
	return nil
}

// Lookup returns the schema for the model name, resolving and memoizing
// it on first access. Concurrent first lookups of the same model share
// one resolution.
func (r *Registry) Lookup(name string) (*Schema, error) {
	s, err := r.lookupNormalized(name)
	if err != nil {
		return nil, err
	}
	return r.resolved(s)
}

// MustLookup is Lookup that panics on error. Intended for startup paths
// where a missing model is a programming error.
func (r *Registry) MustLookup(name string) *Schema {
	s, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string]struct{}, len(r.schemas)+len(r.resolvers))
	for n := range r.schemas {
		names[n] = struct{}{}
	}
	for n := range r.resolvers {
		names[n] = struct{}{}
	}
	return sortedNames(names)
}

// resolved fills the schema's relation-key defaults once. Relation
// resolution may in turn look up target schemas, which is why it runs
// outside the registry lock, guarded by its own singleflight key.
func (r *Registry) resolved(s *Schema) (*Schema, error) {
	_, err, _ := r.group.Do("relations\x00"+s.Name, func() (any, error) {
		r.mu.RLock()
		done := s.relationsResolved
		r.mu.RUnlock()
		if done {
			return nil, nil
		}
		if err := s.resolveRelations(r.lookupNormalized); err != nil {
			return nil, err
		}
		r.mu.Lock()
		s.relationsResolved = true
		r.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// lookupNormalized resolves a target schema without triggering its own
// relation resolution, so mutually-referencing models do not recurse.
func (r *Registry) lookupNormalized(name string) (*Schema, error) {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		resolve, ok := r.resolvers[name]
		r.mu.RUnlock()
		if !ok {
			return nil, r.unknown(name)
		}
		s, err := resolve()
		if err != nil {
			return nil, fmt.Errorf("schema: resolve model %s: %w", name, err)
		}
		if s.Name == "" {
			s.Name = name
		}
		if s.Name != name {
			return nil, fmt.Errorf("schema: resolver for %s produced model %s", name, s.Name)
		}
		if err := s.normalize(); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.schemas[name] = s
		delete(r.resolvers, name)
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

func (r *Registry) unknown(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.schemas) == 0 && len(r.resolvers) == 0 {
		return fmt.Errorf("schema: unknown model %s (empty registry)", name)
	}
	known := make(map[string]struct{}, len(r.schemas)+len(r.resolvers))
	for n := range r.schemas {
		known[n] = struct{}{}
	}
	for n := range r.resolvers {
		known[n] = struct{}{}
	}
	return fmt.Errorf("schema: unknown model %s (registered: %s)", name, strings.Join(sortedNames(known), ", "))
}
