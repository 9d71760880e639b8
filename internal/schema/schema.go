package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Relationship describes a declared reference from one entity type to another.
type Relationship struct {
	// Entity is the name of the related entity type.
	Entity string

	// IsMany is true when the field holds a list of references rather
	// than a single one.
	IsMany bool
}

// ReverseRef describes an inbound relationship: which field on an owning
// type points at this type. Used by cascade-delete to answer "who can
// reference me" without scanning every schema.
type ReverseRef struct {
	Field  string
	IsMany bool
}

// IDFunc extracts an entity id from a raw record. Used when the id cannot
// be read from a single attribute.
type IDFunc func(record map[string]any) (string, error)

// Definition is the declarative input to Register: an entity type name,
// its id extraction rule, and its declared relationships.
//
// Either IDAttribute or IDFunc must be set. When both are set, IDFunc wins.
type Definition struct {
	Name          string
	IDAttribute   string
	IDFunc        IDFunc
	Relationships map[string]Relationship
}

// Schema is the registered, wired form of a Definition.
//
// Schema pointers are stable across re-registration: Register updates the
// existing value in place rather than replacing it, so views built against
// an earlier registration keep observing the current wiring.
type Schema struct {
	Name          string
	IDAttribute   string
	IDFunc        IDFunc
	Relationships map[string]Relationship

	// ReferencedBy maps an owning entity type name to the fields on that
	// type which reference this schema's type.
	ReferencedBy map[string][]ReverseRef
}

// Relationship returns the relationship declared for field, if any.
func (s *Schema) Relationship(field string) (Relationship, bool) {
	rel, ok := s.Relationships[field]
	return rel, ok
}

// ExtractID resolves the id of a raw record per the schema's id rule.
// Non-string id values are rendered with %v so numeric ids normalize to
// their decimal form.
func (s *Schema) ExtractID(record map[string]any) (string, error) {
	if s.IDFunc != nil {
		return s.IDFunc(record)
	}
	v, ok := record[s.IDAttribute]
	if !ok || v == nil {
		return "", fmt.Errorf("record for %q has no %q attribute", s.Name, s.IDAttribute)
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// Registry holds the schemas for one store context.
//
// The registry is explicitly constructed and passed by reference; there is
// no process-wide instance. Multiple independent registries may coexist
// (one per store, one per test).
//
// Relationship resolution is lazy-deferred: a Definition may reference an
// entity type that has not been registered yet. The dangling reference is
// tracked and re-resolved on every subsequent Register call. Finalize
// reports any reference that never resolved.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	defs    map[string]Definition
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
		defs:    make(map[string]Definition),
	}
}

// Register adds or replaces entity type definitions.
//
// The build is two-pass: first every definition gets a bare schema entry
// (so mutually-referencing types can resolve each other), then every
// registered schema's relationships and reverse referenced-by map are
// rewired from scratch.
//
// Re-registering an existing type replaces its id rule and relationships
// but preserves the *Schema identity previously handed out. Registration
// is expected to be rare, startup-time work.
func (r *Registry) Register(defs ...Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("schema definition with empty name")
		}
		if def.IDAttribute == "" && def.IDFunc == nil {
			def.IDAttribute = "id"
		}
		r.defs[def.Name] = def

		// Pass 1: ensure a schema entry exists, preserving identity.
		s, ok := r.schemas[def.Name]
		if !ok {
			s = &Schema{Name: def.Name}
			r.schemas[def.Name] = s
		}
		s.IDAttribute = def.IDAttribute
		s.IDFunc = def.IDFunc
	}

	// Pass 2: rewire relationships and the reverse map across the whole
	// registry now that all names from this batch exist.
	r.rewire()
	return nil
}

// rewire rebuilds every schema's relationship and referenced-by maps from
// the stored definitions. Caller must hold the write lock.
func (r *Registry) rewire() {
	for name, s := range r.schemas {
		def := r.defs[name]
		rels := make(map[string]Relationship, len(def.Relationships))
		for field, rel := range def.Relationships {
			rels[field] = rel
		}
		s.Relationships = rels
		s.ReferencedBy = make(map[string][]ReverseRef)
	}
	for name, s := range r.schemas {
		for field, rel := range s.Relationships {
			target, ok := r.schemas[rel.Entity]
			if !ok {
				// Deferred: target not registered yet. Finalize reports it.
				continue
			}
			target.ReferencedBy[name] = append(target.ReferencedBy[name], ReverseRef{
				Field:  field,
				IsMany: rel.IsMany,
			})
		}
	}
	// Deterministic order inside each reverse list.
	for _, s := range r.schemas {
		for owner := range s.ReferencedBy {
			refs := s.ReferencedBy[owner]
			sort.Slice(refs, func(i, j int) bool { return refs[i].Field < refs[j].Field })
		}
	}
}

// Schema returns the registered schema for name.
func (r *Registry) Schema(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, &SchemaNotFoundError{Name: name}
	}
	return s, nil
}

// Has reports whether a schema is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Names returns all registered schema names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finalize verifies that every declared relationship resolves to a
// registered schema. Returns an UnresolvedRelationshipError for the first
// dangling reference found (in deterministic order).
func (r *Registry) Finalize() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := r.schemas[name]
		fields := make([]string, 0, len(s.Relationships))
		for field := range s.Relationships {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			rel := s.Relationships[field]
			if _, ok := r.schemas[rel.Entity]; !ok {
				return &UnresolvedRelationshipError{
					Schema: name,
					Field:  field,
					Target: rel.Entity,
				}
			}
		}
	}
	return nil
}
