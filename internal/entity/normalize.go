package entity

import (
	"fmt"

	"github.com/pilsy/normstore/internal/schema"
)

// Normalize converts a nested object graph into normalized form.
//
// data may be a single record (Record or map[string]any) or a slice of
// records. Relationship fields are replaced by the referenced entity's id
// (or ids), and each nested record is collected into its own entity-type
// bucket of the returned state. Already-id-only relationship values pass
// through unchanged, so Normalize is idempotent.
//
// Shared and cyclic references are handled by id: once a (type, id) pair
// has been walked, further occurrences contribute their id without being
// re-walked.
func Normalize(data any, name string, reg *schema.Registry) (State, error) {
	s, err := reg.Schema(name)
	if err != nil {
		return nil, err
	}

	out := NewState()
	visiting := make(map[Key]bool)

	records, ok := toAnySlice(data)
	if !ok {
		// Single record
		rec, err := asRecord(data)
		if err != nil {
			return nil, err
		}
		if _, err := normalizeOne(rec, s, reg, out, visiting); err != nil {
			return nil, err
		}
		return out, nil
	}

	for i, elem := range records {
		rec, err := asRecord(elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if _, err := normalizeOne(rec, s, reg, out, visiting); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

// normalizeOne flattens a single record into out and returns its id.
func normalizeOne(rec map[string]any, s *schema.Schema, reg *schema.Registry, out State, visiting map[Key]bool) (string, error) {
	id, err := s.ExtractID(rec)
	if err != nil {
		return "", err
	}

	key := Key{Entity: s.Name, ID: id}
	if visiting[key] {
		// Already walked (shared or cyclic reference): merge the plain
		// fields of this occurrence without re-walking relationships.
		flat := make(Record)
		for field, val := range rec {
			if _, isRel := s.Relationship(field); isRel {
				continue
			}
			flat[field] = CloneValue(val)
		}
		if len(flat) > 0 {
			mergeInto(out, s.Name, id, flat)
		}
		return id, nil
	}
	visiting[key] = true

	flat := make(Record, len(rec))
	for field, val := range rec {
		rel, isRel := s.Relationship(field)
		if !isRel || val == nil {
			flat[field] = CloneValue(val)
			continue
		}

		resolved, err := ResolveRelationshipValue(val, rel)
		if err != nil {
			return "", fmt.Errorf("%s(%s).%s: %w", s.Name, id, field, err)
		}

		switch resolved.Kind {
		case RelationshipID:
			flat[field] = resolved.ID

		case RelationshipIDs:
			flat[field] = append([]string{}, resolved.IDs...)

		case RelationshipInline:
			childID, err := normalizeNested(resolved.Inline, rel.Entity, reg, out, visiting)
			if err != nil {
				return "", fmt.Errorf("%s(%s).%s: %w", s.Name, id, field, err)
			}
			flat[field] = childID

		case RelationshipInlineMany:
			ids := make([]string, 0, len(resolved.InlineMany))
			for _, child := range resolved.InlineMany {
				childID, err := normalizeNested(child, rel.Entity, reg, out, visiting)
				if err != nil {
					return "", fmt.Errorf("%s(%s).%s: %w", s.Name, id, field, err)
				}
				ids = append(ids, childID)
			}
			flat[field] = ids
		}
	}

	mergeInto(out, s.Name, id, flat)
	return id, nil
}

// normalizeNested recurses into an inline relationship record.
func normalizeNested(rec map[string]any, name string, reg *schema.Registry, out State, visiting map[Key]bool) (string, error) {
	child, err := reg.Schema(name)
	if err != nil {
		return "", err
	}
	return normalizeOne(rec, child, reg, out, visiting)
}

// mergeInto adds a flattened record to its bucket. When the same entity
// appears more than once in one input graph, later occurrences shallow-merge
// over earlier ones.
func mergeInto(out State, name, id string, flat Record) {
	bucket := out[name]
	if bucket == nil {
		bucket = make(map[string]Record)
		out[name] = bucket
	}
	existing, ok := bucket[id]
	if !ok {
		bucket[id] = flat
		return
	}
	for k, v := range flat {
		existing[k] = v
	}
}

// asRecord widens the record shapes normalize input may arrive in.
func asRecord(v any) (map[string]any, error) {
	switch rec := v.(type) {
	case Record:
		return map[string]any(rec), nil
	case map[string]any:
		return rec, nil
	default:
		return nil, fmt.Errorf("expected a record, got %T", v)
	}
}
