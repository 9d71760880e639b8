package entity

import (
	"fmt"

	"github.com/pilsy/normstore/internal/schema"
)

// DefaultMaxDepth bounds relationship expansion during denormalization.
// Beyond this depth, relationship fields resolve to bare ids.
const DefaultMaxDepth = 10

// Denormalize resolves a stored entity back into nested form, following
// relationship fields up to maxDepth levels (maxDepth < 0 means
// DefaultMaxDepth).
//
// Cycle safety: a visited map records the depth at which each (type, id)
// pair was first expanded. Revisiting a pair at a depth greater than or
// equal to its first expansion returns the bare id instead of re-expanding.
// This terminates on any relationship cycle while still producing one full
// expansion per distinct entity on the way down: a sibling path cannot
// re-expand a node already covered by an ancestor's subtree.
//
// Returns nil when the entity does not exist.
func Denormalize(name, id string, st State, reg *schema.Registry, maxDepth int) (Record, error) {
	if _, err := reg.Schema(name); err != nil {
		return nil, err
	}
	if st.Get(name, id) == nil {
		return nil, nil
	}
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}

	visited := make(map[Key]int)
	expanded, err := expand(name, id, st, reg, 0, maxDepth, visited)
	if err != nil {
		return nil, err
	}
	rec, ok := expanded.(Record)
	if !ok {
		// Root collapsed to a bare id; cannot happen with a fresh visited map.
		return nil, fmt.Errorf("denormalize %s(%s): root did not expand", name, id)
	}
	return rec, nil
}

// expand resolves one entity, returning either a nested Record or a bare
// id string (missing entity, depth cutoff, or cycle break).
func expand(name, id string, st State, reg *schema.Registry, depth, maxDepth int, visited map[Key]int) (any, error) {
	key := Key{Entity: name, ID: id}
	if first, seen := visited[key]; seen && depth >= first {
		return id, nil
	}
	if depth > maxDepth {
		return id, nil
	}

	rec := st.Get(name, id)
	if rec == nil {
		// Dangling reference: keep the id rather than fabricating a record.
		return id, nil
	}

	s, err := reg.Schema(name)
	if err != nil {
		return nil, err
	}
	visited[key] = depth

	out := make(Record, len(rec))
	for field, val := range rec {
		rel, isRel := s.Relationship(field)
		if !isRel || val == nil {
			out[field] = CloneValue(val)
			continue
		}

		if rel.IsMany {
			ids, err := idList(val)
			if err != nil {
				return nil, fmt.Errorf("%s(%s).%s: %w", name, id, field, err)
			}
			children := make([]any, 0, len(ids))
			for _, childID := range ids {
				child, err := expand(rel.Entity, childID, st, reg, depth+1, maxDepth, visited)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			out[field] = children
			continue
		}

		childID, err := idScalar(val)
		if err != nil {
			return nil, fmt.Errorf("%s(%s).%s: %w", name, id, field, err)
		}
		child, err := expand(rel.Entity, childID, st, reg, depth+1, maxDepth, visited)
		if err != nil {
			return nil, err
		}
		out[field] = child
	}
	return out, nil
}

// idScalar reads a single-reference field value from normalized state.
func idScalar(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case int, int64, float64:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("expected id, got %T", val)
	}
}

// idList reads a many-reference field value from normalized state.
func idList(val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for i, elem := range v {
			id, err := idScalar(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected id list, got %T", val)
	}
}
