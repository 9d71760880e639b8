package entity

import "reflect"

// Record is a flat entity record in normalized form. Relationship fields
// hold an id string (single) or []string (many), never nested objects.
type Record map[string]any

// State is the normalized store state: entity type name -> entity id -> record.
type State map[string]map[string]Record

// Key identifies one entity instance in the store.
type Key struct {
	Entity string
	ID     string
}

// String renders the key in "Entity/id" form, used for cache keys and logs.
func (k Key) String() string {
	return k.Entity + "/" + k.ID
}

// Get returns the record for (entity, id), or nil when absent.
func (s State) Get(entity, id string) Record {
	return s[entity][id]
}

// NewState creates an empty normalized state.
func NewState() State {
	return make(State)
}

// CloneState deep-copies a normalized state. The update engine operates
// copy-on-write; diffs compare the pre- and post-fold states, so aliasing
// between them would mask changes.
func CloneState(s State) State {
	out := make(State, len(s))
	for entity, records := range s {
		bucket := make(map[string]Record, len(records))
		for id, rec := range records {
			bucket[id] = CloneRecord(rec)
		}
		out[entity] = bucket
	}
	return out
}

// CloneRecord deep-copies a single record.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies an arbitrary field value. Maps and slices are
// copied recursively; scalars are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case Record:
		return map[string]any(CloneRecord(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = CloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two field values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
