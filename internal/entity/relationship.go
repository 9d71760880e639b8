package entity

import (
	"fmt"

	"github.com/pilsy/normstore/internal/schema"
)

// RelationshipValueKind tags the resolved shape of a relationship field value.
type RelationshipValueKind int

const (
	// RelationshipID is a single reference held as an id.
	RelationshipID RelationshipValueKind = iota + 1
	// RelationshipIDs is a many-valued reference held as ids.
	RelationshipIDs
	// RelationshipInline is a single reference holding a nested record.
	RelationshipInline
	// RelationshipInlineMany is a many-valued reference holding nested records.
	RelationshipInlineMany
)

// RelationshipValue is the tagged form of a raw relationship field value.
//
// Raw payloads may hold an id, a nested object, or an array of either;
// the shape is resolved exactly once here, at the normalize boundary,
// instead of being re-sniffed at every site that touches the field.
type RelationshipValue struct {
	Kind       RelationshipValueKind
	ID         string
	IDs        []string
	Inline     map[string]any
	InlineMany []map[string]any
}

// ResolveRelationshipValue classifies a raw relationship field value
// against its declared relationship.
//
// Mixed arrays (ids and inline records in the same list) are rejected:
// callers that need both must upsert the inline records first.
func ResolveRelationshipValue(val any, rel schema.Relationship) (RelationshipValue, error) {
	if rel.IsMany {
		elems, ok := toAnySlice(val)
		if !ok {
			return RelationshipValue{}, fmt.Errorf("many-valued relationship to %q requires a list, got %T", rel.Entity, val)
		}
		var ids []string
		var inline []map[string]any
		for i, elem := range elems {
			switch e := elem.(type) {
			case string:
				ids = append(ids, e)
			case Record:
				inline = append(inline, map[string]any(e))
			case map[string]any:
				inline = append(inline, e)
			case int, int64, float64:
				ids = append(ids, fmt.Sprintf("%v", e))
			default:
				return RelationshipValue{}, fmt.Errorf("relationship element %d: unsupported type %T", i, elem)
			}
		}
		if len(inline) > 0 && len(ids) > 0 {
			return RelationshipValue{}, fmt.Errorf("relationship to %q mixes ids and inline records", rel.Entity)
		}
		if len(inline) > 0 {
			return RelationshipValue{Kind: RelationshipInlineMany, InlineMany: inline}, nil
		}
		if ids == nil {
			ids = []string{}
		}
		return RelationshipValue{Kind: RelationshipIDs, IDs: ids}, nil
	}

	switch e := val.(type) {
	case string:
		return RelationshipValue{Kind: RelationshipID, ID: e}, nil
	case Record:
		return RelationshipValue{Kind: RelationshipInline, Inline: map[string]any(e)}, nil
	case map[string]any:
		return RelationshipValue{Kind: RelationshipInline, Inline: e}, nil
	case int, int64, float64:
		return RelationshipValue{Kind: RelationshipID, ID: fmt.Sprintf("%v", e)}, nil
	default:
		return RelationshipValue{}, fmt.Errorf("relationship to %q: unsupported value type %T", rel.Entity, val)
	}
}

// toAnySlice widens the slice shapes a relationship list may arrive in.
func toAnySlice(val any) ([]any, bool) {
	switch v := val.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	case []Record:
		out := make([]any, len(v))
		for i, r := range v {
			out[i] = map[string]any(r)
		}
		return out, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}
