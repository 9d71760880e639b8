package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/refgraph"
	"github.com/pilsy/normstore/internal/schema"
	"github.com/pilsy/normstore/internal/update"
)

// Handle is a mutation surface for one entity. Field writes translate into
// dispatched actions; relationship fields get normalization and cascade
// handling for free.
//
// All writes are asynchronous: they enqueue actions and return before the
// state changes. A write that depends on an earlier write observing the
// state (read-modify-write array helpers included) needs a drain between
// them — call ProcessChanges, or run the manager loop.
type Handle struct {
	m      *Manager
	schema *schema.Schema
	entity string
	id     string
}

// Entity returns the entity type name the handle addresses.
func (h *Handle) Entity() string { return h.entity }

// ID returns the entity id the handle addresses.
func (h *Handle) ID() string { return h.id }

// Exists reports whether the entity is present in committed state.
func (h *Handle) Exists() bool {
	return h.m.currentRecord(h.entity, h.id) != nil
}

// Record returns a deep copy of the committed record, or nil when absent.
func (h *Handle) Record() entity.Record {
	rec := h.m.currentRecord(h.entity, h.id)
	if rec == nil {
		return nil
	}
	return entity.CloneRecord(rec)
}

// Get returns a deep copy of one committed field value.
func (h *Handle) Get(field string) (any, bool) {
	rec := h.m.currentRecord(h.entity, h.id)
	if rec == nil {
		return nil, false
	}
	v, ok := rec[field]
	if !ok {
		return nil, false
	}
	return entity.CloneValue(v), true
}

// Set writes one field.
//
// For a declared relationship field the value may be an id, a nested
// record, or a list of either: nested records are normalized and upserted
// first, and the field stores only ids. A reference removed or replaced by
// the write cascade-deletes its former target when nothing else references
// it.
//
// For plain fields, nil unsets the field, arrays replace wholesale, and
// everything else merges.
func (h *Handle) Set(field string, value any) error {
	if field == h.schema.IDAttribute {
		return fmt.Errorf("%s/%s: id attribute %q is immutable", h.entity, h.id, field)
	}

	rel, ok := h.schema.Relationship(field)
	if !ok {
		return h.setPlain(field, value)
	}
	return h.setRelationship(field, rel, value)
}

// Unset removes fields from the record. Relationship fields among them get
// the same cascade handling as Set(field, nil).
func (h *Handle) Unset(fields ...string) error {
	var plain []string
	for _, field := range fields {
		if rel, ok := h.schema.Relationship(field); ok {
			if err := h.setRelationship(field, rel, nil); err != nil {
				return err
			}
			continue
		}
		plain = append(plain, field)
	}
	if len(plain) == 0 {
		return nil
	}
	changes := make(entity.Record, len(plain))
	for _, field := range plain {
		changes[field] = nil
	}
	return h.dispatch(update.NewPartialUpdate(h.entity, h.id, changes, update.StrategyUnset))
}

// SetPath writes a nested value under a dotted path ("profile.address.city").
// The top-level field's current value is cloned, the leaf rewritten, and the
// whole field replaced. Relationship fields cannot be written through a path.
func (h *Handle) SetPath(path string, value any) error {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return h.Set(path, value)
	}
	top := parts[0]
	if top == h.schema.IDAttribute {
		return fmt.Errorf("%s/%s: id attribute %q is immutable", h.entity, h.id, top)
	}
	if _, ok := h.schema.Relationship(top); ok {
		return fmt.Errorf("%s/%s: relationship field %q cannot be written through a path", h.entity, h.id, top)
	}

	var current any
	if rec := h.m.currentRecord(h.entity, h.id); rec != nil {
		current = entity.CloneValue(rec[top])
	}
	rebuilt, err := setAtPath(current, parts[1:], value)
	if err != nil {
		return fmt.Errorf("%s/%s: path %q: %w", h.entity, h.id, path, err)
	}
	return h.dispatch(update.NewPartialUpdate(h.entity, h.id, entity.Record{top: rebuilt}, update.StrategySet))
}

// Delete removes the entity. Former reference targets that end up
// unreferenced cascade-delete during the drain.
func (h *Handle) Delete() error {
	return h.dispatch(update.NewDeleteOne(h.entity, h.id))
}

// PushTo appends items to an array field, creating it when absent.
func (h *Handle) PushTo(field string, items ...any) error {
	arr, err := h.arrayField(field)
	if err != nil {
		return err
	}
	return h.setArray(field, append(arr, items...))
}

// UnshiftTo prepends items to an array field, creating it when absent.
func (h *Handle) UnshiftTo(field string, items ...any) error {
	arr, err := h.arrayField(field)
	if err != nil {
		return err
	}
	return h.setArray(field, append(append([]any{}, items...), arr...))
}

// PopFrom removes and returns the last element of an array field.
// Returns nil without dispatching when the array is empty or absent.
func (h *Handle) PopFrom(field string) (any, error) {
	arr, err := h.arrayField(field)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	last := arr[len(arr)-1]
	if err := h.setArray(field, arr[:len(arr)-1]); err != nil {
		return nil, err
	}
	return last, nil
}

// ShiftFrom removes and returns the first element of an array field.
// Returns nil without dispatching when the array is empty or absent.
func (h *Handle) ShiftFrom(field string) (any, error) {
	arr, err := h.arrayField(field)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	first := arr[0]
	if err := h.setArray(field, arr[1:]); err != nil {
		return nil, err
	}
	return first, nil
}

// Splice applies splice operations to an array field. Operations index the
// array as committed; they see each other's effects in order.
func (h *Handle) Splice(field string, ops ...update.SpliceOp) error {
	if len(ops) == 0 {
		return nil
	}
	arr, err := h.arrayField(field)
	if err != nil {
		return err
	}
	for _, op := range ops {
		arr = spliceOnce(arr, op)
	}
	return h.setArray(field, arr)
}

// SortField sorts an array field in place with the given ordering.
func (h *Handle) SortField(field string, less func(a, b any) bool) error {
	arr, err := h.arrayField(field)
	if err != nil {
		return err
	}
	if len(arr) < 2 {
		return nil
	}
	sort.SliceStable(arr, func(i, j int) bool { return less(arr[i], arr[j]) })
	return h.setArray(field, arr)
}

// ReverseField reverses an array field in place.
func (h *Handle) ReverseField(field string) error {
	arr, err := h.arrayField(field)
	if err != nil {
		return err
	}
	if len(arr) < 2 {
		return nil
	}
	for i, j := 0, len(arr)-1; i < j; i, j = i+1, j-1 {
		arr[i], arr[j] = arr[j], arr[i]
	}
	return h.setArray(field, arr)
}

func (h *Handle) setPlain(field string, value any) error {
	if value == nil {
		return h.dispatch(update.NewPartialUpdate(h.entity, h.id, entity.Record{field: nil}, update.StrategyUnset))
	}
	strategy := update.StrategyMerge
	switch value.(type) {
	case []any, []string, []map[string]any:
		// Arrays replace wholesale; merge semantics never splice arrays.
		strategy = update.StrategySet
	}
	return h.dispatch(update.NewPartialUpdate(h.entity, h.id, entity.Record{field: value}, strategy))
}

func (h *Handle) setRelationship(field string, rel schema.Relationship, value any) error {
	oldIDs := h.currentRefIDs(field, rel)

	if value == nil {
		actions := []update.Action{
			update.NewPartialUpdate(h.entity, h.id, entity.Record{field: nil}, update.StrategyUnset),
		}
		actions = append(actions, h.cascadeActions(field, rel, oldIDs, nil)...)
		return h.dispatch(actions...)
	}

	rv, err := entity.ResolveRelationshipValue(value, rel)
	if err != nil {
		return fmt.Errorf("%s/%s: field %q: %w", h.entity, h.id, field, err)
	}

	var actions []update.Action
	var newIDs []string

	switch rv.Kind {
	case entity.RelationshipID:
		newIDs = []string{rv.ID}
		actions = append(actions,
			update.NewPartialUpdate(h.entity, h.id, entity.Record{field: rv.ID}, update.StrategyMerge))

	case entity.RelationshipIDs:
		newIDs = rv.IDs
		actions = append(actions,
			update.NewPartialUpdate(h.entity, h.id, entity.Record{field: rv.IDs}, update.StrategySet))

	case entity.RelationshipInline:
		st, err := entity.Normalize(rv.Inline, rel.Entity, h.m.registry)
		if err != nil {
			return fmt.Errorf("%s/%s: field %q: %w", h.entity, h.id, field, err)
		}
		target, err := h.m.registry.Schema(rel.Entity)
		if err != nil {
			return err
		}
		id, err := target.ExtractID(rv.Inline)
		if err != nil {
			return fmt.Errorf("%s/%s: field %q: %w", h.entity, h.id, field, err)
		}
		newIDs = []string{id}
		actions = append(actions,
			update.NewUpsertMany(st),
			update.NewPartialUpdate(h.entity, h.id, entity.Record{field: id}, update.StrategyMerge))

	case entity.RelationshipInlineMany:
		target, err := h.m.registry.Schema(rel.Entity)
		if err != nil {
			return err
		}
		for _, inline := range rv.InlineMany {
			st, err := entity.Normalize(inline, rel.Entity, h.m.registry)
			if err != nil {
				return fmt.Errorf("%s/%s: field %q: %w", h.entity, h.id, field, err)
			}
			id, err := target.ExtractID(inline)
			if err != nil {
				return fmt.Errorf("%s/%s: field %q: %w", h.entity, h.id, field, err)
			}
			newIDs = append(newIDs, id)
			actions = append(actions, update.NewUpsertMany(st))
		}
		actions = append(actions,
			update.NewPartialUpdate(h.entity, h.id, entity.Record{field: newIDs}, update.StrategySet))
	}

	actions = append(actions, h.cascadeActions(field, rel, oldIDs, newIDs)...)
	return h.dispatch(actions...)
}

// cascadeActions builds deletes for references this write removes, when the
// former target exists and nothing else references it. The edge being cut
// is excluded from the check so the owner's own (still committed) reference
// does not keep the target alive.
func (h *Handle) cascadeActions(field string, rel schema.Relationship, oldIDs, newIDs []string) []update.Action {
	if len(oldIDs) == 0 {
		return nil
	}
	kept := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		kept[id] = true
	}
	owner := entity.Key{Entity: h.entity, ID: h.id}

	var actions []update.Action
	for _, oldID := range oldIDs {
		if kept[oldID] {
			continue
		}
		target := entity.Key{Entity: rel.Entity, ID: oldID}
		if h.m.currentRecord(target.Entity, target.ID) == nil {
			continue
		}
		ignore := &refgraph.Edge{From: owner, To: target}
		if h.m.graph.IsReferenced(target, ignore) {
			continue
		}
		actions = append(actions, update.NewDeleteOne(target.Entity, target.ID))
	}
	return actions
}

// currentRefIDs reads the committed ids held by a relationship field.
func (h *Handle) currentRefIDs(field string, rel schema.Relationship) []string {
	rec := h.m.currentRecord(h.entity, h.id)
	if rec == nil {
		return nil
	}
	raw, ok := rec[field]
	if !ok || raw == nil {
		return nil
	}
	rv, err := entity.ResolveRelationshipValue(raw, rel)
	if err != nil {
		return nil
	}
	switch rv.Kind {
	case entity.RelationshipID:
		return []string{rv.ID}
	case entity.RelationshipIDs:
		return rv.IDs
	default:
		return nil
	}
}

// arrayField returns a deep copy of an array field, or an empty slice when
// the field is absent. Non-array values are an error.
func (h *Handle) arrayField(field string) ([]any, error) {
	rec := h.m.currentRecord(h.entity, h.id)
	if rec == nil {
		return []any{}, nil
	}
	raw, ok := rec[field]
	if !ok || raw == nil {
		return []any{}, nil
	}
	switch v := entity.CloneValue(raw).(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s/%s: field %q holds %T, not an array", h.entity, h.id, field, raw)
	}
}

// setArray replaces an array field wholesale. Read-modify-write helpers all
// funnel through here so a drain sees exactly one replacement per call.
func (h *Handle) setArray(field string, arr []any) error {
	return h.dispatch(update.NewPartialUpdate(h.entity, h.id, entity.Record{field: arr}, update.StrategySet))
}

// dispatch enqueues the handle's actions without an origin tag: local
// handle writes are first-party mutations and must emit path events.
func (h *Handle) dispatch(actions ...update.Action) error {
	return h.m.Dispatch(actions, false, "")
}

// setAtPath rewrites a leaf under nested maps, creating intermediate maps
// as needed. Arrays along the path are not traversed.
func setAtPath(current any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	var node map[string]any
	switch v := current.(type) {
	case nil:
		node = make(map[string]any)
	case map[string]any:
		node = v
	case entity.Record:
		node = map[string]any(v)
	default:
		return nil, fmt.Errorf("segment %q: cannot descend into %T", path[0], current)
	}
	child, err := setAtPath(node[path[0]], path[1:], value)
	if err != nil {
		return nil, err
	}
	node[path[0]] = child
	return node, nil
}

// spliceOnce applies one splice with clamped bounds: a negative start
// counts from the end, and the delete count never reads past the array.
func spliceOnce(arr []any, op update.SpliceOp) []any {
	start := op.Start
	if start < 0 {
		start = len(arr) + start
	}
	if start < 0 {
		start = 0
	}
	if start > len(arr) {
		start = len(arr)
	}
	del := op.DeleteCount
	if del < 0 {
		del = 0
	}
	if start+del > len(arr) {
		del = len(arr) - start
	}
	out := make([]any, 0, len(arr)-del+len(op.Items))
	out = append(out, arr[:start]...)
	out = append(out, op.Items...)
	out = append(out, arr[start+del:]...)
	return out
}
