package update

import (
	"fmt"
	"sort"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/schema"
)

// Reducer is the pure update engine: Apply maps (state, action) to a new
// state without mutating its input. The registry is only read for id
// attributes and is immutable at runtime, so folds over action batches are
// deterministic left-to-right.
type Reducer struct {
	registry *schema.Registry
}

// NewReducer creates a reducer bound to a schema registry.
func NewReducer(registry *schema.Registry) *Reducer {
	return &Reducer{registry: registry}
}

// ApplyAll folds a batch of actions left-to-right. The batch is
// all-or-nothing: on any error the input state is returned unchanged.
func (r *Reducer) ApplyAll(st entity.State, actions []Action) (entity.State, error) {
	next := st
	for i, action := range actions {
		var err error
		next, err = r.Apply(next, action)
		if err != nil {
			return st, fmt.Errorf("action %d (%s): %w", i, action.Kind, err)
		}
	}
	return next, nil
}

// Apply computes the successor state for one action. The input state is
// never mutated: unchanged buckets and records are shared structurally,
// affected ones are replaced.
func (r *Reducer) Apply(st entity.State, a Action) (entity.State, error) {
	if st == nil {
		st = entity.NewState()
	}

	switch a.Kind {
	case UpsertOne:
		s, err := r.registry.Schema(a.Entity)
		if err != nil {
			return st, err
		}
		id := a.ID
		if id == "" {
			id, err = s.ExtractID(a.Record)
			if err != nil {
				return st, err
			}
		}
		return r.upsertRecord(st, s, id, a.Record, a.Strategy, a.ApplyFn)

	case UpsertMany:
		next := st
		for _, name := range sortedKeys(a.Entities) {
			s, err := r.registry.Schema(name)
			if err != nil {
				return st, err
			}
			bucket := a.Entities[name]
			for _, id := range sortedRecordKeys(bucket) {
				next, err = r.upsertRecord(next, s, id, bucket[id], a.Strategy, nil)
				if err != nil {
					return st, err
				}
			}
		}
		return next, nil

	case PartialUpdate:
		s, err := r.registry.Schema(a.Entity)
		if err != nil {
			return st, err
		}
		id := a.ID
		if id == "" {
			id, err = s.ExtractID(a.Record)
			if err != nil {
				return st, err
			}
		}
		return r.upsertRecord(st, s, id, a.Record, a.Strategy, a.ApplyFn)

	case DeleteOne:
		return withoutRecords(st, a.Entity, a.ID), nil

	case DeleteMany:
		return withoutRecords(st, a.Entity, a.IDs...), nil

	case Clear:
		return entity.NewState(), nil

	case SetState:
		return entity.CloneState(a.Entities), nil

	default:
		return st, fmt.Errorf("unknown action kind: %d", a.Kind)
	}
}

// upsertRecord applies a strategy update for one entity record.
// Validation happens before any new record is built (fail-fast), and the
// identifier attribute is never altered by a payload.
func (r *Reducer) upsertRecord(st entity.State, s *schema.Schema, id string, changes entity.Record, strategy Strategy, applyFn ApplyFunc) (entity.State, error) {
	if strategy == "" {
		strategy = DefaultStrategy
	}

	base := st.Get(s.Name, id)
	exists := base != nil

	// Whole-entity transform: $apply with a function instead of changes.
	if strategy == StrategyApply && applyFn != nil {
		transformed := applyFn(entity.CloneValue(map[string]any(base)))
		rec, err := asChanges(transformed)
		if err != nil {
			return st, &TypeMismatchError{Entity: s.Name, ID: id, Field: "*", Expected: "record from $apply", Got: transformed}
		}
		next := entity.CloneRecord(rec)
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil
	}

	switch strategy {
	case StrategySet, StrategyMerge:
		// Field-granular replacement; $merge on a missing entity behaves as
		// $set for the whole record.
		next := entity.CloneRecord(base)
		if next == nil {
			next = make(entity.Record, len(changes)+1)
		}
		for field, val := range changes {
			if exists && field == s.IDAttribute {
				continue
			}
			next[field] = entity.CloneValue(val)
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	case StrategyReplace:
		next := entity.CloneRecord(changes)
		if next == nil {
			next = make(entity.Record, 1)
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	case StrategyUnset:
		next := entity.CloneRecord(base)
		if next == nil {
			next = make(entity.Record, 1)
		}
		for field := range changes {
			if field == s.IDAttribute {
				continue
			}
			delete(next, field)
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	case StrategyPush, StrategyUnshift:
		// Validate every target before building anything.
		for field := range changes {
			if field == s.IDAttribute {
				continue
			}
			if old, ok := base[field]; ok && old != nil {
				if _, isArr := asArray(old); !isArr {
					return st, &TypeMismatchError{Entity: s.Name, ID: id, Field: field, Expected: "array", Got: old}
				}
			}
		}
		next := entity.CloneRecord(base)
		if next == nil {
			next = make(entity.Record, len(changes)+1)
		}
		for field, val := range changes {
			if field == s.IDAttribute {
				continue
			}
			old, _ := asArray(base[field])
			items := itemsOf(val)
			if strategy == StrategyPush {
				next[field] = append(cloneArray(old), cloneItems(items)...)
			} else {
				next[field] = append(cloneItems(items), cloneArray(old)...)
			}
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	case StrategySplice:
		// Parse and validate all ops before mutating.
		parsed := make(map[string][]SpliceOp, len(changes))
		for field, val := range changes {
			if field == s.IDAttribute {
				continue
			}
			if old, ok := base[field]; ok && old != nil {
				if _, isArr := asArray(old); !isArr {
					return st, &TypeMismatchError{Entity: s.Name, ID: id, Field: field, Expected: "array", Got: old}
				}
			}
			ops, err := parseSpliceOps(val)
			if err != nil {
				return st, &TypeMismatchError{Entity: s.Name, ID: id, Field: field, Expected: "splice operations", Got: val}
			}
			parsed[field] = ops
		}
		next := entity.CloneRecord(base)
		if next == nil {
			next = make(entity.Record, len(changes)+1)
		}
		for field, ops := range parsed {
			old, _ := asArray(base[field])
			next[field] = applySplices(cloneArray(old), ops)
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	case StrategyApply:
		// Per-field transforms: every change value must be an ApplyFunc.
		fns := make(map[string]ApplyFunc, len(changes))
		for field, val := range changes {
			if field == s.IDAttribute {
				continue
			}
			fn, ok := asApplyFunc(val)
			if !ok {
				return st, &TypeMismatchError{Entity: s.Name, ID: id, Field: field, Expected: "transform func", Got: val}
			}
			fns[field] = fn
		}
		next := entity.CloneRecord(base)
		if next == nil {
			next = make(entity.Record, len(changes)+1)
		}
		for field, fn := range fns {
			next[field] = fn(entity.CloneValue(base[field]))
		}
		keepIdentifier(next, base, s, id, exists)
		return withRecord(st, s.Name, id, next), nil

	default:
		return st, &InvalidStrategyError{Strategy: strategy}
	}
}

// keepIdentifier pins the identifier attribute: existing records keep their
// stored id value, new records get the id they are being created under.
func keepIdentifier(next entity.Record, base entity.Record, s *schema.Schema, id string, exists bool) {
	if s.IDFunc != nil {
		return // id is computed, not stored under a single attribute
	}
	if exists {
		if old, ok := base[s.IDAttribute]; ok {
			next[s.IDAttribute] = old
		}
		return
	}
	if _, ok := next[s.IDAttribute]; !ok && id != "" {
		next[s.IDAttribute] = id
	}
}

// withRecord returns a state with one record replaced, sharing every
// untouched bucket with the input.
func withRecord(st entity.State, name, id string, rec entity.Record) entity.State {
	next := make(entity.State, len(st)+1)
	for k, v := range st {
		next[k] = v
	}
	bucket := make(map[string]entity.Record, len(st[name])+1)
	for k, v := range st[name] {
		bucket[k] = v
	}
	bucket[id] = rec
	next[name] = bucket
	return next
}

// withoutRecords returns a state with the named records removed. Missing
// ids are ignored; an emptied bucket is dropped.
func withoutRecords(st entity.State, name string, ids ...string) entity.State {
	old, ok := st[name]
	if !ok {
		return st
	}
	found := false
	for _, id := range ids {
		if _, ok := old[id]; ok {
			found = true
			break
		}
	}
	if !found {
		return st
	}

	next := make(entity.State, len(st))
	for k, v := range st {
		next[k] = v
	}
	bucket := make(map[string]entity.Record, len(old))
	for k, v := range old {
		bucket[k] = v
	}
	for _, id := range ids {
		delete(bucket, id)
	}
	if len(bucket) == 0 {
		delete(next, name)
	} else {
		next[name] = bucket
	}
	return next
}

// asArray widens the slice shapes a stored array field may hold.
func asArray(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// itemsOf interprets a push/unshift payload: a slice appends element-wise,
// anything else appends as a single element.
func itemsOf(v any) []any {
	if items, ok := asArray(v); ok {
		return items
	}
	return []any{v}
}

func cloneArray(arr []any) []any {
	out := make([]any, len(arr))
	for i, e := range arr {
		out[i] = entity.CloneValue(e)
	}
	return out
}

func cloneItems(items []any) []any {
	return cloneArray(items)
}

// asApplyFunc widens the function shapes an $apply payload may hold.
func asApplyFunc(v any) (ApplyFunc, bool) {
	switch fn := v.(type) {
	case ApplyFunc:
		return fn, true
	case func(any) any:
		return fn, true
	default:
		return nil, false
	}
}

// asChanges widens the record shapes a whole-entity $apply may return.
func asChanges(v any) (entity.Record, error) {
	switch rec := v.(type) {
	case entity.Record:
		return rec, nil
	case map[string]any:
		return entity.Record(rec), nil
	default:
		return nil, fmt.Errorf("expected record, got %T", v)
	}
}

// parseSpliceOps accepts []SpliceOp directly or the positional
// [start, deleteCount, items...] form.
func parseSpliceOps(v any) ([]SpliceOp, error) {
	switch ops := v.(type) {
	case []SpliceOp:
		return ops, nil
	case SpliceOp:
		return []SpliceOp{ops}, nil
	case [][]any:
		out := make([]SpliceOp, 0, len(ops))
		for _, raw := range ops {
			op, err := parsePositionalSplice(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, op)
		}
		return out, nil
	case []any:
		out := make([]SpliceOp, 0, len(ops))
		for _, elem := range ops {
			raw, ok := elem.([]any)
			if !ok {
				return nil, fmt.Errorf("splice op must be [start, deleteCount, items...], got %T", elem)
			}
			op, err := parsePositionalSplice(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, op)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected splice operations, got %T", v)
	}
}

func parsePositionalSplice(raw []any) (SpliceOp, error) {
	if len(raw) < 2 {
		return SpliceOp{}, fmt.Errorf("splice op needs at least [start, deleteCount]")
	}
	start, ok := asInt(raw[0])
	if !ok {
		return SpliceOp{}, fmt.Errorf("splice start must be an integer, got %T", raw[0])
	}
	del, ok := asInt(raw[1])
	if !ok {
		return SpliceOp{}, fmt.Errorf("splice deleteCount must be an integer, got %T", raw[1])
	}
	return SpliceOp{Start: start, DeleteCount: del, Items: raw[2:]}, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// applySplices folds splice operations over an array, clamping out-of-range
// starts and delete counts the way native splice does.
func applySplices(arr []any, ops []SpliceOp) []any {
	for _, op := range ops {
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
		if del > len(arr)-start {
			del = len(arr) - start
		}

		next := make([]any, 0, len(arr)-del+len(op.Items))
		next = append(next, arr[:start]...)
		next = append(next, cloneItems(op.Items)...)
		next = append(next, arr[start+del:]...)
		arr = next
	}
	return arr
}

func sortedKeys(st entity.State) []string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRecordKeys(bucket map[string]entity.Record) []string {
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
