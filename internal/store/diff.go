package store

import (
	"github.com/pilsy/normstore/internal/entity"
)

// ChangeType classifies how an entity changed between two states.
type ChangeType string

const (
	// ChangeAdded marks an entity present in the new state only.
	ChangeAdded ChangeType = "added"
	// ChangeUpdated marks an entity present in both states with differing fields.
	ChangeUpdated ChangeType = "updated"
	// ChangeDeleted marks an entity present in the previous state only.
	ChangeDeleted ChangeType = "deleted"
)

// Diff is the structural difference between two normalized states.
//
// Added and Deleted carry full records; Updated carries only the fields
// whose values changed (a field removed by the update appears with a nil
// value). A Diff is computed once per processed batch, never streamed.
type Diff struct {
	Added   entity.State
	Updated entity.State
	Deleted entity.State
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Keys returns every (entity, id) pair touched by the diff.
func (d Diff) Keys() []entity.Key {
	var keys []entity.Key
	for _, st := range []entity.State{d.Added, d.Updated, d.Deleted} {
		for name, bucket := range st {
			for id := range bucket {
				keys = append(keys, entity.Key{Entity: name, ID: id})
			}
		}
	}
	return keys
}

// ComputeDiff compares two normalized states at entity-type, entity-id and
// (for updates) field granularity.
func ComputeDiff(prev, next entity.State) Diff {
	d := Diff{
		Added:   entity.NewState(),
		Updated: entity.NewState(),
		Deleted: entity.NewState(),
	}

	for name, nextBucket := range next {
		prevBucket := prev[name]
		for id, nextRec := range nextBucket {
			prevRec, ok := prevBucket[id]
			if !ok {
				putDiff(d.Added, name, id, entity.CloneRecord(nextRec))
				continue
			}
			if changed := changedFields(prevRec, nextRec); len(changed) > 0 {
				putDiff(d.Updated, name, id, changed)
			}
		}
	}

	for name, prevBucket := range prev {
		nextBucket := next[name]
		for id, prevRec := range prevBucket {
			if _, ok := nextBucket[id]; !ok {
				putDiff(d.Deleted, name, id, entity.CloneRecord(prevRec))
			}
		}
	}
	return d
}

// changedFields returns the fields of next that differ from prev, plus nil
// entries for fields prev had and next dropped.
func changedFields(prev, next entity.Record) entity.Record {
	changed := make(entity.Record)
	for field, nextVal := range next {
		prevVal, ok := prev[field]
		if !ok || !entity.Equal(prevVal, nextVal) {
			changed[field] = entity.CloneValue(nextVal)
		}
	}
	for field := range prev {
		if _, ok := next[field]; !ok {
			changed[field] = nil
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

func putDiff(st entity.State, name, id string, rec entity.Record) {
	bucket := st[name]
	if bucket == nil {
		bucket = make(map[string]entity.Record)
		st[name] = bucket
	}
	bucket[id] = rec
}
