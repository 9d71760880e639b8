package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(
		schema.Definition{Name: "User", Relationships: map[string]schema.Relationship{
			"posts": {Entity: "Post", IsMany: true},
		}},
		schema.Definition{Name: "Post"},
	))
	return reg
}

func seeded(t *testing.T, r *Reducer) entity.State {
	t.Helper()
	st, err := r.Apply(entity.NewState(), NewUpsertOne("User", entity.Record{
		"id":    "1",
		"name":  "Ada",
		"score": 10,
		"tags":  []any{"a", "b"},
	}))
	require.NoError(t, err)
	return st
}

func TestUpsertOneCreates(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	user := st.Get("User", "1")
	require.NotNil(t, user)
	assert.Equal(t, "Ada", user["name"])
	assert.Equal(t, "1", user["id"])
}

func TestUpsertOneExtractsIDFromRecord(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewUpsertOne("User", entity.Record{"id": 7}))
	require.NoError(t, err)
	assert.NotNil(t, st.Get("User", "7"))
}

func TestUpsertOneUnknownEntityFails(t *testing.T) {
	r := NewReducer(testRegistry(t))
	_, err := r.Apply(nil, NewUpsertOne("Ghost", entity.Record{"id": "1"}))
	require.Error(t, err)
	assert.True(t, schema.IsSchemaNotFound(err))
}

func TestMergeShallowMergesFields(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"name": "Grace",
	}, StrategyMerge))
	require.NoError(t, err)

	user := next.Get("User", "1")
	assert.Equal(t, "Grace", user["name"])
	// Untouched fields survive.
	assert.Equal(t, 10, user["score"])
	assert.Equal(t, []any{"a", "b"}, user["tags"])
}

func TestMergeOnMissingEntityCreatesRecord(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewPartialUpdate("User", "9", entity.Record{"name": "Eve"}, StrategyMerge))
	require.NoError(t, err)

	user := st.Get("User", "9")
	require.NotNil(t, user)
	assert.Equal(t, "Eve", user["name"])
	// The record is pinned under the id it was created with.
	assert.Equal(t, "9", user["id"])
}

func TestSetReplacesNamedFieldsOnly(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"tags": []any{"z"},
	}, StrategySet))
	require.NoError(t, err)

	user := next.Get("User", "1")
	assert.Equal(t, []any{"z"}, user["tags"])
	assert.Equal(t, "Ada", user["name"])
}

func TestReplaceDropsUnnamedFields(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"name": "Grace",
	}, StrategyReplace))
	require.NoError(t, err)

	user := next.Get("User", "1")
	assert.Equal(t, "Grace", user["name"])
	_, hasScore := user["score"]
	assert.False(t, hasScore)
	// Identifier survives a replace.
	assert.Equal(t, "1", user["id"])
}

func TestUnsetRemovesFields(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"score": nil,
		"tags":  nil,
	}, StrategyUnset))
	require.NoError(t, err)

	user := next.Get("User", "1")
	_, hasScore := user["score"]
	_, hasTags := user["tags"]
	assert.False(t, hasScore)
	assert.False(t, hasTags)
	assert.Equal(t, "Ada", user["name"])
}

func TestUnsetCannotRemoveIdentifier(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{"id": nil}, StrategyUnset))
	require.NoError(t, err)
	assert.Equal(t, "1", next.Get("User", "1")["id"])
}

func TestIdentifierImmutableUnderMerge(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"id":   "999",
		"name": "Grace",
	}, StrategyMerge))
	require.NoError(t, err)

	user := next.Get("User", "1")
	assert.Equal(t, "1", user["id"])
	assert.Equal(t, "Grace", user["name"])
}

func TestPushAppends(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"tags": []any{"c", "d"},
	}, StrategyPush))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d"}, next.Get("User", "1")["tags"])
}

func TestPushScalarAppendsSingleElement(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"tags": "c",
	}, StrategyPush))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, next.Get("User", "1")["tags"])
}

func TestPushInitializesMissingArray(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"likes": []any{"x"},
	}, StrategyPush))
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, next.Get("User", "1")["likes"])
}

func TestPushOnNonArrayFailsWithoutSideEffects(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"name": []any{"x"},
	}, StrategyPush))
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
	// Input state untouched.
	assert.Equal(t, "Ada", st.Get("User", "1")["name"])
}

func TestUnshiftPrepends(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"tags": []any{"x", "y"},
	}, StrategyUnshift))
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y", "a", "b"}, next.Get("User", "1")["tags"])
}

func TestSpliceSequence(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewUpsertOne("User", entity.Record{
		"id":   "1",
		"nums": []any{1, 2, 3, 4, 5},
	}))
	require.NoError(t, err)

	// Remove one element at 0, then insert 99 at index 4 of the result:
	// [1 2 3 4 5] -> [2 3 4 5] -> [2 3 4 5 99]
	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"nums": []SpliceOp{
			{Start: 0, DeleteCount: 1},
			{Start: 4, DeleteCount: 0, Items: []any{99}},
		},
	}, StrategySplice))
	require.NoError(t, err)
	assert.Equal(t, []any{2, 3, 4, 5, 99}, next.Get("User", "1")["nums"])
}

func TestSplicePositionalForm(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewUpsertOne("User", entity.Record{
		"id":   "1",
		"nums": []any{1, 2, 3},
	}))
	require.NoError(t, err)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"nums": [][]any{{1, 1, "mid"}},
	}, StrategySplice))
	require.NoError(t, err)
	assert.Equal(t, []any{1, "mid", 3}, next.Get("User", "1")["nums"])
}

func TestSpliceClampsBounds(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewUpsertOne("User", entity.Record{
		"id":   "1",
		"nums": []any{1, 2, 3},
	}))
	require.NoError(t, err)

	t.Run("negative start counts from end", func(t *testing.T) {
		next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
			"nums": []SpliceOp{{Start: -1, DeleteCount: 1}},
		}, StrategySplice))
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2}, next.Get("User", "1")["nums"])
	})

	t.Run("oversized delete clamps", func(t *testing.T) {
		next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
			"nums": []SpliceOp{{Start: 1, DeleteCount: 100}},
		}, StrategySplice))
		require.NoError(t, err)
		assert.Equal(t, []any{1}, next.Get("User", "1")["nums"])
	})

	t.Run("start past end appends", func(t *testing.T) {
		next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
			"nums": []SpliceOp{{Start: 100, DeleteCount: 0, Items: []any{4}}},
		}, StrategySplice))
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2, 3, 4}, next.Get("User", "1")["nums"])
	})
}

func TestSpliceOnNonArrayFails(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"name": []SpliceOp{{Start: 0, DeleteCount: 1}},
	}, StrategySplice))
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
}

func TestApplyPerField(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"score": func(cur any) any { return cur.(int) + 5 },
	}, StrategyApply))
	require.NoError(t, err)
	assert.Equal(t, 15, next.Get("User", "1")["score"])
}

func TestApplyWholeEntity(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	action := Action{
		Kind:     PartialUpdate,
		Entity:   "User",
		ID:       "1",
		Strategy: StrategyApply,
		ApplyFn: func(cur any) any {
			rec := cur.(map[string]any)
			rec["name"] = "Transformed"
			return rec
		},
	}
	next, err := r.Apply(st, action)
	require.NoError(t, err)
	assert.Equal(t, "Transformed", next.Get("User", "1")["name"])
	assert.Equal(t, "1", next.Get("User", "1")["id"])
}

func TestApplyReceivesCopy(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"tags": func(cur any) any {
			cur.([]any)[0] = "mutated"
			return cur
		},
	}, StrategyApply))
	require.NoError(t, err)
	assert.Equal(t, "a", st.Get("User", "1")["tags"].([]any)[0])
}

func TestApplyNonFuncValueFails(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{
		"score": 5,
	}, StrategyApply))
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
}

func TestUnknownStrategyFails(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{"x": 1}, "$bogus"))
	require.Error(t, err)
	assert.True(t, IsInvalidStrategy(err))
}

func TestEmptyStrategyDefaultsToMerge(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, Action{
		Kind:   PartialUpdate,
		Entity: "User",
		ID:     "1",
		Record: entity.Record{"name": "Grace"},
	})
	require.NoError(t, err)
	user := next.Get("User", "1")
	assert.Equal(t, "Grace", user["name"])
	assert.Equal(t, 10, user["score"])
}

func TestDeleteOne(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewDeleteOne("User", "1"))
	require.NoError(t, err)
	assert.Nil(t, next.Get("User", "1"))
	// Emptied bucket is dropped entirely.
	_, hasBucket := next["User"]
	assert.False(t, hasBucket)
}

func TestDeleteOneMissingIsNoOp(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewDeleteOne("User", "ghost"))
	require.NoError(t, err)
	assert.True(t, entity.Equal(st, next))
}

func TestDeleteManyRemovesOnlyNamed(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.ApplyAll(nil, []Action{
		NewUpsertOne("User", entity.Record{"id": "1"}),
		NewUpsertOne("User", entity.Record{"id": "2"}),
		NewUpsertOne("User", entity.Record{"id": "3"}),
	})
	require.NoError(t, err)

	next, err := r.Apply(st, NewDeleteMany("User", "1", "3", "ghost"))
	require.NoError(t, err)
	assert.Nil(t, next.Get("User", "1"))
	assert.NotNil(t, next.Get("User", "2"))
	assert.Nil(t, next.Get("User", "3"))
}

func TestClear(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.Apply(st, NewClear())
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.NotNil(t, st.Get("User", "1"))
}

func TestSetStateReplacesWholesale(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	replacement := entity.State{"Post": {"p1": entity.Record{"id": "p1"}}}
	next, err := r.Apply(st, NewSetState(replacement))
	require.NoError(t, err)

	assert.Nil(t, next.Get("User", "1"))
	assert.NotNil(t, next.Get("Post", "p1"))

	// The stored state is a copy, not an alias.
	replacement["Post"]["p1"]["title"] = "mutated"
	_, has := next.Get("Post", "p1")["title"]
	assert.False(t, has)
}

func TestUpsertManyAcrossTypes(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st, err := r.Apply(nil, NewUpsertMany(entity.State{
		"User": {"1": entity.Record{"id": "1", "name": "Ada"}},
		"Post": {"p1": entity.Record{"id": "p1", "title": "first"}},
	}))
	require.NoError(t, err)
	assert.NotNil(t, st.Get("User", "1"))
	assert.NotNil(t, st.Get("Post", "p1"))
}

func TestApplyAllIsAtomic(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)

	next, err := r.ApplyAll(st, []Action{
		NewUpsertOne("User", entity.Record{"id": "2", "name": "Grace"}),
		NewUpsertOne("Ghost", entity.Record{"id": "x"}),
	})
	require.Error(t, err)
	// The whole batch is rejected: the first action's effect is discarded.
	assert.True(t, entity.Equal(st, next))
	assert.Nil(t, next.Get("User", "2"))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	r := NewReducer(testRegistry(t))
	st := seeded(t, r)
	before := entity.CloneState(st)

	_, err := r.Apply(st, NewPartialUpdate("User", "1", entity.Record{"name": "Grace"}, StrategyMerge))
	require.NoError(t, err)
	assert.True(t, entity.Equal(before, st))
}

func TestKindStringRoundTrip(t *testing.T) {
	kinds := []Kind{UpsertOne, UpsertMany, PartialUpdate, DeleteOne, DeleteMany, Clear, SetState}
	for _, k := range kinds {
		assert.Equal(t, k, KindFromString(k.String()))
	}
	assert.Equal(t, Kind(0), KindFromString("bogus"))
}
