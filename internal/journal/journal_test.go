package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilsy/normstore/internal/entity"
	"github.com/pilsy/normstore/internal/schema"
	"github.com/pilsy/normstore/internal/update"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testReducer(t *testing.T) *update.Reducer {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(
		schema.Definition{Name: "User", Relationships: map[string]schema.Relationship{
			"avatar": {Entity: "Photo"},
		}},
		schema.Definition{Name: "Photo"},
	))
	require.NoError(t, reg.Finalize())
	return update.NewReducer(reg)
}

func TestAppendAndReadBack(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	in := []update.Action{
		update.NewUpsertOne("User", entity.Record{"id": "1", "name": "Ada"}),
		update.NewPartialUpdate("User", "1", entity.Record{"name": "Grace"}, update.StrategyMerge),
		update.NewDeleteMany("User", "1", "2"),
		update.NewClear(),
	}
	in[0].Origin = "origin-a"
	require.NoError(t, j.Append(ctx, in))

	n, err := j.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	out, err := j.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, update.UpsertOne, out[0].Kind)
	assert.Equal(t, "User", out[0].Entity)
	assert.Equal(t, "origin-a", out[0].Origin)
	assert.Equal(t, "Ada", out[0].Record["name"])

	assert.Equal(t, update.PartialUpdate, out[1].Kind)
	assert.Equal(t, "1", out[1].ID)
	assert.Equal(t, update.StrategyMerge, out[1].Strategy)
	assert.Equal(t, "Grace", out[1].Record["name"])

	assert.Equal(t, update.DeleteMany, out[2].Kind)
	assert.Equal(t, []string{"1", "2"}, out[2].IDs)

	assert.Equal(t, update.Clear, out[3].Kind)
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, nil))
	n, err := j.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppendRejectsApplyFn(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	err := j.Append(ctx, []update.Action{{
		Kind:     update.PartialUpdate,
		Entity:   "User",
		ID:       "1",
		Strategy: update.StrategyApply,
		ApplyFn:  func(v any) any { return v },
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not journalable")
}

func TestAppendIsAtomic(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	err := j.Append(ctx, []update.Action{
		update.NewUpsertOne("User", entity.Record{"id": "1"}),
		{Kind: update.PartialUpdate, Entity: "User", ID: "1", ApplyFn: func(v any) any { return v }},
	})
	require.Error(t, err)

	n, err := j.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed batch must journal nothing")
}

func TestUpsertManyPayloadRoundTrips(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, []update.Action{
		update.NewUpsertMany(entity.State{
			"User":  {"1": entity.Record{"id": "1", "avatar": "ph1"}},
			"Photo": {"ph1": entity.Record{"id": "ph1", "url": "a.png"}},
		}),
	}))

	out, err := j.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a.png", out[0].Entities.Get("Photo", "ph1")["url"])
}

func TestReplayReproducesState(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	reducer := testReducer(t)

	logged := []update.Action{
		update.NewUpsertOne("User", entity.Record{"id": "1", "name": "Ada"}),
		update.NewUpsertOne("Photo", entity.Record{"id": "ph1"}),
		update.NewPartialUpdate("User", "1", entity.Record{"avatar": "ph1"}, update.StrategyMerge),
		update.NewDeleteOne("Photo", "ph1"),
	}
	require.NoError(t, j.Append(ctx, logged))

	st, err := Replay(ctx, j, reducer)
	require.NoError(t, err)

	user := st.Get("User", "1")
	require.NotNil(t, user)
	assert.Equal(t, "Ada", user["name"])
	assert.Equal(t, "ph1", user["avatar"])
	assert.Nil(t, st.Get("Photo", "ph1"))
}

func TestReplayEmptyJournal(t *testing.T) {
	j := openTestJournal(t)
	st, err := Replay(context.Background(), j, testReducer(t))
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestReplayIsDeterministic(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	reducer := testReducer(t)

	require.NoError(t, j.Append(ctx, []update.Action{
		update.NewUpsertOne("User", entity.Record{"id": "1", "name": "Ada", "score": 10}),
		update.NewPartialUpdate("User", "1", entity.Record{"score": 11}, update.StrategyMerge),
	}))

	first, err := Replay(ctx, j, reducer)
	require.NoError(t, err)
	second, err := Replay(ctx, j, reducer)
	require.NoError(t, err)

	a, err := entity.MarshalCanonical(first)
	require.NoError(t, err)
	b, err := entity.MarshalCanonical(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestOpenIsIdempotentOnExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, []update.Action{update.NewClear()}))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	n, err := j2.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reopening keeps existing rows")
}

func TestEncodeActionHashesPayload(t *testing.T) {
	row, err := encodeAction(update.NewUpsertOne("User", entity.Record{"id": "1"}))
	require.NoError(t, err)
	assert.Len(t, row.payloadHash, 64)
	assert.Equal(t, `{"id":"1"}`, row.payload)
}
