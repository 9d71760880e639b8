package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilsy/normstore/internal/schema"
)

func blogRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(
		schema.Definition{Name: "User", Relationships: map[string]schema.Relationship{
			"posts":  {Entity: "Post", IsMany: true},
			"avatar": {Entity: "Photo"},
		}},
		schema.Definition{Name: "Post", Relationships: map[string]schema.Relationship{
			"author":   {Entity: "User"},
			"comments": {Entity: "Comment", IsMany: true},
		}},
		schema.Definition{Name: "Comment", Relationships: map[string]schema.Relationship{
			"author": {Entity: "User"},
		}},
		schema.Definition{Name: "Photo"},
	))
	require.NoError(t, reg.Finalize())
	return reg
}

func TestNormalizeNestedGraph(t *testing.T) {
	reg := blogRegistry(t)

	st, err := Normalize(map[string]any{
		"id":   "1",
		"name": "Ada",
		"posts": []any{
			map[string]any{
				"id":    "p1",
				"title": "first",
				"comments": []any{
					map[string]any{"id": "c1", "body": "hi", "author": "2"},
				},
			},
		},
		"avatar": map[string]any{"id": "ph1", "url": "a.png"},
	}, "User", reg)
	require.NoError(t, err)

	user := st.Get("User", "1")
	require.NotNil(t, user)
	assert.Equal(t, "Ada", user["name"])
	assert.Equal(t, []string{"p1"}, user["posts"])
	assert.Equal(t, "ph1", user["avatar"])

	post := st.Get("Post", "p1")
	require.NotNil(t, post)
	assert.Equal(t, "first", post["title"])
	assert.Equal(t, []string{"c1"}, post["comments"])

	comment := st.Get("Comment", "c1")
	require.NotNil(t, comment)
	assert.Equal(t, "2", comment["author"])

	photo := st.Get("Photo", "ph1")
	require.NotNil(t, photo)
	assert.Equal(t, "a.png", photo["url"])
}

func TestNormalizeIsIdempotentOnIDOnlyInput(t *testing.T) {
	reg := blogRegistry(t)

	st, err := Normalize(Record{
		"id":     "1",
		"posts":  []string{"p1", "p2"},
		"avatar": "ph1",
	}, "User", reg)
	require.NoError(t, err)

	user := st.Get("User", "1")
	require.NotNil(t, user)
	assert.Equal(t, []string{"p1", "p2"}, user["posts"])
	assert.Equal(t, "ph1", user["avatar"])

	// Only the root bucket is produced: ids do not fabricate records.
	assert.Nil(t, st.Get("Post", "p1"))
	assert.Nil(t, st.Get("Photo", "ph1"))
}

func TestNormalizeSliceInput(t *testing.T) {
	reg := blogRegistry(t)

	st, err := Normalize([]any{
		map[string]any{"id": "1", "name": "Ada"},
		map[string]any{"id": "2", "name": "Grace"},
	}, "User", reg)
	require.NoError(t, err)
	assert.Len(t, st["User"], 2)
}

func TestNormalizeCyclicGraphTerminates(t *testing.T) {
	reg := blogRegistry(t)

	// User -> Post -> author (back to the same User, inline).
	user := map[string]any{"id": "1", "name": "Ada"}
	post := map[string]any{"id": "p1", "author": user}
	user["posts"] = []any{post}

	st, err := Normalize(user, "User", reg)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1"}, st.Get("User", "1")["posts"])
	assert.Equal(t, "1", st.Get("Post", "p1")["author"])
}

func TestNormalizeSharedReferenceMerges(t *testing.T) {
	reg := blogRegistry(t)

	// The same comment author appears inline twice; occurrences merge.
	st, err := Normalize(map[string]any{
		"id": "p1",
		"comments": []any{
			map[string]any{"id": "c1", "author": map[string]any{"id": "9", "name": "Eve"}},
			map[string]any{"id": "c2", "author": map[string]any{"id": "9", "email": "e@x"}},
		},
	}, "Post", reg)
	require.NoError(t, err)

	nine := st.Get("User", "9")
	require.NotNil(t, nine)
	assert.Equal(t, "Eve", nine["name"])
	// Second occurrence is not re-walked: first record wins for the walk,
	// but its plain fields still merge in.
	assert.Equal(t, "e@x", nine["email"])
}

func TestNormalizeNumericIDsStringify(t *testing.T) {
	reg := blogRegistry(t)

	st, err := Normalize(map[string]any{"id": 7, "avatar": 3}, "User", reg)
	require.NoError(t, err)

	user := st.Get("User", "7")
	require.NotNil(t, user)
	assert.Equal(t, "3", user["avatar"])
}

func TestNormalizeErrors(t *testing.T) {
	reg := blogRegistry(t)

	t.Run("unregistered type", func(t *testing.T) {
		_, err := Normalize(map[string]any{"id": "1"}, "Ghost", reg)
		require.Error(t, err)
		assert.True(t, schema.IsSchemaNotFound(err))
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Normalize(map[string]any{"name": "Ada"}, "User", reg)
		assert.Error(t, err)
	})

	t.Run("mixed id and inline array", func(t *testing.T) {
		_, err := Normalize(map[string]any{
			"id":    "1",
			"posts": []any{"p1", map[string]any{"id": "p2"}},
		}, "User", reg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mixes")
	})

	t.Run("scalar for many-valued relationship", func(t *testing.T) {
		_, err := Normalize(map[string]any{"id": "1", "posts": "p1"}, "User", reg)
		assert.Error(t, err)
	})

	t.Run("non-record input", func(t *testing.T) {
		_, err := Normalize(42, "User", reg)
		assert.Error(t, err)
	})
}
