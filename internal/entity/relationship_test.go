package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilsy/normstore/internal/schema"
)

func TestResolveRelationshipValueSingle(t *testing.T) {
	rel := schema.Relationship{Entity: "Photo"}

	t.Run("id string", func(t *testing.T) {
		rv, err := ResolveRelationshipValue("ph1", rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipID, rv.Kind)
		assert.Equal(t, "ph1", rv.ID)
	})

	t.Run("numeric id", func(t *testing.T) {
		rv, err := ResolveRelationshipValue(42, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipID, rv.Kind)
		assert.Equal(t, "42", rv.ID)
	})

	t.Run("inline record", func(t *testing.T) {
		rv, err := ResolveRelationshipValue(map[string]any{"id": "ph1"}, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipInline, rv.Kind)
		assert.Equal(t, "ph1", rv.Inline["id"])
	})

	t.Run("Record type widens", func(t *testing.T) {
		rv, err := ResolveRelationshipValue(Record{"id": "ph1"}, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipInline, rv.Kind)
	})

	t.Run("list rejected", func(t *testing.T) {
		_, err := ResolveRelationshipValue([]any{"ph1"}, rel)
		assert.Error(t, err)
	})
}

func TestResolveRelationshipValueMany(t *testing.T) {
	rel := schema.Relationship{Entity: "Post", IsMany: true}

	t.Run("id list", func(t *testing.T) {
		rv, err := ResolveRelationshipValue([]any{"p1", 2}, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipIDs, rv.Kind)
		assert.Equal(t, []string{"p1", "2"}, rv.IDs)
	})

	t.Run("string slice widens", func(t *testing.T) {
		rv, err := ResolveRelationshipValue([]string{"p1", "p2"}, rel)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, rv.IDs)
	})

	t.Run("inline list", func(t *testing.T) {
		rv, err := ResolveRelationshipValue([]any{
			map[string]any{"id": "p1"},
			Record{"id": "p2"},
		}, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipInlineMany, rv.Kind)
		require.Len(t, rv.InlineMany, 2)
	})

	t.Run("empty list is ids", func(t *testing.T) {
		rv, err := ResolveRelationshipValue([]any{}, rel)
		require.NoError(t, err)
		assert.Equal(t, RelationshipIDs, rv.Kind)
		assert.Empty(t, rv.IDs)
	})

	t.Run("mixed list rejected", func(t *testing.T) {
		_, err := ResolveRelationshipValue([]any{"p1", map[string]any{"id": "p2"}}, rel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mixes")
	})

	t.Run("scalar rejected", func(t *testing.T) {
		_, err := ResolveRelationshipValue("p1", rel)
		assert.Error(t, err)
	})

	t.Run("unsupported element rejected", func(t *testing.T) {
		_, err := ResolveRelationshipValue([]any{true}, rel)
		assert.Error(t, err)
	})
}
