package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	defs, err := LoadYAML([]byte(`
entities:
  User:
    id: id
    relationships:
      posts: [Post]
      profile: Profile
  Post:
    relationships:
      author: User
  Profile: {}
`))
	require.NoError(t, err)
	require.Len(t, defs, 3)

	// Sorted name order.
	assert.Equal(t, "Post", defs[0].Name)
	assert.Equal(t, "Profile", defs[1].Name)
	assert.Equal(t, "User", defs[2].Name)

	user := defs[2]
	assert.Equal(t, "id", user.IDAttribute)
	assert.Equal(t, Relationship{Entity: "Post", IsMany: true}, user.Relationships["posts"])
	assert.Equal(t, Relationship{Entity: "Profile"}, user.Relationships["profile"])

	post := defs[0]
	assert.Equal(t, Relationship{Entity: "User"}, post.Relationships["author"])
}

func TestLoadYAMLCustomIDAttribute(t *testing.T) {
	defs, err := LoadYAML([]byte(`
entities:
  Session:
    id: token
`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "token", defs[0].IDAttribute)
}

func TestLoadYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no entities", `{}`},
		{"malformed document", `: not yaml`},
		{"empty relationship target", "entities:\n  User:\n    relationships:\n      pet: \"\""},
		{"multi-element sequence", "entities:\n  User:\n    relationships:\n      pets: [Cat, Dog]"},
		{"mapping relationship value", "entities:\n  User:\n    relationships:\n      pet: {type: Cat}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadYAML([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadYAMLRoundTripsThroughRegistry(t *testing.T) {
	defs, err := LoadYAML([]byte(`
entities:
  Author:
    relationships:
      books: [Book]
  Book:
    relationships:
      author: Author
`))
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(defs...))
	require.NoError(t, reg.Finalize())

	book, err := reg.Schema("Book")
	require.NoError(t, err)
	assert.Len(t, book.ReferencedBy["Author"], 1)
}
