package knowledge

import (
	"context"
	"testing"

	"codeheal/internal/embedding"
	"codeheal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemBackend_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := OpenChromem(dir, embedding.Local{}, embedding.Dimension)
	require.NoError(t, err)

	store := NewStore(backend, embedding.Local{}, nil, nil, DefaultSettings())
	entry, _, err := store.AddKnowledge(ctx, types.KnowledgeEntry{
		Type:       types.KnowledgeFix,
		Content:    "check the error returned by Close",
		Source:     "seed",
		Confidence: 0.75,
		Tags:       []string{"unchecked_error"},
		Metadata:   map[string]string{"replacement": "if err := f.Close(); err != nil {"},
	})
	require.NoError(t, err)
	_, err = store.RecordUsage(ctx, entry.ID, true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenChromem(dir, embedding.Local{}, embedding.Dimension)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	got, err := reopened.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, 1, got.Successes)
	assert.Equal(t, "if err := f.Close(); err != nil {", got.Metadata["replacement"])

	vec, _ := embedding.Local{}.Embed(ctx, "error returned by Close is ignored")
	matches, err := reopened.Nearest(ctx, vec, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, entry.ID, matches[0].Entry.ID)
	assert.Greater(t, matches[0].Similarity, 0.3)
}

func TestChromemBackend_EmptyCollection(t *testing.T) {
	backend, err := OpenChromem(t.TempDir(), embedding.Local{}, embedding.Dimension)
	require.NoError(t, err)

	vec, _ := embedding.Local{}.Embed(context.Background(), "anything")
	matches, err := backend.Nearest(context.Background(), vec, 3)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = OpenChromem("", embedding.Local{}, embedding.Dimension)
	assert.Error(t, err)
}
