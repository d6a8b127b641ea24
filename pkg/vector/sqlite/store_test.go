package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(&Config{DBPath: filepath.Join(t.TempDir(), "vectors.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertIsIdempotentOnMemoryID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &vector.Record{
		MemoryID:  1001,
		UserID:    "alice",
		Content:   "I love hiking",
		Embedding: []float64{1, 0, 0},
	}
	require.NoError(t, store.Upsert(ctx, rec))

	// Re-projection replaces, never duplicates.
	rec.Content = "I love hiking in the mountains"
	rec.Embedding = []float64{0.9, 0.1, 0}
	require.NoError(t, store.Upsert(ctx, rec))

	matches, err := store.Search(ctx, "alice", []float64{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "I love hiking in the mountains", matches[0].Content)
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []*vector.Record{
		{MemoryID: 1, UserID: "alice", Content: "hiking", Embedding: []float64{1, 0, 0}},
		{MemoryID: 2, UserID: "alice", Content: "cooking", Embedding: []float64{0, 1, 0}},
		{MemoryID: 3, UserID: "alice", Content: "trail running", Embedding: []float64{0.9, 0.1, 0}},
		{MemoryID: 4, UserID: "bob", Content: "hiking", Embedding: []float64{1, 0, 0}},
	}
	for _, rec := range records {
		require.NoError(t, store.Upsert(ctx, rec))
	}

	matches, err := store.Search(ctx, "alice", []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].MemoryID)
	assert.Equal(t, int64(3), matches[1].MemoryID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestSearchScopedToUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &vector.Record{
		MemoryID: 1, UserID: "bob", Content: "hiking", Embedding: []float64{1, 0, 0},
	}))

	matches, err := store.Search(ctx, "alice", []float64{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteByMemory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &vector.Record{
		MemoryID: 1, UserID: "alice", Content: "hiking", Embedding: []float64{1, 0, 0},
	}))
	require.NoError(t, store.DeleteByMemory(ctx, 1))

	matches, err := store.Search(ctx, "alice", []float64{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Degenerate inputs score 0 instead of panicking.
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
