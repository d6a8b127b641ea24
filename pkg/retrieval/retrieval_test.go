package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/storage/sqlite"
)

func newTestGraph(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.NewStore(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "graph.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEntity(t *testing.T, s *sqlite.Store, userID, key, typ string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertEntity(context.Background(), &storage.Entity{
		UserID: userID, Key: key, DisplayName: key, Type: typ,
		Confidence: 0.9, Source: "llm", CreatedAt: now, UpdatedAt: now,
	}))
}

func seedRelation(t *testing.T, s *sqlite.Store, userID, src, typ, dst string, confidence float64, reinforcedAt time.Time) {
	t.Helper()
	require.NoError(t, s.UpsertRelation(context.Background(), &storage.Relation{
		UserID: userID, SourceKey: src, TargetKey: dst, Type: typ,
		Confidence: confidence, MemoryID: 1,
		CreatedAt: reinforcedAt, ReinforcedAt: reinforcedAt,
	}))
}

func TestRetrieveUnknownEntityReturnsEmpty(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)

	seedEntity(t, store, "alice", "hiking", "activity")
	seedRelation(t, store, "alice", "user", "LIKES", "hiking", 0.9, time.Now().UTC())

	// The graph knows nothing about dragons; the answer must be empty,
	// never fabricated.
	facts, err := retriever.Retrieve(context.Background(), "alice", "tell me about dragons")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestRetrieveEmptyGraphReturnsEmpty(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)

	facts, err := retriever.Retrieve(context.Background(), "alice", "what do I like?")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestRetrieveOneHopFacts(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "hiking", "activity")
	seedEntity(t, store, "alice", "luna", "pet")
	seedRelation(t, store, "alice", "user", "LIKES", "hiking", 0.9, now)
	seedRelation(t, store, "alice", "user", "OWNS", "luna", 0.8, now)

	facts, err := retriever.Retrieve(context.Background(), "alice", "does she enjoy hiking?", WithAsOf(now))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "LIKES", facts[0].Type)
	assert.Equal(t, 1, facts[0].HopCount)
	assert.Nil(t, facts[0].Path)
}

func TestRetrieveFuzzyContainmentScoring(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "hike", "activity")
	seedRelation(t, store, "alice", "user", "LIKES", "hike", 1.0, now)

	// "hiking" contains "hike": matched with score 4/6.
	facts, err := retriever.Retrieve(context.Background(), "alice", "hiking", WithAsOf(now))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.InDelta(t, 4.0/6.0, facts[0].Weight, 1e-9)
}

func TestRetrieveRanksByDecayedWeight(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "coffee", "preference")
	// Same base confidence; the freshly reinforced edge must outrank the
	// year-old one.
	seedRelation(t, store, "alice", "user", "LIKES", "coffee", 0.9, now)
	seedRelation(t, store, "alice", "cafe", "SERVES", "coffee", 0.9, now.Add(-365*24*time.Hour))

	facts, err := retriever.Retrieve(context.Background(), "alice", "coffee", WithAsOf(now))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "LIKES", facts[0].Type)
	assert.Greater(t, facts[0].Weight, facts[1].Weight)
}

func TestRetrieveTwoHopTagsPathAndPenalty(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "luna", "pet")
	seedEntity(t, store, "alice", "vet clinic", "place")
	seedRelation(t, store, "alice", "user", "OWNS", "luna", 1.0, now)
	seedRelation(t, store, "alice", "luna", "TREATED_AT", "vet clinic", 1.0, now)

	// Default depth is one hop.
	facts, err := retriever.Retrieve(context.Background(), "alice", "luna", WithAsOf(now))
	require.NoError(t, err)
	for _, f := range facts {
		assert.Equal(t, 1, f.HopCount)
	}

	// Querying for the owner at depth two reaches the clinic through luna.
	seedEntity(t, store, "alice", "user", "person")
	facts, err = retriever.Retrieve(context.Background(), "alice", "user", WithHops(2), WithAsOf(now))
	require.NoError(t, err)

	var twoHop *Fact
	for _, f := range facts {
		if f.HopCount == 2 {
			twoHop = f
		}
	}
	require.NotNil(t, twoHop)
	assert.Equal(t, "TREATED_AT", twoHop.Type)
	assert.Equal(t, []string{"user", "luna", "vet clinic"}, twoHop.Path)
	assert.InDelta(t, 0.5, twoHop.Weight, 1e-9)
}

func TestRetrieveCarriesDisputedFlag(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "cilantro", "preference")
	seedRelation(t, store, "alice", "user", "LIKES", "cilantro", 0.9, now)
	require.NoError(t, store.SetRelationDisputed(context.Background(), "alice", "user", "LIKES", "cilantro", true))

	facts, err := retriever.Retrieve(context.Background(), "alice", "cilantro", WithAsOf(now))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].Disputed)
}

func TestRetrieveScopedToUser(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "bob", "hiking", "activity")
	seedRelation(t, store, "bob", "user", "LIKES", "hiking", 0.9, now)

	facts, err := retriever.Retrieve(context.Background(), "alice", "hiking", WithAsOf(now))
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestRetrieveLimit(t *testing.T) {
	store := newTestGraph(t)
	retriever := NewRetriever(store, nil)
	now := time.Now().UTC()

	seedEntity(t, store, "alice", "hiking", "activity")
	seedRelation(t, store, "alice", "user", "LIKES", "hiking", 0.9, now)
	seedRelation(t, store, "alice", "club", "ORGANIZES", "hiking", 0.8, now)
	seedRelation(t, store, "alice", "hiking", "LOCATED_IN", "mountains", 0.7, now)

	facts, err := retriever.Retrieve(context.Background(), "alice", "hiking", WithLimit(2), WithAsOf(now))
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}
