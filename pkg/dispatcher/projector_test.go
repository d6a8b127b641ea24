package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/affinity"
	"github.com/companionkit/graphmem-go/pkg/extraction"
	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/storage/sqlite"
)

func newTestProjector(t *testing.T) (*Projector, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.NewStore(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	projector := NewProjector(&ProjectorConfig{
		Store:     store,
		Extractor: extraction.NewRegexExtractor(),
		Affinity:  affinity.NewEngine(store, nil),
	})
	return projector, store
}

func appendAndClaim(t *testing.T, store *sqlite.Store, id int64, content string, createdAt time.Time) *storage.OutboxEvent {
	t.Helper()
	ctx := context.Background()

	_, err := store.AppendMemory(ctx, &storage.MemoryRecord{
		ID:        id,
		UserID:    "alice",
		SessionID: "sess-1",
		Content:   content,
		Status:    storage.MemoryPending,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimEvents(ctx, 10, time.Hour)
	require.NoError(t, err)
	for _, ev := range claimed {
		if ev.MemoryID == id {
			return ev
		}
	}
	t.Fatalf("event for memory %d not claimed", id)
	return nil
}

func TestProjectorWritesGraphFromTurn(t *testing.T) {
	projector, store := newTestProjector(t)
	ctx := context.Background()

	event := appendAndClaim(t, store, 1001, "I love hiking. My name is Alice.", time.Now().UTC())
	require.NoError(t, projector.Process(ctx, event))

	entities, err := store.EntitiesForUser(ctx, "alice")
	require.NoError(t, err)

	keys := make(map[string]bool)
	for _, e := range entities {
		keys[e.Key] = true
	}
	assert.True(t, keys["user"])
	assert.True(t, keys["hiking"])

	edges, err := store.Neighbors(ctx, "alice", "user")
	require.NoError(t, err)
	require.NotEmpty(t, edges)

	types := make(map[string]bool)
	for _, edge := range edges {
		types[edge.Type] = true
		assert.Equal(t, int64(1001), edge.MemoryID)
	}
	assert.True(t, types["LIKES"])
	assert.True(t, types["NAMED"])
}

func TestProjectorIsIdempotent(t *testing.T) {
	projector, store := newTestProjector(t)
	ctx := context.Background()

	event := appendAndClaim(t, store, 2001, "I love hiking", time.Now().UTC())

	// A crash between graph write and status update means the same event is
	// processed twice; the graph must not grow.
	require.NoError(t, projector.Process(ctx, event))
	require.NoError(t, projector.Process(ctx, event))

	edges, err := store.Neighbors(ctx, "alice", "user")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestProjectorMarksSupersededEdgesDisputed(t *testing.T) {
	projector, store := newTestProjector(t)
	ctx := context.Background()
	base := time.Now().UTC()

	first := appendAndClaim(t, store, 3001, "I love hiking", base)
	require.NoError(t, projector.Process(ctx, first))
	require.NoError(t, store.MarkEventDone(ctx, first.EventID))

	second := appendAndClaim(t, store, 3002, "I hate hiking", base.Add(time.Hour))
	require.NoError(t, projector.Process(ctx, second))

	edges, err := store.Neighbors(ctx, "alice", "hiking")
	require.NoError(t, err)

	var liked, hated *storage.Relation
	for _, edge := range edges {
		switch edge.Type {
		case "LIKES":
			liked = edge
		case "DISLIKES":
			hated = edge
		}
	}
	require.NotNil(t, liked)
	require.NotNil(t, hated)

	// The older statement's edge carries the disputed flag; the newer one
	// stands.
	assert.True(t, liked.Disputed)
	assert.False(t, hated.Disputed)
}

func TestProjectorUpdatesAffinity(t *testing.T) {
	projector, store := newTestProjector(t)
	ctx := context.Background()

	event := appendAndClaim(t, store, 4001, "I love hiking", time.Now().UTC())
	require.NoError(t, projector.Process(ctx, event))

	state, err := store.GetAffinity(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Greater(t, state.Score, 0.0)

	history, err := store.AffinityHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "memory:4001", history[0].Trigger)
}

func TestProjectorMalformedPayloadFails(t *testing.T) {
	projector, _ := newTestProjector(t)

	err := projector.Process(context.Background(), &storage.OutboxEvent{
		EventID: "evt-bad",
		Payload: []byte("not json"),
	})
	assert.Error(t, err)
}
