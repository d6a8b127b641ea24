package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/dispatcher"
	"github.com/companionkit/graphmem-go/pkg/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := &Config{
		Ledger: LedgerConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path": filepath.Join(t.TempDir(), "graphmem.db"),
			},
		},
	}

	engine, err := NewEngine(cfg, WithDispatcherConfig(&dispatcher.Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffCap:   10 * time.Millisecond,
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func drain(t *testing.T, engine *Engine, sessionID, userID string) {
	t.Helper()

	status, err := engine.WaitForDrain(context.Background(), sessionID, userID, 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)
}

func TestEngineTurnToAnswer(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))

	mem, err := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking. My name is Alice.", nil)
	require.NoError(t, err)
	assert.Equal(t, storage.MemoryPending, mem.Status)

	drain(t, engine, "sess-1", "alice")

	committed, err := engine.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.MemoryCommitted, committed.Status)

	answer, err := engine.Ask(ctx, "alice", "tell me about hiking")
	require.NoError(t, err)
	require.NotEmpty(t, answer.Facts)

	var liked *AnsweredFact
	for _, fact := range answer.Facts {
		if fact.Type == "LIKES" {
			liked = fact
		}
	}
	require.NotNil(t, liked)
	assert.Equal(t, "hiking", liked.TargetKey)
	assert.Equal(t, mem.ID, liked.MemoryID)
	assert.NotZero(t, liked.UsageID)
}

func TestEngineNeverInventsAnswers(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))

	_, err := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking", nil)
	require.NoError(t, err)
	drain(t, engine, "sess-1", "alice")

	answer, err := engine.Ask(ctx, "alice", "do I keep dragons?")
	require.NoError(t, err)
	assert.Empty(t, answer.Facts)
}

func TestEngineReactionIsSetOnce(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))

	_, err := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking", nil)
	require.NoError(t, err)
	drain(t, engine, "sess-1", "alice")

	answer, err := engine.Ask(ctx, "alice", "tell me about hiking")
	require.NoError(t, err)
	require.NotEmpty(t, answer.Facts)
	usageID := answer.Facts[0].UsageID

	require.NoError(t, engine.RecordReaction(ctx, usageID, ReactionHelpful))

	// Same reaction again is an idempotent no-op.
	require.NoError(t, engine.RecordReaction(ctx, usageID, ReactionHelpful))

	// A different reaction is rejected.
	err = engine.RecordReaction(ctx, usageID, ReactionUnhelpful)
	assert.ErrorIs(t, err, storage.ErrReactionConflict)

	// Arbitrary strings are rejected before touching the store.
	assert.ErrorIs(t, engine.RecordReaction(ctx, usageID, "meh"), ErrInvalidInput)
}

func TestEngineUpdatesAffinity(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))

	_, err := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking", map[string]interface{}{
		"user_initiated":  true,
		"emotion_valence": 0.8,
	})
	require.NoError(t, err)
	drain(t, engine, "sess-1", "alice")

	state, err := engine.Affinity(ctx, "alice")
	require.NoError(t, err)
	assert.Greater(t, state.Score, 0.0)

	history, err := engine.AffinityHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngineAffinityDefaultsToStranger(t *testing.T) {
	engine := newTestEngine(t)

	state, err := engine.Affinity(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Score)
	assert.Equal(t, "stranger", state.State)
}

func TestEngineWaitForDrainRequiresStart(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.WaitForDrain(context.Background(), "sess-1", "alice", 0, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngineRejectsInvalidInput(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddTurn(ctx, "", "sess-1", "hello", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.AddTurn(ctx, "alice", "sess-1", "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Ask(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngineOutboxStatsAndRequeue(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking", nil)
	require.NoError(t, err)

	stats, err := engine.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	// Requeueing a non-dlq event is rejected.
	err = engine.Requeue(ctx, "evt-999")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(&Config{Ledger: LedgerConfig{Provider: "oracle"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEngineSearchSimilarRequiresVectorStack(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.SearchSimilar(context.Background(), "alice", "hiking", 5)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
