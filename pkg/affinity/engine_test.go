package affinity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/storage/sqlite"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	store, err := sqlite.NewStore(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "affinity.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, nil)
}

func TestUpdateAppliesInitiationAndValence(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	state, err := engine.Update(ctx, "alice", Signals{
		UserInitiated:  true,
		EmotionValence: 0.5,
	}, "memory_projected")
	require.NoError(t, err)

	// 2 (initiation) + 3 * 0.5 (valence)
	assert.InDelta(t, 3.5, state.Score, 1e-9)
	assert.Equal(t, StateStranger, state.State)
}

func TestUpdateClampsToBounds(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	// Strong negative valence from zero cannot go below zero.
	state, err := engine.Update(ctx, "alice", Signals{EmotionValence: -1}, "memory_projected")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Score)

	// Valence outside [-1,1] is clamped before scoring.
	state, err = engine.Update(ctx, "alice", Signals{EmotionValence: 15}, "memory_projected")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, state.Score, 1e-9)
}

func TestAntiGamingCapSuppressesInitiationOnly(t *testing.T) {
	engine := newTestEngine(t)

	capped := engine.CapSignals(Signals{
		UserInitiated:  true,
		EmotionValence: 0.8,
		RecentUpdates:  11,
	})

	// The initiation boost is forced off, the valence survives.
	assert.False(t, capped.UserInitiated)
	assert.Equal(t, 0.8, capped.EmotionValence)

	// At or below the threshold the boost is untouched.
	uncapped := engine.CapSignals(Signals{
		UserInitiated: true,
		RecentUpdates: 10,
	})
	assert.True(t, uncapped.UserInitiated)
}

func TestUpdateUnderBurstScoresValenceOnly(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	state, err := engine.Update(ctx, "alice", Signals{
		UserInitiated:  true,
		EmotionValence: 1,
		RecentUpdates:  50,
	}, "memory_projected")
	require.NoError(t, err)

	// Only 3 * 1.0 from valence; the 2-point initiation boost is capped away.
	assert.InDelta(t, 3.0, state.Score, 1e-9)

	history, err := engine.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, true, history[0].Signals["boost_capped"])
	assert.Equal(t, true, history[0].Signals["user_initiated"])
}

func TestStateTransitions(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, StateStranger, cfg.StateFor(0))
	assert.Equal(t, StateStranger, cfg.StateFor(9.9))
	assert.Equal(t, StateAcquaintance, cfg.StateFor(10))
	assert.Equal(t, StateFriend, cfg.StateFor(40))
	assert.Equal(t, StateClose, cfg.StateFor(75))
	assert.Equal(t, StateClose, cfg.StateFor(100))
}

func TestHistoryPreservesAppendOrder(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := engine.Update(ctx, "alice", Signals{
			UserInitiated:  true,
			EmotionValence: 0.2,
		}, "memory_projected")
		require.NoError(t, err)
	}

	history, err := engine.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)

	for i := 1; i < len(history); i++ {
		assert.Less(t, history[i-1].ID, history[i].ID)
		// Each transition's old score is the previous transition's new score.
		assert.InDelta(t, history[i-1].NewScore, history[i].OldScore, 1e-9)
	}
}

func TestConcurrentUpdatesSerializedPerUser(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Update(ctx, "alice", Signals{UserInitiated: true}, "memory_projected")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := engine.Get(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, float64(workers)*2, state.Score, 1e-9)

	history, err := engine.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, workers)
	for i := 1; i < len(history); i++ {
		assert.InDelta(t, history[i-1].NewScore, history[i].OldScore, 1e-9)
	}
}

func TestGetUnknownUserIsStranger(t *testing.T) {
	engine := newTestEngine(t)

	state, err := engine.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Score)
	assert.Equal(t, StateStranger, state.State)
}

var _ storage.LedgerStore = (*sqlite.Store)(nil)
