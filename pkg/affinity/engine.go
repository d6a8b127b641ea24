package affinity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/companionkit/graphmem-go/pkg/storage"
)

// Engine applies interaction signals to a user's affinity state and appends
// every transition to the audit log.
//
// Updates for a single user are serialized through a per-user lock so the
// history log preserves append order even when multiple dispatcher workers
// finish turns for the same user concurrently.
type Engine struct {
	store storage.LedgerStore
	cfg   *Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an affinity engine backed by the ledger store.
// A nil cfg uses DefaultConfig.
func NewEngine(store storage.LedgerStore, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// CapSignals applies the anti-gaming cap: when the window's update count
// exceeds the configured threshold, the initiation boost is suppressed while
// the valence contribution is preserved. The returned copy also clamps
// valence into [-1,1].
func (e *Engine) CapSignals(sig Signals) Signals {
	if sig.EmotionValence > 1 {
		sig.EmotionValence = 1
	}
	if sig.EmotionValence < -1 {
		sig.EmotionValence = -1
	}
	if sig.RecentUpdates > e.cfg.MaxUpdatesPerWindow {
		sig.UserInitiated = false
	}
	return sig
}

// Delta computes the score change for an already-capped signal bundle.
func (e *Engine) Delta(sig Signals) float64 {
	delta := e.cfg.ValenceWeight * sig.EmotionValence
	if sig.UserInitiated {
		delta += e.cfg.InitiationBoost
	}
	return delta
}

// Update applies one turn's signals to the user's affinity.
//
// The new score is clamp(old + delta, 0, MaxScore); the transition is
// appended to the history log with the raw (uncapped) signals for audit.
// Returns the resulting state.
func (e *Engine) Update(ctx context.Context, userID string, sig Signals, trigger string) (*storage.AffinityState, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.store.GetAffinity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("affinity update: %w", err)
	}

	oldScore := 0.0
	if current != nil {
		oldScore = current.Score
	}

	capped := e.CapSignals(sig)
	delta := e.Delta(capped)

	newScore := oldScore + delta
	if newScore < 0 {
		newScore = 0
	}
	if newScore > e.cfg.MaxScore {
		newScore = e.cfg.MaxScore
	}

	now := time.Now().UTC()
	state := &storage.AffinityState{
		UserID:    userID,
		Score:     newScore,
		State:     e.cfg.StateFor(newScore),
		UpdatedAt: now,
	}
	transition := &storage.AffinityTransition{
		UserID:   userID,
		OldScore: oldScore,
		NewScore: newScore,
		Delta:    newScore - oldScore,
		Trigger:  trigger,
		Signals: map[string]interface{}{
			"user_initiated":  sig.UserInitiated,
			"emotion_valence": sig.EmotionValence,
			"recent_updates":  sig.RecentUpdates,
			"boost_capped":    sig.UserInitiated && !capped.UserInitiated,
		},
		CreatedAt: now,
	}

	if err := e.store.SaveAffinity(ctx, state, transition); err != nil {
		return nil, fmt.Errorf("affinity update: %w", err)
	}
	return state, nil
}

// Get returns the user's current affinity state, or a zero-score stranger
// state if the user has no history yet.
func (e *Engine) Get(ctx context.Context, userID string) (*storage.AffinityState, error) {
	state, err := e.store.GetAffinity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("affinity get: %w", err)
	}
	if state == nil {
		return &storage.AffinityState{
			UserID: userID,
			Score:  0,
			State:  e.cfg.StateFor(0),
		}, nil
	}
	return state, nil
}

// History returns the user's transitions in append order.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*storage.AffinityTransition, error) {
	return e.store.AffinityHistory(ctx, userID, limit)
}

// userLock returns the serialization lock for a user, creating it on first
// use.
func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[userID] = lock
	}
	return lock
}
