package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/storage/sqlite"
)

func newTestLedger(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.NewStore(&sqlite.Config{DBPath: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendMemory(t *testing.T, s *sqlite.Store, id int64, content string) *storage.OutboxEvent {
	t.Helper()

	event, err := s.AppendMemory(context.Background(), &storage.MemoryRecord{
		ID:        id,
		UserID:    "alice",
		SessionID: "sess-1",
		Content:   content,
		Status:    storage.MemoryPending,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return event
}

// countingProcessor fails the first failures attempts per event, then
// succeeds.
type countingProcessor struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
}

func newCountingProcessor(failures int) *countingProcessor {
	return &countingProcessor{failures: failures, attempts: make(map[string]int)}
}

func (p *countingProcessor) Process(ctx context.Context, event *storage.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts[event.EventID]++
	if p.attempts[event.EventID] <= p.failures {
		return errors.New("simulated projection failure")
	}
	return nil
}

func (p *countingProcessor) attemptsFor(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[eventID]
}

func fastConfig() *Config {
	return &Config{
		Workers:      2,
		BatchSize:    5,
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  5,
		BackoffBase:  time.Millisecond,
		BackoffCap:   10 * time.Millisecond,
		StaleAfter:   time.Minute,
		EventTimeout: time.Second,
	}
}

func TestDispatcherProcessesPendingEvents(t *testing.T) {
	store := newTestLedger(t)
	processor := newCountingProcessor(0)
	d := New(store, processor, fastConfig())

	event := appendMemory(t, store, 1001, "I love hiking")

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	status, err := d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 3*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)

	got, err := store.GetEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, storage.EventDone, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	mem, err := store.GetMemory(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, storage.MemoryCommitted, mem.Status)
	assert.NotNil(t, mem.CommittedAt)
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	store := newTestLedger(t)
	processor := newCountingProcessor(2)
	d := New(store, processor, fastConfig())

	event := appendMemory(t, store, 2001, "I love hiking")

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	status, err := d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)

	// Two failures plus the final success.
	assert.Equal(t, 3, processor.attemptsFor(event.EventID))

	got, err := store.GetEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, storage.EventDone, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newTestLedger(t)
	processor := newCountingProcessor(100)
	d := New(store, processor, fastConfig())

	event := appendMemory(t, store, 3001, "I love hiking")

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	status, err := d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)

	got, err := store.GetEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, storage.EventDeadLettered, got.Status)
	assert.Equal(t, 5, got.AttemptCount)
	assert.Contains(t, got.ErrorMessage, "simulated projection failure")

	mem, err := store.GetMemory(context.Background(), 3001)
	require.NoError(t, err)
	assert.Equal(t, storage.MemoryFailed, mem.Status)

	stats, err := d.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
}

func TestRequeueRecoversDeadLetteredEvent(t *testing.T) {
	store := newTestLedger(t)
	processor := newCountingProcessor(100)
	d := New(store, processor, fastConfig())

	event := appendMemory(t, store, 4001, "I love hiking")

	require.NoError(t, d.Start(context.Background()))

	status, err := d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)
	d.Stop()

	// Simulate the operator fixing the root cause, then requeueing.
	processor.mu.Lock()
	processor.failures = 0
	processor.mu.Unlock()

	require.NoError(t, d.Requeue(context.Background(), event.EventID))

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	status, err = d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.True(t, status.Ready)

	got, err := store.GetEvent(context.Background(), event.EventID)
	require.NoError(t, err)
	assert.Equal(t, storage.EventDone, got.Status)
}

func TestWaitForDrainTimesOut(t *testing.T) {
	store := newTestLedger(t)
	d := New(store, newCountingProcessor(0), fastConfig())

	appendMemory(t, store, 5001, "I love hiking")

	// Dispatcher not started: the event can never drain.
	status, err := d.WaitForDrain(context.Background(), "sess-1", "alice", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, status.Ready)
	assert.Equal(t, 1, status.PendingCount)
	assert.Greater(t, status.ElapsedS, 0.0)
}

func TestWaitForDrainHonorsCancellation(t *testing.T) {
	store := newTestLedger(t)
	d := New(store, newCountingProcessor(0), fastConfig())

	appendMemory(t, store, 6001, "I love hiking")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.WaitForDrain(ctx, "sess-1", "alice", 5*time.Millisecond, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	d := New(nil, nil, &Config{
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})

	assert.Equal(t, time.Second, d.backoff(0))
	assert.Equal(t, 2*time.Second, d.backoff(1))
	assert.Equal(t, 4*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(3))
	assert.Equal(t, 10*time.Second, d.backoff(4))
	assert.Equal(t, 10*time.Second, d.backoff(20))
}

func TestDispatcherStartTwiceFails(t *testing.T) {
	store := newTestLedger(t)
	d := New(store, newCountingProcessor(0), fastConfig())

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	assert.Error(t, d.Start(context.Background()))
}
