// Package dispatcher drains the transactional outbox: workers claim pending
// events, project them into the graph and vector stores, and retry or
// dead-letter failures.
//
// Concurrency correctness comes entirely from the store's compare-and-set
// claim. Workers hold no in-process locks and may run in any number of
// processes; adding workers scales throughput up to contention limits on the
// outbox table.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/companionkit/graphmem-go/pkg/storage"
)

// Config tunes the worker pool and retry policy.
type Config struct {
	// Workers is the number of concurrent polling workers (default: 2).
	Workers int

	// BatchSize is the maximum events claimed per poll (default: 10).
	BatchSize int

	// PollInterval is the sleep between empty polls (default: 500ms).
	PollInterval time.Duration

	// MaxAttempts is the number of attempts allowed before dead-lettering
	// (default: 5).
	MaxAttempts int

	// BackoffBase seeds the exponential retry delay: base * 2^attempts
	// (default: 1s).
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay (default: 5m).
	BackoffCap time.Duration

	// StaleAfter is how long a processing claim may sit before another
	// worker treats it as crashed and reclaims it (default: 5m).
	StaleAfter time.Duration

	// EventTimeout bounds one projection attempt; a timeout is a retryable
	// failure (default: 30s).
	EventTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Minute
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 5 * time.Minute
	}
	if out.EventTimeout <= 0 {
		out.EventTimeout = 30 * time.Second
	}
	return &out
}

// DrainStatus is the wait-for-drain response shape.
type DrainStatus struct {
	// Ready reports whether no pending or processing events remain for the
	// (session, user) pair.
	Ready bool `json:"ready"`

	// PendingCount is the number of non-terminal events still queued.
	PendingCount int `json:"pending_count"`

	// ElapsedS is how long the wait polled, in seconds.
	ElapsedS float64 `json:"elapsed_s"`
}

// Dispatcher runs the outbox worker pool.
type Dispatcher struct {
	store     storage.LedgerStore
	processor Processor
	cfg       *Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a dispatcher. A nil cfg uses defaults.
func New(store storage.LedgerStore, processor Processor, cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Dispatcher{
		store:     store,
		processor: processor,
		cfg:       cfg.withDefaults(),
	}
}

// Start launches the worker pool. It returns immediately; workers run until
// Stop is called or the parent context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("dispatcher: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.runWorker(runCtx, worker)
		}(i)
	}

	go func() {
		wg.Wait()
		close(d.done)
	}()

	return nil
}

// Stop signals the workers and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	cancel()
	<-done
}

// runWorker polls and processes until the context is cancelled.
func (d *Dispatcher) runWorker(ctx context.Context, worker int) {
	for {
		claimed, err := d.store.ClaimEvents(ctx, d.cfg.BatchSize, d.cfg.StaleAfter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("dispatcher: worker %d claim failed: %v", worker, err)
		}

		for _, event := range claimed {
			d.handle(ctx, event)
		}

		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// handle processes one claimed event and records the outcome.
func (d *Dispatcher) handle(ctx context.Context, event *storage.OutboxEvent) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.EventTimeout)
	err := d.processor.Process(attemptCtx, event)
	cancel()

	// Outcome bookkeeping must survive shutdown, so it runs on a fresh
	// short-lived context.
	markCtx, markCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer markCancel()

	if err == nil {
		if markErr := d.store.MarkEventDone(markCtx, event.EventID); markErr != nil {
			log.Printf("dispatcher: mark done %s failed: %v", event.EventID, markErr)
			return
		}
		now := time.Now().UTC()
		if stErr := d.store.SetMemoryStatus(markCtx, event.MemoryID, storage.MemoryCommitted, &now); stErr != nil {
			log.Printf("dispatcher: commit memory %d failed: %v", event.MemoryID, stErr)
		}
		return
	}

	attempts := event.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		log.Printf("dispatcher: event %s dead-lettered after %d attempts: %v", event.EventID, attempts, err)
		if dlqErr := d.store.MarkEventDeadLettered(markCtx, event.EventID, err.Error()); dlqErr != nil {
			log.Printf("dispatcher: dead-letter %s failed: %v", event.EventID, dlqErr)
			return
		}
		if stErr := d.store.SetMemoryStatus(markCtx, event.MemoryID, storage.MemoryFailed, nil); stErr != nil {
			log.Printf("dispatcher: fail memory %d failed: %v", event.MemoryID, stErr)
		}
		return
	}

	next := time.Now().UTC().Add(d.backoff(event.AttemptCount))
	log.Printf("dispatcher: event %s attempt %d failed, retrying at %s: %v", event.EventID, attempts, next.Format(time.RFC3339), err)
	if failErr := d.store.MarkEventFailed(markCtx, event.EventID, err.Error(), next); failErr != nil {
		log.Printf("dispatcher: mark failed %s failed: %v", event.EventID, failErr)
	}
}

// backoff computes the exponential retry delay: base * 2^attempts, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}
	if delay > d.cfg.BackoffCap {
		return d.cfg.BackoffCap
	}
	return delay
}

// Stats returns the outbox observability snapshot.
func (d *Dispatcher) Stats(ctx context.Context) (*storage.OutboxStats, error) {
	return d.store.OutboxStats(ctx)
}

// Requeue moves a dead-lettered event back to pending with a zeroed attempt
// count. Administrative operation.
func (d *Dispatcher) Requeue(ctx context.Context, eventID string) error {
	return d.store.RequeueEvent(ctx, eventID)
}

// WaitForDrain polls until no pending or processing events remain for the
// (session, user) pair, the timeout elapses, or the caller cancels.
//
// The wait performs no side effects and is safe to cancel at any point.
func (d *Dispatcher) WaitForDrain(ctx context.Context, sessionID, userID string, pollInterval, timeout time.Duration) (*DrainStatus, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	start := time.Now()
	deadline := start.Add(timeout)

	for {
		count, err := d.store.PendingEventCount(ctx, sessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("wait for drain: %w", err)
		}

		status := &DrainStatus{
			Ready:        count == 0,
			PendingCount: count,
			ElapsedS:     time.Since(start).Seconds(),
		}
		if status.Ready || !time.Now().Add(pollInterval).Before(deadline) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
