// Package storage defines the ledger store interface and the row types it
// persists: raw conversation memories, their transactional outbox events,
// the projected knowledge graph, affinity state, and usage records.
//
// The ledger store is the single source of truth for "is this memory fully
// projected". The graph rows it holds are an eventually-consistent projection
// rebuilt from the memories table; all graph writes are idempotent upserts so
// the dispatcher can safely repeat them after a crash.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrReactionConflict indicates that a usage record already carries a
	// different reaction. Reactions are set-once.
	ErrReactionConflict = errors.New("reaction already recorded")

	// ErrIntegrity indicates a data integrity violation, such as a duplicate
	// non-terminal outbox event for the same memory. Integrity violations are
	// surfaced to operators, never auto-healed.
	ErrIntegrity = errors.New("integrity violation")
)

// MemoryStatus is the lifecycle status of a ledger memory.
type MemoryStatus string

// Memory lifecycle states.
const (
	MemoryPending   MemoryStatus = "pending"
	MemoryCommitted MemoryStatus = "committed"
	MemoryFailed    MemoryStatus = "failed"
)

// EventStatus is the lifecycle status of an outbox event.
type EventStatus string

// Outbox event lifecycle states. Done and DeadLettered are terminal.
const (
	EventPending      EventStatus = "pending"
	EventProcessing   EventStatus = "processing"
	EventDone         EventStatus = "done"
	EventDeadLettered EventStatus = "dlq"
)

// MemoryRecord is an immutable ledger entry created on turn ingestion.
//
// Only the status fields are ever mutated, and only by the dispatcher when
// the projection succeeds or exhausts its retries.
type MemoryRecord struct {
	// ID is the unique memory identifier (snowflake).
	ID int64 `json:"id"`

	// UserID identifies the owning user.
	UserID string `json:"user_id"`

	// SessionID identifies the conversation session the turn belongs to.
	SessionID string `json:"session_id"`

	// Content is the raw turn text.
	Content string `json:"content"`

	// Status is the projection status of this memory.
	Status MemoryStatus `json:"status"`

	// CreatedAt is when the memory was ingested.
	CreatedAt time.Time `json:"created_at"`

	// CommittedAt is when projection completed (nil until then).
	CommittedAt *time.Time `json:"committed_at,omitempty"`

	// Metadata is free-form turn metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// OutboxEvent is the durable work item guaranteeing that a ledger memory is
// eventually projected into the graph and vector stores.
type OutboxEvent struct {
	// EventID is derived deterministically from the memory id so that
	// enqueueing is idempotent. See EventIDForMemory.
	EventID string `json:"event_id"`

	// MemoryID is the owning MemoryRecord.
	MemoryID int64 `json:"memory_id"`

	// Payload is the serialized memory snapshot taken at enqueue time.
	Payload []byte `json:"payload"`

	// Status is the event lifecycle status.
	Status EventStatus `json:"status"`

	// CreatedAt is when the event was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// ProcessedAt is when the event reached a terminal status (nil until then).
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// ErrorMessage holds the last processing error, if any.
	ErrorMessage string `json:"error_message,omitempty"`

	// AttemptCount is the number of completed processing attempts.
	AttemptCount int `json:"attempt_count"`

	// NextAttemptAt is the earliest time the event may be claimed again.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// ClaimedAt is when a worker last transitioned the event to processing.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// EventIDForMemory derives the outbox event id for a memory id.
//
// The derivation is deterministic so that enqueueing the same memory twice
// cannot create two work items.
func EventIDForMemory(memoryID int64) string {
	return fmt.Sprintf("evt-%d", memoryID)
}

// Entity is a node in the per-user knowledge graph.
type Entity struct {
	// UserID namespaces the entity; keys are unique per user.
	UserID string `json:"user_id"`

	// Key is the stable normalization key (lowercased, trimmed name).
	Key string `json:"key"`

	// DisplayName is the human-readable entity name as proposed.
	DisplayName string `json:"display_name"`

	// Type is the entity type tag (person, place, preference, ...).
	Type string `json:"type"`

	// Confidence is the extraction confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Source records where the entity came from: llm, regex_fallback, or seed.
	Source string `json:"source"`

	// CreatedAt is when the entity was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last merged or reinforced.
	UpdatedAt time.Time `json:"updated_at"`
}

// Relation is a directed, typed edge between two entities (or the reserved
// "user" identity and an entity).
type Relation struct {
	UserID string `json:"user_id"`

	// SourceKey and TargetKey reference entity keys in the same user namespace.
	SourceKey string `json:"source_key"`
	TargetKey string `json:"target_key"`

	// Type is the uppercased relation type tag (LIKES, WORKS_AT, ...).
	Type string `json:"type"`

	// Description is free-text context for the edge.
	Description string `json:"description,omitempty"`

	// Confidence is the stored base confidence. The decayed confidence is
	// derived at read time, never persisted.
	Confidence float64 `json:"confidence"`

	// Disputed marks the edge as contradicted by a newer statement.
	Disputed bool `json:"disputed"`

	// MemoryID is the ledger memory this edge was last projected from.
	MemoryID int64 `json:"memory_id"`

	// CreatedAt is when the edge was first written.
	CreatedAt time.Time `json:"created_at"`

	// ReinforcedAt is when the edge was last re-asserted. Decay ages from here.
	ReinforcedAt time.Time `json:"reinforced_at"`
}

// AffinityState is the per-user relationship-closeness scalar plus its
// discretized state label.
type AffinityState struct {
	UserID    string    `json:"user_id"`
	Score     float64   `json:"score"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AffinityTransition is one append-only affinity history row. History rows
// are never edited after the fact.
type AffinityTransition struct {
	ID        int64                  `json:"id"`
	UserID    string                 `json:"user_id"`
	OldScore  float64                `json:"old_score"`
	NewScore  float64                `json:"new_score"`
	Delta     float64                `json:"delta"`
	Trigger   string                 `json:"trigger"`
	Signals   map[string]interface{} `json:"signals,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// UsageRecord tracks a retrieval-time use of a memory. The reaction field is
// set-once: recording the same reaction twice is a no-op, recording a
// different one is rejected with ErrReactionConflict.
type UsageRecord struct {
	ID       int64     `json:"id"`
	UserID   string    `json:"user_id"`
	MemoryID int64     `json:"memory_id"`
	UsedAt   time.Time `json:"used_at"`
	Reaction string    `json:"reaction,omitempty"`
}

// OutboxStats is the aggregate observability snapshot of the outbox table.
type OutboxStats struct {
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Done         int `json:"done"`
	DeadLettered int `json:"dlq"`

	// OldestPendingAge is the age of the oldest pending event, zero when the
	// queue is empty.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// LedgerStore is the persistence interface behind the projection pipeline.
//
// Implementations exist for SQLite, PostgreSQL, and MySQL. All graph writes
// must be idempotent, and ClaimEvents must use an atomic compare-and-set on
// the event status so that concurrent workers never process the same event.
type LedgerStore interface {
	// AppendMemory inserts a memory and its outbox event in one transaction
	// (the write-ahead invariant). The returned event has status pending.
	AppendMemory(ctx context.Context, mem *MemoryRecord) (*OutboxEvent, error)

	// GetMemory retrieves a memory by id.
	GetMemory(ctx context.Context, id int64) (*MemoryRecord, error)

	// SetMemoryStatus flips a memory's projection status. committedAt may be
	// nil for non-terminal transitions.
	SetMemoryStatus(ctx context.Context, id int64, status MemoryStatus, committedAt *time.Time) error

	// RecentMemories returns the user's memories, oldest first, bounded by
	// limit (0 = all). Used by the conflict detector's topic scan.
	RecentMemories(ctx context.Context, userID string, limit int) ([]*MemoryRecord, error)

	// ClaimEvents atomically claims up to limit runnable events: pending
	// events whose NextAttemptAt has passed, plus processing events claimed
	// before now-staleAfter (treated as crashed and reclaimed). Claimed
	// events are transitioned to processing via compare-and-set; only rows
	// that actually transitioned are returned.
	ClaimEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]*OutboxEvent, error)

	// MarkEventDone transitions a processing event to done.
	MarkEventDone(ctx context.Context, eventID string) error

	// MarkEventFailed records a retryable failure: increments the attempt
	// count, stores the error message, resets the event to pending, and
	// schedules the next attempt.
	MarkEventFailed(ctx context.Context, eventID, errMsg string, nextAttemptAt time.Time) error

	// MarkEventDeadLettered records a terminal failure. Dead-lettered events
	// are excluded from claims until explicitly requeued.
	MarkEventDeadLettered(ctx context.Context, eventID, errMsg string) error

	// RequeueEvent moves a dlq event back to pending with a zeroed attempt
	// count. Administrative operation.
	RequeueEvent(ctx context.Context, eventID string) error

	// GetEvent retrieves an outbox event by id.
	GetEvent(ctx context.Context, eventID string) (*OutboxEvent, error)

	// OutboxStats returns per-status counts and the age of the oldest
	// pending event.
	OutboxStats(ctx context.Context) (*OutboxStats, error)

	// PendingEventCount counts non-terminal events for a (session, user)
	// pair. Used by the drain-wait surface.
	PendingEventCount(ctx context.Context, sessionID, userID string) (int, error)

	// UpsertEntity inserts or merges an entity keyed by (user, key).
	UpsertEntity(ctx context.Context, e *Entity) error

	// UpsertRelation inserts or reinforces an edge keyed by
	// (user, source, type, target).
	UpsertRelation(ctx context.Context, r *Relation) error

	// Neighbors returns the outgoing and incoming edges of an entity.
	Neighbors(ctx context.Context, userID, entityKey string) ([]*Relation, error)

	// EntitiesForUser returns all entities in the user's namespace.
	EntitiesForUser(ctx context.Context, userID string) ([]*Entity, error)

	// SetRelationDisputed flags or unflags an edge as disputed.
	SetRelationDisputed(ctx context.Context, userID, sourceKey, relType, targetKey string, disputed bool) error

	// GetAffinity returns the user's affinity state, or nil if none exists.
	GetAffinity(ctx context.Context, userID string) (*AffinityState, error)

	// SaveAffinity upserts the affinity state and appends the transition to
	// the history log in one transaction.
	SaveAffinity(ctx context.Context, st *AffinityState, tr *AffinityTransition) error

	// AffinityHistory returns the user's transitions in append order,
	// bounded by limit (0 = all).
	AffinityHistory(ctx context.Context, userID string, limit int) ([]*AffinityTransition, error)

	// RecordUsage inserts a usage record.
	RecordUsage(ctx context.Context, rec *UsageRecord) error

	// RecordReaction sets the reaction on a usage record. Recording the same
	// reaction again is a no-op; a different reaction returns
	// ErrReactionConflict.
	RecordReaction(ctx context.Context, usageID int64, reaction string) error

	// GetUsage retrieves a usage record by id.
	GetUsage(ctx context.Context, usageID int64) (*UsageRecord, error)

	// Close closes the store and releases resources.
	Close() error
}
