// Package postgres provides the PostgreSQL implementation of the ledger store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/companionkit/graphmem-go/pkg/storage"
)

// Store implements storage.LedgerStore using PostgreSQL as the backend.
type Store struct {
	// db is the PostgreSQL database connection pool.
	db *sql.DB
}

// Config contains configuration for creating a PostgreSQL ledger store.
type Config struct {
	// Host is the database server hostname.
	Host string

	// Port is the database server port (default: 5432).
	Port int

	// User is the database user name.
	User string

	// Password is the database password.
	Password string

	// DBName is the database name.
	DBName string

	// SSLMode is the libpq sslmode setting (default: "disable").
	SSLMode string
}

// NewStore creates a new PostgreSQL ledger store.
//
// Parameters:
//   - cfg: Configuration containing connection settings
//
// Returns:
//   - *Store: The PostgreSQL store instance
//   - error: Error if connection or schema creation fails
func NewStore(cfg *Config) (*Store, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initTables initializes the database schema.
func (s *Store) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			committed_at TIMESTAMPTZ,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			event_id TEXT PRIMARY KEY,
			memory_id BIGINT NOT NULL REFERENCES memories(id),
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			error_message TEXT,
			attempt_count INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_events(status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS entities (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			display_name TEXT NOT NULL,
			type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			user_id TEXT NOT NULL,
			source_key TEXT NOT NULL,
			target_key TEXT NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			confidence DOUBLE PRECISION NOT NULL,
			disputed BOOLEAN NOT NULL DEFAULT FALSE,
			memory_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			reinforced_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, source_key, type, target_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(user_id, target_key)`,
		`CREATE TABLE IF NOT EXISTS affinity_states (
			user_id TEXT PRIMARY KEY,
			score DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS affinity_history (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			old_score DOUBLE PRECISION NOT NULL,
			new_score DOUBLE PRECISION NOT NULL,
			delta DOUBLE PRECISION NOT NULL,
			trigger_event TEXT NOT NULL,
			signals JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_affinity_history_user ON affinity_history(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			memory_id BIGINT NOT NULL,
			used_at TIMESTAMPTZ NOT NULL,
			reaction TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// AppendMemory inserts a memory and its outbox event in one transaction.
func (s *Store) AppendMemory(ctx context.Context, mem *storage.MemoryRecord) (*storage.OutboxEvent, error) {
	payload, err := json.Marshal(mem)
	if err != nil {
		return nil, fmt.Errorf("AppendMemory: %w", err)
	}

	metadataJSON, err := json.Marshal(mem.Metadata)
	if err != nil {
		return nil, fmt.Errorf("AppendMemory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("AppendMemory: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, session_id, content, status, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, mem.ID, mem.UserID, mem.SessionID, mem.Content, mem.Status, mem.CreatedAt, string(metadataJSON))
	if err != nil {
		return nil, fmt.Errorf("AppendMemory: %w", err)
	}

	event := &storage.OutboxEvent{
		EventID:       storage.EventIDForMemory(mem.ID),
		MemoryID:      mem.ID,
		Payload:       payload,
		Status:        storage.EventPending,
		CreatedAt:     mem.CreatedAt,
		NextAttemptAt: mem.CreatedAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, memory_id, payload, status, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.EventID, event.MemoryID, string(event.Payload), event.Status, event.CreatedAt, event.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("AppendMemory: %w: %v", storage.ErrIntegrity, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("AppendMemory: %w", err)
	}

	return event, nil
}

// GetMemory retrieves a memory by id.
func (s *Store) GetMemory(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, content, status, created_at, committed_at, metadata
		FROM memories WHERE id = $1
	`, id)

	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetMemory: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}
	return mem, nil
}

// SetMemoryStatus flips a memory's projection status.
func (s *Store) SetMemoryStatus(ctx context.Context, id int64, status storage.MemoryStatus, committedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET status = $1, committed_at = $2 WHERE id = $3
	`, status, committedAt, id)
	if err != nil {
		return fmt.Errorf("SetMemoryStatus: %w", err)
	}
	return requireAffected(result, "SetMemoryStatus")
}

// RecentMemories returns the user's memories, oldest first.
func (s *Store) RecentMemories(ctx context.Context, userID string, limit int) ([]*storage.MemoryRecord, error) {
	query := `
		SELECT id, user_id, session_id, content, status, created_at, committed_at, metadata
		FROM memories WHERE user_id = $1 ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("RecentMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*storage.MemoryRecord
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("RecentMemories: %w", err)
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// ClaimEvents atomically claims up to limit runnable outbox events.
//
// PostgreSQL performs the whole claim in a single UPDATE with
// FOR UPDATE SKIP LOCKED, so concurrent workers never contend on the same
// rows.
func (s *Store) ClaimEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]*storage.OutboxEvent, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-staleAfter)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_events
		SET status = 'processing', claimed_at = $1
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND claimed_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, memory_id, payload, status, created_at, processed_at,
		          error_message, attempt_count, next_attempt_at, claimed_at
	`, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ClaimEvents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*storage.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ClaimEvents: %w", err)
		}
		claimed = append(claimed, ev)
	}
	return claimed, rows.Err()
}

// MarkEventDone transitions a processing event to done.
func (s *Store) MarkEventDone(ctx context.Context, eventID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'done', processed_at = $1, error_message = NULL
		WHERE event_id = $2 AND status = 'processing'
	`, time.Now().UTC(), eventID)
	if err != nil {
		return fmt.Errorf("MarkEventDone: %w", err)
	}
	return requireAffected(result, "MarkEventDone")
}

// MarkEventFailed records a retryable failure and schedules the next attempt.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, errMsg string, nextAttemptAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempt_count = attempt_count + 1,
		    error_message = $1, next_attempt_at = $2
		WHERE event_id = $3 AND status = 'processing'
	`, errMsg, nextAttemptAt.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("MarkEventFailed: %w", err)
	}
	return requireAffected(result, "MarkEventFailed")
}

// MarkEventDeadLettered records a terminal failure.
func (s *Store) MarkEventDeadLettered(ctx context.Context, eventID, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'dlq', attempt_count = attempt_count + 1,
		    error_message = $1, processed_at = $2
		WHERE event_id = $3 AND status = 'processing'
	`, errMsg, time.Now().UTC(), eventID)
	if err != nil {
		return fmt.Errorf("MarkEventDeadLettered: %w", err)
	}
	return requireAffected(result, "MarkEventDeadLettered")
}

// RequeueEvent moves a dlq event back to pending with a zeroed attempt count.
func (s *Store) RequeueEvent(ctx context.Context, eventID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'pending', attempt_count = 0, error_message = NULL,
		    processed_at = NULL, next_attempt_at = $1
		WHERE event_id = $2 AND status = 'dlq'
	`, time.Now().UTC(), eventID)
	if err != nil {
		return fmt.Errorf("RequeueEvent: %w", err)
	}
	return requireAffected(result, "RequeueEvent")
}

// GetEvent retrieves an outbox event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*storage.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, memory_id, payload, status, created_at, processed_at,
		       error_message, attempt_count, next_attempt_at, claimed_at
		FROM outbox_events WHERE event_id = $1
	`, eventID)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetEvent: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return ev, nil
}

// OutboxStats returns per-status counts and the age of the oldest pending event.
func (s *Store) OutboxStats(ctx context.Context) (*storage.OutboxStats, error) {
	stats := &storage.OutboxStats{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outbox_events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("OutboxStats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("OutboxStats: %w", err)
		}
		switch storage.EventStatus(status) {
		case storage.EventPending:
			stats.Pending = count
		case storage.EventProcessing:
			stats.Processing = count
		case storage.EventDone:
			stats.Done = count
		case storage.EventDeadLettered:
			stats.DeadLettered = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("OutboxStats: %w", err)
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM outbox_events WHERE status = 'pending'
	`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("OutboxStats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = time.Since(oldest.Time)
	}

	return stats, nil
}

// PendingEventCount counts non-terminal events for a (session, user) pair.
func (s *Store) PendingEventCount(ctx context.Context, sessionID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM outbox_events e
		JOIN memories m ON m.id = e.memory_id
		WHERE e.status IN ('pending', 'processing')
		  AND m.session_id = $1 AND m.user_id = $2
	`, sessionID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("PendingEventCount: %w", err)
	}
	return count, nil
}

// UpsertEntity inserts or merges an entity keyed by (user, key).
func (s *Store) UpsertEntity(ctx context.Context, e *storage.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (user_id, key, display_name, type, confidence, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, key) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			type = EXCLUDED.type,
			confidence = GREATEST(entities.confidence, EXCLUDED.confidence),
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
	`, e.UserID, e.Key, e.DisplayName, e.Type, e.Confidence, e.Source, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("UpsertEntity: %w", err)
	}
	return nil
}

// UpsertRelation inserts or reinforces an edge keyed by
// (user, source, type, target).
func (s *Store) UpsertRelation(ctx context.Context, r *storage.Relation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (user_id, source_key, target_key, type, description,
			confidence, disputed, memory_id, created_at, reinforced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, source_key, type, target_key) DO UPDATE SET
			description = EXCLUDED.description,
			confidence = GREATEST(relations.confidence, EXCLUDED.confidence),
			disputed = EXCLUDED.disputed,
			memory_id = EXCLUDED.memory_id,
			reinforced_at = EXCLUDED.reinforced_at
	`, r.UserID, r.SourceKey, r.TargetKey, r.Type, r.Description,
		r.Confidence, r.Disputed, r.MemoryID, r.CreatedAt, r.ReinforcedAt)
	if err != nil {
		return fmt.Errorf("UpsertRelation: %w", err)
	}
	return nil
}

// Neighbors returns the outgoing and incoming edges of an entity.
func (s *Store) Neighbors(ctx context.Context, userID, entityKey string) ([]*storage.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, source_key, target_key, type, description, confidence,
		       disputed, memory_id, created_at, reinforced_at
		FROM relations
		WHERE user_id = $1 AND (source_key = $2 OR target_key = $2)
		ORDER BY reinforced_at DESC
	`, userID, entityKey)
	if err != nil {
		return nil, fmt.Errorf("Neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var relations []*storage.Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("Neighbors: %w", err)
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// EntitiesForUser returns all entities in the user's namespace.
func (s *Store) EntitiesForUser(ctx context.Context, userID string) ([]*storage.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, display_name, type, confidence, source, created_at, updated_at
		FROM entities WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("EntitiesForUser: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*storage.Entity
	for rows.Next() {
		var e storage.Entity
		if err := rows.Scan(&e.UserID, &e.Key, &e.DisplayName, &e.Type,
			&e.Confidence, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("EntitiesForUser: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// SetRelationDisputed flags or unflags an edge as disputed.
func (s *Store) SetRelationDisputed(ctx context.Context, userID, sourceKey, relType, targetKey string, disputed bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relations SET disputed = $1
		WHERE user_id = $2 AND source_key = $3 AND type = $4 AND target_key = $5
	`, disputed, userID, sourceKey, relType, targetKey)
	if err != nil {
		return fmt.Errorf("SetRelationDisputed: %w", err)
	}
	return requireAffected(result, "SetRelationDisputed")
}

// GetAffinity returns the user's affinity state, or nil if none exists.
func (s *Store) GetAffinity(ctx context.Context, userID string) (*storage.AffinityState, error) {
	var st storage.AffinityState
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, score, state, updated_at FROM affinity_states WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.Score, &st.State, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetAffinity: %w", err)
	}
	return &st, nil
}

// SaveAffinity upserts the state and appends the transition in one transaction.
func (s *Store) SaveAffinity(ctx context.Context, st *storage.AffinityState, tr *storage.AffinityTransition) error {
	signalsJSON, err := json.Marshal(tr.Signals)
	if err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO affinity_states (user_id, score, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`, st.UserID, st.Score, st.State, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO affinity_history (user_id, old_score, new_score, delta, trigger_event, signals, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tr.UserID, tr.OldScore, tr.NewScore, tr.Delta, tr.Trigger, string(signalsJSON), tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}
	return nil
}

// AffinityHistory returns the user's transitions in append order.
func (s *Store) AffinityHistory(ctx context.Context, userID string, limit int) ([]*storage.AffinityTransition, error) {
	query := `
		SELECT id, user_id, old_score, new_score, delta, trigger_event, signals, created_at
		FROM affinity_history WHERE user_id = $1 ORDER BY id ASC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("AffinityHistory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []*storage.AffinityTransition
	for rows.Next() {
		var tr storage.AffinityTransition
		var signalsJSON sql.NullString
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.OldScore, &tr.NewScore,
			&tr.Delta, &tr.Trigger, &signalsJSON, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("AffinityHistory: %w", err)
		}
		if signalsJSON.Valid && signalsJSON.String != "" {
			if err := json.Unmarshal([]byte(signalsJSON.String), &tr.Signals); err != nil {
				return nil, fmt.Errorf("AffinityHistory: %w", err)
			}
		}
		transitions = append(transitions, &tr)
	}
	return transitions, rows.Err()
}

// RecordUsage inserts a usage record.
func (s *Store) RecordUsage(ctx context.Context, rec *storage.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, user_id, memory_id, used_at, reaction)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, rec.ID, rec.UserID, rec.MemoryID, rec.UsedAt, rec.Reaction)
	if err != nil {
		return fmt.Errorf("RecordUsage: %w", err)
	}
	return nil
}

// RecordReaction sets the reaction on a usage record (set-once semantics).
func (s *Store) RecordReaction(ctx context.Context, usageID int64, reaction string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE usage_records SET reaction = $1
		WHERE id = $2 AND (reaction IS NULL OR reaction = $1)
	`, reaction, usageID)
	if err != nil {
		return fmt.Errorf("RecordReaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("RecordReaction: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT reaction FROM usage_records WHERE id = $1`, usageID).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("RecordReaction: %w", storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("RecordReaction: %w", err)
	}
	return fmt.Errorf("RecordReaction: %w", storage.ErrReactionConflict)
}

// GetUsage retrieves a usage record by id.
func (s *Store) GetUsage(ctx context.Context, usageID int64) (*storage.UsageRecord, error) {
	var rec storage.UsageRecord
	var reaction sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, memory_id, used_at, reaction FROM usage_records WHERE id = $1
	`, usageID).Scan(&rec.ID, &rec.UserID, &rec.MemoryID, &rec.UsedAt, &reaction)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetUsage: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetUsage: %w", err)
	}
	rec.Reaction = reaction.String
	return &rec, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory scans a memory row.
func scanMemory(sc scanner) (*storage.MemoryRecord, error) {
	var mem storage.MemoryRecord
	var committedAt sql.NullTime
	var metadataJSON sql.NullString

	err := sc.Scan(&mem.ID, &mem.UserID, &mem.SessionID, &mem.Content,
		&mem.Status, &mem.CreatedAt, &committedAt, &metadataJSON)
	if err != nil {
		return nil, err
	}

	if committedAt.Valid {
		mem.CommittedAt = &committedAt.Time
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &mem, nil
}

// scanEvent scans an outbox event row.
func scanEvent(sc scanner) (*storage.OutboxEvent, error) {
	var ev storage.OutboxEvent
	var payload string
	var processedAt, claimedAt sql.NullTime
	var errMsg sql.NullString

	err := sc.Scan(&ev.EventID, &ev.MemoryID, &payload, &ev.Status,
		&ev.CreatedAt, &processedAt, &errMsg, &ev.AttemptCount,
		&ev.NextAttemptAt, &claimedAt)
	if err != nil {
		return nil, err
	}

	ev.Payload = []byte(payload)
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	if claimedAt.Valid {
		ev.ClaimedAt = &claimedAt.Time
	}
	ev.ErrorMessage = errMsg.String
	return &ev, nil
}

// scanRelation scans a relation row.
func scanRelation(sc scanner) (*storage.Relation, error) {
	var rel storage.Relation
	var description sql.NullString

	err := sc.Scan(&rel.UserID, &rel.SourceKey, &rel.TargetKey, &rel.Type,
		&description, &rel.Confidence, &rel.Disputed, &rel.MemoryID,
		&rel.CreatedAt, &rel.ReinforcedAt)
	if err != nil {
		return nil, err
	}

	rel.Description = description.String
	return &rel, nil
}

// requireAffected converts a zero-row UPDATE into ErrNotFound.
func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}
