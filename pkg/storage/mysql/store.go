// Package mysql provides the MySQL implementation of the ledger store.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/companionkit/graphmem-go/pkg/storage"
)

// Store implements storage.LedgerStore using MySQL as the backend.
type Store struct {
	// db is the MySQL database connection pool.
	db *sql.DB
}

// Config contains configuration for creating a MySQL ledger store.
type Config struct {
	// Host is the database server hostname.
	Host string

	// Port is the database server port (default: 3306).
	Port int

	// User is the database user name.
	User string

	// Password is the database password.
	Password string

	// DBName is the database name.
	DBName string
}

// NewStore creates a new MySQL ledger store.
//
// Parameters:
//   - cfg: Configuration containing connection settings
//
// Returns:
//   - *Store: The MySQL store instance
//   - error: Error if connection or schema creation fails
func NewStore(cfg *Config) (*Store, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLStore: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLStore: %w", err)
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
			user_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			created_at DATETIME(6) NOT NULL,
			committed_at DATETIME(6),
			metadata JSON,
			INDEX idx_memories_user (user_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			event_id VARCHAR(64) PRIMARY KEY,
			memory_id BIGINT NOT NULL,
			payload JSON NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			created_at DATETIME(6) NOT NULL,
			processed_at DATETIME(6),
			error_message TEXT,
			attempt_count INT NOT NULL DEFAULT 0,
			next_attempt_at DATETIME(6) NOT NULL,
			claimed_at DATETIME(6),
			INDEX idx_outbox_status (status, next_attempt_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS entities (
			user_id VARCHAR(255) NOT NULL,
			entity_key VARCHAR(255) NOT NULL,
			display_name VARCHAR(512) NOT NULL,
			type VARCHAR(64) NOT NULL,
			confidence DOUBLE NOT NULL,
			source VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			PRIMARY KEY (user_id, entity_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS relations (
			user_id VARCHAR(255) NOT NULL,
			source_key VARCHAR(255) NOT NULL,
			target_key VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			description TEXT,
			confidence DOUBLE NOT NULL,
			disputed TINYINT(1) NOT NULL DEFAULT 0,
			memory_id BIGINT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			reinforced_at DATETIME(6) NOT NULL,
			PRIMARY KEY (user_id, source_key, type, target_key),
			INDEX idx_relations_target (user_id, target_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS affinity_states (
			user_id VARCHAR(255) PRIMARY KEY,
			score DOUBLE NOT NULL,
			state VARCHAR(32) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS affinity_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			old_score DOUBLE NOT NULL,
			new_score DOUBLE NOT NULL,
			delta DOUBLE NOT NULL,
			trigger_event VARCHAR(64) NOT NULL,
			signals JSON,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_affinity_history_user (user_id, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id BIGINT PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			memory_id BIGINT NOT NULL,
			used_at DATETIME(6) NOT NULL,
			reaction VARCHAR(64)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
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
		VALUES (?, ?, ?, ?, ?, ?)
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
		FROM memories WHERE id = ?
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
		UPDATE memories SET status = ?, committed_at = ? WHERE id = ?
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
		FROM memories WHERE user_id = ? ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
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
// Candidates are selected first, then each row is transitioned to processing
// with a compare-and-set UPDATE. Rows that lose the race to another worker
// are skipped. Stale-reclaim candidates keep status processing on both sides
// of the transition, so their compare-and-set is on the stale claim time
// instead of the status.
func (s *Store) ClaimEvents(ctx context.Context, limit int, staleAfter time.Duration) ([]*storage.OutboxEvent, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-staleAfter)

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, memory_id, payload, status, created_at, processed_at,
		       error_message, attempt_count, next_attempt_at, claimed_at
		FROM outbox_events
		WHERE (status = 'pending' AND next_attempt_at <= ?)
		   OR (status = 'processing' AND claimed_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ClaimEvents: %w", err)
	}

	var candidates []*storage.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("ClaimEvents: %w", err)
		}
		candidates = append(candidates, ev)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("ClaimEvents: %w", err)
	}
	_ = rows.Close()

	var claimed []*storage.OutboxEvent
	for _, ev := range candidates {
		var result sql.Result
		if ev.Status == storage.EventPending {
			result, err = s.db.ExecContext(ctx, `
				UPDATE outbox_events SET status = 'processing', claimed_at = ?
				WHERE event_id = ? AND status = 'pending'
			`, now, ev.EventID)
		} else {
			result, err = s.db.ExecContext(ctx, `
				UPDATE outbox_events SET status = 'processing', claimed_at = ?
				WHERE event_id = ? AND status = 'processing' AND claimed_at < ?
			`, now, ev.EventID, staleBefore)
		}
		if err != nil {
			return nil, fmt.Errorf("ClaimEvents: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("ClaimEvents: %w", err)
		}
		if affected == 0 {
			// Another worker won the compare-and-set.
			continue
		}
		ev.Status = storage.EventProcessing
		claimedAt := now
		ev.ClaimedAt = &claimedAt
		claimed = append(claimed, ev)
	}

	return claimed, nil
}

// MarkEventDone transitions a processing event to done.
func (s *Store) MarkEventDone(ctx context.Context, eventID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'done', processed_at = ?, error_message = NULL
		WHERE event_id = ? AND status = 'processing'
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
		    error_message = ?, next_attempt_at = ?
		WHERE event_id = ? AND status = 'processing'
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
		    error_message = ?, processed_at = ?
		WHERE event_id = ? AND status = 'processing'
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
		    processed_at = NULL, next_attempt_at = ?
		WHERE event_id = ? AND status = 'dlq'
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
		FROM outbox_events WHERE event_id = ?
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
		  AND m.session_id = ? AND m.user_id = ?
	`, sessionID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("PendingEventCount: %w", err)
	}
	return count, nil
}

// UpsertEntity inserts or merges an entity keyed by (user, key).
func (s *Store) UpsertEntity(ctx context.Context, e *storage.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (user_id, entity_key, display_name, type, confidence, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name = VALUES(display_name),
			type = VALUES(type),
			confidence = GREATEST(confidence, VALUES(confidence)),
			source = VALUES(source),
			updated_at = VALUES(updated_at)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			description = VALUES(description),
			confidence = GREATEST(confidence, VALUES(confidence)),
			disputed = VALUES(disputed),
			memory_id = VALUES(memory_id),
			reinforced_at = VALUES(reinforced_at)
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
		WHERE user_id = ? AND (source_key = ? OR target_key = ?)
		ORDER BY reinforced_at DESC
	`, userID, entityKey, entityKey)
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
		SELECT user_id, entity_key, display_name, type, confidence, source, created_at, updated_at
		FROM entities WHERE user_id = ?
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
		UPDATE relations SET disputed = ?
		WHERE user_id = ? AND source_key = ? AND type = ? AND target_key = ?
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
		SELECT user_id, score, state, updated_at FROM affinity_states WHERE user_id = ?
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
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			score = VALUES(score),
			state = VALUES(state),
			updated_at = VALUES(updated_at)
	`, st.UserID, st.Score, st.State, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("SaveAffinity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO affinity_history (user_id, old_score, new_score, delta, trigger_event, signals, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
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
		FROM affinity_history WHERE user_id = ? ORDER BY id ASC
	`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
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
		VALUES (?, ?, ?, ?, NULLIF(?, ''))
	`, rec.ID, rec.UserID, rec.MemoryID, rec.UsedAt, rec.Reaction)
	if err != nil {
		return fmt.Errorf("RecordUsage: %w", err)
	}
	return nil
}

// RecordReaction sets the reaction on a usage record (set-once semantics).
func (s *Store) RecordReaction(ctx context.Context, usageID int64, reaction string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE usage_records SET reaction = ?
		WHERE id = ? AND (reaction IS NULL OR reaction = ?)
	`, reaction, usageID, reaction)
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

	// MySQL reports zero affected rows for a no-op same-value UPDATE, so the
	// read-back distinguishes the idempotent repeat from a true conflict.
	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT reaction FROM usage_records WHERE id = ?`, usageID).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("RecordReaction: %w", storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("RecordReaction: %w", err)
	}
	if existing.Valid && existing.String == reaction {
		return nil
	}
	return fmt.Errorf("RecordReaction: %w", storage.ErrReactionConflict)
}

// GetUsage retrieves a usage record by id.
func (s *Store) GetUsage(ctx context.Context, usageID int64) (*storage.UsageRecord, error) {
	var rec storage.UsageRecord
	var reaction sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, memory_id, used_at, reaction FROM usage_records WHERE id = ?
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
