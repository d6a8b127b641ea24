// Package sqlite provides the SQLite implementation of the vector store.
//
// Embeddings are stored JSON-encoded and similarity is computed in process.
// This trades query speed for zero extra infrastructure, which is the right
// trade for the per-user corpus sizes a companion session produces.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/companionkit/graphmem-go/pkg/vector"
)

// Store implements vector.Store using SQLite as the backend.
type Store struct {
	// db is the SQLite database connection.
	db *sql.DB
}

// Config contains configuration for creating a SQLite vector store.
type Config struct {
	// DBPath is the path to the SQLite database file. The vector store may
	// share a file with the ledger store; the tables do not overlap.
	DBPath string
}

// NewStore creates a new SQLite vector store.
//
// Parameters:
//   - cfg: Configuration containing the database path
//
// Returns:
//   - *Store: The vector store instance
//   - error: Error if database connection or schema creation fails
func NewStore(cfg *Config) (*Store, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewVectorStore: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewVectorStore: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewVectorStore: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTable(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initTable initializes the database schema.
func (s *Store) initTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vectors (
			memory_id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("initTable: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_vectors_user ON vectors(user_id)
	`)
	if err != nil {
		return fmt.Errorf("initTable: %w", err)
	}

	return nil
}

// Upsert inserts or replaces the embedding for a memory.
func (s *Store) Upsert(ctx context.Context, rec *vector.Record) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (memory_id, user_id, content, embedding)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (memory_id) DO UPDATE SET
			user_id = excluded.user_id,
			content = excluded.content,
			embedding = excluded.embedding
	`, rec.MemoryID, rec.UserID, rec.Content, string(embeddingJSON))
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// Search returns the user's top-k most similar memories, best first.
func (s *Store) Search(ctx context.Context, userID string, embedding []float64, topK int) ([]*vector.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, content, embedding FROM vectors WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*vector.Match
	for rows.Next() {
		var memoryID int64
		var content, embeddingJSON string
		if err := rows.Scan(&memoryID, &content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}

		var stored []float64
		if err := json.Unmarshal([]byte(embeddingJSON), &stored); err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}

		matches = append(matches, &vector.Match{
			MemoryID: memoryID,
			Content:  content,
			Score:    cosineSimilarity(embedding, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteByMemory removes the embedding for a memory, if any.
func (s *Store) DeleteByMemory(ctx context.Context, memoryID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE memory_id = ?`, memoryID)
	if err != nil {
		return fmt.Errorf("DeleteByMemory: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or zero-length vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
