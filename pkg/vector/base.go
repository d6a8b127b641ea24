// Package vector defines the embedding store interface used by the
// projection pipeline for semantic recall alongside the knowledge graph.
package vector

import "context"

// Record is a stored embedding tied to a ledger memory.
type Record struct {
	// MemoryID is the owning ledger memory. One embedding per memory, so
	// re-projection overwrites rather than duplicates.
	MemoryID int64 `json:"memory_id"`

	// UserID namespaces the embedding.
	UserID string `json:"user_id"`

	// Content is the text the embedding was computed from.
	Content string `json:"content"`

	// Embedding is the dense vector.
	Embedding []float64 `json:"embedding"`
}

// Match is a similarity search hit.
type Match struct {
	// MemoryID is the matched memory.
	MemoryID int64 `json:"memory_id"`

	// Content is the matched memory's text.
	Content string `json:"content"`

	// Score is the cosine similarity in [-1,1].
	Score float64 `json:"score"`
}

// Store is the interface for vector storage backends.
//
// Upsert must be idempotent on MemoryID so the dispatcher can repeat a
// projection after a crash without duplicating rows.
type Store interface {
	// Upsert inserts or replaces the embedding for a memory.
	Upsert(ctx context.Context, rec *Record) error

	// Search returns the user's top-k most similar memories, best first.
	Search(ctx context.Context, userID string, embedding []float64, topK int) ([]*Match, error)

	// DeleteByMemory removes the embedding for a memory, if any.
	DeleteByMemory(ctx context.Context, memoryID int64) error

	// Close closes the store and releases resources.
	Close() error
}
