// Package embedder abstracts the text-embedding provider behind the vector
// projection: turn text goes in, a fixed-dimension vector comes out.
package embedder

import "context"

// Provider is an embedding backend.
type Provider interface {
	// Embed converts one text into its embedding vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts several texts in one call. Output order matches
	// input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions is the vector width this provider produces. The vector
	// store's cosine ranking requires all stored vectors to share it.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
