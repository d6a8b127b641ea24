// Package extraction turns raw conversation text into a validated
// entity/relation proposal set ready for graph projection.
//
// Extractors produce proposals; the Critic normalizes and deduplicates them
// before anything is written. Malformed proposals are a recoverable error,
// never a crash.
package extraction

import "context"

// Proposal sources.
const (
	SourceLLM           = "llm"
	SourceRegexFallback = "regex_fallback"
	SourceSeed          = "seed"
)

// ProposedEntity is a single entity candidate as produced by an extractor,
// before normalization.
type ProposedEntity struct {
	// ID is the extractor-local identifier used by relations to reference
	// this entity. It has no meaning outside the proposal set.
	ID string `json:"id"`

	// Name is the surface form as it appeared in the text.
	Name string `json:"name"`

	// Type is the entity type tag (person, place, preference, ...).
	Type string `json:"type"`

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// IsUser marks the speaking user. User entities always normalize to the
	// reserved "user" key regardless of name variants.
	IsUser bool `json:"is_user"`
}

// ProposedRelation is a directed edge candidate between two proposed
// entities, referenced by their proposal-local ids.
type ProposedRelation struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`

	// Type is the relation type tag. The Critic uppercases it.
	Type string `json:"type"`

	// Description is free-text context for the edge.
	Description string `json:"description,omitempty"`

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of one extraction attempt. Failure is represented in
// the value rather than by an error so that fallback extractors can produce
// the same shape.
type Result struct {
	// Success reports whether the extractor produced a usable proposal set.
	Success bool `json:"success"`

	// Entities are the proposed entities.
	Entities []ProposedEntity `json:"entities"`

	// Relations are the proposed relations.
	Relations []ProposedRelation `json:"relations"`

	// Error holds the failure description when Success is false.
	Error string `json:"error,omitempty"`

	// Metadata carries extractor provenance, at minimum the "source" key.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Extractor is the contract shared by the LLM extractor and the regex
// fallback.
type Extractor interface {
	// Extract proposes entities and relations for one turn of text.
	// contextEntities are display names already known for the user, offered
	// to the extractor as disambiguation hints.
	Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error)
}
