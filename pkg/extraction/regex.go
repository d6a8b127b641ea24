package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// regexConfidence is the fixed confidence assigned to pattern-derived
// proposals. Deliberately lower than typical LLM confidences so that a later
// LLM re-extraction can supersede the fallback.
const regexConfidence = 0.5

// preferencePattern captures one pattern-to-relation rule.
type preferencePattern struct {
	re      *regexp.Regexp
	relType string
	entType string
}

var patterns = []preferencePattern{
	{regexp.MustCompile(`(?i)\bI\s+(?:really\s+)?(?:love|like|enjoy|adore)\s+([a-zA-Z][a-zA-Z0-9' -]{1,40}?)(?:[.,!?;]|$)`), "LIKES", "preference"},
	{regexp.MustCompile(`(?i)\bI\s+(?:really\s+)?(?:hate|dislike|can't stand|cannot stand)\s+([a-zA-Z][a-zA-Z0-9' -]{1,40}?)(?:[.,!?;]|$)`), "DISLIKES", "preference"},
	{regexp.MustCompile(`(?i)\bmy\s+name\s+is\s+([A-Z][a-zA-Z'-]{1,30})`), "NAMED", "person"},
	{regexp.MustCompile(`(?i)\bI\s+work\s+(?:at|for)\s+([a-zA-Z][a-zA-Z0-9' -]{1,40}?)(?:[.,!?;]|$)`), "WORKS_AT", "organization"},
	{regexp.MustCompile(`(?i)\bI\s+live\s+in\s+([a-zA-Z][a-zA-Z0-9' -]{1,40}?)(?:[.,!?;]|$)`), "LIVES_IN", "place"},
	{regexp.MustCompile(`(?i)\bmy\s+(?:cat|dog|pet|bird|rabbit)(?:\s+is)?\s+(?:named|called)\s+([A-Z][a-zA-Z'-]{1,30})`), "OWNS", "pet"},
}

// RegexExtractor is the deterministic fallback extractor used when the LLM
// call fails or times out. It recognizes a small set of first-person
// preference and identity statements.
type RegexExtractor struct{}

// NewRegexExtractor creates a new regex fallback extractor.
func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// Extract proposes entities and relations from first-person statements.
//
// The output is deterministic for a given input: proposal ids are assigned
// in match order and the confidence is fixed at 0.5. Turns that match no
// pattern yield an empty, successful result so the turn is never failed.
func (e *RegexExtractor) Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Success:   true,
		Entities:  []ProposedEntity{},
		Relations: []ProposedRelation{},
		Metadata:  map[string]interface{}{"source": SourceRegexFallback},
	}

	userEntity := ProposedEntity{
		ID:         "e0",
		Name:       userID,
		Type:       "person",
		Confidence: regexConfidence,
		IsUser:     true,
	}

	next := 1
	seen := make(map[string]string)

	for _, p := range patterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(match[1])
			if name == "" {
				continue
			}

			key := NormalizeKey(name)
			id, ok := seen[key]
			if !ok {
				id = fmt.Sprintf("e%d", next)
				next++
				seen[key] = id
				result.Entities = append(result.Entities, ProposedEntity{
					ID:         id,
					Name:       name,
					Type:       p.entType,
					Confidence: regexConfidence,
				})
			}

			result.Relations = append(result.Relations, ProposedRelation{
				SourceID:   userEntity.ID,
				TargetID:   id,
				Type:       p.relType,
				Confidence: regexConfidence,
			})
		}
	}

	if len(result.Entities) > 0 {
		result.Entities = append([]ProposedEntity{userEntity}, result.Entities...)
	}

	return result, nil
}
