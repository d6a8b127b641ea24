package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/companionkit/graphmem-go/pkg/llm"
)

// LLMExtractor proposes entities and relations by prompting an LLM for a
// structured JSON proposal set.
//
// Example usage:
//
//	extractor := NewLLMExtractor(llmProvider)
//	result, err := extractor.Extract(ctx, "I adopted a cat named Luna", "alice", nil)
//	// result.Entities and result.Relations hold the proposal set
type LLMExtractor struct {
	// llm is the LLM provider used for extraction.
	llm llm.Provider

	// customPrompt overrides the default system prompt when non-empty.
	customPrompt string
}

// NewLLMExtractor creates a new LLM-backed extractor with the default prompt.
func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{llm: provider}
}

// NewLLMExtractorWithPrompt creates a new LLM-backed extractor with a custom
// system prompt.
func NewLLMExtractorWithPrompt(provider llm.Provider, customPrompt string) *LLMExtractor {
	return &LLMExtractor{llm: provider, customPrompt: customPrompt}
}

// Extract proposes entities and relations for one turn of text.
//
// The extraction process:
//  1. Builds a system prompt describing the expected JSON schema
//  2. Calls the LLM with the turn text and known-entity hints
//  3. Parses the JSON response into a proposal set
//
// A transport or parse failure is returned as an error so the caller can
// fall back to the regex extractor.
func (e *LLMExtractor) Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error) {
	userPrompt := fmt.Sprintf("Input:\n%s", text)
	if len(contextEntities) > 0 {
		userPrompt += fmt.Sprintf("\n\nKnown entities for this user: %s", strings.Join(contextEntities, ", "))
	}

	messages := []llm.Message{
		{Role: "system", Content: e.getSystemPrompt()},
		{Role: "user", Content: userPrompt},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0.1))
	if err != nil {
		return nil, fmt.Errorf("llm extraction failed: %w", err)
	}

	result, err := e.parseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	result.Success = true
	result.Metadata = map[string]interface{}{"source": SourceLLM}
	return result, nil
}

// getSystemPrompt returns the system prompt for proposal extraction.
func (e *LLMExtractor) getSystemPrompt() string {
	if e.customPrompt != "" {
		return e.customPrompt
	}

	return `You are an entity and relation extractor for a personal companion. Extract entities and directed relations from the conversation turn.

Entities: people, pets, places, activities, preferences, objects the user mentions. Always include the speaking user as an entity with "is_user": true.

Relations: directed links between extracted entities, referenced by entity id. Use SCREAMING_SNAKE_CASE types such as LIKES, DISLIKES, OWNS, WORKS_AT, LIVES_IN, NAMED, FRIENDS_WITH.

Rules:
- Return JSON only: {"entities": [{"id": "e1", "name": "...", "type": "...", "confidence": 0.9, "is_user": false}], "relations": [{"source_id": "e1", "target_id": "e2", "type": "LIKES", "description": "...", "confidence": 0.9}]}
- Confidence in [0,1], reflecting how explicit the statement is
- Do not invent entities or relations not supported by the text
- If nothing can be extracted, return {"entities": [], "relations": []}
- Preserve input language in names and descriptions

Extract from the turn below:`
}

// parseResponse parses the LLM response into a proposal set.
func (e *LLMExtractor) parseResponse(response string) (*Result, error) {
	response = removeCodeBlocks(response)

	var result Result
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	return &result, nil
}

// removeCodeBlocks removes code blocks (```json ... ```) from a response.
func removeCodeBlocks(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}
