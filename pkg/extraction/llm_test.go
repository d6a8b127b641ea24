package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/graphmem-go/pkg/llm"
)

// mockProvider returns a canned response for every generation call.
type mockProvider struct {
	response string
	err      error
}

func (m *mockProvider) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return m.response, m.err
}

func (m *mockProvider) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return m.response, m.err
}

func (m *mockProvider) Close() error { return nil }

func TestLLMExtractorParsesFencedJSON(t *testing.T) {
	provider := &mockProvider{response: "```json\n" + `{
		"entities": [
			{"id": "e1", "name": "Alice", "type": "person", "confidence": 0.95, "is_user": true},
			{"id": "e2", "name": "Luna", "type": "pet", "confidence": 0.9}
		],
		"relations": [
			{"source_id": "e1", "target_id": "e2", "type": "OWNS", "confidence": 0.9}
		]
	}` + "\n```"}

	extractor := NewLLMExtractor(provider)
	result, err := extractor.Extract(context.Background(), "I adopted a cat named Luna", "alice", nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, SourceLLM, result.Metadata["source"])
	require.Len(t, result.Entities, 2)
	assert.True(t, result.Entities[0].IsUser)
	require.Len(t, result.Relations, 1)
	assert.Equal(t, "OWNS", result.Relations[0].Type)
}

func TestLLMExtractorMalformedResponseIsError(t *testing.T) {
	provider := &mockProvider{response: "Sure! Here are the entities I found: Luna (a cat)."}

	extractor := NewLLMExtractor(provider)
	_, err := extractor.Extract(context.Background(), "I adopted a cat named Luna", "alice", nil)
	assert.Error(t, err)
}

func TestLLMExtractorTransportErrorPropagates(t *testing.T) {
	provider := &mockProvider{err: errors.New("connection refused")}

	extractor := NewLLMExtractor(provider)
	_, err := extractor.Extract(context.Background(), "hello", "alice", nil)
	assert.Error(t, err)
}
