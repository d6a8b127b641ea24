package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexExtractorRecognizesPreferences(t *testing.T) {
	extractor := NewRegexExtractor()
	ctx := context.Background()

	result, err := extractor.Extract(ctx, "I love hiking. I hate cilantro!", "alice", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, SourceRegexFallback, result.Metadata["source"])

	// User entity plus the two preference targets.
	require.Len(t, result.Entities, 3)
	assert.True(t, result.Entities[0].IsUser)
	assert.Equal(t, regexConfidence, result.Entities[1].Confidence)

	require.Len(t, result.Relations, 2)
	assert.Equal(t, "LIKES", result.Relations[0].Type)
	assert.Equal(t, "DISLIKES", result.Relations[1].Type)
}

func TestRegexExtractorIdentityAndOwnership(t *testing.T) {
	extractor := NewRegexExtractor()
	ctx := context.Background()

	result, err := extractor.Extract(ctx, "My name is Alice and my cat is named Luna. I work at Acme Corp.", "alice", nil)
	require.NoError(t, err)

	types := make(map[string]bool)
	for _, rel := range result.Relations {
		types[rel.Type] = true
	}
	assert.True(t, types["NAMED"])
	assert.True(t, types["OWNS"])
	assert.True(t, types["WORKS_AT"])
}

func TestRegexExtractorDeterministic(t *testing.T) {
	extractor := NewRegexExtractor()
	ctx := context.Background()

	first, err := extractor.Extract(ctx, "I love hiking", "alice", nil)
	require.NoError(t, err)
	second, err := extractor.Extract(ctx, "I love hiking", "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRegexExtractorNoMatchYieldsEmptySuccess(t *testing.T) {
	extractor := NewRegexExtractor()
	ctx := context.Background()

	result, err := extractor.Extract(ctx, "The weather was fine.", "alice", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Entities)
	assert.Empty(t, result.Relations)
}

// failingExtractor always errors, standing in for an LLM outage.
type failingExtractor struct{ err error }

func (f *failingExtractor) Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error) {
	return nil, f.err
}

func TestFallbackExtractorDegradesToRegex(t *testing.T) {
	primary := &failingExtractor{err: errors.New("llm timeout")}
	chained := NewFallbackExtractor(primary, NewRegexExtractor())

	result, err := chained.Extract(context.Background(), "I love hiking", "alice", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, SourceRegexFallback, result.Metadata["source"])
	assert.Contains(t, result.Error, "llm timeout")
	assert.NotEmpty(t, result.Relations)
}

func TestFallbackExtractorPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &failingExtractor{err: context.Canceled}
	chained := NewFallbackExtractor(primary, NewRegexExtractor())

	_, err := chained.Extract(ctx, "I love hiking", "alice", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// staticExtractor returns a fixed result, standing in for a healthy LLM.
type staticExtractor struct{ result *Result }

func (s *staticExtractor) Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error) {
	return s.result, nil
}

func TestFallbackExtractorPrefersPrimary(t *testing.T) {
	primary := &staticExtractor{result: &Result{
		Success:  true,
		Entities: []ProposedEntity{{ID: "e1", Name: "Luna", Type: "pet", Confidence: 0.95}},
		Metadata: map[string]interface{}{"source": SourceLLM},
	}}
	chained := NewFallbackExtractor(primary, NewRegexExtractor())

	result, err := chained.Extract(context.Background(), "I love hiking", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, result.Metadata["source"])
	assert.Len(t, result.Entities, 1)
}
