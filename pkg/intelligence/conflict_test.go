package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectOppositeSentiment(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 1, Text: "I love spicy food", CreatedAt: base},
		{ID: 2, Text: "I hate spicy food", CreatedAt: base.Add(time.Hour)},
	})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictOpposite, conflicts[0].Type)
	assert.Equal(t, [2]int64{1, 2}, conflicts[0].StatementIDs)
	assert.Contains(t, conflicts[0].Topic, "spicy")
}

func TestDetectNegationPair(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 10, Text: "I like hiking on weekends", CreatedAt: base},
		{ID: 11, Text: "I don't like hiking anymore", CreatedAt: base.Add(24 * time.Hour)},
	})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictNegation, conflicts[0].Type)
	assert.Equal(t, [2]int64{10, 11}, conflicts[0].StatementIDs)
}

func TestDetectIgnoresDifferentTopics(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 1, Text: "I love hiking", CreatedAt: base},
		{ID: 2, Text: "I hate cilantro", CreatedAt: base.Add(time.Hour)},
	})

	assert.Empty(t, conflicts)
}

func TestDetectNoConflictOnAgreement(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 1, Text: "I like hiking", CreatedAt: base},
		{ID: 2, Text: "I really love hiking", CreatedAt: base.Add(time.Hour)},
	})

	assert.Empty(t, conflicts)
}

func TestDetectOrdersByTimestampThenID(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	ts := time.Now()

	// Equal timestamps break by statement id ascending.
	conflicts := detector.Detect([]Statement{
		{ID: 7, Text: "I hate mornings", CreatedAt: ts},
		{ID: 3, Text: "I love mornings", CreatedAt: ts},
	})

	require.Len(t, conflicts, 1)
	assert.Equal(t, [2]int64{3, 7}, conflicts[0].StatementIDs)
}

func TestDetectReturnsAllQualifyingPairs(t *testing.T) {
	detector := NewDetector(nil, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 1, Text: "I love coffee", CreatedAt: base},
		{ID: 2, Text: "I hate coffee", CreatedAt: base.Add(time.Hour)},
		{ID: 3, Text: "I love coffee again", CreatedAt: base.Add(2 * time.Hour)},
	})

	// 1-2 and 2-3 conflict; 1-3 agree.
	assert.Len(t, conflicts, 2)
}

func TestDetectCustomLexicon(t *testing.T) {
	lexicon := &Lexicon{
		Positive:  []string{"amo"},
		Negative:  []string{"odio"},
		Negations: []string{"no"},
		Stopwords: []string{"el", "la"},
	}
	detector := NewDetector(lexicon, 0.5)
	base := time.Now()

	conflicts := detector.Detect([]Statement{
		{ID: 1, Text: "amo el cafe", CreatedAt: base},
		{ID: 2, Text: "odio el cafe", CreatedAt: base.Add(time.Hour)},
	})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictOpposite, conflicts[0].Type)
}

func TestDetectEmptyAndSingleInput(t *testing.T) {
	detector := NewDetector(nil, 0.5)

	assert.Empty(t, detector.Detect(nil))
	assert.Empty(t, detector.Detect([]Statement{
		{ID: 1, Text: "I love hiking", CreatedAt: time.Now()},
	}))
}
