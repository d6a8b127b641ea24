package core

import (
	"github.com/companionkit/graphmem-go/pkg/retrieval"
)

// Reaction values accepted by RecordReaction.
//
// Reactions are set-once: recording the same reaction on a usage record twice
// is a no-op, recording a different one returns storage.ErrReactionConflict.
const (
	// ReactionHelpful marks a retrieved fact the user confirmed.
	ReactionHelpful = "helpful"

	// ReactionUnhelpful marks a retrieved fact the user rejected or
	// corrected.
	ReactionUnhelpful = "unhelpful"
)

// AnsweredFact is one retrieved fact annotated with the usage record that
// tracks it. The UsageID is what callers pass to RecordReaction later.
type AnsweredFact struct {
	retrieval.Fact

	// UsageID identifies the usage record written for this retrieval.
	UsageID int64 `json:"usage_id"`
}

// Answer is the response to an Ask call.
//
// Facts come ranked by decayed weight descending. An empty Facts slice means
// the question named no entity the user's graph knows about; the engine never
// invents an answer.
type Answer struct {
	// Query echoes the question asked.
	Query string `json:"query"`

	// Facts are the retrieved facts, best first.
	Facts []*AnsweredFact `json:"facts"`
}
