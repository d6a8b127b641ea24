// Package retrieval answers questions from the knowledge graph: fuzzy entity
// matching, bounded multi-hop traversal, and decayed-weight ranking.
//
// Retrieval never invents facts. Every returned fact is an edge that exists
// in the graph; a question about an unknown entity returns an empty result.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/companionkit/graphmem-go/pkg/intelligence"
	"github.com/companionkit/graphmem-go/pkg/storage"
)

// secondHopPenalty discounts facts reached through an intermediate entity.
const secondHopPenalty = 0.5

// Fact is one retrieved graph edge, annotated for ranking.
type Fact struct {
	SourceKey   string `json:"source_key"`
	TargetKey   string `json:"target_key"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	// Weight is the ranking weight: decayed confidence scaled by the entity
	// match score and the hop penalty.
	Weight float64 `json:"weight"`

	// Disputed carries the conflict annotation through to the caller.
	Disputed bool `json:"disputed"`

	// MemoryID is the ledger memory the edge was projected from, for usage
	// tracking.
	MemoryID int64 `json:"memory_id"`

	// HopCount is 1 for direct edges, 2 for edges reached through an
	// intermediate entity.
	HopCount int `json:"hop_count"`

	// Path is the traversal path for 2-hop facts: matched entity,
	// intermediate, far endpoint.
	Path []string `json:"path,omitempty"`
}

// options holds per-call retrieval settings.
type options struct {
	hops  int
	limit int
	asOf  time.Time
}

// Option configures a retrieval call.
type Option func(*options)

// WithHops sets the traversal depth (1 or 2; default 1).
func WithHops(hops int) Option {
	return func(o *options) {
		if hops >= 2 {
			o.hops = 2
		} else {
			o.hops = 1
		}
	}
}

// WithLimit bounds the number of returned facts (default 20, 0 = all).
func WithLimit(limit int) Option {
	return func(o *options) { o.limit = limit }
}

// WithAsOf fixes the decay reference time, primarily for deterministic tests.
func WithAsOf(asOf time.Time) Option {
	return func(o *options) { o.asOf = asOf }
}

// Retriever answers queries against a user's knowledge graph.
type Retriever struct {
	store storage.LedgerStore
	decay *intelligence.DecayConfig
}

// NewRetriever creates a retriever. A nil decay config uses the default
// decay policy.
func NewRetriever(store storage.LedgerStore, decay *intelligence.DecayConfig) *Retriever {
	if decay == nil {
		decay = intelligence.DefaultDecayConfig()
	}
	return &Retriever{store: store, decay: decay}
}

// Retrieve matches query tokens against the user's entities and collects
// their edges, ranked by decayed weight descending.
//
// Entity matching is bidirectional substring containment: a token matches an
// entity if either contains the other, scored len(shorter)/len(longer) so
// loose matches rank below exact ones. A query naming no known entity
// returns an empty result.
func (r *Retriever) Retrieve(ctx context.Context, userID, query string, opts ...Option) ([]*Fact, error) {
	o := &options{hops: 1, limit: 20, asOf: time.Now().UTC()}
	for _, opt := range opts {
		opt(o)
	}

	entities, err := r.store.EntitiesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	matches := matchEntities(entities, query)
	if len(matches) == 0 {
		return []*Fact{}, nil
	}

	// Collect edges, deduplicating on the edge identity and keeping the
	// highest-weighted occurrence.
	best := make(map[string]*Fact)

	for key, score := range matches {
		edges, err := r.store.Neighbors(ctx, userID, key)
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}

		for _, edge := range edges {
			r.admit(best, edge, score, 1, nil, o.asOf)

			if o.hops < 2 {
				continue
			}

			// Second hop: follow the far endpoint's edges, excluding the
			// one we arrived on.
			far := edge.TargetKey
			if far == key {
				far = edge.SourceKey
			}
			if _, alsoMatched := matches[far]; alsoMatched {
				continue
			}

			farEdges, err := r.store.Neighbors(ctx, userID, far)
			if err != nil {
				return nil, fmt.Errorf("retrieve: %w", err)
			}
			for _, farEdge := range farEdges {
				if edgeIdentity(farEdge) == edgeIdentity(edge) {
					continue
				}
				endpoint := farEdge.TargetKey
				if endpoint == far {
					endpoint = farEdge.SourceKey
				}
				r.admit(best, farEdge, score, 2, []string{key, far, endpoint}, o.asOf)
			}
		}
	}

	facts := make([]*Fact, 0, len(best))
	for _, f := range best {
		facts = append(facts, f)
	}

	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Weight != facts[j].Weight {
			return facts[i].Weight > facts[j].Weight
		}
		return edgeKeyOf(facts[i]) < edgeKeyOf(facts[j])
	})

	if o.limit > 0 && len(facts) > o.limit {
		facts = facts[:o.limit]
	}
	return facts, nil
}

// admit computes a candidate fact's weight and keeps it if it beats the
// best-known weight for the same edge.
func (r *Retriever) admit(best map[string]*Fact, edge *storage.Relation, matchScore float64, hop int, path []string, asOf time.Time) {
	decayed := intelligence.DecayedWeight(edge.Confidence, r.decay.RateFor(edge.Type), edge.ReinforcedAt, asOf)
	weight := decayed * matchScore
	if hop == 2 {
		weight *= secondHopPenalty
	}

	id := edgeIdentity(edge)
	if existing, ok := best[id]; ok && existing.Weight >= weight {
		return
	}
	best[id] = &Fact{
		SourceKey:   edge.SourceKey,
		TargetKey:   edge.TargetKey,
		Type:        edge.Type,
		Description: edge.Description,
		Weight:      weight,
		Disputed:    edge.Disputed,
		MemoryID:    edge.MemoryID,
		HopCount:    hop,
		Path:        path,
	}
}

// matchEntities returns entity keys matched by any query token, each with
// its best containment score.
func matchEntities(entities []*storage.Entity, query string) map[string]float64 {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	matches := make(map[string]float64)
	for _, e := range entities {
		name := strings.ToLower(e.Key)
		bestScore := 0.0
		for _, tok := range tokens {
			if score := containmentScore(tok, name); score > bestScore {
				bestScore = score
			}
		}
		if bestScore > 0 {
			matches[e.Key] = bestScore
		}
	}
	return matches
}

// containmentScore scores bidirectional substring containment as
// len(shorter)/len(longer), or 0 when neither string contains the other.
func containmentScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if !strings.Contains(a, b) && !strings.Contains(b, a) {
		return 0
	}

	shorter, longer := len(a), len(b)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	return float64(shorter) / float64(longer)
}

// queryTokens lowercases and splits the query, dropping very short tokens
// that would match almost anything by containment.
func queryTokens(query string) []string {
	raw := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var tokens []string
	for _, tok := range raw {
		if len(tok) >= 3 {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func edgeIdentity(edge *storage.Relation) string {
	return edge.SourceKey + "\x00" + edge.Type + "\x00" + edge.TargetKey
}

func edgeKeyOf(f *Fact) string {
	return f.SourceKey + "\x00" + f.Type + "\x00" + f.TargetKey
}
