package extraction

import "strings"

// UserKey is the reserved normalization key for the speaking user. Every
// entity flagged IsUser collapses to this key regardless of name variants.
const UserKey = "user"

// Stat keys reported by the Critic.
const (
	StatDuplicateEntities  = "filtered_duplicate_entities"
	StatDuplicateRelations = "filtered_duplicate_relations"
	StatSelfLoops          = "dropped_self_loops"
	StatUnknownReferences  = "dropped_unknown_references"
)

// NormalizedEntity is an entity that survived the Critic, keyed and ready
// for an idempotent graph upsert.
type NormalizedEntity struct {
	// Key is the stable normalization key: lowercased, trimmed name, or the
	// reserved UserKey.
	Key string `json:"key"`

	// DisplayName is the surface form of the highest-confidence proposal
	// that merged into this entity.
	DisplayName string `json:"display_name"`

	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	IsUser     bool    `json:"is_user"`
}

// NormalizedRelation is a relation that survived the Critic. Source and
// target reference normalization keys, and Type is uppercased.
type NormalizedRelation struct {
	SourceKey   string  `json:"source_key"`
	TargetKey   string  `json:"target_key"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ReviewResult is the Critic's output: deduplicated entities and relations
// plus counters describing what was filtered.
type ReviewResult struct {
	Entities  []NormalizedEntity  `json:"entities"`
	Relations []NormalizedRelation `json:"relations"`
	Stats     map[string]int      `json:"stats"`
}

// Critic validates, normalizes, and deduplicates a raw proposal set before
// it touches the graph.
//
// Review is a pure function over its inputs. It has no side effects and no
// retained state, so the dispatcher can safely re-run it on retry.
type Critic struct {
	// strict controls whether self-loops (source == target after
	// normalization) are dropped.
	strict bool
}

// NewCritic creates a Critic. Strict mode drops self-loop relations.
func NewCritic(strict bool) *Critic {
	return &Critic{strict: strict}
}

// NormalizeKey computes the stable normalization key for an entity name.
func NormalizeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Review normalizes and deduplicates a proposal set.
//
// Entities whose normalization keys and types coincide merge into one,
// keeping the highest-confidence instance. Relations normalize to a
// (source key, uppercased type, target key) tuple; equal tuples collapse.
// Relations referencing entity ids absent from the proposal set are dropped.
func (c *Critic) Review(entities []ProposedEntity, relations []ProposedRelation) *ReviewResult {
	stats := map[string]int{
		StatDuplicateEntities:  0,
		StatDuplicateRelations: 0,
		StatSelfLoops:          0,
		StatUnknownReferences:  0,
	}

	// First pass: map proposal-local ids to normalization keys and merge
	// duplicate entities, preserving first-seen order.
	keyByID := make(map[string]string, len(entities))
	merged := make(map[string]*NormalizedEntity, len(entities))
	var order []string

	for _, e := range entities {
		key := NormalizeKey(e.Name)
		if e.IsUser {
			key = UserKey
		}
		if key == "" {
			continue
		}
		keyByID[e.ID] = key

		mergeKey := key + "\x00" + strings.ToLower(e.Type)
		existing, ok := merged[mergeKey]
		if !ok {
			merged[mergeKey] = &NormalizedEntity{
				Key:         key,
				DisplayName: strings.TrimSpace(e.Name),
				Type:        e.Type,
				Confidence:  e.Confidence,
				IsUser:      e.IsUser,
			}
			order = append(order, mergeKey)
			continue
		}

		stats[StatDuplicateEntities]++
		if e.Confidence > existing.Confidence {
			existing.Confidence = e.Confidence
			existing.DisplayName = strings.TrimSpace(e.Name)
		}
	}

	outEntities := make([]NormalizedEntity, 0, len(order))
	for _, mergeKey := range order {
		outEntities = append(outEntities, *merged[mergeKey])
	}

	// Second pass: normalize relations against the surviving keys.
	seen := make(map[string]int, len(relations))
	var outRelations []NormalizedRelation

	for _, r := range relations {
		srcKey, srcOK := keyByID[r.SourceID]
		dstKey, dstOK := keyByID[r.TargetID]
		if !srcOK || !dstOK {
			stats[StatUnknownReferences]++
			continue
		}

		if c.strict && srcKey == dstKey {
			stats[StatSelfLoops]++
			continue
		}

		relType := strings.ToUpper(strings.TrimSpace(r.Type))
		tuple := srcKey + "\x00" + relType + "\x00" + dstKey
		if idx, dup := seen[tuple]; dup {
			stats[StatDuplicateRelations]++
			if r.Confidence > outRelations[idx].Confidence {
				outRelations[idx].Confidence = r.Confidence
				if r.Description != "" {
					outRelations[idx].Description = r.Description
				}
			}
			continue
		}

		seen[tuple] = len(outRelations)
		outRelations = append(outRelations, NormalizedRelation{
			SourceKey:   srcKey,
			TargetKey:   dstKey,
			Type:        relType,
			Description: r.Description,
			Confidence:  r.Confidence,
		})
	}

	return &ReviewResult{
		Entities:  outEntities,
		Relations: outRelations,
		Stats:     stats,
	}
}
