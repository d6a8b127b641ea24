package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/companionkit/graphmem-go/pkg/affinity"
	"github.com/companionkit/graphmem-go/pkg/embedder"
	"github.com/companionkit/graphmem-go/pkg/extraction"
	"github.com/companionkit/graphmem-go/pkg/intelligence"
	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/vector"
)

// Processor handles one claimed outbox event. A returned error marks the
// event as a retryable failure.
type Processor interface {
	Process(ctx context.Context, event *storage.OutboxEvent) error
}

// Projector is the production Processor: it projects a ledger memory into
// the knowledge graph, the vector store, and the affinity state.
//
// Every write it performs is an idempotent upsert keyed by stable
// normalization keys or the memory id, so re-processing after a crash is
// safe.
type Projector struct {
	store     storage.LedgerStore
	extractor extraction.Extractor
	critic    *extraction.Critic
	detector  *intelligence.Detector
	affinity  *affinity.Engine

	// vectors and embedder are optional; when either is nil the vector
	// projection is skipped.
	vectors  vector.Store
	embedder embedder.Provider

	// affinityWindow bounds the burst-count lookback for the anti-gaming
	// cap.
	affinityWindow time.Duration

	// conflictScan bounds how many recent memories the conflict detector
	// considers per projection.
	conflictScan int
}

// ProjectorConfig wires the projector's collaborators.
type ProjectorConfig struct {
	Store     storage.LedgerStore
	Extractor extraction.Extractor
	Critic    *extraction.Critic
	Detector  *intelligence.Detector
	Affinity  *affinity.Engine

	// Vectors and Embedder are optional.
	Vectors  vector.Store
	Embedder embedder.Provider

	// AffinityWindow is the anti-gaming burst window (default: 10 minutes).
	AffinityWindow time.Duration

	// ConflictScan is the recent-memory lookback for conflict detection
	// (default: 50).
	ConflictScan int
}

// NewProjector creates a projector from its collaborators.
func NewProjector(cfg *ProjectorConfig) *Projector {
	window := cfg.AffinityWindow
	if window == 0 {
		window = 10 * time.Minute
	}
	scan := cfg.ConflictScan
	if scan == 0 {
		scan = 50
	}
	critic := cfg.Critic
	if critic == nil {
		critic = extraction.NewCritic(true)
	}
	detector := cfg.Detector
	if detector == nil {
		detector = intelligence.NewDetector(nil, 0.5)
	}

	return &Projector{
		store:          cfg.Store,
		extractor:      cfg.Extractor,
		critic:         critic,
		detector:       detector,
		affinity:       cfg.Affinity,
		vectors:        cfg.Vectors,
		embedder:       cfg.Embedder,
		affinityWindow: window,
		conflictScan:   scan,
	}
}

// Process projects one event's memory. The steps, in order: extract
// proposals, review them, upsert the graph, annotate conflicts, project the
// vector, update affinity, and finally commit the memory status.
func (p *Projector) Process(ctx context.Context, event *storage.OutboxEvent) error {
	var mem storage.MemoryRecord
	if err := json.Unmarshal(event.Payload, &mem); err != nil {
		return fmt.Errorf("process %s: malformed payload: %w", event.EventID, err)
	}

	hints, err := p.entityHints(ctx, mem.UserID)
	if err != nil {
		return fmt.Errorf("process %s: %w", event.EventID, err)
	}

	result, err := p.extractor.Extract(ctx, mem.Content, mem.UserID, hints)
	if err != nil {
		return fmt.Errorf("process %s: extraction: %w", event.EventID, err)
	}

	reviewed := p.critic.Review(result.Entities, result.Relations)
	source, _ := result.Metadata["source"].(string)
	if source == "" {
		source = extraction.SourceLLM
	}

	if err := p.writeGraph(ctx, &mem, reviewed, source); err != nil {
		return fmt.Errorf("process %s: graph write: %w", event.EventID, err)
	}

	// Conflict detection is advisory: a detector failure degrades to "no
	// conflicts found" and never blocks the projection.
	if err := p.annotateConflicts(ctx, &mem); err != nil {
		log.Printf("dispatcher: conflict annotation skipped for memory %d: %v", mem.ID, err)
	}

	if err := p.projectVector(ctx, &mem); err != nil {
		return fmt.Errorf("process %s: vector write: %w", event.EventID, err)
	}

	if p.affinity != nil {
		if err := p.updateAffinity(ctx, &mem); err != nil {
			return fmt.Errorf("process %s: affinity: %w", event.EventID, err)
		}
	}

	return nil
}

// entityHints returns known display names for extraction disambiguation.
func (p *Projector) entityHints(ctx context.Context, userID string) ([]string, error) {
	entities, err := p.store.EntitiesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	hints := make([]string, 0, len(entities))
	for _, e := range entities {
		hints = append(hints, e.DisplayName)
	}
	return hints, nil
}

// writeGraph upserts the reviewed entities and relations.
func (p *Projector) writeGraph(ctx context.Context, mem *storage.MemoryRecord, reviewed *extraction.ReviewResult, source string) error {
	now := time.Now().UTC()

	for _, e := range reviewed.Entities {
		err := p.store.UpsertEntity(ctx, &storage.Entity{
			UserID:      mem.UserID,
			Key:         e.Key,
			DisplayName: e.DisplayName,
			Type:        e.Type,
			Confidence:  e.Confidence,
			Source:      source,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}
	}

	for _, r := range reviewed.Relations {
		err := p.store.UpsertRelation(ctx, &storage.Relation{
			UserID:       mem.UserID,
			SourceKey:    r.SourceKey,
			TargetKey:    r.TargetKey,
			Type:         r.Type,
			Description:  r.Description,
			Confidence:   r.Confidence,
			MemoryID:     mem.ID,
			CreatedAt:    now,
			ReinforcedAt: now,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// annotateConflicts runs the detector over the user's recent memories and
// marks edges projected from superseded statements as disputed.
func (p *Projector) annotateConflicts(ctx context.Context, mem *storage.MemoryRecord) error {
	memories, err := p.store.RecentMemories(ctx, mem.UserID, p.conflictScan)
	if err != nil {
		return err
	}

	statements := make([]intelligence.Statement, 0, len(memories))
	for _, m := range memories {
		statements = append(statements, intelligence.Statement{
			ID:        m.ID,
			Text:      m.Content,
			CreatedAt: m.CreatedAt,
		})
	}

	conflicts := p.detector.Detect(statements)
	if len(conflicts) == 0 {
		return nil
	}

	relations, err := p.userRelations(ctx, mem.UserID)
	if err != nil {
		return err
	}

	for _, c := range conflicts {
		// Only conflicts resolved by the memory being projected matter
		// here; the older statement's edges get the disputed flag.
		if c.StatementIDs[1] != mem.ID {
			continue
		}
		olderID := c.StatementIDs[0]

		for _, r := range relations {
			if r.MemoryID != olderID || r.Disputed {
				continue
			}
			if !topicMentions(c.Topic, r.TargetKey) && !topicMentions(c.Topic, r.SourceKey) {
				continue
			}
			err := p.store.SetRelationDisputed(ctx, mem.UserID, r.SourceKey, r.Type, r.TargetKey, true)
			if err != nil {
				return err
			}
			log.Printf("dispatcher: marked %s-[%s]->%s disputed (memory %d superseded by %d)",
				r.SourceKey, r.Type, r.TargetKey, olderID, mem.ID)
		}
	}

	return nil
}

// userRelations collects every edge in the user's graph, deduplicated.
func (p *Projector) userRelations(ctx context.Context, userID string) ([]*storage.Relation, error) {
	entities, err := p.store.EntitiesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var relations []*storage.Relation
	for _, e := range entities {
		edges, err := p.store.Neighbors(ctx, userID, e.Key)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			id := edge.SourceKey + "\x00" + edge.Type + "\x00" + edge.TargetKey
			if seen[id] {
				continue
			}
			seen[id] = true
			relations = append(relations, edge)
		}
	}
	return relations, nil
}

// topicMentions reports whether an entity key overlaps a conflict topic
// signature.
func topicMentions(topic, key string) bool {
	key = strings.ToLower(key)
	for _, tok := range strings.Fields(topic) {
		if strings.Contains(key, tok) || strings.Contains(tok, key) {
			return true
		}
	}
	return false
}

// projectVector embeds the memory content and upserts it, keyed by memory
// id.
func (p *Projector) projectVector(ctx context.Context, mem *storage.MemoryRecord) error {
	if p.vectors == nil || p.embedder == nil {
		return nil
	}

	embedding, err := p.embedder.Embed(ctx, mem.Content)
	if err != nil {
		return err
	}

	return p.vectors.Upsert(ctx, &vector.Record{
		MemoryID:  mem.ID,
		UserID:    mem.UserID,
		Content:   mem.Content,
		Embedding: embedding,
	})
}

// updateAffinity derives this turn's signal bundle and applies it.
func (p *Projector) updateAffinity(ctx context.Context, mem *storage.MemoryRecord) error {
	sig := affinity.Signals{UserInitiated: true}

	if v, ok := mem.Metadata["user_initiated"].(bool); ok {
		sig.UserInitiated = v
	}
	if v, ok := mem.Metadata["emotion_valence"].(float64); ok {
		sig.EmotionValence = v
	}

	recent, err := p.recentAffinityUpdates(ctx, mem.UserID)
	if err != nil {
		return err
	}
	sig.RecentUpdates = recent

	_, err = p.affinity.Update(ctx, mem.UserID, sig, fmt.Sprintf("memory:%d", mem.ID))
	return err
}

// recentAffinityUpdates counts history entries inside the burst window.
func (p *Projector) recentAffinityUpdates(ctx context.Context, userID string) (int, error) {
	history, err := p.affinity.History(ctx, userID, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-p.affinityWindow)
	count := 0
	for _, tr := range history {
		if tr.CreatedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}
