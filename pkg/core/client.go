package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/companionkit/graphmem-go/pkg/affinity"
	"github.com/companionkit/graphmem-go/pkg/dispatcher"
	"github.com/companionkit/graphmem-go/pkg/embedder"
	openaiembed "github.com/companionkit/graphmem-go/pkg/embedder/openai"
	"github.com/companionkit/graphmem-go/pkg/extraction"
	"github.com/companionkit/graphmem-go/pkg/intelligence"
	"github.com/companionkit/graphmem-go/pkg/llm"
	"github.com/companionkit/graphmem-go/pkg/llm/deepseek"
	openaillm "github.com/companionkit/graphmem-go/pkg/llm/openai"
	"github.com/companionkit/graphmem-go/pkg/llm/qwen"
	"github.com/companionkit/graphmem-go/pkg/retrieval"
	"github.com/companionkit/graphmem-go/pkg/storage"
	"github.com/companionkit/graphmem-go/pkg/storage/mysql"
	"github.com/companionkit/graphmem-go/pkg/storage/postgres"
	ledgersqlite "github.com/companionkit/graphmem-go/pkg/storage/sqlite"
	"github.com/companionkit/graphmem-go/pkg/vector"
	vectorsqlite "github.com/companionkit/graphmem-go/pkg/vector/sqlite"
)

// Engine is the GraphMem facade: turn ingestion through the transactional
// outbox, asynchronous projection into the knowledge graph and vector store,
// and question answering over the projected graph.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	engine, err := core.NewEngine(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.Start(ctx)
//	mem, _ := engine.AddTurn(ctx, "alice", "sess-1", "I love hiking", nil)
//	engine.WaitForDrain(ctx, "sess-1", "alice", 0, 5*time.Second)
//	answer, _ := engine.Ask(ctx, "alice", "what do I like?")
type Engine struct {
	cfg  *Config
	node *snowflake.Node

	store     storage.LedgerStore
	vectors   vector.Store
	llm       llm.Provider
	embedder  embedder.Provider
	extractor extraction.Extractor

	affinity   *affinity.Engine
	retriever  *retrieval.Retriever
	dispatcher *dispatcher.Dispatcher

	started bool
}

// NewEngine creates an engine from the configuration.
//
// The LLM and embedder sections are optional: without an LLM API key the
// engine extracts with the regex fallback alone, and without a vector store
// path SearchSimilar is unavailable. The ledger provider is required.
//
// Parameters:
//   - cfg: Engine configuration (see LoadConfigFromEnv, LoadConfigFromJSON)
//   - opts: Construction overrides (see Option)
//
// Returns the engine, or an error if the configuration is invalid or a
// backing store cannot be opened.
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, NewEngineError("NewEngine", ErrInvalidConfig)
	}

	o := &engineOptions{strictCritic: true, conflictThreshold: 0.5}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewEngineError("NewEngine", err)
	}

	e := &Engine{cfg: cfg, node: node}

	e.store = o.store
	if e.store == nil {
		store, err := openLedgerStore(cfg.Ledger)
		if err != nil {
			return nil, NewEngineError("NewEngine", err)
		}
		e.store = store
	}

	if cfg.VectorStore.DBPath != "" {
		vectors, err := vectorsqlite.NewStore(&vectorsqlite.Config{DBPath: cfg.VectorStore.DBPath})
		if err != nil {
			_ = e.store.Close()
			return nil, NewEngineError("NewEngine", err)
		}
		e.vectors = vectors
	}

	if cfg.LLM.APIKey != "" {
		provider, err := openLLMProvider(cfg.LLM)
		if err != nil {
			_ = e.Close()
			return nil, NewEngineError("NewEngine", err)
		}
		e.llm = provider
	}

	if e.vectors != nil && cfg.Embedder.APIKey != "" {
		embedClient, err := openaiembed.NewClient(&openaiembed.Config{
			APIKey:     cfg.Embedder.APIKey,
			Model:      cfg.Embedder.Model,
			BaseURL:    cfg.Embedder.BaseURL,
			Dimensions: cfg.Embedder.Dimensions,
		})
		if err != nil {
			_ = e.Close()
			return nil, NewEngineError("NewEngine", err)
		}
		e.embedder = embedClient
	}

	e.extractor = o.extractor
	if e.extractor == nil {
		regex := extraction.NewRegexExtractor()
		if e.llm != nil {
			e.extractor = extraction.NewFallbackExtractor(extraction.NewLLMExtractor(e.llm), regex)
		} else {
			e.extractor = regex
		}
	}

	e.affinity = affinity.NewEngine(e.store, o.affinityCfg)
	e.retriever = retrieval.NewRetriever(e.store, o.decay)

	projector := dispatcher.NewProjector(&dispatcher.ProjectorConfig{
		Store:     e.store,
		Extractor: e.extractor,
		Critic:    extraction.NewCritic(o.strictCritic),
		Detector:  intelligence.NewDetector(o.lexicon, o.conflictThreshold),
		Affinity:  e.affinity,
		Vectors:   e.vectors,
		Embedder:  e.embedder,
	})
	e.dispatcher = dispatcher.New(e.store, projector, o.dispatcherCfg)

	return e, nil
}

// openLedgerStore opens the configured ledger backend.
func openLedgerStore(cfg LedgerConfig) (storage.LedgerStore, error) {
	switch cfg.Provider {
	case "sqlite":
		return ledgersqlite.NewStore(&ledgersqlite.Config{
			DBPath: configString(cfg.Config, "db_path", "./graphmem.db"),
		})
	case "postgres":
		return postgres.NewStore(&postgres.Config{
			Host:     configString(cfg.Config, "host", "localhost"),
			Port:     configInt(cfg.Config, "port", 5432),
			User:     configString(cfg.Config, "user", "postgres"),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "db_name", "graphmem"),
			SSLMode:  configString(cfg.Config, "ssl_mode", "disable"),
		})
	case "mysql":
		return mysql.NewStore(&mysql.Config{
			Host:     configString(cfg.Config, "host", "localhost"),
			Port:     configInt(cfg.Config, "port", 3306),
			User:     configString(cfg.Config, "user", "root"),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "db_name", "graphmem"),
		})
	default:
		return nil, fmt.Errorf("unsupported ledger provider: %s", cfg.Provider)
	}
}

// openLLMProvider opens the configured LLM backend.
func openLLMProvider(cfg LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return openaillm.NewClient(&openaillm.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "qwen":
		return qwen.NewClient(&qwen.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "deepseek":
		return deepseek.NewClient(&deepseek.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// Start launches the background dispatcher. Turns added before Start sit in
// the outbox and are projected once workers come up.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.dispatcher.Start(ctx); err != nil {
		return NewEngineError("Start", err)
	}
	e.started = true
	return nil
}

// Stop shuts the dispatcher down, waiting for in-flight events to finish.
func (e *Engine) Stop() {
	e.dispatcher.Stop()
	e.started = false
}

// AddTurn ingests one conversation turn.
//
// The memory and its outbox event are written in a single transaction, so a
// returned nil error guarantees the turn will eventually be projected into
// the graph. The returned record has status pending; it flips to committed
// when projection completes.
//
// Metadata keys the projector understands:
//   - user_initiated (bool): the user started this exchange
//   - emotion_valence (float64 in [-1,1]): the turn's emotional charge
func (e *Engine) AddTurn(ctx context.Context, userID, sessionID, content string, metadata map[string]interface{}) (*storage.MemoryRecord, error) {
	if userID == "" || strings.TrimSpace(content) == "" {
		return nil, NewEngineError("AddTurn", ErrInvalidInput)
	}

	mem := &storage.MemoryRecord{
		ID:        e.node.Generate().Int64(),
		UserID:    userID,
		SessionID: sessionID,
		Content:   content,
		Status:    storage.MemoryPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	if _, err := e.store.AppendMemory(ctx, mem); err != nil {
		return nil, NewEngineError("AddTurn", err)
	}
	return mem, nil
}

// Ask answers a question from the user's knowledge graph.
//
// Every returned fact is a real graph edge; a question about an unknown
// entity returns an empty answer rather than a guess. Each returned fact is
// recorded as a usage so the user's later reaction can be attached via
// RecordReaction.
func (e *Engine) Ask(ctx context.Context, userID, query string, opts ...retrieval.Option) (*Answer, error) {
	if userID == "" || strings.TrimSpace(query) == "" {
		return nil, NewEngineError("Ask", ErrInvalidInput)
	}

	facts, err := e.retriever.Retrieve(ctx, userID, query, opts...)
	if err != nil {
		return nil, NewEngineError("Ask", err)
	}

	answer := &Answer{Query: query, Facts: make([]*AnsweredFact, 0, len(facts))}
	for _, fact := range facts {
		usageID := e.node.Generate().Int64()
		if err := e.store.RecordUsage(ctx, &storage.UsageRecord{
			ID:       usageID,
			UserID:   userID,
			MemoryID: fact.MemoryID,
			UsedAt:   time.Now().UTC(),
		}); err != nil {
			return nil, NewEngineError("Ask", err)
		}
		answer.Facts = append(answer.Facts, &AnsweredFact{Fact: *fact, UsageID: usageID})
	}
	return answer, nil
}

// RecordReaction attaches the user's reaction to a previously answered fact.
//
// Reactions are set-once: repeating the same reaction is a no-op, a different
// reaction returns storage.ErrReactionConflict.
func (e *Engine) RecordReaction(ctx context.Context, usageID int64, reaction string) error {
	if reaction != ReactionHelpful && reaction != ReactionUnhelpful {
		return NewEngineError("RecordReaction", ErrInvalidInput)
	}
	if err := e.store.RecordReaction(ctx, usageID, reaction); err != nil {
		return NewEngineError("RecordReaction", err)
	}
	return nil
}

// SearchSimilar finds the user's memories closest to the query text in
// embedding space. Requires the vector store and embedder to be configured.
func (e *Engine) SearchSimilar(ctx context.Context, userID, query string, topK int) ([]*vector.Match, error) {
	if e.vectors == nil || e.embedder == nil {
		return nil, NewEngineError("SearchSimilar", ErrInvalidConfig)
	}
	if userID == "" || strings.TrimSpace(query) == "" {
		return nil, NewEngineError("SearchSimilar", ErrInvalidInput)
	}

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, NewEngineError("SearchSimilar", err)
	}

	matches, err := e.vectors.Search(ctx, userID, embedding, topK)
	if err != nil {
		return nil, NewEngineError("SearchSimilar", err)
	}
	return matches, nil
}

// WaitForDrain blocks until the (session, user) pair has no pending or
// processing events, the timeout elapses, or ctx is cancelled. Returns
// ErrNotStarted when the dispatcher is not running, since the queue could
// never drain.
func (e *Engine) WaitForDrain(ctx context.Context, sessionID, userID string, pollInterval, timeout time.Duration) (*dispatcher.DrainStatus, error) {
	if !e.started {
		return nil, NewEngineError("WaitForDrain", ErrNotStarted)
	}
	status, err := e.dispatcher.WaitForDrain(ctx, sessionID, userID, pollInterval, timeout)
	if err != nil {
		return status, NewEngineError("WaitForDrain", err)
	}
	return status, nil
}

// GetMemory retrieves a ledger memory by id.
func (e *Engine) GetMemory(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	mem, err := e.store.GetMemory(ctx, id)
	if err != nil {
		return nil, NewEngineError("GetMemory", err)
	}
	return mem, nil
}

// Affinity returns the user's current relationship state. Users with no
// history are strangers with a zero score.
func (e *Engine) Affinity(ctx context.Context, userID string) (*storage.AffinityState, error) {
	state, err := e.affinity.Get(ctx, userID)
	if err != nil {
		return nil, NewEngineError("Affinity", err)
	}
	return state, nil
}

// AffinityHistory returns the user's affinity transitions in append order,
// bounded by limit (0 = all).
func (e *Engine) AffinityHistory(ctx context.Context, userID string, limit int) ([]*storage.AffinityTransition, error) {
	history, err := e.affinity.History(ctx, userID, limit)
	if err != nil {
		return nil, NewEngineError("AffinityHistory", err)
	}
	return history, nil
}

// OutboxStats returns the outbox observability snapshot.
func (e *Engine) OutboxStats(ctx context.Context) (*storage.OutboxStats, error) {
	stats, err := e.store.OutboxStats(ctx)
	if err != nil {
		return nil, NewEngineError("OutboxStats", err)
	}
	return stats, nil
}

// Requeue moves a dead-lettered event back to pending with a zeroed attempt
// count. Administrative operation, typically run after fixing the root cause.
func (e *Engine) Requeue(ctx context.Context, eventID string) error {
	if err := e.dispatcher.Requeue(ctx, eventID); err != nil {
		return NewEngineError("Requeue", err)
	}
	return nil
}

// Close stops the dispatcher and releases all backing resources.
func (e *Engine) Close() error {
	if e.started {
		e.Stop()
	}

	var firstErr error
	if e.llm != nil {
		if err := e.llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.embedder != nil {
		if err := e.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.vectors != nil {
		if err := e.vectors.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return NewEngineError("Close", firstErr)
}

// configString reads a string value from a provider config map.
func configString(cfg map[string]interface{}, key, defaultValue string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// configInt reads an integer value from a provider config map. JSON decoding
// produces float64, so both numeric shapes are accepted.
func configInt(cfg map[string]interface{}, key string, defaultValue int) int {
	switch v := cfg[key].(type) {
	case int:
		if v != 0 {
			return v
		}
	case float64:
		if v != 0 {
			return int(v)
		}
	}
	return defaultValue
}
