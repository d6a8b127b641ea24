package core

import (
	"github.com/companionkit/graphmem-go/pkg/affinity"
	"github.com/companionkit/graphmem-go/pkg/dispatcher"
	"github.com/companionkit/graphmem-go/pkg/extraction"
	"github.com/companionkit/graphmem-go/pkg/intelligence"
	"github.com/companionkit/graphmem-go/pkg/storage"
)

// engineOptions collects overrides applied on top of the Config.
type engineOptions struct {
	store             storage.LedgerStore
	extractor         extraction.Extractor
	strictCritic      bool
	decay             *intelligence.DecayConfig
	affinityCfg       *affinity.Config
	dispatcherCfg     *dispatcher.Config
	lexicon           *intelligence.Lexicon
	conflictThreshold float64
}

// Option customizes engine construction beyond what the Config expresses.
type Option func(*engineOptions)

// WithLedgerStore injects a pre-built ledger store, bypassing the provider
// switch in the Config. Primarily for tests.
func WithLedgerStore(store storage.LedgerStore) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithExtractor replaces the default extractor chain (LLM with regex
// fallback) with a custom one.
func WithExtractor(extractor extraction.Extractor) Option {
	return func(o *engineOptions) { o.extractor = extractor }
}

// WithStrictCritic toggles strict review mode: strict mode drops self-loop
// relations instead of keeping them (default: strict).
func WithStrictCritic(strict bool) Option {
	return func(o *engineOptions) { o.strictCritic = strict }
}

// WithDecayConfig overrides the per-type memory decay rates.
func WithDecayConfig(cfg *intelligence.DecayConfig) Option {
	return func(o *engineOptions) { o.decay = cfg }
}

// WithAffinityConfig overrides the affinity scoring policy.
func WithAffinityConfig(cfg *affinity.Config) Option {
	return func(o *engineOptions) { o.affinityCfg = cfg }
}

// WithDispatcherConfig tunes the outbox worker pool and retry policy.
func WithDispatcherConfig(cfg *dispatcher.Config) Option {
	return func(o *engineOptions) { o.dispatcherCfg = cfg }
}

// WithLexicon replaces the conflict detector's sentiment lexicon, e.g. for a
// non-English deployment.
func WithLexicon(lexicon *intelligence.Lexicon) Option {
	return func(o *engineOptions) { o.lexicon = lexicon }
}

// WithConflictThreshold sets the topic-overlap threshold above which two
// statements are compared for contradiction (default: 0.5).
func WithConflictThreshold(threshold float64) Option {
	return func(o *engineOptions) { o.conflictThreshold = threshold }
}
