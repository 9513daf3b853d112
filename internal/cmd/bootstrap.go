package cmd

import (
	"fmt"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/consolidate"
	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/graph"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/search"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/memvec"
	"github.com/engramlabs/engram/internal/storage/sqlite"
	"github.com/engramlabs/engram/internal/trust"
)

// app is the assembled component set shared by serve and the mem
// subcommands.
type app struct {
	cfg      *config.Config
	backend  storage.Backend
	engine   *engine.Engine
	searcher *search.Searcher
	graph    *graph.Graph
	scorer   *trust.Scorer
}

// newApp loads config and wires backend, embedder, engine, trust scorer,
// searcher, and graph together. The trust cache invalidates through the
// engine's mutation hook.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	embedder, err := embed.New(cfg.EmbedProvider, cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel, cfg.EmbedDims)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	var backend storage.Backend
	if cfg.Backend == "memvec" {
		backend = memvec.New()
	} else {
		backend, err = sqlite.New(cfg.MemoryDBPath())
		if err != nil {
			return nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
	}

	scorer, err := trust.NewScorer(backend, trust.Config{
		RecencyHalfLife: cfg.TrustRecencyHalfLife,
		WVerification:   1, WCorroboration: 1, WRecency: 1, WUsage: 1,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("creating trust scorer: %w", err)
	}

	eng, err := engine.New(backend, embedder, engine.DedupConfig{
		SkipThreshold:      cfg.DedupSkipThreshold,
		SupersedeThreshold: cfg.DedupSupersedeThreshold,
		Candidates:         cfg.DedupCandidates,
		MatchKind:          cfg.DedupMatchKind,
	}, engine.WithMutationHook(scorer.Invalidate))
	if err != nil {
		scorer.Close()
		backend.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	searcher := search.New(backend, embedder, scorer, search.Weights{
		Semantic: cfg.SearchWeightSemantic,
		Keyword:  cfg.SearchWeightKeyword,
		Trust:    cfg.SearchWeightTrust,
		Recency:  cfg.SearchWeightRecency,
	})

	return &app{
		cfg:      cfg,
		backend:  backend,
		engine:   eng,
		searcher: searcher,
		graph:    graph.New(backend),
		scorer:   scorer,
	}, nil
}

// newConsolidator builds the consolidation engine from config.
func (a *app) newConsolidator() (*consolidate.Consolidator, error) {
	summarizer, err := llm.New(a.cfg.SummarizerProvider, a.cfg.SummarizerBaseURL, a.cfg.SummarizerAPIKey, a.cfg.SummarizerModel)
	if err != nil {
		return nil, fmt.Errorf("creating summarizer: %w", err)
	}
	return consolidate.New(a.engine, summarizer, a.cfg.ConsolidationThreshold), nil
}

func (a *app) close() {
	a.scorer.Close()
	_ = a.backend.Close()
}
