// Package retrieval answers queries against a KB snapshot: dense vector
// scoring, lexical BM25, min-max hybrid fusion, and an optional
// cross-encoder rerank pass.
package retrieval

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/store"
	"corpusd/internal/types"
)

// Options selects which signals score a query.
type Options struct {
	UseVector bool
	UseBM25   bool
	UseRerank bool
	K         int
	// Filter keeps only chunks whose document metadata contains every
	// listed key/value pair.
	Filter map[string]string
}

// DefaultOptions is a plain dense-vector query with the default k.
func DefaultOptions() Options { return Options{UseVector: true, K: 5} }

// Embedder is the slice of the embedding client the engine needs.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Engine executes queries. It reads a store snapshot at query start and
// never blocks on concurrent ingestion beyond that read.
type Engine struct {
	store          *store.Store
	embed          Embedder
	cfg            config.RetrievalConfig
	rerankEndpoint string
	client         *http.Client

	mu   sync.Mutex
	bm25 map[int64]*bm25CacheEntry
}

// DefaultK is the k used when a request leaves it unspecified. An explicit
// k of zero still returns an empty result.
func (e *Engine) DefaultK() int { return e.cfg.DefaultK }

// New wires an engine. rerankEndpoint may be empty, in which case rerank
// requests degrade to the hybrid scores.
func New(st *store.Store, embed Embedder, cfg config.RetrievalConfig, rerankEndpoint string) *Engine {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 200
	}
	if cfg.RerankTopM <= 0 {
		cfg.RerankTopM = 50
	}
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 20 * time.Second
	}
	return &Engine{
		store:          st,
		embed:          embed,
		cfg:            cfg,
		rerankEndpoint: rerankEndpoint,
		client:         &http.Client{Timeout: cfg.SoftDeadline},
		bm25:           make(map[int64]*bm25CacheEntry),
	}
}

type candidate struct {
	chunk    types.Chunk
	document string
	vec      float64
	bm25     float64
	score    float64
}

// Query scores a KB's chunks against text and returns the top k.
func (e *Engine) Query(ctx context.Context, kbNameOrSlug, text string, opts Options) ([]types.ScoredChunk, error) {
	started := time.Now()
	defer logging.StartTimer(logging.CategoryRetrieval, "query "+kbNameOrSlug).Stop()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.E(types.KindValidation, "query text must not be empty")
	}
	if !opts.UseVector && !opts.UseBM25 {
		return nil, types.E(types.KindValidation, "at least one of vector and bm25 scoring must be enabled")
	}
	k := opts.K
	if k < 0 {
		return nil, types.E(types.KindValidation, "k must not be negative")
	}
	if k > e.cfg.MaxK {
		k = e.cfg.MaxK
	}

	kb, err := e.store.GetKB(kbNameOrSlug)
	if err != nil {
		return nil, err
	}
	if k == 0 {
		return []types.ScoredChunk{}, nil
	}
	snapshot, err := e.store.ChunksForKB(kb.ID)
	if err != nil {
		return nil, err
	}
	if len(opts.Filter) > 0 {
		snapshot, err = e.applyFilter(kb.ID, snapshot, opts.Filter)
		if err != nil {
			return nil, err
		}
	}
	if len(snapshot) == 0 {
		return []types.ScoredChunk{}, nil
	}

	candidates := make([]candidate, len(snapshot))
	for i, sc := range snapshot {
		candidates[i] = candidate{chunk: sc.Chunk, document: sc.Document}
	}

	if opts.UseVector {
		qv, err := e.embed.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(qv) != kb.Dimensions {
			return nil, types.E(types.KindValidation,
				"query embedding has dimension %d, kb %q requires %d", len(qv), kb.Name, kb.Dimensions)
		}
		for i, sc := range snapshot {
			if len(sc.Vector) == len(qv) {
				candidates[i].vec = dot(qv, sc.Vector)
			}
		}
	}

	if opts.UseBM25 {
		idx := e.bm25For(kb, snapshot, len(opts.Filter) > 0)
		queryTerms := tokenize(text)
		for i := range candidates {
			candidates[i].bm25 = idx.score(queryTerms, i)
		}
	}

	// Candidate pool for fusion and rerank.
	poolSize := 10 * k
	if poolSize < 50 {
		poolSize = 50
	}
	primary := func(c candidate) float64 { return c.vec }
	if !opts.UseVector {
		primary = func(c candidate) float64 { return c.bm25 }
	}
	sortCandidates(candidates, primary)
	if len(candidates) > poolSize {
		candidates = candidates[:poolSize]
	}

	switch {
	case opts.UseVector && opts.UseBM25:
		vecNorm := minMax(candidates, func(c candidate) float64 { return c.vec })
		bmNorm := minMax(candidates, func(c candidate) float64 { return c.bm25 })
		for i := range candidates {
			candidates[i].score = 0.5*vecNorm[i] + 0.5*bmNorm[i]
		}
	case opts.UseVector:
		for i := range candidates {
			candidates[i].score = candidates[i].vec
		}
	default:
		for i := range candidates {
			candidates[i].score = candidates[i].bm25
		}
	}
	sortCandidates(candidates, func(c candidate) float64 { return c.score })

	if opts.UseRerank {
		candidates = e.maybeRerank(ctx, text, candidates, started)
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]types.ScoredChunk, len(candidates))
	for i, c := range candidates {
		out[i] = types.ScoredChunk{
			Chunk:    c.chunk,
			Document: c.document,
			Score:    c.score,
			VecScore: c.vec,
			BM25:     c.bm25,
		}
	}
	logging.RetrievalDebug("query %q on %q: %d candidates, returned %d", text, kb.Slug, len(snapshot), len(out))
	return out, nil
}

// maybeRerank replaces the scores of the top M candidates with cross-encoder
// scores. Past the soft deadline, or on any backend failure, the hybrid
// ordering stands.
func (e *Engine) maybeRerank(ctx context.Context, query string, candidates []candidate, started time.Time) []candidate {
	if e.rerankEndpoint == "" {
		return candidates
	}
	if time.Since(started) > e.cfg.SoftDeadline {
		logging.Retrieval("soft deadline exceeded, skipping rerank")
		return candidates
	}

	m := e.cfg.RerankTopM
	if m > len(candidates) {
		m = len(candidates)
	}
	top := candidates[:m]
	texts := make([]string, m)
	for i, c := range top {
		texts[i] = c.chunk.Text
	}

	scores, err := e.rerank(ctx, query, texts)
	if err != nil {
		logging.Retrieval("rerank failed, keeping hybrid order: %v", err)
		return candidates
	}
	for i := range top {
		top[i].score = scores[i]
	}
	sortCandidates(top, func(c candidate) float64 { return c.score })
	return candidates
}

func (e *Engine) applyFilter(kbID int64, snapshot []store.StoredChunk, filter map[string]string) ([]store.StoredChunk, error) {
	docs, err := e.store.ListDocuments(kbID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool)
	for _, d := range docs {
		match := true
		for key, want := range filter {
			if d.Metadata[key] != want {
				match = false
				break
			}
		}
		if match {
			allowed[d.Filename] = true
		}
	}

	kept := snapshot[:0]
	for _, sc := range snapshot {
		if allowed[sc.Document] {
			kept = append(kept, sc)
		}
	}
	return kept, nil
}

// sortCandidates orders by key desc, then filename asc, then ordinal asc.
func sortCandidates(cs []candidate, key func(candidate) float64) {
	sort.SliceStable(cs, func(i, j int) bool {
		ki, kj := key(cs[i]), key(cs[j])
		if ki != kj {
			return ki > kj
		}
		if cs[i].document != cs[j].document {
			return cs[i].document < cs[j].document
		}
		return cs[i].chunk.Ordinal < cs[j].chunk.Ordinal
	})
}

// minMax normalizes a signal over the pool into [0, 1]. A degenerate pool
// (all values equal) maps to 0.5 so neither signal dominates by accident.
func minMax(cs []candidate, key func(candidate) float64) []float64 {
	lo, hi := key(cs[0]), key(cs[0])
	for _, c := range cs[1:] {
		v := key(c)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(cs))
	if hi == lo {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, c := range cs {
		out[i] = (key(c) - lo) / (hi - lo)
	}
	return out
}

// dot is cosine similarity for unit-length inputs.
func dot(a []float32, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
