// Package rag orchestrates hybrid retrieval: vector similarity search and
// knowledge graph expansion run in parallel, then results merge under a
// combined score.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PagewiseAI/pagewise-mvp/engine/dedup"
	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
	"github.com/PagewiseAI/pagewise-mvp/engine/graph"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
	"github.com/PagewiseAI/pagewise-mvp/pkg/fn"
	"github.com/PagewiseAI/pagewise-mvp/pkg/resilience"
)

// ErrVectorSearch marks a query that failed because the vector path failed.
// The graph path alone cannot rank content, so this is fatal to the query.
var ErrVectorSearch = errors.New("vector search failed")

// Embedder is the embedding surface the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// VectorSearcher abstracts Qdrant similarity search.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int, scoreThreshold float32) ([]semantic.SearchHit, error)
}

// GraphSearcher abstracts the graph-side retrieval path.
type GraphSearcher interface {
	FindEntities(ctx context.Context, text string, limit int) ([]graph.Entity, error)
	PagesNear(ctx context.Context, entityIDs []string, depth int) ([]graph.PageRef, error)
}

// Options tunes retrieval behavior.
type Options struct {
	TopK           int
	GraphDepth     int
	ScoreThreshold float32
	Timeout        time.Duration
}

// DefaultOptions returns sensible retrieval defaults.
func DefaultOptions() Options {
	return Options{
		TopK:           10,
		GraphDepth:     2,
		ScoreThreshold: 0.3,
		Timeout:        10 * time.Second,
	}
}

// Request is one retrieval query. Zero fields fall back to engine defaults.
type Request struct {
	Query          string  `json:"query"`
	Limit          int     `json:"limit,omitempty"`
	ScoreThreshold float32 `json:"score_threshold,omitempty"`
	GraphDepth     int     `json:"graph_depth,omitempty"`
	// Rerank applies the graph-aware combined score. Off returns raw
	// vector-similarity order.
	Rerank bool `json:"rerank,omitempty"`
}

// Result is one retrieved page with its scoring breakdown.
type Result struct {
	PageID      string  `json:"page_id"`
	SourceURL   string  `json:"source_url"`
	Title       string  `json:"title"`
	Content     string  `json:"content,omitempty"`
	Score       float64 `json:"score"`
	VectorScore float64 `json:"vector_score"`
	GraphHops   int     `json:"graph_hops"`
	FromVector  bool    `json:"from_vector"`
	FromGraph   bool    `json:"from_graph"`
}

// Response carries retrieval results. Partial is set when the graph path
// failed and results are vector-only.
type Response struct {
	Results  []Result       `json:"results"`
	Entities []graph.Entity `json:"entities,omitempty"`
	Partial  bool           `json:"partial,omitempty"`
	Took     time.Duration  `json:"took"`
}

// Engine runs hybrid retrieval.
type Engine struct {
	cache     dedup.Store
	embedder  Embedder
	vectors   VectorSearcher
	graph     GraphSearcher
	extractor extract.Extractor
	breakers  *resilience.Registry
	retry     fn.RetryOpts
	opts      Options
	log       *slog.Logger
}

// New wires a retrieval engine. extractor identifies query entities for the
// graph path; a rule-based one keeps query latency flat.
func New(cache dedup.Store, embedder Embedder, vectors VectorSearcher, gs GraphSearcher,
	extractor extract.Extractor, breakers *resilience.Registry, retry fn.RetryOpts,
	opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cache:     cache,
		embedder:  embedder,
		vectors:   vectors,
		graph:     gs,
		extractor: extractor,
		breakers:  breakers,
		retry:     retry,
		opts:      opts,
		log:       log,
	}
}

// Query runs the hybrid retrieval pipeline.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	topK := req.Limit
	if topK <= 0 {
		topK = e.opts.TopK
	}
	depth := req.GraphDepth
	if depth <= 0 {
		depth = e.opts.GraphDepth
	}
	threshold := req.ScoreThreshold
	if threshold <= 0 {
		threshold = e.opts.ScoreThreshold
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	// The full vector path (cache, embed, search) and the graph path run in
	// parallel, so graph traversal is not held up by embed latency.
	var (
		wg        sync.WaitGroup
		hits      []semantic.SearchHit
		vectorErr error
		refs      []graph.PageRef
		entities  []graph.Entity
		graphErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vector, err := e.queryVector(ctx, req.Query)
		if err != nil {
			vectorErr = fmt.Errorf("embed: %w", err)
			return
		}
		res := resilience.Execute(ctx, e.breakers.Get("qdrant"), e.retry,
			func(ctx context.Context) fn.Result[[]semantic.SearchHit] {
				return fn.FromPair(e.vectors.Search(ctx, vector, topK, threshold))
			})
		hits, vectorErr = res.Unwrap()
	}()
	go func() {
		defer wg.Done()
		entities, refs, graphErr = e.queryGraph(ctx, req.Query, depth)
	}()
	wg.Wait()

	if vectorErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrVectorSearch, vectorErr)
	}

	resp := &Response{Entities: entities}
	if graphErr != nil {
		// Degrade to vector-only rather than failing the query.
		e.log.Warn("graph path failed, returning vector-only results", "error", graphErr)
		resp.Partial = true
		refs = nil
	}

	resp.Results = merge(hits, refs, req.Rerank, topK)
	resp.Took = time.Since(start)
	return resp, nil
}

// queryVector returns the query embedding, consulting the cache first.
func (e *Engine) queryVector(ctx context.Context, query string) ([]float32, error) {
	if cached := e.cache.CachedEmbedding(ctx, e.embedder.Model(), query); cached != nil {
		return cached, nil
	}

	res := resilience.Execute(ctx, e.breakers.Get("embed"), e.retry,
		func(ctx context.Context) fn.Result[[]float32] {
			return fn.FromPair(e.embedder.Embed(ctx, query))
		})
	vector, err := res.Unwrap()
	if err != nil {
		return nil, err
	}

	if err := e.cache.CacheEmbedding(ctx, e.embedder.Model(), query, vector); err != nil {
		e.log.Debug("embedding cache write failed", "error", err)
	}
	return vector, nil
}

// queryGraph extracts entities from the query text, resolves them in the
// graph, and collects pages near them.
func (e *Engine) queryGraph(ctx context.Context, query string, depth int) ([]graph.Entity, []graph.PageRef, error) {
	ext, err := e.extractor.Extract(ctx, query)
	if err != nil || len(ext.Entities) == 0 {
		return nil, nil, err
	}

	var resolved []graph.Entity
	breaker := e.breakers.Get("neo4j")
	for _, ent := range ext.Entities {
		res := resilience.Execute(ctx, breaker, e.retry,
			func(ctx context.Context) fn.Result[[]graph.Entity] {
				return fn.FromPair(e.graph.FindEntities(ctx, ent.Text, 5))
			})
		found, err := res.Unwrap()
		if err != nil {
			return nil, nil, err
		}
		resolved = append(resolved, found...)
	}
	if len(resolved) == 0 {
		return nil, nil, nil
	}

	ids := fn.Map(resolved, func(ent graph.Entity) string { return ent.ID })
	res := resilience.Execute(ctx, breaker, e.retry,
		func(ctx context.Context) fn.Result[[]graph.PageRef] {
			return fn.FromPair(e.graph.PagesNear(ctx, fn.Unique(ids), depth))
		})
	refs, err := res.Unwrap()
	if err != nil {
		return nil, nil, err
	}
	return resolved, refs, nil
}
