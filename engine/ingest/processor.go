// Package ingest runs crawl events through the page pipeline: dedup, language
// gate, embed, vector upsert, entity extraction, graph write.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/PagewiseAI/pagewise-mvp/engine/dedup"
	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
	"github.com/PagewiseAI/pagewise-mvp/pkg/fn"
	met "github.com/PagewiseAI/pagewise-mvp/pkg/metrics"
	"github.com/PagewiseAI/pagewise-mvp/pkg/natsutil"
	"github.com/PagewiseAI/pagewise-mvp/pkg/resilience"
)

// Deps holds the processor's external collaborators.
type Deps struct {
	Dedup      dedup.Store
	Gate       LanguageGate
	Embedder   Embedder
	Vectors    VectorWriter
	Graph      GraphWriter
	Extractor  extract.Extractor
	Breakers   *resilience.Registry
	Retry      fn.RetryOpts
	EmbedLimit *resilience.Limiter // optional; paces outbound embedding calls
	NATS       *nats.Conn          // optional; nil disables DLQ and lifecycle fan-out
	Metrics    *met.Registry
	Logger     *slog.Logger
}

// Processor executes the per-page pipeline.
type Processor struct {
	deps Deps
	log  *slog.Logger

	processed *met.Counter
	skipped   *met.Counter
	failed    *met.Counter
}

// NewProcessor wires a processor.
func NewProcessor(deps Deps) *Processor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Metrics
	if reg == nil {
		reg = met.New()
	}
	return &Processor{
		deps:      deps,
		log:       log,
		processed: reg.Counter("ingest_pages_processed_total", "Pages fully processed"),
		skipped:   reg.Counter("ingest_pages_skipped_total", "Pages skipped by dedup, emptiness, or language"),
		failed:    reg.Counter("ingest_pages_failed_total", "Pages that exhausted retries"),
	}
}

// HandleEvent routes one parsed webhook event.
func (p *Processor) HandleEvent(ctx context.Context, ev *domain.Event) {
	switch ev.Type {
	case domain.EventCrawlStarted, domain.EventBatchStarted:
		p.log.Info("crawl started", "crawl_id", ev.CrawlID)
		p.fanOut(ctx, CrawlStartedSubject, lifecycleMessage{CrawlID: ev.CrawlID})

	case domain.EventCrawlPage, domain.EventBatchPage:
		if err := p.ProcessPage(ctx, ev.CrawlID, *ev.Page); err != nil {
			p.log.Error("page processing failed",
				"crawl_id", ev.CrawlID,
				"source_url", ev.Page.Metadata.SourceURL,
				"error", err)
		}

	case domain.EventCrawlCompleted, domain.EventBatchCompleted:
		p.ProcessBatch(ctx, ev.CrawlID, ev.Pages)
		// The crawl is terminal, so its dedup set has no further use.
		if err := p.deps.Dedup.Cleanup(ctx, ev.CrawlID); err != nil {
			p.log.Warn("dedup cleanup failed", "crawl_id", ev.CrawlID, "error", err)
		}
		p.log.Info("crawl completed", "crawl_id", ev.CrawlID, "pages", len(ev.Pages))
		p.fanOut(ctx, CrawlCompletedSubject, lifecycleMessage{CrawlID: ev.CrawlID, Pages: len(ev.Pages)})

	case domain.EventCrawlFailed, domain.EventBatchFailed:
		if err := p.deps.Dedup.Cleanup(ctx, ev.CrawlID); err != nil {
			p.log.Warn("dedup cleanup failed", "crawl_id", ev.CrawlID, "error", err)
		}
		p.log.Warn("crawl failed", "crawl_id", ev.CrawlID, "error", ev.Error)
		p.fanOut(ctx, CrawlFailedSubject, lifecycleMessage{CrawlID: ev.CrawlID, Error: ev.Error})

	default:
		p.log.Warn("skipping unhandled event type", "type", ev.Type, "crawl_id", ev.CrawlID)
	}
}

// ProcessPage runs one page through the full pipeline. The page is marked
// processed once its vector write lands; extraction failures after that point
// are logged but do not fail the page.
func (p *Processor) ProcessPage(ctx context.Context, crawlID string, page domain.Page) error {
	url := page.Metadata.SourceURL
	pageID := domain.PageID(url)

	if p.deps.Dedup.IsProcessed(ctx, crawlID, url) {
		p.skipped.Inc()
		p.log.Debug("skipping duplicate page", "crawl_id", crawlID, "source_url", url)
		return nil
	}
	// Empty pages are skipped without a dedup mark: the completed replay may
	// carry the same URL with content.
	if !page.HasContent() {
		p.skipped.Inc()
		return nil
	}
	if admit, code := p.deps.Gate.Admit(page.Markdown); !admit {
		p.skipped.Inc()
		p.log.Info("page rejected by language gate", "source_url", url, "language", code)
		p.markProcessed(ctx, crawlID, url)
		return nil
	}

	embedRes := resilience.Execute(ctx, p.deps.Breakers.Get("embed"), p.deps.Retry,
		func(ctx context.Context) fn.Result[[]float32] {
			if err := p.paceEmbed(ctx); err != nil {
				return fn.Err[[]float32](err)
			}
			return fn.FromPair(p.deps.Embedder.Embed(ctx, page.Markdown))
		})
	vector, err := embedRes.Unwrap()
	if err != nil {
		p.failed.Inc()
		p.deadLetter(ctx, crawlID, url, err)
		return fmt.Errorf("embed: %w", err)
	}

	record := semantic.PageRecord{
		ID:        pageID,
		Embedding: vector,
		Content:   page.Markdown,
		SourceURL: url,
		Title:     page.Metadata.Title,
		CrawlID:   crawlID,
	}
	if err := resilience.Do(ctx, p.deps.Breakers.Get("qdrant"), p.deps.Retry,
		func(ctx context.Context) error {
			return p.deps.Vectors.Upsert(ctx, []semantic.PageRecord{record})
		}); err != nil {
		p.failed.Inc()
		p.deadLetter(ctx, crawlID, url, err)
		return fmt.Errorf("vector upsert: %w", err)
	}

	p.markProcessed(ctx, crawlID, url)
	p.processed.Inc()

	p.extractToGraph(ctx, pageID, page)
	return nil
}

// ProcessBatch handles a completed event's page replay. Pages already handled
// as individual page events are filtered out, the rest are embedded in
// bounded batches.
func (p *Processor) ProcessBatch(ctx context.Context, crawlID string, pages []domain.Page) {
	var fresh []domain.Page
	for _, page := range pages {
		url := page.Metadata.SourceURL
		if p.deps.Dedup.IsProcessed(ctx, crawlID, url) {
			p.skipped.Inc()
			continue
		}
		if !page.HasContent() {
			p.skipped.Inc()
			continue
		}
		if admit, code := p.deps.Gate.Admit(page.Markdown); !admit {
			p.skipped.Inc()
			p.log.Info("page rejected by language gate",
				"source_url", url, "language", code)
			p.markProcessed(ctx, crawlID, url)
			continue
		}
		fresh = append(fresh, page)
	}

	for _, group := range fn.Chunk(fresh, EmbedBatchSize) {
		p.processGroup(ctx, crawlID, group)
	}
}

func (p *Processor) processGroup(ctx context.Context, crawlID string, pages []domain.Page) {
	texts := fn.Map(pages, func(pg domain.Page) string { return pg.Markdown })

	embedRes := resilience.Execute(ctx, p.deps.Breakers.Get("embed"), p.deps.Retry,
		func(ctx context.Context) fn.Result[[][]float32] {
			if err := p.paceEmbed(ctx); err != nil {
				return fn.Err[[][]float32](err)
			}
			return fn.FromPair(p.deps.Embedder.EmbedBatch(ctx, texts))
		})
	vectors, err := embedRes.Unwrap()
	if err != nil {
		p.failed.Add(int64(len(pages)))
		for _, page := range pages {
			p.deadLetter(ctx, crawlID, page.Metadata.SourceURL, err)
		}
		return
	}

	records := make([]semantic.PageRecord, len(pages))
	for i, page := range pages {
		records[i] = semantic.PageRecord{
			ID:        domain.PageID(page.Metadata.SourceURL),
			Embedding: vectors[i],
			Content:   page.Markdown,
			SourceURL: page.Metadata.SourceURL,
			Title:     page.Metadata.Title,
			CrawlID:   crawlID,
		}
	}
	if err := resilience.Do(ctx, p.deps.Breakers.Get("qdrant"), p.deps.Retry,
		func(ctx context.Context) error {
			return p.deps.Vectors.Upsert(ctx, records)
		}); err != nil {
		p.failed.Add(int64(len(pages)))
		for _, page := range pages {
			p.deadLetter(ctx, crawlID, page.Metadata.SourceURL, err)
		}
		return
	}

	for _, page := range pages {
		p.markProcessed(ctx, crawlID, page.Metadata.SourceURL)
		p.processed.Inc()
	}

	// Extraction dominates batch latency, so it runs with bounded
	// concurrency. Each page's graph write is independent.
	fn.ParMap(pages, extractConcurrency, func(page domain.Page) struct{} {
		p.extractToGraph(ctx, domain.PageID(page.Metadata.SourceURL), page)
		return struct{}{}
	})
}

// extractToGraph runs best-effort entity extraction. The vector write already
// landed, so failures here are logged and the page stays processed.
func (p *Processor) extractToGraph(ctx context.Context, pageID string, page domain.Page) {
	ext, err := p.deps.Extractor.Extract(ctx, page.Markdown)
	if err != nil {
		p.log.Warn("entity extraction failed",
			"source_url", page.Metadata.SourceURL, "error", err)
		return
	}
	if len(ext.Entities) == 0 {
		return
	}
	if err := resilience.Do(ctx, p.deps.Breakers.Get("neo4j"), p.deps.Retry,
		func(ctx context.Context) error {
			return p.deps.Graph.SaveExtraction(ctx, pageID, page.Metadata.SourceURL, page.Metadata.Title, ext)
		}); err != nil {
		p.log.Warn("graph write failed",
			"source_url", page.Metadata.SourceURL, "error", err)
	}
}

// paceEmbed blocks for an embed token when a limiter is configured. Runs
// inside the retry op so a cancelled wait counts as that attempt's failure.
func (p *Processor) paceEmbed(ctx context.Context) error {
	if p.deps.EmbedLimit == nil {
		return nil
	}
	return p.deps.EmbedLimit.Wait(ctx)
}

func (p *Processor) markProcessed(ctx context.Context, crawlID, url string) {
	if err := p.deps.Dedup.MarkProcessed(ctx, crawlID, url); err != nil {
		// Dedup is an efficiency layer. Worst case the page is reprocessed.
		p.log.Warn("dedup mark failed", "source_url", url, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, crawlID, url string, cause error) {
	if p.deps.NATS == nil {
		return
	}
	msg := dlqMessage{CrawlID: crawlID, SourceURL: url, Error: cause.Error()}
	if err := natsutil.Publish(ctx, p.deps.NATS, DLQSubject, msg); err != nil {
		p.log.Error("dlq publish failed", "source_url", url, "error", err)
	}
}

func (p *Processor) fanOut(ctx context.Context, subject string, msg lifecycleMessage) {
	if p.deps.NATS == nil {
		return
	}
	if err := natsutil.Publish(ctx, p.deps.NATS, subject, msg); err != nil {
		p.log.Warn("lifecycle publish failed", "subject", subject, "error", err)
	}
}
