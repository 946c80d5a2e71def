package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
	"github.com/PagewiseAI/pagewise-mvp/pkg/fn"
	"github.com/PagewiseAI/pagewise-mvp/pkg/resilience"
)

// --- Fakes ---

type fakeDedup struct {
	mu      sync.Mutex
	seen    map[string]bool
	cleaned []string
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: map[string]bool{}} }

func (f *fakeDedup) key(crawlID, sourceURL string) string { return crawlID + "/" + sourceURL }

func (f *fakeDedup) MarkProcessed(_ context.Context, crawlID, sourceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[f.key(crawlID, sourceURL)] = true
	return nil
}
func (f *fakeDedup) IsProcessed(_ context.Context, crawlID, sourceURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[f.key(crawlID, sourceURL)]
}
func (f *fakeDedup) ProcessedCount(context.Context, string) (int64, error) { return 0, nil }
func (f *fakeDedup) Cleanup(_ context.Context, crawlID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, crawlID)
	return nil
}
func (f *fakeDedup) CacheEmbedding(context.Context, string, string, []float32) error { return nil }
func (f *fakeDedup) CachedEmbedding(context.Context, string, string) []float32       { return nil }
func (f *fakeDedup) Available(context.Context) bool                                  { return true }
func (f *fakeDedup) Close() error                                                    { return nil }

type fakeGate struct{ reject bool }

func (f *fakeGate) Admit(string) (bool, string) {
	if f.reject {
		return false, "fra"
	}
	return true, "eng"
}

type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	err        error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}
func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (f *fakeEmbedder) Model() string { return "test-model" }

type fakeVectors struct {
	mu      sync.Mutex
	upserts [][]semantic.PageRecord
	err     error
}

func (f *fakeVectors) Upsert(_ context.Context, records []semantic.PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, records)
	return nil
}

func (f *fakeVectors) totalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.upserts {
		n += len(batch)
	}
	return n
}

type fakeGraph struct {
	mu    sync.Mutex
	saves int
	err   error
}

func (f *fakeGraph) SaveExtraction(_ context.Context, _, _, _ string, _ extract.Extraction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves++
	return nil
}

type fakeExtractor struct{ err error }

func (f *fakeExtractor) Extract(context.Context, string) (extract.Extraction, error) {
	if f.err != nil {
		return extract.Extraction{}, f.err
	}
	return extract.Extraction{
		Entities: []extract.Entity{{ID: "e1", Type: "ORG", Text: "Google"}},
	}, nil
}

// --- Helpers ---

type fixture struct {
	dedup     *fakeDedup
	gate      *fakeGate
	embedder  *fakeEmbedder
	vectors   *fakeVectors
	graph     *fakeGraph
	extractor *fakeExtractor
	proc      *Processor
}

func newFixture() *fixture { return newLimitedFixture(nil) }

func newLimitedFixture(limit *resilience.Limiter) *fixture {
	f := &fixture{
		dedup:     newFakeDedup(),
		gate:      &fakeGate{},
		embedder:  &fakeEmbedder{},
		vectors:   &fakeVectors{},
		graph:     &fakeGraph{},
		extractor: &fakeExtractor{},
	}
	f.proc = NewProcessor(Deps{
		Dedup:      f.dedup,
		Gate:       f.gate,
		Embedder:   f.embedder,
		Vectors:    f.vectors,
		Graph:      f.graph,
		Extractor:  f.extractor,
		Breakers:   resilience.NewRegistry(resilience.DefaultBreakerOpts),
		Retry:      fn.RetryOpts{MaxAttempts: 2, BaseWait: time.Millisecond, MaxWait: time.Millisecond, ExpBase: 2},
		EmbedLimit: limit,
	})
	return f
}

func testPage(url string) domain.Page {
	return domain.Page{
		Markdown: "Go is a programming language built at Google.",
		Metadata: domain.PageMeta{SourceURL: url, StatusCode: 200, Title: "Go"},
	}
}

// --- Processor tests ---

func TestProcessPageHappyPath(t *testing.T) {
	f := newFixture()
	page := testPage("https://a.example/go")

	if err := f.proc.ProcessPage(context.Background(), "c1", page); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("expected 1 embed call, got %d", f.embedder.calls)
	}
	if f.vectors.totalRecords() != 1 {
		t.Fatalf("expected 1 upserted record, got %d", f.vectors.totalRecords())
	}
	if !f.dedup.IsProcessed(context.Background(), "c1", page.Metadata.SourceURL) {
		t.Fatal("page must be marked processed after the vector write")
	}
	if f.graph.saves != 1 {
		t.Fatalf("expected 1 graph write, got %d", f.graph.saves)
	}
}

func TestProcessPageSkipsDuplicate(t *testing.T) {
	f := newFixture()
	page := testPage("https://a.example/go")
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := f.proc.ProcessPage(ctx, "c1", page); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if f.embedder.calls != 1 || f.vectors.totalRecords() != 1 {
		t.Fatalf("duplicate must not re-embed or re-upsert: embeds=%d upserts=%d",
			f.embedder.calls, f.vectors.totalRecords())
	}
}

func TestProcessPageWhitespaceOnly(t *testing.T) {
	f := newFixture()
	page := testPage("https://a.example/empty")
	page.Markdown = "  \n\t  "
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.embedder.calls != 0 {
		t.Fatal("empty page must not be embedded")
	}
	if f.dedup.IsProcessed(ctx, "c1", page.Metadata.SourceURL) {
		t.Fatal("empty page must stay unmarked so a populated replay can process it")
	}
}

func TestProcessBatchRetriesPageStreamedEmpty(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	empty := testPage("https://a.example/late")
	empty.Markdown = "   \n"
	if err := f.proc.ProcessPage(ctx, "c1", empty); err != nil {
		t.Fatalf("empty stream: %v", err)
	}

	// The completed replay carries the same URL with real content.
	full := testPage("https://a.example/late")
	f.proc.ProcessBatch(ctx, "c1", []domain.Page{full})

	if f.vectors.totalRecords() != 1 {
		t.Fatalf("populated replay must be embedded and stored, got %d records", f.vectors.totalRecords())
	}
	if !f.dedup.IsProcessed(ctx, "c1", full.Metadata.SourceURL) {
		t.Fatal("replayed page must be marked processed")
	}
}

func TestProcessPageGateReject(t *testing.T) {
	f := newFixture()
	f.gate.reject = true
	page := testPage("https://a.example/fr")
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.embedder.calls != 0 || f.vectors.totalRecords() != 0 {
		t.Fatal("rejected page must not reach embed or upsert")
	}
	if !f.dedup.IsProcessed(ctx, "c1", page.Metadata.SourceURL) {
		t.Fatal("rejected page is still marked processed")
	}
}

func TestProcessPageEmbedFailureNotMarked(t *testing.T) {
	f := newFixture()
	f.embedder.err = errors.New("model down")
	page := testPage("https://a.example/go")
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err == nil {
		t.Fatal("embed failure must surface")
	}
	if f.dedup.IsProcessed(ctx, "c1", page.Metadata.SourceURL) {
		t.Fatal("failed page must stay unmarked so it can retry on the completed replay")
	}
	if f.embedder.calls != 2 {
		t.Fatalf("expected 2 attempts (retry), got %d", f.embedder.calls)
	}
}

func TestProcessPageUpsertFailureNotMarked(t *testing.T) {
	f := newFixture()
	f.vectors.err = errors.New("qdrant down")
	page := testPage("https://a.example/go")
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err == nil {
		t.Fatal("upsert failure must surface")
	}
	if f.dedup.IsProcessed(ctx, "c1", page.Metadata.SourceURL) {
		t.Fatal("page without a stored vector must stay unmarked")
	}
}

func TestProcessPageExtractFailureStillProcessed(t *testing.T) {
	f := newFixture()
	f.extractor.err = errors.New("llm down")
	page := testPage("https://a.example/go")
	ctx := context.Background()

	if err := f.proc.ProcessPage(ctx, "c1", page); err != nil {
		t.Fatalf("extraction failure must not fail the page: %v", err)
	}
	if !f.dedup.IsProcessed(ctx, "c1", page.Metadata.SourceURL) {
		t.Fatal("page stays processed when only extraction fails")
	}
	if f.vectors.totalRecords() != 1 {
		t.Fatal("vector write should have landed")
	}
}

func TestProcessBatchFiltersProcessedPages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := testPage("https://a.example/1")
	second := testPage("https://a.example/2")

	// First page arrives as an individual page event.
	if err := f.proc.ProcessPage(ctx, "c1", first); err != nil {
		t.Fatalf("page event: %v", err)
	}

	// Completed replays both pages; only the second is new work.
	f.proc.ProcessBatch(ctx, "c1", []domain.Page{first, second})

	if f.embedder.batchCalls != 1 {
		t.Fatalf("expected 1 batch embed, got %d", f.embedder.batchCalls)
	}
	if f.vectors.totalRecords() != 2 {
		t.Fatalf("expected 2 records total, got %d", f.vectors.totalRecords())
	}
	if !f.dedup.IsProcessed(ctx, "c1", second.Metadata.SourceURL) {
		t.Fatal("batch page must be marked processed")
	}
}

func TestHandleEventCompletedCleansDedup(t *testing.T) {
	f := newFixture()
	ev := &domain.Event{Type: domain.EventCrawlCompleted, CrawlID: "c1"}
	f.proc.HandleEvent(context.Background(), ev)

	if len(f.dedup.cleaned) != 1 || f.dedup.cleaned[0] != "c1" {
		t.Fatalf("terminal event must clean the dedup set, got %v", f.dedup.cleaned)
	}
}

func TestHandleEventFailedCleansDedup(t *testing.T) {
	f := newFixture()
	ev := &domain.Event{Type: domain.EventCrawlFailed, CrawlID: "c2", Error: "boom"}
	f.proc.HandleEvent(context.Background(), ev)

	if len(f.dedup.cleaned) != 1 || f.dedup.cleaned[0] != "c2" {
		t.Fatalf("failed event must clean the dedup set, got %v", f.dedup.cleaned)
	}
}

func TestProcessPagePacedEmbeds(t *testing.T) {
	f := newLimitedFixture(resilience.NewLimiter(resilience.LimiterOpts{Rate: 1000, Burst: 1}))
	ctx := context.Background()

	for i, url := range []string{"https://a.example/1", "https://a.example/2"} {
		if err := f.proc.ProcessPage(ctx, "c1", testPage(url)); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}
	if f.vectors.totalRecords() != 2 {
		t.Fatalf("both paced pages must land, got %d records", f.vectors.totalRecords())
	}
}

func TestProcessPageEmbedLimiterRespectsCancel(t *testing.T) {
	limit := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.01, Burst: 1})
	f := newLimitedFixture(limit)

	if err := f.proc.ProcessPage(context.Background(), "c1", testPage("https://a.example/1")); err != nil {
		t.Fatalf("first page should consume the only token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	page := testPage("https://a.example/2")
	if err := f.proc.ProcessPage(ctx, "c1", page); err == nil {
		t.Fatal("starved limiter with a cancelled context must fail the page")
	}
	if f.dedup.IsProcessed(context.Background(), "c1", page.Metadata.SourceURL) {
		t.Fatal("page that never embedded must stay unmarked")
	}
}

// --- Dispatcher tests ---

func TestDispatcherBackpressure(t *testing.T) {
	f := newFixture()
	d := NewDispatcher(f.proc, 1, 1, nil, nil)
	// Not started, so the single queue slot fills immediately.

	ev := &domain.Event{Type: domain.EventCrawlStarted, CrawlID: "c1"}
	if err := d.Enqueue(ev); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := d.Enqueue(ev); !errors.Is(err, domain.ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestDispatcherProcessesAndDrains(t *testing.T) {
	f := newFixture()
	d := NewDispatcher(f.proc, 2, 16, nil, nil)
	d.Start(context.Background())

	page := testPage("https://a.example/go")
	ev := &domain.Event{Type: domain.EventCrawlPage, CrawlID: "c1", Page: &page}
	if err := d.Enqueue(ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Stop drains whatever is buffered before returning.
	d.Stop()

	if f.vectors.totalRecords() != 1 {
		t.Fatalf("queued page should be processed before shutdown, got %d records", f.vectors.totalRecords())
	}
}
