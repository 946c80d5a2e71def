package ingest

import (
	"context"

	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
)

// NATS subjects for dead letters and crawl lifecycle fan-out.
const (
	DLQSubject            = "pagewise.ingest.dlq"
	CrawlStartedSubject   = "pagewise.crawl.started"
	CrawlCompletedSubject = "pagewise.crawl.completed"
	CrawlFailedSubject    = "pagewise.crawl.failed"
)

// EmbedBatchSize caps texts per embedding round so one huge crawl batch
// cannot monopolize the model server.
const EmbedBatchSize = 80

// extractConcurrency bounds parallel entity extraction within a batch.
const extractConcurrency = 4

// Embedder is the embedding surface the processor needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// VectorWriter is the vector store surface the processor needs.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.PageRecord) error
}

// GraphWriter is the graph store surface the processor needs.
type GraphWriter interface {
	SaveExtraction(ctx context.Context, pageID, sourceURL, title string, ext extract.Extraction) error
}

// LanguageGate decides page admission by detected language.
type LanguageGate interface {
	Admit(text string) (bool, string)
}

// dlqMessage is published when a page exhausts its retries.
type dlqMessage struct {
	CrawlID   string `json:"crawl_id"`
	SourceURL string `json:"source_url"`
	Error     string `json:"error"`
}

// lifecycleMessage mirrors crawl lifecycle events onto NATS for downstream
// consumers.
type lifecycleMessage struct {
	CrawlID string `json:"crawl_id"`
	Pages   int    `json:"pages,omitempty"`
	Error   string `json:"error,omitempty"`
}
