package semantic

// PageRecord is one page-level point stored in Qdrant. The point id is the
// deterministic page id, so re-ingesting a URL overwrites in place.
type PageRecord struct {
	ID        string
	Embedding []float32
	Content   string
	SourceURL string
	Title     string
	CrawlID   string
}

// SearchHit is a single similarity search result.
type SearchHit struct {
	ID        string  `json:"id"`
	Score     float32 `json:"score"`
	Content   string  `json:"content"`
	SourceURL string  `json:"source_url"`
	Title     string  `json:"title"`
}
