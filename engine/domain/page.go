// Package domain defines the webhook event model, the page model, validation,
// and the service error taxonomy. It is the validation gate at every intake
// boundary.
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Page is one crawled document as delivered by the crawler webhook.
// Pages are immutable once stored; re-ingesting the same source URL
// overwrites in place.
type Page struct {
	Markdown string   `json:"markdown"`
	Metadata PageMeta `json:"metadata"`
	Links    []string `json:"links,omitempty"`
}

// PageMeta carries crawl metadata for a page. Unknown fields from the crawler
// are ignored for forward compatibility.
type PageMeta struct {
	SourceURL   string `json:"source_url"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
}

// PageID derives the stable point identifier for a source URL. The derivation
// is pure: the same URL always maps to the same UUID, so re-ingestion is an
// idempotent upsert.
func PageID(sourceURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceURL)).String()
}

// HasContent reports whether the page carries non-whitespace markdown.
func (p Page) HasContent() bool {
	return strings.TrimSpace(p.Markdown) != ""
}
