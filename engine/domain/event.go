package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a webhook event.
type EventType string

const (
	EventCrawlStarted   EventType = "crawl.started"
	EventCrawlPage      EventType = "crawl.page"
	EventCrawlCompleted EventType = "crawl.completed"
	EventCrawlFailed    EventType = "crawl.failed"
	EventBatchStarted   EventType = "batch_scrape.started"
	EventBatchPage      EventType = "batch_scrape.page"
	EventBatchCompleted EventType = "batch_scrape.completed"
	EventBatchFailed    EventType = "batch_scrape.failed"
)

// envelope is the raw wire shape of a webhook delivery.
type envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Event is a parsed and validated webhook event. Exactly one of Page or Pages
// is populated depending on the event type.
type Event struct {
	Type      EventType
	CrawlID   string
	Timestamp time.Time
	Page      *Page  // crawl.page, batch_scrape.page
	Pages     []Page // crawl.completed, batch_scrape.completed
	Error     string // crawl.failed, batch_scrape.failed
}

// IsPageBearing reports whether the event carries page content to process.
func (e *Event) IsPageBearing() bool {
	return e.Page != nil || len(e.Pages) > 0
}

// ParseEvent decodes and validates a raw webhook body. Malformed JSON, missing
// fields, and invalid pages return errors wrapping ErrSchema; an unrecognized
// type returns ErrUnknownEventType so callers can log and skip it.
func ParseEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if env.Type == "" {
		return nil, NewValidationError("type", "", ErrSchema)
	}
	if env.ID == "" {
		return nil, NewValidationError("id", "", ErrSchema)
	}

	ev := &Event{Type: EventType(env.Type), CrawlID: env.ID, Timestamp: env.Timestamp, Error: env.Error}

	switch ev.Type {
	case EventCrawlStarted, EventBatchStarted, EventCrawlFailed, EventBatchFailed:
		return ev, nil

	case EventCrawlPage, EventBatchPage:
		var page Page
		if err := json.Unmarshal(env.Data, &page); err != nil {
			return nil, fmt.Errorf("%w: page data: %v", ErrSchema, err)
		}
		if err := ValidatePage(page); err != nil {
			return nil, err
		}
		ev.Page = &page
		return ev, nil

	case EventCrawlCompleted, EventBatchCompleted:
		// Completed events replay the full page set. An empty set is legal.
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ev.Pages); err != nil {
				return nil, fmt.Errorf("%w: completed data: %v", ErrSchema, err)
			}
		}
		for i, page := range ev.Pages {
			if err := ValidatePage(page); err != nil {
				return nil, fmt.Errorf("page %d: %w", i, err)
			}
		}
		return ev, nil

	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
}

// ValidatePage enforces the page intake contract: a source URL is required and
// the status code must be a plausible HTTP status.
func ValidatePage(p Page) error {
	if p.Metadata.SourceURL == "" {
		return NewValidationError("metadata.source_url", "", ErrSchema)
	}
	if p.Metadata.StatusCode < 100 || p.Metadata.StatusCode > 599 {
		return NewValidationError("metadata.status_code", fmt.Sprintf("%d", p.Metadata.StatusCode), ErrSchema)
	}
	return nil
}
