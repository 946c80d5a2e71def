// Package api exposes the HTTP surface: the crawler webhook, query endpoints,
// graph lookups, health, and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
	"github.com/PagewiseAI/pagewise-mvp/engine/graph"
	"github.com/PagewiseAI/pagewise-mvp/engine/rag"
	met "github.com/PagewiseAI/pagewise-mvp/pkg/metrics"
	"github.com/PagewiseAI/pagewise-mvp/pkg/resilience"
)

// Enqueuer is the ingest surface the webhook needs.
type Enqueuer interface {
	Enqueue(ev *domain.Event) error
}

// Retriever is the query surface.
type Retriever interface {
	Query(ctx context.Context, req rag.Request) (*rag.Response, error)
}

// GraphReader serves the graph lookup endpoints.
type GraphReader interface {
	FindEntities(ctx context.Context, text string, limit int) ([]graph.Entity, error)
	FindEntitiesByType(ctx context.Context, text, entityType string, limit int) ([]graph.Entity, error)
	FindEntityByID(ctx context.Context, id string) (*graph.Entity, error)
	Connections(ctx context.Context, entityID string, depth int) ([]graph.Connection, error)
}

// HealthChecker reports dependency availability for the health endpoint.
type HealthChecker interface {
	Available(ctx context.Context) bool
}

// Server holds the handler dependencies.
type Server struct {
	secret    []byte
	dispatch  Enqueuer
	retriever Retriever
	graph     GraphReader
	dedup     HealthChecker
	breakers  *resilience.Registry
	metrics   *met.Registry
	log       *slog.Logger
}

// NewServer wires the HTTP server. secret verifies webhook deliveries; an
// empty secret disables verification.
func NewServer(secret []byte, dispatch Enqueuer, retriever Retriever, gr GraphReader,
	dedupCheck HealthChecker, breakers *resilience.Registry, reg *met.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = met.New()
	}
	return &Server{
		secret:    secret,
		dispatch:  dispatch,
		retriever: retriever,
		graph:     gr,
		dedup:     dedupCheck,
		breakers:  breakers,
		metrics:   reg,
		log:       log,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/firecrawl", s.handleWebhook)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /graph/search", s.handleGraphSearch)
	mux.HandleFunc("GET /graph/entities/search", s.handleEntitySearch)
	mux.HandleFunc("GET /graph/entities/{id}/connections", s.handleConnections)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}
