// Package main implements the Pagewise API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/PagewiseAI/pagewise-mvp/engine/api"
	"github.com/PagewiseAI/pagewise-mvp/engine/dedup"
	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
	"github.com/PagewiseAI/pagewise-mvp/engine/graph"
	"github.com/PagewiseAI/pagewise-mvp/engine/ingest"
	"github.com/PagewiseAI/pagewise-mvp/engine/lang"
	"github.com/PagewiseAI/pagewise-mvp/engine/rag"
	"github.com/PagewiseAI/pagewise-mvp/engine/semantic"
	"github.com/PagewiseAI/pagewise-mvp/pkg/fn"
	met "github.com/PagewiseAI/pagewise-mvp/pkg/metrics"
	"github.com/PagewiseAI/pagewise-mvp/pkg/mid"
	"github.com/PagewiseAI/pagewise-mvp/pkg/ollama"
	"github.com/PagewiseAI/pagewise-mvp/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port          string
	WebhookSecret string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	QdrantURL  string
	Collection string
	VectorDim  int

	RedisAddr string
	DedupTTL  time.Duration
	EmbedTTL  time.Duration

	OllamaURL     string
	EmbedModel    string
	EmbedRPS      float64
	ExtractModel  string
	ExtractRPS    float64
	UseLLMExtract bool

	NATSURL string

	LanguageMode     string
	AllowedLanguages []string

	Workers       int
	QueueCapacity int

	BreakerThreshold int
	BreakerTimeout   time.Duration
	RetryAttempts    int
	RetryBaseWait    time.Duration
	RetryMaxWait     time.Duration

	CORSOrigin string
}

func loadConfig() Config {
	return Config{
		Port:          envOr("PORT", "8080"),
		WebhookSecret: envOr("WEBHOOK_SHARED_SECRET", ""),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "pagewise"),
		VectorDim:  envInt("VECTOR_DIMENSION", 768),

		RedisAddr: envOr("REDIS_ADDR", "localhost:6379"),
		DedupTTL:  time.Duration(envInt("DEDUP_TTL_SECONDS", 3600)) * time.Second,
		EmbedTTL:  time.Duration(envInt("EMBED_TTL_SECONDS", 3600)) * time.Second,

		OllamaURL:     envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:    envOr("EMBED_MODEL", "nomic-embed-text"),
		EmbedRPS:      envFloat("EMBED_RPS", 0),
		ExtractModel:  envOr("EXTRACT_MODEL", "llama3"),
		ExtractRPS:    envFloat("EXTRACT_RPS", 2),
		UseLLMExtract: envOr("USE_LLM_EXTRACT", "false") == "true",

		NATSURL: envOr("NATS_URL", ""),

		LanguageMode:     envOr("LANGUAGE_FILTER_MODE", "lenient"),
		AllowedLanguages: splitCSV(envOr("ALLOWED_LANGUAGES", "eng")),

		Workers:       envInt("WORKER_POOL_SIZE", 0),
		QueueCapacity: envInt("INGEST_QUEUE_CAPACITY", 256),

		BreakerThreshold: envInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		BreakerTimeout:   time.Duration(envInt("CIRCUIT_BREAKER_TIMEOUT_SECONDS", 60)) * time.Second,
		RetryAttempts:    envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseWait:    time.Duration(envInt("RETRY_BASE_WAIT_MS", 1000)) * time.Millisecond,
		RetryMaxWait:     time.Duration(envInt("RETRY_MAX_WAIT_MS", 10000)) * time.Millisecond,

		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SHARED_SECRET not set, webhook signature verification disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := met.New()
	reg.CollectRuntime("pagewise", 15*time.Second)

	// --- Connect to Neo4j ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	graphStore := graph.New(neo4jDriver)

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection, cfg.VectorDim)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}

	// --- Connect to Redis (degraded mode on failure) ---
	var dedupStore dedup.Store
	if store, err := dedup.NewRedisStore(ctx, cfg.RedisAddr, cfg.DedupTTL, cfg.EmbedTTL, logger); err != nil {
		logger.Warn("redis unavailable, running without dedup or embedding cache", "err", err)
		dedupStore = dedup.Unavailable{}
	} else {
		dedupStore = store
	}
	defer dedupStore.Close()

	// --- Ollama clients ---
	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel)

	var extractor extract.Extractor = extract.NewRuleExtractor()
	if cfg.UseLLMExtract {
		gen := ollama.NewGenerateClient(cfg.OllamaURL, cfg.ExtractModel, cfg.ExtractRPS)
		extractor = &extract.Fallback{
			Primary: extract.NewLLMExtractor(gen, logger),
			Backup:  extract.NewRuleExtractor(),
			Log:     logger,
		}
	}

	// --- NATS (optional) ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("pagewise-api"))
		if err != nil {
			logger.Warn("nats unavailable, running without dlq or lifecycle fan-out", "err", err)
		} else {
			defer nc.Close()
		}
	}

	// --- Resilience policy ---
	breakers := resilience.NewRegistry(resilience.BreakerOpts{
		FailThreshold: cfg.BreakerThreshold,
		Timeout:       cfg.BreakerTimeout,
		HalfOpenMax:   resilience.DefaultBreakerOpts.HalfOpenMax,
	})
	retry := fn.RetryOpts{
		MaxAttempts: cfg.RetryAttempts,
		BaseWait:    cfg.RetryBaseWait,
		MaxWait:     cfg.RetryMaxWait,
		ExpBase:     2,
		JitterFrac:  0.1,
	}

	// --- Ingestion pipeline ---
	// EMBED_RPS > 0 paces outbound embedding calls; 0 leaves them unpaced.
	var embedLimit *resilience.Limiter
	if cfg.EmbedRPS > 0 {
		embedLimit = resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.EmbedRPS, Burst: int(cfg.EmbedRPS) + 1})
	}

	gate := lang.NewGate(lang.ParseMode(cfg.LanguageMode), cfg.AllowedLanguages, logger)
	processor := ingest.NewProcessor(ingest.Deps{
		Dedup:      dedupStore,
		Gate:       gate,
		Embedder:   embedder,
		Vectors:    vectorStore,
		Graph:      graphStore,
		Extractor:  extractor,
		Breakers:   breakers,
		Retry:      retry,
		EmbedLimit: embedLimit,
		NATS:       nc,
		Metrics:    reg,
		Logger:     logger,
	})
	dispatcher := ingest.NewDispatcher(processor, cfg.Workers, cfg.QueueCapacity, reg, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// --- Retrieval engine ---
	// Query-time extraction stays rule-based to keep latency flat.
	engine := rag.New(dedupStore, embedder, vectorStore, graphStore,
		extract.NewRuleExtractor(), breakers, retry, rag.DefaultOptions(), logger)

	// --- HTTP server ---
	server := api.NewServer([]byte(cfg.WebhookSecret), dispatcher, engine, graphStore,
		dedupStore, breakers, reg, logger)

	handler := mid.Chain(server.Routes(),
		mid.Recover(logger),
		mid.OTel("pagewise-api"),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
