// Package dedup tracks processed pages per crawl and caches query embeddings.
// Redis backs both concerns; every operation degrades gracefully so a Redis
// outage slows the pipeline down instead of stopping it.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the dedup and embedding-cache contract the pipeline depends on.
type Store interface {
	// MarkProcessed records a source URL under its crawl's processed set.
	MarkProcessed(ctx context.Context, crawlID, sourceURL string) error
	// IsProcessed reports whether a source URL was already handled for a
	// crawl. Fails open: on error it returns false so the page is processed
	// again.
	IsProcessed(ctx context.Context, crawlID, sourceURL string) bool
	// ProcessedCount returns the size of a crawl's processed set.
	ProcessedCount(ctx context.Context, crawlID string) (int64, error)
	// Cleanup drops a crawl's processed set ahead of its TTL.
	Cleanup(ctx context.Context, crawlID string) error

	// CacheEmbedding stores a query vector under its digest.
	CacheEmbedding(ctx context.Context, model, query string, vector []float32) error
	// CachedEmbedding returns a previously cached vector, or nil on miss.
	CachedEmbedding(ctx context.Context, model, query string) []float32

	// Available reports whether the backing store is reachable.
	Available(ctx context.Context) bool
	Close() error
}

// QueryDigest derives the embedding cache key digest for a model and query.
// Mixing the model in means a model swap never serves stale vectors.
func QueryDigest(model, query string) string {
	sum := sha256.Sum256([]byte(model + "\n" + query))
	return hex.EncodeToString(sum[:])
}

func processedKey(crawlID string) string { return "crawl:" + crawlID + ":processed" }
func embedKey(digest string) string      { return "embed:query:" + digest }

// RedisStore implements Store on Redis.
type RedisStore struct {
	client   *redis.Client
	log      *slog.Logger
	dedupTTL time.Duration
	embedTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr string, dedupTTL, embedTTL time.Duration, log *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, log: log, dedupTTL: dedupTTL, embedTTL: embedTTL}, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, crawlID, sourceURL string) error {
	key := processedKey(crawlID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, sourceURL)
	// Refresh on every write so the set outlives the crawl, not the first page.
	pipe.Expire(ctx, key, s.dedupTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("dedup mark failed", "crawl_id", crawlID, "error", err)
		return err
	}
	return nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, crawlID, sourceURL string) bool {
	seen, err := s.client.SIsMember(ctx, processedKey(crawlID), sourceURL).Result()
	if err != nil {
		s.log.Warn("dedup check failed, treating as unseen", "crawl_id", crawlID, "error", err)
		return false
	}
	return seen
}

func (s *RedisStore) ProcessedCount(ctx context.Context, crawlID string) (int64, error) {
	return s.client.SCard(ctx, processedKey(crawlID)).Result()
}

func (s *RedisStore) Cleanup(ctx context.Context, crawlID string) error {
	return s.client.Del(ctx, processedKey(crawlID)).Err()
}

// cachedVector is the stored cache value. The query text rides along for
// debugging cache contents by hand.
type cachedVector struct {
	Query  string    `json:"query"`
	Vector []float32 `json:"vector"`
}

func (s *RedisStore) CacheEmbedding(ctx context.Context, model, query string, vector []float32) error {
	payload, err := json.Marshal(cachedVector{Query: query, Vector: vector})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, embedKey(QueryDigest(model, query)), payload, s.embedTTL).Err(); err != nil {
		s.log.Warn("embedding cache write failed", "error", err)
		return err
	}
	return nil
}

func (s *RedisStore) CachedEmbedding(ctx context.Context, model, query string) []float32 {
	raw, err := s.client.Get(ctx, embedKey(QueryDigest(model, query))).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("embedding cache read failed", "error", err)
		}
		return nil
	}
	var cached cachedVector
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.log.Warn("embedding cache entry corrupt", "error", err)
		return nil
	}
	return cached.Vector
}

// availableTimeout bounds the health-check ping so a hung Redis cannot stall
// the health endpoint.
const availableTimeout = 250 * time.Millisecond

func (s *RedisStore) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availableTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Unavailable is the no-op Store used when Redis is down at startup. Every
// page is treated as unseen and every cache lookup misses.
type Unavailable struct{}

func (Unavailable) MarkProcessed(context.Context, string, string) error { return nil }
func (Unavailable) IsProcessed(context.Context, string, string) bool    { return false }
func (Unavailable) ProcessedCount(context.Context, string) (int64, error) {
	return 0, nil
}
func (Unavailable) Cleanup(context.Context, string) error                        { return nil }
func (Unavailable) CacheEmbedding(context.Context, string, string, []float32) error { return nil }
func (Unavailable) CachedEmbedding(context.Context, string, string) []float32    { return nil }
func (Unavailable) Available(context.Context) bool                               { return false }
func (Unavailable) Close() error                                                 { return nil }
