package dedup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), mr.Addr(), time.Hour, 24*time.Hour, slog.Default())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestMarkAndCheck(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("fresh page should be unseen")
	}
	if err := store.MarkProcessed(ctx, "c1", "p1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("marked page should be seen")
	}
	if store.IsProcessed(ctx, "c2", "p1") {
		t.Fatal("dedup must be scoped per crawl")
	}

	n, err := store.ProcessedCount(ctx, "c1")
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestMarkStoresRawSourceURL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	url := "https://a.example/p1"
	if err := store.MarkProcessed(ctx, "c1", url); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// The set holds the URL itself; digests are for vector point ids only.
	seen, err := mr.SIsMember("crawl:c1:processed", url)
	if err != nil || !seen {
		t.Fatalf("set must contain the raw url: seen=%v err=%v", seen, err)
	}
}

func TestMarkRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.MarkProcessed(ctx, "c1", "p1")
	mr.FastForward(30 * time.Minute)
	store.MarkProcessed(ctx, "c1", "p2")
	mr.FastForward(45 * time.Minute)

	// 75 minutes after the first write, but only 45 after the refresh.
	if !store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("TTL should be refreshed by later writes")
	}

	mr.FastForward(2 * time.Hour)
	if store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("set should expire after the TTL")
	}
}

func TestCleanup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.MarkProcessed(ctx, "c1", "p1")
	if err := store.Cleanup(ctx, "c1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("cleanup should drop the set")
	}
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if store.CachedEmbedding(ctx, "m", "what is go") != nil {
		t.Fatal("cold cache should miss")
	}
	vec := []float32{0.1, 0.2, 0.3}
	if err := store.CacheEmbedding(ctx, "m", "what is go", vec); err != nil {
		t.Fatalf("cache write: %v", err)
	}

	got := store.CachedEmbedding(ctx, "m", "what is go")
	if len(got) != 3 || got[1] != 0.2 {
		t.Fatalf("wrong cached vector: %v", got)
	}
	if store.CachedEmbedding(ctx, "other-model", "what is go") != nil {
		t.Fatal("cache key must include the model")
	}

	mr.FastForward(25 * time.Hour)
	if store.CachedEmbedding(ctx, "m", "what is go") != nil {
		t.Fatal("cached vector should expire")
	}
}

func TestDegradesWhenRedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	mr.Close()

	if store.IsProcessed(ctx, "c1", "p1") {
		t.Fatal("check must fail open to unseen")
	}
	if store.MarkProcessed(ctx, "c1", "p1") == nil {
		t.Fatal("mark should surface the error")
	}
	if store.CachedEmbedding(ctx, "m", "q") != nil {
		t.Fatal("cache read must fail open to miss")
	}
	if store.Available(ctx) {
		t.Fatal("store should report unavailable")
	}
}

func TestQueryDigestStable(t *testing.T) {
	a := QueryDigest("m", "q")
	if a != QueryDigest("m", "q") {
		t.Fatal("digest must be deterministic")
	}
	if a == QueryDigest("m2", "q") || a == QueryDigest("m", "q2") {
		t.Fatal("digest must depend on both model and query")
	}
}

func TestUnavailableStore(t *testing.T) {
	var s Store = Unavailable{}
	ctx := context.Background()

	if s.IsProcessed(ctx, "c", "p") {
		t.Fatal("unavailable store treats everything as unseen")
	}
	if err := s.MarkProcessed(ctx, "c", "p"); err != nil {
		t.Fatalf("no-op mark should not error: %v", err)
	}
	if s.CachedEmbedding(ctx, "m", "q") != nil {
		t.Fatal("unavailable store always misses")
	}
	if s.Available(ctx) {
		t.Fatal("unavailable store is unavailable")
	}
}
