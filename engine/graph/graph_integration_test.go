//go:build integration

package graph

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/PagewiseAI/pagewise-mvp/engine/domain"
	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
)

func testDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	url := os.Getenv("NEO4J_URL")
	if url == "" {
		url = "neo4j://localhost:7687"
	}
	driver, err := neo4j.NewDriverWithContext(url, neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Fatalf("neo4j verify: %v", err)
	}
	t.Cleanup(func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	return driver
}

func TestNeo4j_SaveExtractionAndTraverse(t *testing.T) {
	driver := testDriver(t)
	store := New(driver)
	ctx := context.Background()

	alice := extract.Entity{ID: extract.EntityID("PERSON", "Alice Smith"), Type: "PERSON", Text: "Alice Smith"}
	google := extract.Entity{ID: extract.EntityID("ORG", "Google"), Type: "ORG", Text: "Google"}
	ext := extract.Extraction{
		Entities: []extract.Entity{alice, google},
		Relations: []extract.Relation{
			{SourceID: alice.ID, Predicate: extract.PredWorksAt, TargetID: google.ID},
		},
	}

	pageID := domain.PageID("https://a.example/team")
	if err := store.SaveExtraction(ctx, pageID, "https://a.example/team", "Team", ext); err != nil {
		t.Fatalf("SaveExtraction: %v", err)
	}
	// Saving again must not duplicate nodes.
	if err := store.SaveExtraction(ctx, pageID, "https://a.example/team", "Team", ext); err != nil {
		t.Fatalf("SaveExtraction (repeat): %v", err)
	}

	found, err := store.FindEntities(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("FindEntities: %v", err)
	}
	if len(found) != 1 || found[0].ID != alice.ID {
		t.Fatalf("wrong entities: %+v", found)
	}

	conns, err := store.Connections(ctx, alice.ID, 1)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 1 || conns[0].Entity.ID != google.ID || conns[0].Predicate != extract.PredWorksAt {
		t.Fatalf("wrong connections: %+v", conns)
	}

	refs, err := store.PagesNear(ctx, []string{google.ID}, 2)
	if err != nil {
		t.Fatalf("PagesNear: %v", err)
	}
	if len(refs) != 1 || refs[0].PageID != pageID {
		t.Fatalf("wrong page refs: %+v", refs)
	}
}
