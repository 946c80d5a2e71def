// Package graph owns all Neo4j operations: entity and page nodes, typed
// relationship edges, and the traversals behind graph-side retrieval.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/PagewiseAI/pagewise-mvp/engine/extract"
)

// GraphStore provides knowledge graph operations over a Neo4j driver.
type GraphStore struct {
	driver neo4j.DriverWithContext
}

// New creates a GraphStore.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{driver: driver}
}

// SaveExtraction writes one page's entities and relations in a single
// transaction. Entities MERGE on their stable id so repeat mentions collapse;
// each entity also gets a MENTIONED_IN edge to the page node.
func (g *GraphStore) SaveExtraction(ctx context.Context, pageID, sourceURL, title string, ext extract.Extraction) error {
	if len(ext.Entities) == 0 {
		return nil
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		pageCypher := `MERGE (p:Page {id: $id}) SET p.source_url = $url, p.title = $title`
		if _, err := tx.Run(ctx, pageCypher, map[string]any{
			"id": pageID, "url": sourceURL, "title": title,
		}); err != nil {
			return nil, err
		}

		for _, e := range ext.Entities {
			cypher := `MERGE (n:Entity {id: $id})
			 SET n.type = $type, n.text = $text
			 WITH n
			 MATCH (p:Page {id: $page})
			 MERGE (n)-[:MENTIONED_IN]->(p)`
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"id": e.ID, "type": e.Type, "text": e.Text, "page": pageID,
			}); err != nil {
				return nil, err
			}
		}

		for _, r := range ext.Relations {
			cypher := fmt.Sprintf(
				`MATCH (a:Entity {id: $src}), (b:Entity {id: $dst})
				 MERGE (a)-[:%s]->(b)`,
				sanitizeRelType(r.Predicate),
			)
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"src": r.SourceID, "dst": r.TargetID,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: save extraction for %s: %w", sourceURL, err)
	}
	return nil
}

// FindEntities matches entities whose text contains the query, case
// insensitively.
func (g *GraphStore) FindEntities(ctx context.Context, text string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity)
	 WHERE toLower(n.text) CONTAINS toLower($text)
	 RETURN n LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"text": text, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("graph: find entities: %w", err)
	}
	return collectEntities(ctx, result)
}

// FindEntitiesByType is FindEntities restricted to one entity type. An empty
// type matches everything.
func (g *GraphStore) FindEntitiesByType(ctx context.Context, text, entityType string, limit int) ([]Entity, error) {
	if entityType == "" {
		return g.FindEntities(ctx, text, limit)
	}
	if limit <= 0 {
		limit = 20
	}
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n:Entity)
	 WHERE toLower(n.text) CONTAINS toLower($text) AND n.type = $type
	 RETURN n LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"text": text, "type": strings.ToUpper(entityType), "limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: find entities by type: %w", err)
	}
	return collectEntities(ctx, result)
}

// FindEntityByID returns one entity, or nil when absent.
func (g *GraphStore) FindEntityByID(ctx context.Context, id string) (*Entity, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("graph: find entity: %w", err)
	}
	if !result.Next(ctx) {
		return nil, nil
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
	if err != nil {
		return nil, err
	}
	e := entityFromProps(node.Props)
	return &e, nil
}

// Connections returns entities linked to the given entity within depth hops,
// with the predicate and direction of the closest edge.
func (g *GraphStore) Connections(ctx context.Context, entityID string, depth int) ([]Connection, error) {
	depth = clampDepth(depth)
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Entity {id: $id})-[rels*1..%d]-(n:Entity)
		 WHERE n.id <> $id
		 WITH DISTINCT n, rels[0] AS r, startNode(rels[0]) AS s
		 RETURN n, type(r) AS predicate, s.id = $id AS outbound`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": entityID})
	if err != nil {
		return nil, fmt.Errorf("graph: connections: %w", err)
	}

	var conns []Connection
	for result.Next(ctx) {
		rec := result.Record()
		node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
		if err != nil {
			return nil, err
		}
		predicate, _ := rec.Get("predicate")
		outbound, _ := rec.Get("outbound")
		conn := Connection{Entity: entityFromProps(node.Props)}
		if s, ok := predicate.(string); ok {
			conn.Predicate = s
		}
		if b, ok := outbound.(bool); ok {
			conn.Outbound = b
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// PagesNear returns pages mentioned by entities reachable within depth hops
// of the given entity ids, with the minimum hop count per page. Hop 0 means
// a query entity is mentioned on the page directly.
func (g *GraphStore) PagesNear(ctx context.Context, entityIDs []string, depth int) ([]PageRef, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	depth = clampDepth(depth)
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (start:Entity) WHERE start.id IN $ids
		 MATCH path = (start)-[*0..%d]-(n:Entity)
		 MATCH (n)-[:MENTIONED_IN]->(p:Page)
		 WITH p, min(length(path)) AS hops
		 RETURN p.id AS id, p.source_url AS url, p.title AS title, hops`, depth)
	result, err := sess.Run(ctx, cypher, map[string]any{"ids": entityIDs})
	if err != nil {
		return nil, fmt.Errorf("graph: pages near: %w", err)
	}

	var refs []PageRef
	for result.Next(ctx) {
		props := result.Record().AsMap()
		refs = append(refs, PageRef{
			PageID:    strProp(props, "id"),
			SourceURL: strProp(props, "url"),
			Title:     strProp(props, "title"),
			Hops:      intProp(props, "hops"),
		})
	}
	return refs, nil
}

// EntityCount returns the number of entity nodes. Health checks use it as a
// cheap liveness probe against the graph.
func (g *GraphStore) EntityCount(ctx context.Context) (int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:Entity) RETURN count(n) AS c`, nil)
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	c, _ := result.Record().Get("c")
	if n, ok := c.(int64); ok {
		return n, nil
	}
	return 0, nil
}

func collectEntities(ctx context.Context, result neo4j.ResultWithContext) ([]Entity, error) {
	var items []Entity
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
		if err != nil {
			return nil, err
		}
		items = append(items, entityFromProps(node.Props))
	}
	return items, nil
}

func clampDepth(depth int) int {
	if depth <= 0 {
		return 1
	}
	if depth > 3 {
		// Deeper traversals explode on dense graphs.
		return 3
	}
	return depth
}

// sanitizeRelType restricts a predicate to a valid uppercase Cypher
// identifier. Predicates are interpolated into queries, so anything outside
// [A-Za-z0-9_] is stripped.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}
