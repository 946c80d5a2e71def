package graph

// Entity is a knowledge graph node: one typed mention collapsed across pages.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// Connection is one edge touching an entity, as returned by traversal.
type Connection struct {
	Entity    Entity `json:"entity"`
	Predicate string `json:"predicate"`
	Outbound  bool   `json:"outbound"`
}

// PageRef is a page node reachable from a query entity, with its graph
// distance. Hops feeds the retrieval rescorer.
type PageRef struct {
	PageID    string `json:"page_id"`
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
	Hops      int    `json:"hops"`
}

func entityFromProps(props map[string]any) Entity {
	return Entity{
		ID:   strProp(props, "id"),
		Type: strProp(props, "type"),
		Text: strProp(props, "text"),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
