// Package extract pulls named entities and their relationships out of page
// text, either with regex-and-dictionary rules or an LLM.
package extract

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Entity types in the controlled vocabulary.
const (
	TypePerson  = "PERSON"
	TypeOrg     = "ORG"
	TypeGPE     = "GPE"
	TypeProduct = "PRODUCT"
)

// Relationship predicates in the controlled vocabulary.
const (
	PredWorksAt          = "WORKS_AT"
	PredLocatedIn        = "LOCATED_IN"
	PredCollaboratesWith = "COLLABORATES_WITH"
	PredFoundedBy        = "FOUNDED_BY"
	PredPartOf           = "PART_OF"
	PredMentionsWith     = "CO_OCCURS_WITH"
)

// Entity is one typed mention found in text. ID is stable: the same text and
// type always produce the same id, so graph writes collapse via upsert.
type Entity struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Relation is a directed edge between two extracted entities.
type Relation struct {
	SourceID  string `json:"source_id"`
	Predicate string `json:"predicate"`
	TargetID  string `json:"target_id"`
}

// Extraction is the result of running an extractor over one text.
type Extraction struct {
	Entities  []Entity
	Relations []Relation
}

// Extractor turns text into entities and relations.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// entityNamespace separates entity ids from page ids.
var entityNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("knowledge-entity"))

// EntityID derives the stable graph id for a typed mention. Case and
// surrounding whitespace are normalized so "Google" and "google" collapse.
func EntityID(entityType, text string) string {
	canonical := entityType + "\x00" + strings.ToLower(strings.TrimSpace(text))
	return uuid.NewSHA1(entityNamespace, []byte(canonical)).String()
}

// dedupeEntities drops repeat mentions, keeping the highest confidence one.
func dedupeEntities(entities []Entity) []Entity {
	best := make(map[string]int, len(entities))
	out := entities[:0]
	for _, e := range entities {
		if i, ok := best[e.ID]; ok {
			if e.Confidence > out[i].Confidence {
				out[i] = e
			}
			continue
		}
		best[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}
