package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Generator is the completion surface the LLM extractor needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// maxPromptChars bounds how much page text one extraction prompt carries.
const maxPromptChars = 6000

var validPredicates = map[string]bool{
	PredWorksAt:          true,
	PredLocatedIn:        true,
	PredCollaboratesWith: true,
	PredFoundedBy:        true,
	PredPartOf:           true,
	PredMentionsWith:     true,
}

var validTypes = map[string]bool{
	TypePerson:  true,
	TypeOrg:     true,
	TypeGPE:     true,
	TypeProduct: true,
}

const extractionPrompt = `Extract named entities and relationships from the text below.

Entity types: PERSON, ORG, GPE, PRODUCT.
Relationship predicates: WORKS_AT, LOCATED_IN, COLLABORATES_WITH, FOUNDED_BY, PART_OF, CO_OCCURS_WITH.

Respond with JSON only, in this shape:
{"entities":[{"type":"PERSON","text":"Ada Lovelace"}],"relations":[{"source":"Ada Lovelace","predicate":"WORKS_AT","target":"Analytical Engines Ltd"}]}

Text:
%s`

// LLMExtractor asks a generation model for structured entities and relations,
// then validates everything against the controlled vocabulary. Anything the
// model invents outside the vocabulary is dropped.
type LLMExtractor struct {
	gen Generator
	log *slog.Logger
}

// NewLLMExtractor creates an LLM-backed extractor.
func NewLLMExtractor(gen Generator, log *slog.Logger) *LLMExtractor {
	return &LLMExtractor{gen: gen, log: log}
}

type llmEntity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type llmRelation struct {
	Source    string `json:"source"`
	Predicate string `json:"predicate"`
	Target    string `json:"target"`
}

type llmPayload struct {
	Entities  []llmEntity   `json:"entities"`
	Relations []llmRelation `json:"relations"`
}

func (x *LLMExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	var out Extraction
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	raw, err := x.gen.Generate(ctx, fmt.Sprintf(extractionPrompt, text), true)
	if err != nil {
		return out, fmt.Errorf("llm extraction: %w", err)
	}

	var payload llmPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return out, fmt.Errorf("llm extraction: unparseable response: %w", err)
	}

	// Index entities by normalized text so relations can resolve ids.
	byText := make(map[string]Entity)
	for _, e := range payload.Entities {
		typ := strings.ToUpper(strings.TrimSpace(e.Type))
		txt := strings.TrimSpace(e.Text)
		if txt == "" || !validTypes[typ] {
			x.log.Debug("dropping entity outside vocabulary", "type", e.Type, "text", e.Text)
			continue
		}
		ent := Entity{ID: EntityID(typ, txt), Type: typ, Text: txt, Confidence: 0.9}
		out.Entities = append(out.Entities, ent)
		byText[strings.ToLower(txt)] = ent
	}
	out.Entities = dedupeEntities(out.Entities)

	for _, r := range payload.Relations {
		pred := strings.ToUpper(strings.TrimSpace(r.Predicate))
		src, srcOK := byText[strings.ToLower(strings.TrimSpace(r.Source))]
		dst, dstOK := byText[strings.ToLower(strings.TrimSpace(r.Target))]
		if !validPredicates[pred] || !srcOK || !dstOK || src.ID == dst.ID {
			x.log.Debug("dropping relation outside vocabulary", "predicate", r.Predicate)
			continue
		}
		out.Relations = append(out.Relations, Relation{SourceID: src.ID, Predicate: pred, TargetID: dst.ID})
	}
	out.Relations = dedupeRelations(out.Relations)
	return out, nil
}

// Fallback chains a primary extractor with a backup used when the primary
// fails. The page pipeline wires LLM first, rules second.
type Fallback struct {
	Primary Extractor
	Backup  Extractor
	Log     *slog.Logger
}

func (f *Fallback) Extract(ctx context.Context, text string) (Extraction, error) {
	out, err := f.Primary.Extract(ctx, text)
	if err == nil {
		return out, nil
	}
	f.Log.Warn("primary extractor failed, falling back", "error", err)
	return f.Backup.Extract(ctx, text)
}
