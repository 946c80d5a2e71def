package extract

import (
	"context"
	"regexp"
	"strings"
)

// orgSuffixes mark a capitalized span as an organization.
var orgSuffixes = []string{
	"Inc", "Inc.", "Corp", "Corp.", "Corporation", "LLC", "Ltd", "Ltd.",
	"GmbH", "AG", "SA", "Co", "Co.", "Company", "Labs", "Systems",
	"Technologies", "Foundation", "University", "Institute", "Group",
	"Holdings", "Partners", "Ventures",
}

// knownOrgs are organizations recognized without a legal suffix.
var knownOrgs = map[string]bool{
	"google": true, "microsoft": true, "apple": true, "amazon": true,
	"meta": true, "netflix": true, "openai": true, "anthropic": true,
	"ibm": true, "intel": true, "nvidia": true, "oracle": true,
	"salesforce": true, "mozilla": true, "canonical": true, "red hat": true,
	"github": true, "gitlab": true, "docker": true, "hashicorp": true,
	"cloudflare": true, "stripe": true, "shopify": true, "spotify": true,
	"airbnb": true, "uber": true, "tesla": true, "spacex": true,
	"nasa": true, "cern": true, "mit": true, "stanford": true,
}

// knownPlaces is a small gazetteer of geopolitical entities.
var knownPlaces = map[string]bool{
	"london": true, "paris": true, "berlin": true, "madrid": true,
	"rome": true, "amsterdam": true, "dublin": true, "zurich": true,
	"new york": true, "san francisco": true, "seattle": true, "austin": true,
	"boston": true, "chicago": true, "los angeles": true, "toronto": true,
	"tokyo": true, "singapore": true, "sydney": true, "bangalore": true,
	"beijing": true, "shanghai": true, "seoul": true, "tel aviv": true,
	"united states": true, "united kingdom": true, "germany": true,
	"france": true, "japan": true, "china": true, "india": true,
	"canada": true, "australia": true, "ireland": true, "switzerland": true,
	"netherlands": true, "spain": true, "italy": true, "brazil": true,
	"europe": true, "california": true, "texas": true, "washington": true,
}

// personTitles preceding a capitalized span mark a person mention.
var personTitles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"ceo": true, "cto": true, "cfo": true, "president": true,
	"director": true, "professor": true, "founder": true, "engineer": true,
}

// stopwords are capitalized words that never start an entity on their own.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "he": true,
	"she": true, "they": true, "we": true, "i": true, "you": true,
	"in": true, "on": true, "at": true, "for": true, "and": true,
	"or": true, "but": true, "with": true, "from": true, "by": true,
	"as": true, "is": true, "was": true, "are": true, "were": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

// spanRe matches runs of capitalized words, allowing inner connectors like
// "of" and "for" ("University of Cambridge").
var spanRe = regexp.MustCompile(`\b[A-Z][A-Za-z&.'-]*(?:\s+(?:of|for|the|[A-Z][A-Za-z&.'-]*))*`)

// Relation cue patterns, applied between entity pairs within one sentence.
var (
	worksAtRe     = regexp.MustCompile(`(?i)\b(?:works? (?:at|for)|employed (?:at|by)|joined|engineer at|researcher at|scientist at)\b`)
	locatedInRe   = regexp.MustCompile(`(?i)\b(?:located in|based in|headquartered in|headquarters in|offices? in|lives? in|founded in)\b`)
	collaboraRe   = regexp.MustCompile(`(?i)\b(?:collaborat\w+ with|partner\w* with|teamed up with|together with|jointly with)\b`)
	foundedByRe   = regexp.MustCompile(`(?i)\b(?:founded by|established by|created by|started by)\b`)
	partOfRe      = regexp.MustCompile(`(?i)\b(?:part of|subsidiary of|division of|unit of|owned by|acquired by)\b`)
	sentenceSplit = regexp.MustCompile(`[.!?\n]+`)
)

// RuleExtractor finds entities with capitalization patterns, suffix cues, and
// gazetteers. It needs no external service so extraction survives an LLM
// outage.
type RuleExtractor struct{}

// NewRuleExtractor creates the rule-based extractor.
func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

func (x *RuleExtractor) Extract(_ context.Context, text string) (Extraction, error) {
	var out Extraction
	if strings.TrimSpace(text) == "" {
		return out, nil
	}

	for _, sentence := range sentenceSplit.Split(text, -1) {
		ents := extractSentence(sentence)
		out.Entities = append(out.Entities, ents...)
		out.Relations = append(out.Relations, relateSentence(sentence, ents)...)
	}

	out.Entities = dedupeEntities(out.Entities)
	out.Relations = dedupeRelations(out.Relations)
	return out, nil
}

func extractSentence(sentence string) []Entity {
	var ents []Entity
	locs := spanRe.FindAllStringIndex(sentence, -1)
	for _, loc := range locs {
		span := strings.Trim(sentence[loc[0]:loc[1]], " .'")
		span = strings.TrimSuffix(span, "'s")
		if span == "" {
			continue
		}
		// Strip a leading sentence-start stopword ("The Mozilla Foundation").
		words := strings.Fields(span)
		for len(words) > 0 && stopwords[strings.ToLower(words[0])] {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		span = strings.Join(words, " ")

		typ, conf := classify(span, precedingWord(sentence, loc[0]))
		if typ == "" {
			continue
		}
		ents = append(ents, Entity{
			ID:         EntityID(typ, span),
			Type:       typ,
			Text:       span,
			Confidence: conf,
		})
	}
	return ents
}

// classify types a capitalized span, strongest cue first.
func classify(span, before string) (string, float64) {
	lower := strings.ToLower(span)
	words := strings.Fields(span)

	if knownPlaces[lower] {
		return TypeGPE, 0.9
	}
	if knownOrgs[lower] {
		return TypeOrg, 0.9
	}
	last := strings.TrimSuffix(words[len(words)-1], ".")
	for _, suffix := range orgSuffixes {
		if strings.EqualFold(last, strings.TrimSuffix(suffix, ".")) && len(words) > 1 {
			return TypeOrg, 0.85
		}
	}
	if personTitles[strings.ToLower(strings.TrimSuffix(before, "."))] {
		return TypePerson, 0.8
	}
	// Two or three capitalized words with no other cue read as a person name.
	if len(words) >= 2 && len(words) <= 3 && allCapitalized(words) {
		return TypePerson, 0.55
	}
	return "", 0
}

func allCapitalized(words []string) bool {
	for _, w := range words {
		if w[0] < 'A' || w[0] > 'Z' {
			return false
		}
	}
	return true
}

func precedingWord(s string, at int) string {
	fields := strings.Fields(s[:at])
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// relateSentence links entity pairs that straddle a relation cue.
func relateSentence(sentence string, ents []Entity) []Relation {
	if len(ents) < 2 {
		return nil
	}
	cues := []struct {
		re        *regexp.Regexp
		predicate string
	}{
		{worksAtRe, PredWorksAt},
		{locatedInRe, PredLocatedIn},
		{collaboraRe, PredCollaboratesWith},
		{foundedByRe, PredFoundedBy},
		{partOfRe, PredPartOf},
	}

	var rels []Relation
	for _, cue := range cues {
		loc := cue.re.FindStringIndex(sentence)
		if loc == nil {
			continue
		}
		src := lastEntityBefore(sentence, ents, loc[0])
		dst := firstEntityAfter(sentence, ents, loc[1])
		if src == nil || dst == nil || src.ID == dst.ID {
			continue
		}
		rels = append(rels, Relation{SourceID: src.ID, Predicate: cue.predicate, TargetID: dst.ID})
	}
	return rels
}

func lastEntityBefore(sentence string, ents []Entity, at int) *Entity {
	var best *Entity
	bestIdx := -1
	for i := range ents {
		idx := strings.Index(sentence, ents[i].Text)
		if idx >= 0 && idx < at && idx > bestIdx {
			best, bestIdx = &ents[i], idx
		}
	}
	return best
}

func firstEntityAfter(sentence string, ents []Entity, at int) *Entity {
	var best *Entity
	bestIdx := len(sentence) + 1
	for i := range ents {
		idx := strings.Index(sentence, ents[i].Text)
		if idx >= at && idx < bestIdx {
			best, bestIdx = &ents[i], idx
		}
	}
	return best
}

func dedupeRelations(rels []Relation) []Relation {
	seen := make(map[Relation]bool, len(rels))
	out := rels[:0]
	for _, r := range rels {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
