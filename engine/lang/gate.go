// Package lang filters pages by detected language before they reach the
// embedding pipeline.
package lang

import (
	"crypto/sha256"
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode selects how strictly the gate treats uncertain detections.
type Mode string

const (
	// ModeDisabled admits every page.
	ModeDisabled Mode = "disabled"
	// ModeLenient admits pages whose language is unknown or ambiguous.
	ModeLenient Mode = "lenient"
	// ModeStrict rejects pages unless the detection is confident and allowed.
	ModeStrict Mode = "strict"
)

// ParseMode maps a config string to a Mode, defaulting to lenient.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(s)) {
	case ModeDisabled, ModeLenient, ModeStrict:
		return Mode(strings.ToLower(s))
	default:
		return ModeLenient
	}
}

const (
	// sampleLen bounds how much text feeds the detector. Detection quality
	// plateaus well below this on prose.
	sampleLen = 2000
	// minLen is the shortest text worth detecting. Below it the detector is
	// noise, so short pages pass in lenient mode.
	minLen = 50
	// confidenceFloor is whatlanggo's confidence below which strict mode
	// treats the detection as unreliable.
	confidenceFloor = 0.5

	cacheSize = 1000
)

// Gate decides page admission by language.
type Gate struct {
	mode    Mode
	allowed map[string]bool
	cache   *lru.Cache[[32]byte, verdict]
	log     *slog.Logger
}

type verdict struct {
	lang  string
	admit bool
}

// NewGate builds a gate. allowed holds ISO 639-3 codes ("eng", "fra");
// an empty list with a non-disabled mode admits nothing confidently detected.
func NewGate(mode Mode, allowed []string, log *slog.Logger) *Gate {
	set := make(map[string]bool, len(allowed))
	for _, code := range allowed {
		set[strings.ToLower(strings.TrimSpace(code))] = true
	}
	cache, _ := lru.New[[32]byte, verdict](cacheSize)
	return &Gate{mode: mode, allowed: set, cache: cache, log: log}
}

// Admit reports whether text passes the language filter, along with the
// detected language code for logging ("" when detection was skipped).
func (g *Gate) Admit(text string) (bool, string) {
	if g.mode == ModeDisabled {
		return true, ""
	}

	sample := text
	if len(sample) > sampleLen {
		sample = sample[:sampleLen]
	}
	if len(strings.TrimSpace(sample)) < minLen {
		// Too short to detect. Lenient admits, strict rejects.
		return g.mode == ModeLenient, ""
	}

	key := sha256.Sum256([]byte(sample))
	if v, ok := g.cache.Get(key); ok {
		return v.admit, v.lang
	}

	info := whatlanggo.Detect(sample)
	code := info.Lang.Iso6393()
	admit := g.decide(code, info.IsReliable(), info.Confidence)
	g.cache.Add(key, verdict{lang: code, admit: admit})
	return admit, code
}

func (g *Gate) decide(code string, reliable bool, confidence float64) bool {
	if g.allowed[code] {
		return true
	}
	if g.mode == ModeLenient && (!reliable || confidence < confidenceFloor) {
		// Ambiguous detection of a disallowed language gets the benefit of
		// the doubt.
		return true
	}
	return false
}
