package lang

import (
	"log/slog"
	"strings"
	"testing"
)

const englishText = `Go is a statically typed, compiled programming language designed at Google.
It is syntactically similar to C, but with memory safety, garbage collection,
structural typing, and CSP-style concurrency. The language is often referred to
as Golang because of its former domain name.`

const frenchText = `Le Go est un langage de programmation compilé et concurrent
inspiré de C et de Pascal. Ce langage a été développé pour améliorer la
productivité des programmeurs qui travaillent sur de grands systèmes
distribués dans les centres de données de l'entreprise.`

func TestParseMode(t *testing.T) {
	if ParseMode("STRICT") != ModeStrict {
		t.Fatal("mode parse should be case-insensitive")
	}
	if ParseMode("bogus") != ModeLenient {
		t.Fatal("unknown mode should default to lenient")
	}
}

func TestDisabledAdmitsEverything(t *testing.T) {
	g := NewGate(ModeDisabled, nil, slog.Default())
	if ok, _ := g.Admit(frenchText); !ok {
		t.Fatal("disabled gate must admit all text")
	}
}

func TestStrictAdmitsAllowedLanguage(t *testing.T) {
	g := NewGate(ModeStrict, []string{"eng"}, slog.Default())
	ok, code := g.Admit(englishText)
	if !ok {
		t.Fatalf("english should pass an eng-allowed strict gate (detected %q)", code)
	}
	if code != "eng" {
		t.Fatalf("expected eng, got %q", code)
	}
}

func TestStrictRejectsOtherLanguage(t *testing.T) {
	g := NewGate(ModeStrict, []string{"eng"}, slog.Default())
	if ok, code := g.Admit(frenchText); ok {
		t.Fatalf("french should fail an eng-only strict gate (detected %q)", code)
	}
}

func TestShortTextByMode(t *testing.T) {
	short := "hello world"
	if len(strings.TrimSpace(short)) >= minLen {
		t.Fatal("test text is not short")
	}

	lenient := NewGate(ModeLenient, []string{"eng"}, slog.Default())
	if ok, _ := lenient.Admit(short); !ok {
		t.Fatal("lenient gate admits undetectably short text")
	}

	strict := NewGate(ModeStrict, []string{"eng"}, slog.Default())
	if ok, _ := strict.Admit(short); ok {
		t.Fatal("strict gate rejects undetectably short text")
	}
}

func TestVerdictCached(t *testing.T) {
	g := NewGate(ModeStrict, []string{"eng"}, slog.Default())
	g.Admit(englishText)
	if g.cache.Len() != 1 {
		t.Fatalf("expected one cached verdict, got %d", g.cache.Len())
	}
	ok, code := g.Admit(englishText)
	if !ok || code != "eng" {
		t.Fatalf("cached verdict mismatch: %v %q", ok, code)
	}
	if g.cache.Len() != 1 {
		t.Fatal("repeat text must not grow the cache")
	}
}
