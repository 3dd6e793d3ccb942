// Package intent implements the layered matcher pipeline: exact phrase,
// keyword/entity grammar, and probabilistic scoring, merged under one
// deterministic ranking rule.
package intent

import (
	"sort"
	"strings"
	"unicode"
)

// Kind is the closed set of matcher strategies a descriptor binds to.
type Kind string

const (
	KindExact         Kind = "exact"
	KindKeyword       Kind = "keyword"
	KindProbabilistic Kind = "probabilistic"
	KindFallback      Kind = "fallback"
)

// Descriptor declares one matchable intent of a skill. Intent names are
// unique within a skill.
type Descriptor struct {
	SkillID          string
	Name             string
	Kind             Kind
	RequiredEntities []string
	OptionalEntities []string
	Priority         int

	// Phrases feed the exact matcher; Samples train the probabilistic
	// scorer. Each is meaningful only for the corresponding kind.
	Phrases []string
	Samples []string

	// SkillOrder is the registration order slot the registry assigns to the
	// owning skill. Earlier skills win ties.
	SkillOrder int
}

// Result is one scored match. Confidence is comparable across matcher kinds
// under the pipeline's ranking rule.
type Result struct {
	Intent     Descriptor
	Confidence float64
	Entities   map[string]string
}

// ContextHint is a live session context entry offered to matchers so prior
// turns can satisfy entity requirements.
type ContextHint struct {
	Keyword string
	Value   string
}

// Catalog is the full set of registered descriptors plus each skill's entity
// vocabularies (entity name to sample values).
type Catalog struct {
	Descriptors []Descriptor
	Vocab       map[string]map[string][]string
}

// Matcher is one strategy in the pipeline.
type Matcher interface {
	Kind() Kind
	Match(utterance string, hints []ContextHint, catalog Catalog) []Result
}

// rank orders results best-first: confidence descending, then declared
// priority descending, then skill registration order ascending. The final
// name tie-break keeps the ordering fully reproducible.
func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Intent.Priority != b.Intent.Priority {
			return a.Intent.Priority > b.Intent.Priority
		}
		if a.Intent.SkillOrder != b.Intent.SkillOrder {
			return a.Intent.SkillOrder < b.Intent.SkillOrder
		}
		return a.Intent.Name < b.Intent.Name
	})
}

// normalize lowercases, strips punctuation, and collapses whitespace so
// "What's the Weather?" and "whats the weather" compare equal.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func tokenize(s string) []string {
	normalized := normalize(s)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// containsPhrase reports whether the normalized utterance contains phrase on
// token boundaries.
func containsPhrase(utteranceTokens []string, phrase string) bool {
	phraseTokens := tokenize(phrase)
	if len(phraseTokens) == 0 || len(phraseTokens) > len(utteranceTokens) {
		return false
	}
outer:
	for i := 0; i+len(phraseTokens) <= len(utteranceTokens); i++ {
		for j, pt := range phraseTokens {
			if utteranceTokens[i+j] != pt {
				continue outer
			}
		}
		return true
	}
	return false
}
