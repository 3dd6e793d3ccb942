package intent

// Entity match provenance weights. Entities found literally in the utterance
// count full; entities satisfied only by session context count slightly
// less, so a fresh literal mention outranks a stale hint.
const (
	literalRequiredWeight = 1.0
	contextRequiredWeight = 0.8
	literalOptionalWeight = 1.0
	contextOptionalWeight = 0.8

	optionalShare = 0.5
	entityBlend   = 0.7
	coverageBlend = 0.3
)

// KeywordMatcher implements the entity-grammar stage: an intent qualifies
// only when every required entity is present, either literally via the
// skill's vocabulary or supplied by a live context entry. Optional entities
// only add confidence; a grammar declaring no required entities qualifies on
// its optional ones alone.
type KeywordMatcher struct{}

// NewKeywordMatcher returns the keyword/grammar strategy.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{}
}

func (*KeywordMatcher) Kind() Kind {
	return KindKeyword
}

func (*KeywordMatcher) Match(utterance string, hints []ContextHint, catalog Catalog) []Result {
	tokens := tokenize(utterance)
	if len(tokens) == 0 {
		return nil
	}

	var results []Result
	for _, desc := range catalog.Descriptors {
		if desc.Kind != KindKeyword {
			continue
		}
		if result, ok := matchDescriptor(desc, tokens, hints, catalog.Vocab[desc.SkillID]); ok {
			results = append(results, result)
		}
	}
	return results
}

func matchDescriptor(desc Descriptor, tokens []string, hints []ContextHint, vocab map[string][]string) (Result, bool) {
	entities := make(map[string]string)
	var entityScore, coveredTokens float64

	for _, entity := range desc.RequiredEntities {
		value, literal, width := findEntity(entity, tokens, hints, vocab)
		if value == "" {
			// A missing required entity disqualifies the descriptor.
			return Result{}, false
		}
		entities[entity] = value
		if literal {
			entityScore += literalRequiredWeight
			coveredTokens += float64(width)
		} else {
			entityScore += contextRequiredWeight
		}
	}

	for _, entity := range desc.OptionalEntities {
		value, literal, width := findEntity(entity, tokens, hints, vocab)
		if value == "" {
			continue
		}
		entities[entity] = value
		if literal {
			entityScore += optionalShare * literalOptionalWeight
			coveredTokens += float64(width)
		} else {
			entityScore += optionalShare * contextOptionalWeight
		}
	}

	// An empty required set is vacuously satisfied; the descriptor then
	// qualifies only when at least one optional entity resolved.
	if len(entities) == 0 {
		return Result{}, false
	}

	denom := float64(len(desc.RequiredEntities)) + optionalShare*float64(len(desc.OptionalEntities))
	coverage := coveredTokens / float64(len(tokens))
	if coverage > 1 {
		coverage = 1
	}

	confidence := entityBlend*(entityScore/denom) + coverageBlend*coverage
	return Result{Intent: desc, Confidence: confidence, Entities: entities}, true
}

// findEntity resolves one entity from the utterance vocabulary first, then
// from context hints. Returns the value, whether it was literal, and the
// token width of the literal match.
func findEntity(entity string, tokens []string, hints []ContextHint, vocab map[string][]string) (string, bool, int) {
	for _, word := range vocab[entity] {
		if containsPhrase(tokens, word) {
			return word, true, len(tokenize(word))
		}
	}
	for i := len(hints) - 1; i >= 0; i-- {
		if hints[i].Keyword == entity && hints[i].Value != "" {
			return hints[i].Value, false, 0
		}
	}
	return "", false, 0
}
