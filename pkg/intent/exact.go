package intent

// ExactMatcher matches whole utterances against declared phrases after
// normalization. It is the cheapest strategy and runs first; a hit scores a
// flat 1.0 so it preempts everything below when above the exact threshold.
type ExactMatcher struct{}

// NewExactMatcher returns the exact-phrase strategy.
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{}
}

func (*ExactMatcher) Kind() Kind {
	return KindExact
}

func (*ExactMatcher) Match(utterance string, _ []ContextHint, catalog Catalog) []Result {
	normalized := normalize(utterance)
	if normalized == "" {
		return nil
	}

	var results []Result
	for _, desc := range catalog.Descriptors {
		if desc.Kind != KindExact {
			continue
		}
		for _, phrase := range desc.Phrases {
			if normalize(phrase) == normalized {
				results = append(results, Result{
					Intent:     desc,
					Confidence: 1.0,
					Entities:   map[string]string{},
				})
				break
			}
		}
	}
	return results
}
