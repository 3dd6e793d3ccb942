package intent

// ResembleMatcher is the built-in probabilistic stage: it scores an
// utterance against each probabilistic intent's sample phrases with a token
// Dice coefficient and reports the best sample's similarity as confidence.
// It runs blind to keyword-matcher results.
type ResembleMatcher struct{}

// NewResembleMatcher returns the sample-similarity strategy.
func NewResembleMatcher() *ResembleMatcher {
	return &ResembleMatcher{}
}

func (*ResembleMatcher) Kind() Kind {
	return KindProbabilistic
}

func (*ResembleMatcher) Match(utterance string, _ []ContextHint, catalog Catalog) []Result {
	tokens := tokenize(utterance)
	if len(tokens) == 0 {
		return nil
	}
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}

	var results []Result
	for _, desc := range catalog.Descriptors {
		if desc.Kind != KindProbabilistic || len(desc.Samples) == 0 {
			continue
		}

		best := 0.0
		for _, sample := range desc.Samples {
			if score := diceSimilarity(tokenSet, len(tokenSet), sample); score > best {
				best = score
			}
		}
		if best > 0 {
			results = append(results, Result{
				Intent:     desc,
				Confidence: best,
				Entities:   map[string]string{},
			})
		}
	}
	return results
}

// diceSimilarity computes 2|A∩B| / (|A|+|B|) over unique tokens.
func diceSimilarity(utteranceSet map[string]struct{}, utteranceSize int, sample string) float64 {
	sampleTokens := tokenize(sample)
	if len(sampleTokens) == 0 {
		return 0
	}

	sampleSet := make(map[string]struct{}, len(sampleTokens))
	for _, token := range sampleTokens {
		sampleSet[token] = struct{}{}
	}

	overlap := 0
	for token := range sampleSet {
		if _, ok := utteranceSet[token]; ok {
			overlap++
		}
	}

	return 2 * float64(overlap) / float64(utteranceSize+len(sampleSet))
}
