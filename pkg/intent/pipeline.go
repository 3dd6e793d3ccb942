package intent

import (
	"log/slog"

	"murmur/pkg/config"
)

// Pipeline runs the matcher strategies in their fixed stage order over one
// utterance and yields at most one winning Result. Exact and grammar
// matching are cheap and deterministic, so they preempt probabilistic
// inference; the caller runs the fallback chain when no candidate clears
// the acceptance threshold.
type Pipeline struct {
	log *slog.Logger

	exact         Matcher
	keyword       Matcher
	probabilistic Matcher

	exactThreshold      float64
	acceptanceThreshold float64
}

// NewPipeline wires the stage matchers. probabilistic may be the built-in
// scorer or the neural classifier; nil disables the stage.
func NewPipeline(cfg config.MatchingConfig, probabilistic Matcher, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:                 log.With("component", "intent.pipeline"),
		exact:               NewExactMatcher(),
		keyword:             NewKeywordMatcher(),
		probabilistic:       probabilistic,
		exactThreshold:      cfg.ExactThreshold,
		acceptanceThreshold: cfg.AcceptanceThreshold,
	}
}

// Match evaluates the alternate transcriptions (first is primary) against
// the catalog. The exact stage tries every alternate; the later stages see
// only the primary. ok is false when nothing clears the acceptance
// threshold.
func (p *Pipeline) Match(utterances []string, hints []ContextHint, catalog Catalog) (Result, bool) {
	if len(utterances) == 0 {
		return Result{}, false
	}

	for _, utterance := range utterances {
		exact := p.exact.Match(utterance, hints, catalog)
		if len(exact) == 0 {
			continue
		}
		rank(exact)
		if exact[0].Confidence >= p.exactThreshold {
			p.log.Debug("Exact match won",
				"skill", exact[0].Intent.SkillID,
				"intent", exact[0].Intent.Name,
				"confidence", exact[0].Confidence)
			return exact[0], true
		}
	}

	primary := utterances[0]

	candidates := p.keyword.Match(primary, hints, catalog)
	if p.probabilistic != nil {
		candidates = append(candidates, p.probabilistic.Match(primary, hints, catalog)...)
	}
	if len(candidates) == 0 {
		return Result{}, false
	}

	rank(candidates)
	best := candidates[0]
	if best.Confidence < p.acceptanceThreshold {
		p.log.Debug("Best candidate below acceptance threshold",
			"skill", best.Intent.SkillID,
			"intent", best.Intent.Name,
			"confidence", best.Confidence)
		return Result{}, false
	}

	p.log.Debug("Intent selected",
		"skill", best.Intent.SkillID,
		"intent", best.Intent.Name,
		"confidence", best.Confidence)
	return best, true
}
