package llm

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/secrets"
)

var redactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "synthd",
		Subsystem: "llm",
		Name:      "prompt_redactions_total",
		Help:      "Secrets redacted from prompts by rule",
	},
	[]string{"rule"},
)

// ScrubbingGenerator redacts secrets from prompts before delegating.
type ScrubbingGenerator struct {
	next     Generator
	scrubber secrets.Scrubber
	logger   *zap.Logger
}

// NewScrubbingGenerator wraps next.
func NewScrubbingGenerator(next Generator, scrubber secrets.Scrubber, logger *zap.Logger) *ScrubbingGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrubbingGenerator{next: next, scrubber: scrubber, logger: logger}
}

// Generate scrubs the system and user text and calls the wrapped generator.
func (g *ScrubbingGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	p.System = g.scrub("system", p.System)
	p.User = g.scrub("user", p.User)
	return g.next.Generate(ctx, p)
}

func (g *ScrubbingGenerator) scrub(part, text string) string {
	if text == "" {
		return text
	}
	res := g.scrubber.Scrub(text)
	if !res.HasFindings() {
		return text
	}
	for rule, n := range res.ByRule {
		redactionsTotal.WithLabelValues(rule).Add(float64(n))
	}
	g.logger.Warn("redacted secrets from prompt",
		zap.String("part", part),
		zap.Strings("rules", res.RuleIDs()),
	)
	return res.Scrubbed
}
