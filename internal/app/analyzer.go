package app

import (
	"context"
	"fmt"

	"github.com/ent0n29/elderwatch/internal/config"
	"github.com/ent0n29/elderwatch/internal/observability"
	"github.com/ent0n29/elderwatch/internal/sentiment"
)

type analyzerSetup struct {
	analyzer sentiment.Analyzer
	provider string
	detail   string
}

func resolveAnalyzer(cfg config.Config, metrics *observability.Metrics) (analyzerSetup, error) {
	switch cfg.SentimentProvider {
	case "", "vader":
		return analyzerSetup{
			analyzer: instrumented(sentiment.NewVaderAnalyzer(), "vader", metrics),
			provider: "vader",
			detail:   "govader lexicon",
		}, nil
	case "openai":
		a, err := sentiment.NewOpenAIAnalyzer(sentiment.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.SentimentModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return analyzerSetup{}, fmt.Errorf("openai analyzer init failed: %w", err)
		}
		return analyzerSetup{
			analyzer: instrumented(a, "openai", metrics),
			provider: "openai",
			detail:   cfg.SentimentModel,
		}, nil
	default:
		return analyzerSetup{}, fmt.Errorf("invalid SENTIMENT_PROVIDER: %q (expected vader|openai)", cfg.SentimentProvider)
	}
}

// instrumentedAnalyzer counts analyzer failures per provider.
type instrumentedAnalyzer struct {
	inner    sentiment.Analyzer
	provider string
	metrics  *observability.Metrics
}

func instrumented(a sentiment.Analyzer, provider string, metrics *observability.Metrics) sentiment.Analyzer {
	if metrics == nil {
		return a
	}
	return instrumentedAnalyzer{inner: a, provider: provider, metrics: metrics}
}

func (a instrumentedAnalyzer) PolarityScores(ctx context.Context, text string) (sentiment.Scores, error) {
	sc, err := a.inner.PolarityScores(ctx, text)
	if err != nil {
		a.metrics.AnalyzerErrors.WithLabelValues(a.provider).Inc()
	}
	return sc, err
}
