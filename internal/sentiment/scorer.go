package sentiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Scores is a 4-axis polarity score. Neg, Neu and Pos are proportions in
// [0,1] summing to ~1; Compound is the normalized overall polarity in [-1,1].
type Scores struct {
	Neg      float64 `json:"neg" bson:"neg"`
	Neu      float64 `json:"neu" bson:"neu"`
	Pos      float64 `json:"pos" bson:"pos"`
	Compound float64 `json:"compound" bson:"compound"`
}

// Neutral is the score of empty or whitespace-only text.
var Neutral = Scores{Neg: 0, Neu: 1, Pos: 0, Compound: 0}

// Analyzer is the external sentiment capability.
type Analyzer interface {
	PolarityScores(ctx context.Context, text string) (Scores, error)
}

// Sample is one already-scored utterance as seen by Aggregate.
type Sample struct {
	Text     string
	Compound float64
}

// Scorer applies the scoring contract on top of an Analyzer.
type Scorer struct {
	analyzer Analyzer
	workers  int
}

func NewScorer(analyzer Analyzer, workers int) (*Scorer, error) {
	if analyzer == nil {
		return nil, errors.New("sentiment analyzer is required")
	}
	if workers <= 0 {
		workers = 1
	}
	return &Scorer{analyzer: analyzer, workers: workers}, nil
}

// Score returns the polarity of text. Blank text is Neutral without
// consulting the analyzer.
func (s *Scorer) Score(ctx context.Context, text string) (Scores, error) {
	if strings.TrimSpace(text) == "" {
		return Neutral, nil
	}
	sc, err := s.analyzer.PolarityScores(ctx, text)
	if err != nil {
		return Scores{}, fmt.Errorf("score text: %w", err)
	}
	return sc.normalized(), nil
}

// ScoreAll scores texts independently with at most s.workers in flight.
// Result order matches input order.
func (s *Scorer) ScoreAll(ctx context.Context, texts []string) ([]Scores, error) {
	out := make([]Scores, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, text := range texts {
		g.Go(func() error {
			sc, err := s.Score(gctx, text)
			if err != nil {
				return fmt.Errorf("utterance %d: %w", i, err)
			}
			out[i] = sc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Aggregate is the word-count weighted mean of compound scores, with
// weight max(words, 1). An empty input aggregates to 0.
func Aggregate(samples []Sample) float64 {
	var (
		weighted float64
		total    int
	)
	for _, s := range samples {
		w := max(len(strings.Fields(s.Text)), 1)
		weighted += s.Compound * float64(w)
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / float64(total)
}

func (s Scores) normalized() Scores {
	out := Scores{
		Neg:      clamp(s.Neg, 0, 1),
		Neu:      clamp(s.Neu, 0, 1),
		Pos:      clamp(s.Pos, 0, 1),
		Compound: clamp(s.Compound, -1, 1),
	}
	sum := out.Neg + out.Neu + out.Pos
	if sum <= 0 {
		out.Neg, out.Neu, out.Pos = 0, 1, 0
		return out
	}
	if math.Abs(sum-1) > 0.01 {
		out.Neg /= sum
		out.Neu /= sum
		out.Pos /= sum
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
