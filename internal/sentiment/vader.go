package sentiment

import (
	"context"
	"strings"

	"github.com/jonreiter/govader"
)

// VaderAnalyzer scores text in-process with the VADER lexicon and rules.
// The underlying analyzer is read-only after construction and safe for
// concurrent use.
type VaderAnalyzer struct {
	sia *govader.SentimentIntensityAnalyzer
}

// NewVaderAnalyzer loads the bundled lexicon. Construction parses ~7.5k
// entries, so build one and share it.
func NewVaderAnalyzer() *VaderAnalyzer {
	return &VaderAnalyzer{sia: govader.NewSentimentIntensityAnalyzer()}
}

// WithWords returns a copy of the analyzer with extra or overriding lexicon
// entries. Valences use the VADER scale of roughly [-4, 4].
func (a *VaderAnalyzer) WithWords(extra map[string]float64) *VaderAnalyzer {
	lexicon := make(map[string]float64, len(a.sia.Lexicon)+len(extra))
	for k, v := range a.sia.Lexicon {
		lexicon[k] = v
	}
	for k, v := range extra {
		lexicon[strings.ToLower(k)] = v
	}
	return &VaderAnalyzer{sia: &govader.SentimentIntensityAnalyzer{
		Lexicon:   lexicon,
		EmojiDict: a.sia.EmojiDict,
		Constants: a.sia.Constants,
	}}
}

func (a *VaderAnalyzer) PolarityScores(_ context.Context, text string) (Scores, error) {
	s := a.sia.PolarityScores(text)
	return Scores{Neg: s.Negative, Neu: s.Neutral, Pos: s.Positive, Compound: s.Compound}, nil
}
