package policy

import "github.com/ent0n29/elderwatch/internal/sentiment"

// DefaultFlagThreshold flags every utterance whose compound score is zero or
// below, so neutral speech is flagged too.
const DefaultFlagThreshold = 0.0

// FlagPolicy marks utterances of concern. An utterance is flagged when its
// compound score is at or below Threshold.
type FlagPolicy struct {
	Threshold float64
}

func NewFlagPolicy(threshold float64) FlagPolicy {
	return FlagPolicy{Threshold: threshold}
}

func (p FlagPolicy) ShouldFlag(score sentiment.Scores) bool {
	return score.Compound <= p.Threshold
}

// Positions returns the ascending indices of flagged scores. It never returns
// nil so an unflagged conversation serializes as an empty list.
func (p FlagPolicy) Positions(scores []sentiment.Scores) []int {
	out := make([]int, 0, len(scores))
	for i, sc := range scores {
		if p.ShouldFlag(sc) {
			out = append(out, i)
		}
	}
	return out
}
