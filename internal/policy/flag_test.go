package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/elderwatch/internal/sentiment"
)

func compound(c float64) sentiment.Scores {
	return sentiment.Scores{Neu: 1, Compound: c}
}

// The documented intent was "very negative", but the effective rule is
// compound <= 0, which also flags neutral speech.
func TestDefaultPolicyFlagsNeutral(t *testing.T) {
	p := NewFlagPolicy(DefaultFlagThreshold)
	cases := []struct {
		compound float64
		want     bool
	}{
		{-0.9, true},
		{-0.0001, true},
		{0, true},
		{0.0001, false},
		{0.8, false},
	}
	for _, tc := range cases {
		if got := p.ShouldFlag(compound(tc.compound)); got != tc.want {
			t.Fatalf("ShouldFlag(%v) = %v, want %v", tc.compound, got, tc.want)
		}
	}
}

func TestStrictPolicySkipsNeutral(t *testing.T) {
	p := NewFlagPolicy(-0.05)
	assert.False(t, p.ShouldFlag(sentiment.Neutral))
	assert.True(t, p.ShouldFlag(compound(-0.05)))
	assert.True(t, p.ShouldFlag(compound(-0.7)))
}

func TestPositionsAscendingAndExact(t *testing.T) {
	p := NewFlagPolicy(DefaultFlagThreshold)
	scores := []sentiment.Scores{
		compound(-0.7), compound(0.4), sentiment.Neutral, compound(0.9), compound(-0.1),
	}
	assert.Equal(t, []int{0, 2, 4}, p.Positions(scores))

	got := p.Positions(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
