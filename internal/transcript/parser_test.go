package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSpeakers = `
1
00:00:00,780 --> 00:00:02,320
Speaker 0: Hey, how are you doing today?

2
00:00:04,080 --> 00:00:07,720
Speaker 1: I'm doing great.
Thanks for asking.
`

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"00:00:00,000", 0},
		{"00:00:02,320", 2320 * time.Millisecond},
		{"01:02:03,004", time.Hour + 2*time.Minute + 3*time.Second + 4*time.Millisecond},
		{" 00:01:01.500 ", 61500 * time.Millisecond},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "00:00:00", "0:61:00,000", "aa:bb:cc,ddd", "00:00:00,1000"} {
		_, err := ParseTimestamp(bad)
		assert.ErrorIs(t, err, ErrBadTimeRange, bad)
	}
}

func TestParseTwoSpeakers(t *testing.T) {
	drafts := Parser{}.Parse(twoSpeakers)
	require.Len(t, drafts, 2)

	assert.Equal(t, "Speaker 0", drafts[0].Label)
	assert.Equal(t, "Hey, how are you doing today?", drafts[0].Text)
	assert.Equal(t, 780*time.Millisecond, drafts[0].Offset)
	// 2.320 - 0.780 = 1.54s, floored to whole seconds.
	assert.Equal(t, 1, drafts[0].Duration)
	assert.Nil(t, drafts[0].StartAt)

	assert.Equal(t, "Speaker 1", drafts[1].Label)
	assert.Equal(t, "I'm doing great. Thanks for asking.", drafts[1].Text)
	assert.Equal(t, 3, drafts[1].Duration)
	assert.Equal(t, 1, drafts[1].Seq)
}

func TestParseDurationIsEndMinusStart(t *testing.T) {
	in := "1\n00:00:10,000 --> 00:01:15,999\nSpeaker 2: long turn\n"
	drafts := Parser{}.Parse(in)
	require.Len(t, drafts, 1)
	assert.Equal(t, 65, drafts[0].Duration)
	assert.GreaterOrEqual(t, drafts[0].Duration, 0)
}

func TestParseAnchorsStartTimes(t *testing.T) {
	anchor := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	drafts := Parser{Anchor: anchor}.Parse(twoSpeakers)
	require.Len(t, drafts, 2)
	require.NotNil(t, drafts[1].StartAt)
	assert.Equal(t, anchor.Add(4080*time.Millisecond), *drafts[1].StartAt)
}

func TestParseUnlabeledBlockDefaultsToUnknown(t *testing.T) {
	in := "7\n00:00:01,000 --> 00:00:02,000\nno label here\nsecond line\n"
	drafts := Parser{}.Parse(in)
	require.Len(t, drafts, 1)
	assert.Equal(t, UnknownSpeaker, drafts[0].Label)
	assert.Equal(t, "no label here second line", drafts[0].Text)
}

func TestParseSkipsMalformedBlocks(t *testing.T) {
	in := `only-one-line

2
00:00:01,000 --> 00:00:02,000
Speaker 0: kept

3
garbage
Speaker 0: bad range

4
00:00:05,000 --> 00:00:04,000
Speaker 1: backwards
`
	var skipped []error
	p := Parser{OnSkip: func(_ int, err error) { skipped = append(skipped, err) }}

	drafts := p.Parse(in)
	require.Len(t, drafts, 1)
	assert.Equal(t, "kept", drafts[0].Text)
	assert.Equal(t, 0, drafts[0].Seq)

	require.Len(t, skipped, 3)
	assert.ErrorIs(t, skipped[0], ErrShortBlock)
	assert.ErrorIs(t, skipped[1], ErrBadTimeRange)
	assert.ErrorIs(t, skipped[2], ErrNegativeLength)
}

func TestParseEmptySpeakerText(t *testing.T) {
	in := "1\r\n00:00:00,000 --> 00:00:00,500\r\nSpeaker 0:\r\n"
	drafts := Parser{}.Parse(in)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Speaker 0", drafts[0].Label)
	assert.Equal(t, "", drafts[0].Text)
	assert.Equal(t, 0, drafts[0].Duration)
}

func TestDraftsStopsEarly(t *testing.T) {
	n := 0
	for range (Parser{}).Drafts(twoSpeakers) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}
