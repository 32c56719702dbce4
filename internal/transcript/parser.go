package transcript

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UnknownSpeaker is the label assigned to blocks without a "Speaker N: " prefix.
const UnknownSpeaker = "Unknown"

var (
	ErrShortBlock     = errors.New("block has fewer than 3 lines")
	ErrBadTimeRange   = errors.New("malformed time range")
	ErrNegativeLength = errors.New("block ends before it starts")

	speakerPattern = regexp.MustCompile(`^(Speaker \d+):\s?(.*)$`)
)

// Draft is one parsed transcript block before identity resolution and scoring.
type Draft struct {
	Seq      int
	Label    string
	Text     string
	Offset   time.Duration
	End      time.Duration
	StartAt  *time.Time
	Duration int
}

// Parser turns block-structured timestamped transcripts (SRT) into drafts.
type Parser struct {
	// Anchor is the wall-clock time of offset zero. Zero means the transcript
	// carries no absolute time and drafts have a nil StartAt.
	Anchor time.Time
	// OnSkip, when set, observes blocks dropped as malformed.
	OnSkip func(block int, err error)
}

// Drafts lazily yields one Draft per well-formed block, in transcript order.
func (p Parser) Drafts(text string) iter.Seq[Draft] {
	return func(yield func(Draft) bool) {
		seq := 0
		for i, block := range splitBlocks(text) {
			d, err := p.parseBlock(block)
			if err != nil {
				if p.OnSkip != nil {
					p.OnSkip(i, err)
				}
				continue
			}
			d.Seq = seq
			seq++
			if !yield(d) {
				return
			}
		}
	}
}

// Parse materializes Drafts.
func (p Parser) Parse(text string) []Draft {
	out := make([]Draft, 0, 16)
	for d := range p.Drafts(text) {
		out = append(out, d)
	}
	return out
}

func (p Parser) parseBlock(lines []string) (Draft, error) {
	if len(lines) < 3 {
		return Draft{}, ErrShortBlock
	}
	startRaw, endRaw, ok := strings.Cut(lines[1], "-->")
	if !ok {
		return Draft{}, fmt.Errorf("%w: %q", ErrBadTimeRange, lines[1])
	}
	start, err := ParseTimestamp(startRaw)
	if err != nil {
		return Draft{}, err
	}
	end, err := ParseTimestamp(endRaw)
	if err != nil {
		return Draft{}, err
	}
	if end < start {
		return Draft{}, ErrNegativeLength
	}

	label, text := UnknownSpeaker, strings.Join(lines[2:], " ")
	if m := speakerPattern.FindStringSubmatch(lines[2]); m != nil {
		label = m[1]
		rest := append([]string{m[2]}, lines[3:]...)
		text = strings.TrimSpace(strings.Join(rest, " "))
	}

	d := Draft{
		Label:    label,
		Text:     text,
		Offset:   start,
		End:      end,
		Duration: int((end - start) / time.Second),
	}
	if !p.Anchor.IsZero() {
		at := p.Anchor.Add(start)
		d.StartAt = &at
	}
	return d, nil
}

// ParseTimestamp parses "HH:MM:SS,mmm" (a '.' millisecond separator is also
// accepted) into an offset from the start of the recording.
func ParseTimestamp(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	clock, msRaw, ok := strings.Cut(raw, ",")
	if !ok {
		clock, msRaw, ok = strings.Cut(raw, ".")
	}
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeRange, raw)
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeRange, raw)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	s, errS := strconv.Atoi(parts[2])
	ms, errMS := strconv.Atoi(msRaw)
	if errH != nil || errM != nil || errS != nil || errMS != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeRange, raw)
	}
	if h < 0 || m < 0 || m > 59 || s < 0 || s > 59 || ms < 0 || ms > 999 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimeRange, raw)
	}
	total := ((h*60+m)*60+s)*1000 + ms
	return time.Duration(total) * time.Millisecond, nil
}

func splitBlocks(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		blocks  [][]string
		current []string
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}
