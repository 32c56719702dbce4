package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/elderwatch/internal/policy"
	"github.com/ent0n29/elderwatch/internal/sentiment"
	"github.com/ent0n29/elderwatch/internal/store"
	"github.com/ent0n29/elderwatch/internal/transcript"
)

// Assembler builds a complete Conversation from parsed drafts.
type Assembler struct {
	Scorer *sentiment.Scorer
	Flags  policy.FlagPolicy
	// Redact masks PII in stored text. Scoring and weighting use the
	// original text.
	Redact bool
	// Now stamps conversations without any anchored utterance.
	Now func() time.Time
	// Observe, when set, receives the duration of the scoring step.
	Observe func(stage string, d time.Duration)
}

func NewAssembler(scorer *sentiment.Scorer, flags policy.FlagPolicy) *Assembler {
	return &Assembler{Scorer: scorer, Flags: flags, Now: time.Now}
}

// Assemble resolves, scores and flags every draft and returns the
// conversation. Speakers are resolved before anything is scored, so a mapping
// failure costs no analyzer calls.
func (a *Assembler) Assemble(ctx context.Context, drafts []transcript.Draft, resolver *Resolver) (store.Conversation, error) {
	if a.Scorer == nil {
		return store.Conversation{}, errors.New("assembler has no scorer")
	}

	speakers := make([]string, len(drafts))
	for i, d := range drafts {
		id, err := resolver.Resolve(d.Label)
		if err != nil {
			return store.Conversation{}, err
		}
		speakers[i] = id
	}

	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}
	started := time.Now()
	scores, err := a.Scorer.ScoreAll(ctx, texts)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("score utterances: %w", err)
	}
	if a.Observe != nil {
		a.Observe(StageScore, time.Since(started))
	}

	conv := store.Conversation{
		ID:           store.NewID(),
		Participants: make([]string, 0, 2),
		Sentences:    make([]store.Utterance, len(drafts)),
		Flags:        a.Flags.Positions(scores),
	}
	seen := make(map[string]struct{}, 2)
	samples := make([]sentiment.Sample, len(drafts))
	var earliest *time.Time

	for i, d := range drafts {
		sc := scores[i]
		text := d.Text
		if a.Redact {
			text, _ = policy.RedactPII(text)
		}
		u := store.Utterance{
			ID:        store.NewID(),
			Speaker:   speakers[i],
			Text:      text,
			Sentiment: &sc,
			Duration:  d.Duration,
		}
		if d.StartAt != nil {
			at := normalizeTime(*d.StartAt)
			u.StartTime = &at
			if earliest == nil || at.Before(*earliest) {
				earliest = &at
			}
		}
		conv.Sentences[i] = u
		conv.TotalTime += d.Duration
		samples[i] = sentiment.Sample{Text: d.Text, Compound: sc.Compound}

		if _, ok := seen[speakers[i]]; !ok {
			seen[speakers[i]] = struct{}{}
			conv.Participants = append(conv.Participants, speakers[i])
		}
	}

	if earliest != nil {
		conv.StartTime = *earliest
	} else {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		conv.StartTime = normalizeTime(now())
	}
	conv.Sentiment = sentiment.Aggregate(samples)
	return conv, nil
}

// normalizeTime keeps timestamps at the millisecond precision every store
// driver preserves.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
