package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/elderwatch/internal/observability"
	"github.com/ent0n29/elderwatch/internal/reliability"
	"github.com/ent0n29/elderwatch/internal/store"
	"github.com/ent0n29/elderwatch/internal/transcript"
)

// Pipeline stage names reported to the stage window.
const (
	StageSource   = "source"
	StageParse    = "parse"
	StageScore    = "score"
	StageAssemble = "assemble"
	StageCommit   = "commit"
	StageLink     = "link"
	StageTotal    = "ingest_total"
)

// Request is one transcript to ingest. Speakers maps labels to a person id or
// name; names resolve to the earliest registered person with that name.
type Request struct {
	Transcript string            `json:"transcript"`
	Speakers   map[string]string `json:"speakers"`
	Anchor     time.Time         `json:"anchor"`
}

type Result struct {
	Conversation store.Conversation `json:"conversation"`
	Linked       []string           `json:"linked"`
	Placeholders []store.Person     `json:"placeholders,omitempty"`
	Skipped      int                `json:"skipped_blocks"`
}

// LinkFailure is one participant the conversation could not be linked into.
type LinkFailure struct {
	PersonID string
	Attempts int
	Err      error
}

// LinkError reports participants left unlinked after retries. The
// conversation itself is persisted; Service.Relink repairs the links.
type LinkError struct {
	ConversationID string
	Failures       []LinkFailure
}

func (e *LinkError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s after %d attempt(s): %v", f.PersonID, f.Attempts, f.Err))
	}
	return fmt.Sprintf("conversation %s not linked to %s", e.ConversationID, strings.Join(parts, "; "))
}

func (e *LinkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *LinkError) PersonIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.PersonID)
	}
	return ids
}

type ServiceConfig struct {
	SpeakerPolicy SpeakerPolicy
	LinkRetry     reliability.Policy
	// DefaultSource and DefaultSpeakers back IngestDefault.
	DefaultSource   Source
	DefaultSpeakers map[string]string
	DefaultAnchor   time.Time
}

// Service runs the transcript-to-record pipeline and the two-step commit.
type Service struct {
	repo      *store.Repository
	assembler *Assembler
	cfg       ServiceConfig
	bus       *Bus
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewService(repo *store.Repository, assembler *Assembler, cfg ServiceConfig, bus *Bus, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	if cfg.SpeakerPolicy == "" {
		cfg.SpeakerPolicy = RejectUnmapped
	}
	if cfg.LinkRetry.Attempts <= 0 {
		cfg.LinkRetry.Attempts = 3
	}
	if cfg.LinkRetry.Base <= 0 {
		cfg.LinkRetry.Base = 100 * time.Millisecond
	}
	if cfg.LinkRetry.Cap <= 0 {
		cfg.LinkRetry.Cap = 2 * time.Second
	}
	if cfg.LinkRetry.Retryable == nil {
		cfg.LinkRetry.Retryable = func(err error) bool {
			return !errors.Is(err, store.ErrNotFound)
		}
	}
	if bus == nil {
		bus = NewBus()
	}
	if cfg.DefaultSource == nil {
		cfg.DefaultSource = SampleSource{}
	}
	if assembler.Observe == nil && metrics != nil {
		assembler.Observe = metrics.ObserveStage
	}
	return &Service{
		repo:      repo,
		assembler: assembler,
		cfg:       cfg,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

func (s *Service) Bus() *Bus { return s.bus }

// IngestDefault pulls a transcript from the configured source and ingests it
// with the configured speaker bindings.
func (s *Service) IngestDefault(ctx context.Context) (Result, error) {
	return s.IngestSource(ctx, s.cfg.DefaultSource, s.cfg.DefaultSpeakers, s.cfg.DefaultAnchor)
}

func (s *Service) IngestSource(ctx context.Context, src Source, speakers map[string]string, anchor time.Time) (Result, error) {
	started := time.Now()
	text, err := src.Transcript(ctx)
	if err != nil {
		s.fail(err)
		return Result{}, fmt.Errorf("%s source: %w", src.Name(), err)
	}
	s.metrics.ObserveStage(StageSource, time.Since(started))
	return s.Ingest(ctx, Request{Transcript: text, Speakers: speakers, Anchor: anchor})
}

// Ingest parses, assembles and commits one transcript. Nothing is written
// when resolution or scoring fails. Placeholder people are stored before the
// conversation so it never references a missing person; if the conversation
// insert then fails they remain as unlinked people and the error names them.
// A *LinkError is returned alongside a populated Result when the conversation
// was stored but some participant links failed.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	bindings, err := s.resolveBindings(ctx, req.Speakers)
	if err != nil {
		s.fail(err)
		return Result{}, err
	}

	skipped := 0
	parser := transcript.Parser{
		Anchor: req.Anchor,
		OnSkip: func(block int, err error) {
			skipped++
			s.logger.Debug().Int("block", block).Err(err).Msg("skipping malformed transcript block")
		},
	}
	stepStart := time.Now()
	drafts := parser.Parse(req.Transcript)
	s.metrics.ObserveStage(StageParse, time.Since(stepStart))
	if skipped > 0 {
		s.metrics.ObserveIndicator("skipped_blocks")
	}

	resolver := NewResolver(bindings, s.cfg.SpeakerPolicy)
	stepStart = time.Now()
	conv, err := s.assembler.Assemble(ctx, drafts, resolver)
	if err != nil {
		s.fail(err)
		return Result{}, err
	}
	s.metrics.ObserveStage(StageAssemble, time.Since(stepStart))

	stepStart = time.Now()
	placeholders := resolver.Placeholders()
	for _, p := range placeholders {
		if _, err := s.repo.InsertPerson(ctx, p); err != nil {
			s.fail(err)
			return Result{}, fmt.Errorf("persist placeholder for %q: %w", p.Name, err)
		}
	}
	if _, err := s.repo.InsertConversation(ctx, conv); err != nil {
		s.fail(err)
		if len(placeholders) > 0 {
			ids := make([]string, len(placeholders))
			for i, p := range placeholders {
				ids[i] = p.ID
			}
			s.logger.Warn().Err(err).Strs("placeholders", ids).Msg("conversation insert failed after storing placeholders")
			return Result{}, fmt.Errorf("persist conversation (placeholders %s left unlinked): %w", strings.Join(ids, ", "), err)
		}
		return Result{}, fmt.Errorf("persist conversation: %w", err)
	}
	s.metrics.ObserveStage(StageCommit, time.Since(stepStart))

	res := Result{Conversation: conv, Placeholders: placeholders, Skipped: skipped}
	res.Linked, err = s.link(ctx, conv.ID, conv.Participants)
	s.metrics.ObserveStage(StageTotal, time.Since(started))
	s.record(conv, err)
	return res, err
}

// Relink retries step two of the commit for every participant of a stored
// conversation. Links already in place are left as they are.
func (s *Service) Relink(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	linked, err := s.link(ctx, conv.ID, conv.Participants)
	if err == nil {
		s.bus.Publish(Event{
			Type:           EventLinkRepaired,
			ConversationID: conv.ID,
			Participants:   conv.Participants,
		})
	}
	return linked, err
}

// resolveBindings turns label -> id-or-name into label -> person id. A target
// that matches no stored person is a mapping failure regardless of policy.
func (s *Service) resolveBindings(ctx context.Context, speakers map[string]string) (Bindings, error) {
	out := make(Bindings, len(speakers))
	for label, target := range speakers {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		p, err := s.repo.GetPerson(ctx, store.ByID(target))
		if errors.Is(err, store.ErrNotFound) {
			p, err = s.repo.GetPerson(ctx, store.ByName(target))
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q is bound to unknown person %q", ErrUnmappedSpeaker, label, target)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve speaker %q: %w", label, err)
		}
		out[label] = p.ID
	}
	return out, nil
}

// link adds conversationID to every participant independently. Each link has
// its own retry budget; one failing participant does not hold up the rest.
func (s *Service) link(ctx context.Context, conversationID string, participants []string) ([]string, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStage(StageLink, time.Since(started)) }()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		linked   = make([]string, 0, len(participants))
		failures []LinkFailure
	)
	for _, personID := range participants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts, err := reliability.Do(ctx, s.cfg.LinkRetry, func(ctx context.Context) error {
				_, err := s.repo.AddConversationToPerson(ctx, store.ByID(personID), conversationID)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.countLink("failed")
				failures = append(failures, LinkFailure{PersonID: personID, Attempts: attempts, Err: err})
				return
			}
			if attempts > 1 {
				s.countLink("retried")
			} else {
				s.countLink("ok")
			}
			linked = append(linked, personID)
		}()
	}
	wg.Wait()

	linked = orderLike(participants, linked)
	if len(failures) == 0 {
		return linked, nil
	}
	failed := make([]string, 0, len(failures))
	for _, f := range failures {
		failed = append(failed, f.PersonID)
	}
	ordered := orderLike(participants, failed)
	byID := make(map[string]LinkFailure, len(failures))
	for _, f := range failures {
		byID[f.PersonID] = f
	}
	linkErr := &LinkError{ConversationID: conversationID, Failures: make([]LinkFailure, 0, len(ordered))}
	for _, id := range ordered {
		f := byID[id]
		linkErr.Failures = append(linkErr.Failures, f)
		s.logger.Warn().
			Str("conversation_id", conversationID).
			Str("person_id", id).
			Int("attempts", f.Attempts).
			Err(f.Err).
			Msg("conversation link failed")
		s.bus.Publish(Event{
			Type:           EventLinkFailed,
			ConversationID: conversationID,
			PersonID:       id,
			Detail:         f.Err.Error(),
		})
	}
	return linked, linkErr
}

func (s *Service) record(conv store.Conversation, linkErr error) {
	outcome := "ok"
	if linkErr != nil {
		outcome = "partial"
	}
	if s.metrics != nil {
		s.metrics.Ingestions.WithLabelValues(outcome).Inc()
		s.metrics.Utterances.Add(float64(len(conv.Sentences)))
		s.metrics.FlaggedUtterances.Add(float64(len(conv.Flags)))
		s.metrics.ConversationSentiment.Observe(conv.Sentiment)
	}
	s.logger.Info().
		Str("conversation_id", conv.ID).
		Strs("participants", conv.Participants).
		Int("utterances", len(conv.Sentences)).
		Int("flags", len(conv.Flags)).
		Float64("sentiment", conv.Sentiment).
		Str("outcome", outcome).
		Msg("conversation ingested")
	s.bus.Publish(Event{
		Type:           EventConversationIngested,
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		Utterances:     len(conv.Sentences),
		Flags:          len(conv.Flags),
		Sentiment:      conv.Sentiment,
	})
}

func (s *Service) fail(err error) {
	if s.metrics != nil {
		outcome := "error"
		if errors.Is(err, ErrUnmappedSpeaker) {
			outcome = "unmapped"
		}
		s.metrics.Ingestions.WithLabelValues(outcome).Inc()
	}
	s.logger.Warn().Err(err).Msg("ingestion failed")
	s.bus.Publish(Event{Type: EventIngestFailed, Detail: err.Error()})
}

func (s *Service) countLink(outcome string) {
	if s.metrics != nil {
		s.metrics.LinkAttempts.WithLabelValues(outcome).Inc()
	}
}

// orderLike returns the members of subset in the order they appear in ref.
func orderLike(ref, subset []string) []string {
	in := make(map[string]struct{}, len(subset))
	for _, id := range subset {
		in[id] = struct{}{}
	}
	out := make([]string, 0, len(subset))
	for _, id := range ref {
		if _, ok := in[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
