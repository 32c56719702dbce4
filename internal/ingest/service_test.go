package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/elderwatch/internal/observability"
	"github.com/ent0n29/elderwatch/internal/policy"
	"github.com/ent0n29/elderwatch/internal/reliability"
	"github.com/ent0n29/elderwatch/internal/sentiment"
	"github.com/ent0n29/elderwatch/internal/store"
	"github.com/ent0n29/elderwatch/internal/store/storetest"
)

const twoBlockTranscript = `1
00:00:00,000 --> 00:00:03,000
Speaker 0: I feel unsafe and scared

2
00:00:03,500 --> 00:00:05,000
Speaker 1: I went to the store
`

type testEnv struct {
	svc   *Service
	repo  *store.Repository
	bus   *Bus
	alice store.Person
	bob   store.Person
}

func newTestEnv(t *testing.T, s store.Store, threshold float64, speakers SpeakerPolicy) testEnv {
	t.Helper()
	ctx := context.Background()
	repo := store.NewRepository(s)

	alice := store.Person{ID: store.NewID(), Name: "Alice", Role: "Elder"}
	bob := store.Person{ID: store.NewID(), Name: "Bob", Role: "Caregiver"}
	for _, p := range []store.Person{alice, bob} {
		_, err := repo.InsertPerson(ctx, p)
		require.NoError(t, err)
	}

	scorer, err := sentiment.NewScorer(sentiment.NewVaderAnalyzer(), 2)
	require.NoError(t, err)
	bus := NewBus()
	metrics := observability.NewMetrics(fmt.Sprintf("elderwatch_test_ingest_%d", time.Now().UnixNano()))
	svc := NewService(repo, NewAssembler(scorer, policy.NewFlagPolicy(threshold)), ServiceConfig{
		SpeakerPolicy: speakers,
		LinkRetry:     reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}, bus, metrics, zerolog.Nop())
	return testEnv{svc: svc, repo: repo, bus: bus, alice: alice, bob: bob}
}

func (e testEnv) bindings() map[string]string {
	return map[string]string{"Speaker 0": e.alice.ID, "Speaker 1": e.bob.ID}
}

func TestIngestEndToEndDefaultThreshold(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	res, err := env.svc.Ingest(context.Background(), Request{Transcript: twoBlockTranscript, Speakers: env.bindings()})
	require.NoError(t, err)

	conv := res.Conversation
	require.Len(t, conv.Sentences, 2)
	// The default threshold is inclusive, so the neutral turn is flagged too.
	assert.Equal(t, []int{0, 1}, conv.Flags)
	assert.Equal(t, []string{env.alice.ID, env.bob.ID}, conv.Participants)
	assert.Less(t, conv.Sentiment, 0.0)
	assert.Equal(t, 4, conv.TotalTime)
	assert.Equal(t, []int{3, 1}, []int{conv.Sentences[0].Duration, conv.Sentences[1].Duration})
	assert.Equal(t, []string{env.alice.ID, env.bob.ID}, res.Linked)
}

func TestIngestEndToEndStrictThreshold(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), -0.05, RejectUnmapped)
	res, err := env.svc.Ingest(context.Background(), Request{Transcript: twoBlockTranscript, Speakers: env.bindings()})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Conversation.Flags)
	assert.Less(t, res.Conversation.Sentiment, 0.0)
}

func TestIngestPersistsAndLinks(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	ctx := context.Background()
	res, err := env.svc.Ingest(ctx, Request{Transcript: twoBlockTranscript, Speakers: env.bindings()})
	require.NoError(t, err)

	stored, err := env.repo.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	storetest.AssertSameConversation(t, res.Conversation, stored)

	for _, name := range []string{"Alice", "Bob"} {
		convs, err := env.repo.FindConversationsForPerson(ctx, name)
		require.NoError(t, err)
		require.Len(t, convs, 1, name)
		assert.Equal(t, res.Conversation.ID, convs[0].ID)
	}
	flags, err := env.repo.CountFlagsForPerson(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, 2, flags)
}

func TestIngestBindsByName(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	res, err := env.svc.Ingest(context.Background(), Request{
		Transcript: twoBlockTranscript,
		Speakers:   map[string]string{"Speaker 0": "Alice", "Speaker 1": "Bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{env.alice.ID, env.bob.ID}, res.Conversation.Participants)
}

func TestIngestAnchorSetsStartTimes(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	anchor := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	res, err := env.svc.Ingest(context.Background(), Request{Transcript: twoBlockTranscript, Speakers: env.bindings(), Anchor: anchor})
	require.NoError(t, err)

	conv := res.Conversation
	assert.True(t, conv.StartTime.Equal(anchor))
	assert.Equal(t, time.UTC, conv.StartTime.Location())
	require.NotNil(t, conv.Sentences[1].StartTime)
	assert.True(t, conv.Sentences[1].StartTime.Equal(anchor.Add(3500*time.Millisecond)))
}

func TestIngestUnmappedSpeakerWritesNothing(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	events, cancel := env.bus.Subscribe()
	defer cancel()

	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, Request{
		Transcript: twoBlockTranscript,
		Speakers:   map[string]string{"Speaker 0": env.alice.ID},
	})
	require.ErrorIs(t, err, ErrUnmappedSpeaker)

	convs, err := env.repo.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	people, err := env.repo.ListPeople(ctx)
	require.NoError(t, err)
	assert.Len(t, people, 2)

	evt := <-events
	assert.Equal(t, EventIngestFailed, evt.Type)
}

func TestIngestUnknownBindingTargetFails(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, PlaceholderUnmapped)
	_, err := env.svc.Ingest(context.Background(), Request{
		Transcript: twoBlockTranscript,
		Speakers:   map[string]string{"Speaker 0": "Nobody", "Speaker 1": env.bob.ID},
	})
	require.ErrorIs(t, err, ErrUnmappedSpeaker)
}

func TestIngestPlaceholderPersistsPeople(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, PlaceholderUnmapped)
	ctx := context.Background()
	res, err := env.svc.Ingest(ctx, Request{
		Transcript: twoBlockTranscript,
		Speakers:   map[string]string{"Speaker 0": env.alice.ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Placeholders, 1)

	ph := res.Placeholders[0]
	assert.Equal(t, "Speaker 1", ph.Name)
	assert.Equal(t, PlaceholderRole, ph.Role)
	assert.Equal(t, []string{env.alice.ID, ph.ID}, res.Conversation.Participants)

	stored, err := env.repo.GetPerson(ctx, store.ByID(ph.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{res.Conversation.ID}, stored.Conversations)
}

// rejectingStore refuses every conversation insert.
type rejectingStore struct {
	store.Store
}

func (rejectingStore) InsertConversation(context.Context, store.Conversation) (string, error) {
	return "", store.ErrWriteRejected
}

func TestIngestConversationInsertFailureLeavesPlaceholdersUnlinked(t *testing.T) {
	env := newTestEnv(t, rejectingStore{Store: store.NewInMemoryStore()}, policy.DefaultFlagThreshold, PlaceholderUnmapped)
	ctx := context.Background()
	_, ingestErr := env.svc.Ingest(ctx, Request{
		Transcript: twoBlockTranscript,
		Speakers:   map[string]string{"Speaker 0": env.alice.ID},
	})
	require.ErrorIs(t, ingestErr, store.ErrWriteRejected)
	assert.Contains(t, ingestErr.Error(), "left unlinked")

	convs, err := env.repo.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)

	ph, err := env.repo.FindPersonByName(ctx, "Speaker 1")
	require.NoError(t, err)
	assert.Equal(t, PlaceholderRole, ph.Role)
	assert.Empty(t, ph.Conversations)
	assert.Contains(t, ingestErr.Error(), ph.ID)

	alice, err := env.repo.GetPerson(ctx, store.ByID(env.alice.ID))
	require.NoError(t, err)
	assert.Empty(t, alice.Conversations)
}

func TestIngestSkipsMalformedBlocks(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	text := "1\n00:00:00,000 --> 00:00:01,000\nSpeaker 0: Hello\n\n7\n\n" + "2\nnot a range\nSpeaker 1: hi\n"
	res, err := env.svc.Ingest(context.Background(), Request{Transcript: text, Speakers: env.bindings()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Conversation.Sentences, 1)
	assert.Equal(t, "Hello", res.Conversation.Sentences[0].Text)
}

func TestIngestEmptyTranscript(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	before := time.Now().Add(-time.Second)
	res, err := env.svc.Ingest(context.Background(), Request{Transcript: "", Speakers: env.bindings()})
	require.NoError(t, err)

	conv := res.Conversation
	assert.Empty(t, conv.Sentences)
	assert.Empty(t, conv.Flags)
	assert.Empty(t, conv.Participants)
	assert.Equal(t, 0.0, conv.Sentiment)
	assert.True(t, conv.StartTime.After(before))
}

// flakyStore fails links for the listed people a fixed number of times.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyStore(failures map[string]int) *flakyStore {
	return &flakyStore{Store: store.NewInMemoryStore(), failures: failures, calls: map[string]int{}}
}

func (f *flakyStore) AddConversationToPerson(ctx context.Context, ref store.PersonRef, convID string) (bool, error) {
	f.mu.Lock()
	f.calls[ref.ID]++
	left := f.failures[ref.ID]
	if left > 0 {
		f.failures[ref.ID] = left - 1
	}
	f.mu.Unlock()
	if left > 0 {
		return false, errors.New("connection reset")
	}
	return f.Store.AddConversationToPerson(ctx, ref, convID)
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.failures)
}

func TestIngestRetriesTransientLinkFailure(t *testing.T) {
	fs := newFlakyStore(nil)
	env := newTestEnv(t, fs, policy.DefaultFlagThreshold, RejectUnmapped)
	fs.mu.Lock()
	fs.failures = map[string]int{env.bob.ID: 2}
	fs.mu.Unlock()

	res, err := env.svc.Ingest(context.Background(), Request{Transcript: twoBlockTranscript, Speakers: env.bindings()})
	require.NoError(t, err)
	assert.Equal(t, []string{env.alice.ID, env.bob.ID}, res.Linked)
	assert.Equal(t, 3, fs.calls[env.bob.ID])
}

func TestIngestReportsLinkFailureAndRelinkRepairs(t *testing.T) {
	fs := newFlakyStore(nil)
	env := newTestEnv(t, fs, policy.DefaultFlagThreshold, RejectUnmapped)
	fs.mu.Lock()
	fs.failures = map[string]int{env.bob.ID: 100}
	fs.mu.Unlock()
	events, cancel := env.bus.Subscribe()
	defer cancel()

	ctx := context.Background()
	res, err := env.svc.Ingest(ctx, Request{Transcript: twoBlockTranscript, Speakers: env.bindings()})
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, res.Conversation.ID, linkErr.ConversationID)
	assert.Equal(t, []string{env.bob.ID}, linkErr.PersonIDs())
	assert.Equal(t, 3, linkErr.Failures[0].Attempts)
	// The other participant is linked regardless.
	assert.Equal(t, []string{env.alice.ID}, res.Linked)

	// The conversation is stored even though a link is missing.
	_, err = env.repo.GetConversation(ctx, res.Conversation.ID)
	require.NoError(t, err)
	bob, err := env.repo.GetPerson(ctx, store.ByID(env.bob.ID))
	require.NoError(t, err)
	assert.Empty(t, bob.Conversations)

	assert.Equal(t, EventLinkFailed, (<-events).Type)
	assert.Equal(t, EventConversationIngested, (<-events).Type)

	fs.heal()
	linked, err := env.svc.Relink(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{env.alice.ID, env.bob.ID}, linked)

	bob, err = env.repo.GetPerson(ctx, store.ByID(env.bob.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{res.Conversation.ID}, bob.Conversations)
	alice, err := env.repo.GetPerson(ctx, store.ByID(env.alice.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{res.Conversation.ID}, alice.Conversations)
	assert.Equal(t, EventLinkRepaired, (<-events).Type)
}

func TestRelinkUnknownConversation(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	_, err := env.svc.Relink(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLinkErrorUnwrapsEveryFailure(t *testing.T) {
	errA := errors.New("a down")
	errB := store.ErrWriteRejected
	err := error(&LinkError{ConversationID: "c1", Failures: []LinkFailure{
		{PersonID: "a", Attempts: 3, Err: errA},
		{PersonID: "b", Attempts: 1, Err: errB},
	}})
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, store.ErrWriteRejected)
	assert.Contains(t, err.Error(), "conversation c1 not linked to a after 3 attempt(s)")
}

func TestIngestDefaultUsesSampleSource(t *testing.T) {
	env := newTestEnv(t, store.NewInMemoryStore(), policy.DefaultFlagThreshold, RejectUnmapped)
	env.svc.cfg.DefaultSpeakers = map[string]string{"Speaker 0": "Bob", "Speaker 1": "Alice"}
	res, err := env.svc.IngestDefault(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Conversation.Sentences, 9)
	assert.Equal(t, []string{env.bob.ID, env.alice.ID}, res.Conversation.Participants)
	assert.NotEmpty(t, res.Conversation.Flags)
}
