// Package storetest holds the behavioral checks every store driver must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/elderwatch/internal/sentiment"
	"github.com/ent0n29/elderwatch/internal/store"
)

// Factory returns an empty store. Cleanup is the factory's responsibility.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertPersonAssignsID", testInsertPersonAssignsID},
		{"InsertDuplicateRejected", testInsertDuplicateRejected},
		{"GetPersonByNameEarliestWins", testGetPersonByNameEarliestWins},
		{"GetMissing", testGetMissing},
		{"ConversationRoundTrip", testConversationRoundTrip},
		{"ConversationsByIDOrder", testConversationsByIDOrder},
		{"AddConversationIsSetAdd", testAddConversationIsSetAdd},
		{"UpdatePersonSignals", testUpdatePersonSignals},
		{"ConcurrentLinks", testConcurrentLinks},
		{"RepositoryQueries", testRepositoryQueries},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func testInsertPersonAssignsID(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertPerson(ctx, store.Person{Name: "Ryan", Role: "Caregiver"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetPerson(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, "Ryan", got.Name)
	assert.Equal(t, "Caregiver", got.Role)
	assert.NotNil(t, got.Conversations)
	assert.Empty(t, got.Conversations)
}

func testInsertDuplicateRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertPerson(ctx, store.Person{Name: "Brad"})
	require.NoError(t, err)
	_, err = s.InsertPerson(ctx, store.Person{ID: id, Name: "Other"})
	require.ErrorIs(t, err, store.ErrWriteRejected)

	cid, err := s.InsertConversation(ctx, store.Conversation{StartTime: time.Now().UTC()})
	require.NoError(t, err)
	_, err = s.InsertConversation(ctx, store.Conversation{ID: cid})
	require.ErrorIs(t, err, store.ErrWriteRejected)
}

func testGetPersonByNameEarliestWins(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, err := s.InsertPerson(ctx, store.Person{Name: "Sam", Role: "Elder"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.InsertPerson(ctx, store.Person{Name: "Sam", Role: "Family"})
	require.NoError(t, err)

	got, err := s.GetPerson(ctx, store.ByName("Sam"))
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)

	all, err := s.ListPeople(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetPerson(ctx, store.ByName("nobody"))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetPerson(ctx, store.ByID(store.NewID()))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetConversation(ctx, store.NewID())
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AddConversationToPerson(ctx, store.ByName("nobody"), "c1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AddConversationToPerson(ctx, store.ByID(store.NewID()), "c1")
	require.ErrorIs(t, err, store.ErrNotFound)

	people, err := s.ListPeople(ctx)
	require.NoError(t, err)
	assert.Empty(t, people)
	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

// SampleConversation builds a conversation with one anchored and one
// unanchored utterance.
func SampleConversation(a, b string) store.Conversation {
	start := time.Date(2025, 3, 1, 10, 0, 1, 500*int(time.Millisecond), time.UTC)
	neg := sentiment.Scores{Neg: 0.6, Neu: 0.4, Pos: 0, Compound: -0.7096}
	return store.Conversation{
		Participants: []string{a, b},
		StartTime:    start,
		TotalTime:    5,
		Sentences: []store.Utterance{
			{ID: store.NewID(), Speaker: a, Text: "I feel unsafe and scared", Sentiment: &neg, StartTime: &start, Duration: 3},
			{ID: store.NewID(), Speaker: b, Text: "I went to the store", Sentiment: &sentiment.Neutral, Duration: 2},
		},
		Flags:     []int{0, 1},
		Sentiment: -0.4258,
	}
}

func testConversationRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := SampleConversation("person-a", "person-b")
	id, err := s.InsertConversation(ctx, in)
	require.NoError(t, err)

	out, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	AssertSameConversation(t, in, out)
	assert.Equal(t, id, out.ID)
}

// AssertSameConversation compares everything that must survive persistence.
func AssertSameConversation(t *testing.T, want, got store.Conversation) {
	t.Helper()
	assert.ElementsMatch(t, want.Participants, got.Participants)
	assert.Equal(t, want.Flags, got.Flags)
	assert.InDelta(t, want.Sentiment, got.Sentiment, 1e-12)
	assert.Equal(t, want.TotalTime, got.TotalTime)
	assert.True(t, want.StartTime.Equal(got.StartTime), "start %v != %v", want.StartTime, got.StartTime)
	require.Len(t, got.Sentences, len(want.Sentences))
	for i := range want.Sentences {
		w, g := want.Sentences[i], got.Sentences[i]
		assert.Equal(t, w.ID, g.ID, "sentence %d", i)
		assert.Equal(t, w.Speaker, g.Speaker, "sentence %d", i)
		assert.Equal(t, w.Text, g.Text, "sentence %d", i)
		assert.Equal(t, w.Duration, g.Duration, "sentence %d", i)
		assert.Equal(t, w.Sentiment, g.Sentiment, "sentence %d", i)
		if w.StartTime == nil {
			assert.Nil(t, g.StartTime, "sentence %d", i)
		} else if assert.NotNil(t, g.StartTime, "sentence %d", i) {
			assert.True(t, w.StartTime.Equal(*g.StartTime), "sentence %d start", i)
		}
	}
}

func testConversationsByIDOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		c := SampleConversation("a", "b")
		c.Sentiment = float64(i)
		id, err := s.InsertConversation(ctx, c)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := s.ConversationsByID(ctx, []string{ids[2], "missing", ids[0]})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[0], got[1].ID)

	all, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ConversationsByID(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAddConversationIsSetAdd(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertPerson(ctx, store.Person{Name: "Ryan"})
	require.NoError(t, err)

	changed, err := s.AddConversationToPerson(ctx, store.ByID(id), "c1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AddConversationToPerson(ctx, store.ByID(id), "c1")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.AddConversationToPerson(ctx, store.ByName("Ryan"), "c2")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetPerson(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, got.Conversations)
}

func testUpdatePersonSignals(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertPerson(ctx, store.Person{Name: "Brad", Role: "Caregiver"})
	require.NoError(t, err)

	role := "Caregiver"
	changed, err := s.UpdatePerson(ctx, store.ByID(id), store.PersonPatch{Role: &role})
	require.NoError(t, err)
	assert.False(t, changed, "same value must not report a change")

	role = "Nurse"
	changed, err = s.UpdatePerson(ctx, store.ByName("Brad"), store.PersonPatch{Role: &role})
	require.NoError(t, err)
	assert.True(t, changed)

	name := "Bradley"
	changed, err = s.UpdatePerson(ctx, store.ByID(id), store.PersonPatch{Name: &name})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetPerson(ctx, store.ByName("Bradley"))
	require.NoError(t, err)
	assert.Equal(t, "Nurse", got.Role)

	_, err = s.UpdatePerson(ctx, store.ByName("Brad"), store.PersonPatch{Role: &role})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentLinks(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, err := s.InsertPerson(ctx, store.Person{Name: "Elder"})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AddConversationToPerson(ctx, store.ByID(id), fmt.Sprintf("c%02d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AddConversationToPerson() error = %v", err)
	}

	got, err := s.GetPerson(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Len(t, got.Conversations, n)
}

func testRepositoryQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := store.NewRepository(s)

	n, err := repo.CountFlagsForPerson(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.NotFoundFlags, n)

	convs, err := repo.FindConversationsForPerson(ctx, "ghost")
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)

	a, err := s.InsertPerson(ctx, store.Person{Name: "Ryan"})
	require.NoError(t, err)
	b, err := s.InsertPerson(ctx, store.Person{Name: "Brad"})
	require.NoError(t, err)

	n, err = repo.CountFlagsForPerson(ctx, "Ryan")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	linked := SampleConversation(a, b)
	linkedID, err := s.InsertConversation(ctx, linked)
	require.NoError(t, err)
	_, err = s.AddConversationToPerson(ctx, store.ByID(a), linkedID)
	require.NoError(t, err)

	// Unlinked conversation still counts through participants.
	orphan := SampleConversation(a, b)
	orphan.Flags = []int{0}
	_, err = s.InsertConversation(ctx, orphan)
	require.NoError(t, err)

	n, err = repo.CountFlagsForPerson(ctx, "Ryan")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	convs, err = repo.FindConversationsForPerson(ctx, "Ryan")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, linkedID, convs[0].ID)

	convs, err = repo.FindConversationsForPerson(ctx, "Brad")
	require.NoError(t, err)
	assert.Empty(t, convs)
}
