package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/elderwatch/internal/sentiment"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrWriteRejected = errors.New("write rejected")
)

// Person is a participant in monitored conversations: the elder, a
// caregiver, family. Conversations holds the ids of every conversation the
// person has been linked into, without duplicates.
type Person struct {
	ID            string   `json:"_id" bson:"_id"`
	Name          string   `json:"name" bson:"name"`
	Role          string   `json:"role" bson:"role"`
	Conversations []string `json:"conversations" bson:"conversations"`
}

// Utterance is one speaker turn. StartTime is nil when the transcript had no
// wall-clock anchor.
type Utterance struct {
	ID        string            `json:"_id" bson:"_id"`
	Speaker   string            `json:"speaker" bson:"speaker"`
	Text      string            `json:"text" bson:"text"`
	Sentiment *sentiment.Scores `json:"sentiment" bson:"sentiment"`
	StartTime *time.Time        `json:"start_time" bson:"start_time"`
	Duration  int               `json:"total_time" bson:"total_time"`
}

// Conversation is immutable once inserted. Flags are ascending positions into
// Sentences.
type Conversation struct {
	ID           string      `json:"_id" bson:"_id"`
	Participants []string    `json:"participants" bson:"participants"`
	StartTime    time.Time   `json:"start_time" bson:"start_time"`
	TotalTime    int         `json:"total_time" bson:"total_time"`
	Sentences    []Utterance `json:"sentences" bson:"sentences"`
	Flags        []int       `json:"flags" bson:"flags"`
	Sentiment    float64     `json:"sentiment" bson:"sentiment"`
}

// PersonRef addresses a person by id or, when ID is empty, by name. A name
// matching several people resolves to the earliest registered one.
type PersonRef struct {
	ID   string
	Name string
}

func ByID(id string) PersonRef     { return PersonRef{ID: id} }
func ByName(name string) PersonRef { return PersonRef{Name: name} }

func (r PersonRef) String() string {
	if r.ID != "" {
		return "id:" + r.ID
	}
	return "name:" + r.Name
}

// PersonPatch carries the fields to overwrite. Nil fields are left alone.
type PersonPatch struct {
	Name *string `json:"name,omitempty"`
	Role *string `json:"role,omitempty"`
}

func (p PersonPatch) apply(person *Person) bool {
	changed := false
	if p.Name != nil && *p.Name != person.Name {
		person.Name = *p.Name
		changed = true
	}
	if p.Role != nil && *p.Role != person.Role {
		person.Role = *p.Role
		changed = true
	}
	return changed
}

// Store persists People and Conversations. Implementations must be safe for
// concurrent use.
//
// Mutating operations separate two signals: a nil error means the target was
// found and the request succeeded, and changed reports whether stored state
// actually moved.
type Store interface {
	// InsertPerson stores p and returns its id, assigning one when p.ID is
	// empty. An id collision fails with ErrWriteRejected.
	InsertPerson(ctx context.Context, p Person) (string, error)
	InsertConversation(ctx context.Context, c Conversation) (string, error)

	GetPerson(ctx context.Context, ref PersonRef) (Person, error)
	ListPeople(ctx context.Context) ([]Person, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	// ConversationsByID returns the conversations whose ids appear in ids,
	// in the order of ids. Unknown ids are skipped.
	ConversationsByID(ctx context.Context, ids []string) ([]Conversation, error)

	AddConversationToPerson(ctx context.Context, ref PersonRef, conversationID string) (changed bool, err error)
	UpdatePerson(ctx context.Context, ref PersonRef, patch PersonPatch) (changed bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

func NewID() string { return uuid.NewString() }

func clonePerson(p Person) Person {
	p.Conversations = slices.Clone(p.Conversations)
	if p.Conversations == nil {
		p.Conversations = []string{}
	}
	return p
}

func cloneConversation(c Conversation) Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.Flags = slices.Clone(c.Flags)
	c.Sentences = slices.Clone(c.Sentences)
	for i := range c.Sentences {
		if sc := c.Sentences[i].Sentiment; sc != nil {
			cp := *sc
			c.Sentences[i].Sentiment = &cp
		}
		if st := c.Sentences[i].StartTime; st != nil {
			cp := *st
			c.Sentences[i].StartTime = &cp
		}
	}
	if c.Participants == nil {
		c.Participants = []string{}
	}
	if c.Flags == nil {
		c.Flags = []int{}
	}
	if c.Sentences == nil {
		c.Sentences = []Utterance{}
	}
	return c
}

// orderByIDs reorders convs to follow ids, dropping misses and duplicates.
func orderByIDs(ids []string, convs []Conversation) []Conversation {
	byID := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	out := make([]Conversation, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
