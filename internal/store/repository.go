package store

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundFlags is the flag total reported for a person that does not exist.
const NotFoundFlags = -1

// Repository answers the cross-collection queries on top of a Store. The
// two collections have no join, so every relationship query is resolved
// here.
type Repository struct {
	Store
}

func NewRepository(s Store) *Repository {
	return &Repository{Store: s}
}

func (r *Repository) FindPersonByName(ctx context.Context, name string) (Person, error) {
	return r.GetPerson(ctx, ByName(name))
}

// FindConversationsForPerson follows the person's stored conversation ids. A
// missing person or an empty set yields an empty result, not an error.
func (r *Repository) FindConversationsForPerson(ctx context.Context, name string) ([]Conversation, error) {
	p, err := r.FindPersonByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return []Conversation{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(p.Conversations) == 0 {
		return []Conversation{}, nil
	}
	convs, err := r.ConversationsByID(ctx, p.Conversations)
	if err != nil {
		return nil, fmt.Errorf("conversations for %q: %w", name, err)
	}
	return convs, nil
}

// CountFlagsForPerson sums flag counts over every conversation the person
// takes part in, either through their linked set or as a listed participant.
// It returns NotFoundFlags with ErrNotFound for an unknown name.
func (r *Repository) CountFlagsForPerson(ctx context.Context, name string) (int, error) {
	p, err := r.FindPersonByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NotFoundFlags, err
		}
		return NotFoundFlags, fmt.Errorf("count flags for %q: %w", name, err)
	}
	convs, err := r.ListConversations(ctx)
	if err != nil {
		return NotFoundFlags, fmt.Errorf("count flags for %q: %w", name, err)
	}

	linked := make(map[string]struct{}, len(p.Conversations))
	for _, id := range p.Conversations {
		linked[id] = struct{}{}
	}
	total := 0
	for _, c := range convs {
		if _, ok := linked[c.ID]; ok || participates(c, p.ID) {
			total += len(c.Flags)
		}
	}
	return total, nil
}

func participates(c Conversation, personID string) bool {
	for _, id := range c.Participants {
		if id == personID {
			return true
		}
	}
	return false
}
