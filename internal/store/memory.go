package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	people        map[string]Person
	peopleOrder   []string
	conversations map[string]Conversation
	convOrder     []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		people:        make(map[string]Person),
		conversations: make(map[string]Conversation),
	}
}

func (s *InMemoryStore) InsertPerson(_ context.Context, p Person) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = NewID()
	}
	if _, exists := s.people[p.ID]; exists {
		return "", fmt.Errorf("insert person %s: %w", p.ID, ErrWriteRejected)
	}
	p = clonePerson(p)
	p.Conversations = dedupe(p.Conversations)
	s.people[p.ID] = p
	s.peopleOrder = append(s.peopleOrder, p.ID)
	return p.ID, nil
}

func (s *InMemoryStore) InsertConversation(_ context.Context, c Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = NewID()
	}
	if _, exists := s.conversations[c.ID]; exists {
		return "", fmt.Errorf("insert conversation %s: %w", c.ID, ErrWriteRejected)
	}
	s.conversations[c.ID] = cloneConversation(c)
	s.convOrder = append(s.convOrder, c.ID)
	return c.ID, nil
}

func (s *InMemoryStore) GetPerson(_ context.Context, ref PersonRef) (Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.resolveLocked(ref)
	if !ok {
		return Person{}, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	return clonePerson(s.people[id]), nil
}

func (s *InMemoryStore) ListPeople(_ context.Context) ([]Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Person, 0, len(s.peopleOrder))
	for _, id := range s.peopleOrder {
		out = append(out, clonePerson(s.people[id]))
	}
	return out, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return cloneConversation(c), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.convOrder))
	for _, id := range s.convOrder {
		out = append(out, cloneConversation(s.conversations[id]))
	}
	return out, nil
}

func (s *InMemoryStore) ConversationsByID(_ context.Context, ids []string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.conversations[id]; ok {
			found = append(found, cloneConversation(c))
		}
	}
	return orderByIDs(ids, found), nil
}

func (s *InMemoryStore) AddConversationToPerson(_ context.Context, ref PersonRef, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolveLocked(ref)
	if !ok {
		return false, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	p := s.people[id]
	if slices.Contains(p.Conversations, conversationID) {
		return false, nil
	}
	p.Conversations = append(slices.Clone(p.Conversations), conversationID)
	s.people[id] = p
	return true, nil
}

func (s *InMemoryStore) UpdatePerson(_ context.Context, ref PersonRef, patch PersonPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolveLocked(ref)
	if !ok {
		return false, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	p := s.people[id]
	changed := patch.apply(&p)
	s.people[id] = p
	return changed, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) resolveLocked(ref PersonRef) (string, bool) {
	if ref.ID != "" {
		_, ok := s.people[ref.ID]
		return ref.ID, ok
	}
	for _, id := range s.peopleOrder {
		if s.people[id].Name == ref.Name {
			return id, true
		}
	}
	return "", false
}

func dedupe(ids []string) []string {
	out := ids[:0:0]
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
