package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/elderwatch/internal/store"
)

// ErrUnmappedSpeaker means a transcript label has no bound person.
var ErrUnmappedSpeaker = errors.New("unmapped speaker")

// SpeakerPolicy decides what happens to labels missing from the bindings.
type SpeakerPolicy string

const (
	// RejectUnmapped fails the whole ingestion.
	RejectUnmapped SpeakerPolicy = "reject"
	// PlaceholderUnmapped mints a placeholder person per label, persisted
	// before the conversation is committed.
	PlaceholderUnmapped SpeakerPolicy = "placeholder"

	PlaceholderRole = "Unknown"
)

func ParseSpeakerPolicy(raw string) (SpeakerPolicy, error) {
	switch SpeakerPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RejectUnmapped:
		return RejectUnmapped, nil
	case PlaceholderUnmapped:
		return PlaceholderUnmapped, nil
	default:
		return "", fmt.Errorf("unknown speaker policy %q", raw)
	}
}

// Bindings maps transcript speaker labels to person ids.
type Bindings map[string]string

// Resolver maps labels to person ids for one conversation.
type Resolver struct {
	bindings     Bindings
	policy       SpeakerPolicy
	placeholders map[string]store.Person
	order        []string
}

func NewResolver(bindings Bindings, policy SpeakerPolicy) *Resolver {
	if policy == "" {
		policy = RejectUnmapped
	}
	return &Resolver{
		bindings:     bindings,
		policy:       policy,
		placeholders: make(map[string]store.Person),
	}
}

// Resolve returns the person id bound to label. Under the placeholder policy
// an unbound label gets one placeholder for the lifetime of the resolver.
func (r *Resolver) Resolve(label string) (string, error) {
	if id, ok := r.bindings[label]; ok && id != "" {
		return id, nil
	}
	if r.policy != PlaceholderUnmapped {
		return "", fmt.Errorf("%w: %q", ErrUnmappedSpeaker, label)
	}
	if p, ok := r.placeholders[label]; ok {
		return p.ID, nil
	}
	p := store.Person{ID: store.NewID(), Name: label, Role: PlaceholderRole, Conversations: []string{}}
	r.placeholders[label] = p
	r.order = append(r.order, label)
	return p.ID, nil
}

// Placeholders lists the people minted so far, in first-seen order.
func (r *Resolver) Placeholders() []store.Person {
	out := make([]store.Person, 0, len(r.order))
	for _, label := range r.order {
		out = append(out, r.placeholders[label])
	}
	return out
}
