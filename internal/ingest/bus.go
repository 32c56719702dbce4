package ingest

import (
	"sync"
	"time"
)

type EventType string

const (
	EventConversationIngested EventType = "conversation_ingested"
	EventIngestFailed         EventType = "ingest_failed"
	EventLinkFailed           EventType = "link_failed"
	EventLinkRepaired         EventType = "link_repaired"
)

type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	PersonID       string    `json:"person_id,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
	Utterances     int       `json:"utterances,omitempty"`
	Flags          int       `json:"flags,omitempty"`
	Sentiment      float64   `json:"sentiment,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

const defaultEventHistoryLimit = 128

// Bus fans ingestion events out to subscribers. Slow subscribers drop events
// rather than stall ingestion.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextSubID   int
	history     []Event
	historyMax  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
		historyMax:  defaultEventHistoryLimit,
	}
}

func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, evt)
	if len(b.history) > b.historyMax {
		b.history = append([]Event(nil), b.history[len(b.history)-b.historyMax:]...)
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Recent returns up to limit of the latest events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Event(nil), b.history[len(b.history)-limit:]...)
}
