// Package stream fan-outs ledger events to live subscribers (the SSE feed
// behind the operator dashboard). Delivery is best effort: a slow subscriber
// drops events rather than blocking writers.
package stream

import (
	"sync"
	"time"
)

// EventType labels what happened.
type EventType string

const (
	EventConversionCreated EventType = "conversion.created"
	EventConversionStatus  EventType = "conversion.status"
	EventPayoutCreated     EventType = "payout.created"
	EventPayoutStatus      EventType = "payout.status"
)

// Event describes one ledger state change for the feed.
type Event struct {
	Type        EventType `json:"type"`
	AffiliateID string    `json:"affiliate_id"`
	EntityID    string    `json:"entity_id"`
	Status      string    `json:"status,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stream multiplexes events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release the subscription.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan Event, 16)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (s *Stream) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is lagging; drop
		}
	}
}

// Subscribers returns the number of active listeners.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
