// Package events fans decision events out to websocket subscribers and to a
// Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const TypeDecision = "decision"

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
	// Key partitions the event on Kafka; it never leaves the process otherwise.
	Key string `json:"-"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Decision is the payload of a decision event. It carries hashed identifiers
// only.
type Decision struct {
	DecisionID         string `json:"decisionId"`
	RequestID          string `json:"requestId"`
	IntentID           string `json:"intentId"`
	UserIDHash         string `json:"userIdHash"`
	Action             string `json:"action"`
	AmountCents        int64  `json:"amountCents"`
	Outcome            string `json:"outcome"`
	DenialReason       string `json:"denialReason,omitempty"`
	EscalationReason   string `json:"escalationReason,omitempty"`
	VerificationTimeMs int64  `json:"verificationTimeMs"`
}

func NewDecisionEvent(d Decision) Event {
	evt := NewEvent(TypeDecision, d)
	evt.Key = d.UserIDHash
	return evt
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Hub is an in-process broadcaster. Slow subscribers lose events rather than
// stall the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Fanout publishes to every non-nil publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
