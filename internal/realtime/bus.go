package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is the typed envelope carried on every topic.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload into an Event envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: body}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Subscription is a live feed for one topic. Events on the same topic arrive
// in publish order; the channel closes after Unsubscribe.
type Subscription interface {
	C() <-chan Event
	Unsubscribe()
}

// Bus is the publish/subscribe transport: named topics, typed events, no
// persistence guarantee, at-least-once per-topic-ordered delivery.
type Bus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(topic string) (Subscription, error)
}
