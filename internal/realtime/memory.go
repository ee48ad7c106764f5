package realtime

import (
	"context"
	"log"
	"sync"
)

const subscriberBuffer = 64

// MemoryBus is an in-process Bus for tests and single-node deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers the event to every current subscriber of the topic.
// A subscriber that cannot keep up loses the event rather than blocking the
// publisher.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-delivery. Sends never block: the select falls through when full.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			log.Printf("memory bus: dropping %s event on %s, subscriber full", event.Type, topic)
		}
	}
	return nil
}

// Subscribe opens a buffered feed for the topic.
func (b *MemoryBus) Subscribe(topic string) (Subscription, error) {
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan Event
	once  sync.Once
}

func (s *memorySubscription) C() <-chan Event { return s.ch }

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.topics[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
