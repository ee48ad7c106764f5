package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"messaging-service/internal/config"
)

// NATSBus is a Bus backed by NATS core subjects. Delivery is best-effort
// with per-subject ordering, which is all the ephemeral channels need.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to the configured NATS server.
func NewNATSBus(cfg config.NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn}, nil
}

// Publish sends the event envelope on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.conn.Publish(topic, body)
}

// Subscribe opens a buffered feed for the subject.
func (b *NATSBus) Subscribe(topic string) (Subscription, error) {
	sub := &natsSubscription{ch: make(chan Event, subscriberBuffer)}

	natsSub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("nats bus: bad event on %s: %v", topic, err)
			return
		}
		sub.deliver(event, topic)
	})
	if err != nil {
		return nil, err
	}
	sub.natsSub = natsSub
	return sub, nil
}

// Close drains the connection.
func (b *NATSBus) Close() {
	b.conn.Close()
}

type natsSubscription struct {
	natsSub *nats.Subscription
	ch      chan Event
	mu      sync.Mutex
	closed  bool
}

func (s *natsSubscription) deliver(event Event, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		log.Printf("nats bus: dropping %s event on %s, subscriber full", event.Type, topic)
	}
}

func (s *natsSubscription) C() <-chan Event { return s.ch }

func (s *natsSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.natsSub.Unsubscribe()
	close(s.ch)
}
