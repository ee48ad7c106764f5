package typing

import (
	"context"
	"log"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
)

// Notifier broadcasts the local user's typing state for one conversation.
// Active broadcasts are throttled; going idle always broadcasts an explicit
// stopped signal so remote peers clear promptly instead of waiting out
// their own timeout.
type Notifier struct {
	bus            realtime.Bus
	conversationID int
	userID         int
	throttle       time.Duration
	idleExpiry     time.Duration

	mu         sync.Mutex
	active     bool
	lastSignal time.Time
	idleTimer  *time.Timer
	stopped    bool
}

// NewNotifier builds a Notifier for one scope.
func NewNotifier(bus realtime.Bus, conversationID, userID int, throttle, idleExpiry time.Duration) *Notifier {
	return &Notifier{
		bus:            bus,
		conversationID: conversationID,
		userID:         userID,
		throttle:       throttle,
		idleExpiry:     idleExpiry,
	}
}

// InputChanged is called on every local keystroke. It restarts the idle
// timer and broadcasts at most one active signal per throttle interval.
func (n *Notifier) InputChanged() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}

	if n.idleTimer == nil {
		n.idleTimer = time.AfterFunc(n.idleExpiry, n.idleExpired)
	} else {
		n.idleTimer.Reset(n.idleExpiry)
	}

	now := time.Now()
	shouldBroadcast := !n.active || now.Sub(n.lastSignal) >= n.throttle
	if shouldBroadcast {
		n.active = true
		n.lastSignal = now
	}
	n.mu.Unlock()

	if shouldBroadcast {
		n.broadcast(true)
	}
}

// Stop cancels the idle timer and, if the user was mid-typing, broadcasts a
// final stopped signal. Safe to call more than once.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	if n.idleTimer != nil {
		n.idleTimer.Stop()
	}
	wasActive := n.active
	n.active = false
	n.mu.Unlock()

	if wasActive {
		n.broadcast(false)
	}
}

func (n *Notifier) idleExpired() {
	n.mu.Lock()
	if n.stopped || !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.mu.Unlock()

	n.broadcast(false)
}

// broadcast is best-effort: typing signals self-heal via expiry, so a
// failure is logged and dropped.
func (n *Notifier) broadcast(active bool) {
	eventType := models.EventTypingStopped
	if active {
		eventType = models.EventTypingActive
	}
	event, err := realtime.NewEvent(eventType, models.TypingEvent{
		ConversationID: n.conversationID,
		UserID:         n.userID,
		Active:         active,
		At:             time.Now(),
	})
	if err != nil {
		log.Printf("typing broadcast conv=%d: %v", n.conversationID, err)
		return
	}
	if err := n.bus.Publish(context.Background(), realtime.TypingTopic(n.conversationID), event); err != nil {
		log.Printf("typing broadcast conv=%d: %v", n.conversationID, err)
	}
}
