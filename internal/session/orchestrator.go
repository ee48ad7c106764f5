package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
	"messaging-service/internal/repositories"
	"messaging-service/internal/syncengine"
	"messaging-service/internal/typing"
)

// ErrAlreadyOpen is returned when a view key is opened twice.
var ErrAlreadyOpen = errors.New("view already open")

// Key identifies one open conversation view: a view (e.g. one websocket
// connection) can hold the community room plus several direct conversations,
// and one conversation can be open in many views.
type Key struct {
	ViewID         string
	ConversationID int
}

// Timings carries the engine and typing knobs one session runs on.
type Timings struct {
	TypingThrottle   time.Duration
	TypingIdleExpiry time.Duration
	TypingPeerExpiry time.Duration
	ReconcileWindow  time.Duration
	RoomLoadLimit    int
}

// Session is one open view scope: an engine, a typing notifier, and the
// cancellation that tears both down.
type Session struct {
	Engine   *syncengine.Engine
	Notifier *typing.Notifier
	cancel   context.CancelFunc
}

// Orchestrator creates and tears down one engine plus signal-channel binding
// per open conversation view.
type Orchestrator struct {
	messages repositories.MessageRepository
	profiles repositories.ProfileRepository
	bus      realtime.Bus
	timings  Timings

	mu    sync.Mutex
	open  map[Key]*Session
	wg    sync.WaitGroup
	close bool
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(messages repositories.MessageRepository, profiles repositories.ProfileRepository, bus realtime.Bus, timings Timings) *Orchestrator {
	return &Orchestrator{
		messages: messages,
		profiles: profiles,
		bus:      bus,
		timings:  timings,
		open:     make(map[Key]*Session),
	}
}

// Open starts a session for the view. The engine goroutine and feed
// subscriptions live until Close.
func (o *Orchestrator) Open(key Key, conversation models.Conversation, localUserID int) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.close {
		return nil, errors.New("orchestrator shutting down")
	}
	if _, exists := o.open[key]; exists {
		return nil, ErrAlreadyOpen
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := syncengine.New(conversation, localUserID, o.messages, o.profiles, o.bus, syncengine.Options{
		LoadLimit:       o.timings.RoomLoadLimit,
		ReconcileWindow: o.timings.ReconcileWindow,
		TypingExpiry:    o.timings.TypingPeerExpiry,
	})
	notifier := typing.NewNotifier(o.bus, conversation.ID, localUserID, o.timings.TypingThrottle, o.timings.TypingIdleExpiry)

	sess := &Session{Engine: engine, Notifier: notifier, cancel: cancel}
	o.open[key] = sess

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		engine.Run(ctx)
	}()

	return sess, nil
}

// Close tears the session down: cancels the engine scope, waits for the
// loop to exit (after which nothing can mutate its state), and stops the
// typing notifier with a final stopped broadcast.
func (o *Orchestrator) Close(key Key) {
	o.mu.Lock()
	sess, exists := o.open[key]
	if exists {
		delete(o.open, key)
	}
	o.mu.Unlock()
	if !exists {
		return
	}

	sess.cancel()
	<-sess.Engine.Done()
	sess.Notifier.Stop()
}

// CloseView closes every session belonging to the view.
func (o *Orchestrator) CloseView(viewID string) {
	o.mu.Lock()
	keys := make([]Key, 0)
	for key := range o.open {
		if key.ViewID == viewID {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()

	for _, key := range keys {
		o.Close(key)
	}
}

// CloseAll tears down every open session and rejects new opens.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	o.close = true
	keys := make([]Key, 0, len(o.open))
	for key := range o.open {
		keys = append(keys, key)
	}
	o.mu.Unlock()

	for _, key := range keys {
		o.Close(key)
	}
	o.wg.Wait()
}
