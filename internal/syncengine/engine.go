package syncengine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/realtime"
	"messaging-service/internal/repositories"
	"messaging-service/internal/typing"
)

// ErrEngineClosed is returned by operations submitted after teardown.
var ErrEngineClosed = errors.New("sync engine closed")

const (
	defaultReconcileWindow = 5 * time.Second
	defaultPeerExpiry      = 4 * time.Second
	updateBuffer           = 64
	sweepInterval          = time.Second
)

// Options tunes one engine instance.
type Options struct {
	// LoadLimit bounds Load for the room; <= 0 loads the full history.
	LoadLimit int
	// ReconcileWindow is the created_at proximity accepted by the heuristic
	// fallback match.
	ReconcileWindow time.Duration
	// TypingExpiry is how long a peer's typing signal stays visible without
	// a refresh.
	TypingExpiry time.Duration
}

// Engine owns the ordered message sequence of one open conversation view.
//
// All state lives inside the Run loop goroutine: the insert feed, typing
// feed, receipt feed, sweep ticker and submitted commands are serialized
// there, so no handler can interleave mid-mutation and nothing can mutate
// state once the loop has returned.
type Engine struct {
	conversation models.Conversation
	localUserID  int
	messages     repositories.MessageRepository
	profiles     repositories.ProfileRepository
	bus          realtime.Bus
	opts         Options

	cmds    chan func(*state)
	updates chan models.ViewUpdate
	done    chan struct{}
}

// state is the loop-owned mutable data.
type state struct {
	ordered      []models.Message
	typists      *typing.Set
	profileCache map[int]models.ProfileSnapshot
}

// New builds an engine for one conversation scope.
func New(conversation models.Conversation, localUserID int, messages repositories.MessageRepository, profiles repositories.ProfileRepository, bus realtime.Bus, opts Options) *Engine {
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = defaultReconcileWindow
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = defaultPeerExpiry
	}
	return &Engine{
		conversation: conversation,
		localUserID:  localUserID,
		messages:     messages,
		profiles:     profiles,
		bus:          bus,
		opts:         opts,
		cmds:         make(chan func(*state)),
		updates:      make(chan models.ViewUpdate, updateBuffer),
		done:         make(chan struct{}),
	}
}

// Updates is the feed of view updates for the attached renderer.
func (e *Engine) Updates() <-chan models.ViewUpdate { return e.updates }

// Done closes when the loop has exited and no further mutation is possible.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run subscribes the three live feeds and consumes until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	inserts, err := e.bus.Subscribe(realtime.MessagesTopic(e.conversation.ID))
	if err != nil {
		log.Printf("engine conv=%d: subscribe inserts: %v", e.conversation.ID, err)
		return
	}
	defer inserts.Unsubscribe()

	typingFeed, err := e.bus.Subscribe(realtime.TypingTopic(e.conversation.ID))
	if err != nil {
		log.Printf("engine conv=%d: subscribe typing: %v", e.conversation.ID, err)
		return
	}
	defer typingFeed.Unsubscribe()

	receipts, err := e.bus.Subscribe(realtime.ReceiptsTopic(e.conversation.ID))
	if err != nil {
		log.Printf("engine conv=%d: subscribe receipts: %v", e.conversation.ID, err)
		return
	}
	defer receipts.Unsubscribe()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	st := &state{
		typists:      typing.NewSet(e.opts.TypingExpiry),
		profileCache: make(map[int]models.ProfileSnapshot),
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-inserts.C():
			e.handleInsert(ctx, st, event)
		case event := <-typingFeed.C():
			e.handleTyping(st, event)
		case event := <-receipts.C():
			e.handleReceipt(st, event)
		case now := <-sweep.C:
			if st.typists.Sweep(now) {
				e.emit(models.ViewUpdate{Type: models.UpdateTyping, TypingUsers: st.typists.Users()})
			}
		case cmd := <-e.cmds:
			cmd(st)
		}
	}
}

// do runs fn inside the loop and waits for it to complete.
func (e *Engine) do(ctx context.Context, fn func(*state)) error {
	ran := make(chan struct{})
	wrapped := func(st *state) {
		fn(st)
		close(ran)
	}
	select {
	case e.cmds <- wrapped:
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrEngineClosed
	}
}

// Load fetches history, replaces local state and marks unread messages from
// other senders read. A failed fetch leaves the prior state intact.
func (e *Engine) Load(ctx context.Context) error {
	limit := 0
	if e.conversation.Kind == models.KindRoom {
		limit = e.opts.LoadLimit
	}
	msgs, err := e.messages.ListRecent(ctx, e.conversation.ID, limit)
	if err != nil {
		return err
	}

	if e.conversation.Kind == models.KindRoom {
		ids := make([]int, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		readers, err := e.messages.ListReaders(ctx, ids)
		if err != nil {
			return err
		}
		for i := range msgs {
			msgs[i].ReadBy = readers[msgs[i].ID]
		}
	}

	var unread []models.Message
	err = e.do(ctx, func(st *state) {
		st.ordered = msgs
		for _, m := range msgs {
			if m.SenderID != e.localUserID && !e.isReadByLocal(m) {
				unread = append(unread, m)
			}
		}
		e.emit(models.ViewUpdate{Type: models.UpdateSnapshot})
	})
	if err != nil {
		return err
	}

	if len(unread) > 0 {
		ids := make([]int, len(unread))
		for i, m := range unread {
			ids[i] = m.ID
		}
		return e.MarkRead(ctx, ids)
	}
	return nil
}

// Send appends an optimistic entry synchronously, then persists it in the
// background. The caller's view reflects the message before any round trip;
// a failed persist rolls back exactly that entry.
func (e *Engine) Send(ctx context.Context, content string, media *models.Media) (string, error) {
	token := uuid.NewString()
	msg := models.Message{
		ClientToken:    token,
		ConversationID: e.conversation.ID,
		SenderID:       e.localUserID,
		Content:        content,
		Media:          media,
		CreatedAt:      time.Now(),
		Optimistic:     true,
	}

	err := e.do(ctx, func(st *state) {
		st.ordered = insertSorted(st.ordered, msg)
		queued := msg
		e.emit(models.ViewUpdate{Type: models.UpdateMessage, Message: &queued})
	})
	if err != nil {
		return "", err
	}
	observability.IncOptimisticSend()

	go e.persist(msg)
	return token, nil
}

// persist stores the optimistic message and publishes its insert event. On
// success the inbound event finalizes the entry; persist never does, so the
// success callback cannot race the feed.
func (e *Engine) persist(msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stored, err := e.messages.Insert(ctx, repositories.InsertMessageParams{
		ClientToken:    msg.ClientToken,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Media:          msg.Media,
	})
	if err != nil {
		log.Printf("engine conv=%d: persist send: %v", e.conversation.ID, err)
		observability.IncSendRollback()
		// A closed scope has nothing left to roll back.
		rollbackErr := e.do(ctx, func(st *state) {
			st.ordered = removeByToken(st.ordered, msg.ClientToken)
			e.emit(models.ViewUpdate{Type: models.UpdateSendFailed, ClientToken: msg.ClientToken, Error: "message could not be sent"})
		})
		if rollbackErr != nil && !errors.Is(rollbackErr, ErrEngineClosed) {
			log.Printf("engine conv=%d: rollback send: %v", e.conversation.ID, rollbackErr)
		}
		return
	}

	event, err := realtime.NewEvent(models.EventMessageInserted, models.MessageInsertedEvent{Message: stored})
	if err != nil {
		log.Printf("engine conv=%d: encode insert event: %v", e.conversation.ID, err)
		return
	}
	if err := e.bus.Publish(ctx, realtime.MessagesTopic(e.conversation.ID), event); err != nil {
		log.Printf("engine conv=%d: publish insert event: %v", e.conversation.ID, err)
	}
}

// MarkRead flips local read state for the given messages and broadcasts
// receipts. Read state only grows.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []int) error {
	if len(messageIDs) == 0 {
		return nil
	}

	err := e.do(ctx, func(st *state) {
		for i := range st.ordered {
			if containsID(messageIDs, st.ordered[i].ID) {
				e.growReadState(&st.ordered[i], e.localUserID)
			}
		}
	})
	if err != nil {
		return err
	}

	go e.persistReadState(messageIDs)
	return nil
}

// persistReadState is best-effort: receipts self-heal on the next load.
func (e *Engine) persistReadState(messageIDs []int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.conversation.Kind == models.KindRoom {
		for _, id := range messageIDs {
			if err := e.messages.AddReader(ctx, id, e.localUserID); err != nil {
				log.Printf("engine conv=%d: record reader msg=%d: %v", e.conversation.ID, id, err)
			}
		}
	} else {
		if err := e.messages.MarkRead(ctx, e.conversation.ID, messageIDs, e.localUserID); err != nil {
			log.Printf("engine conv=%d: mark read: %v", e.conversation.ID, err)
		}
	}

	for _, id := range messageIDs {
		event, err := realtime.NewEvent(models.EventReadReceipt, models.ReadReceiptEvent{
			ConversationID: e.conversation.ID,
			MessageID:      id,
			UserID:         e.localUserID,
			At:             time.Now(),
		})
		if err != nil {
			log.Printf("engine conv=%d: encode receipt: %v", e.conversation.ID, err)
			continue
		}
		if err := e.bus.Publish(ctx, realtime.ReceiptsTopic(e.conversation.ID), event); err != nil {
			log.Printf("engine conv=%d: publish receipt: %v", e.conversation.ID, err)
		}
	}
}

// Snapshot returns a read-only copy of the current message sequence and
// typing set.
func (e *Engine) Snapshot(ctx context.Context) ([]models.Message, []int, error) {
	var msgs []models.Message
	var typists []int
	err := e.do(ctx, func(st *state) {
		msgs = make([]models.Message, len(st.ordered))
		copy(msgs, st.ordered)
		typists = st.typists.Users()
	})
	if err != nil {
		return nil, nil, err
	}
	return msgs, typists, nil
}

func (e *Engine) handleInsert(ctx context.Context, st *state, event realtime.Event) {
	var payload models.MessageInsertedEvent
	if err := event.Decode(&payload); err != nil {
		log.Printf("engine conv=%d: bad insert event: %v", e.conversation.ID, err)
		return
	}
	msg := payload.Message
	if msg.ConversationID != e.conversation.ID {
		return
	}

	e.resolveSender(st, msg.SenderID)

	outcome, replacedAt := reconcile(st, msg, e.opts.ReconcileWindow)
	observability.IncReconcile(outcome)
	if outcome == outcomeDuplicate {
		return
	}

	confirmed := msg
	if replacedAt >= 0 {
		confirmed = st.ordered[replacedAt]
	}
	e.emit(models.ViewUpdate{Type: models.UpdateMessage, Message: &confirmed})

	if msg.SenderID != e.localUserID {
		if st.typists.Remove(msg.SenderID) {
			e.emit(models.ViewUpdate{Type: models.UpdateTyping, TypingUsers: st.typists.Users()})
		}
		// Reading happens off-loop; the loop only queues the id.
		id := msg.ID
		go func() {
			if err := e.MarkRead(ctx, []int{id}); err != nil && !errors.Is(err, ErrEngineClosed) {
				log.Printf("engine conv=%d: auto-read msg=%d: %v", e.conversation.ID, id, err)
			}
		}()
	}
}

func (e *Engine) handleTyping(st *state, event realtime.Event) {
	var payload models.TypingEvent
	if err := event.Decode(&payload); err != nil {
		log.Printf("engine conv=%d: bad typing event: %v", e.conversation.ID, err)
		return
	}
	if payload.UserID == e.localUserID || payload.ConversationID != e.conversation.ID {
		return
	}

	changed := false
	if payload.Active {
		changed = st.typists.Upsert(payload.UserID, time.Now())
	} else {
		changed = st.typists.Remove(payload.UserID)
	}
	if changed {
		e.emit(models.ViewUpdate{Type: models.UpdateTyping, TypingUsers: st.typists.Users()})
	}
}

func (e *Engine) handleReceipt(st *state, event realtime.Event) {
	var payload models.ReadReceiptEvent
	if err := event.Decode(&payload); err != nil {
		log.Printf("engine conv=%d: bad receipt event: %v", e.conversation.ID, err)
		return
	}
	if payload.ConversationID != e.conversation.ID {
		return
	}

	for i := range st.ordered {
		if st.ordered[i].ID == payload.MessageID {
			e.growReadState(&st.ordered[i], payload.UserID)
			msg := st.ordered[i]
			e.emit(models.ViewUpdate{Type: models.UpdateReceipt, Message: &msg})
			return
		}
	}
}

// growReadState adds a reader; it never removes one.
func (e *Engine) growReadState(msg *models.Message, readerID int) {
	if e.conversation.Kind == models.KindRoom {
		if !msg.ReadByUser(readerID) {
			msg.ReadBy = append(msg.ReadBy, readerID)
		}
		return
	}
	if msg.SenderID != readerID {
		msg.Read = true
	}
}

// resolveSender caches the sender profile for rendering. The lookup happens
// off-loop and lands via a queued command; until it does, the id renders.
// The placeholder keeps one lookup in flight per sender, and on failure the
// id simply keeps rendering.
func (e *Engine) resolveSender(st *state, senderID int) {
	if _, ok := st.profileCache[senderID]; ok {
		return
	}
	st.profileCache[senderID] = models.ProfileSnapshot{ID: senderID}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		profile, err := e.profiles.Get(ctx, senderID)
		if err != nil {
			log.Printf("engine conv=%d: resolve sender %d: %v", e.conversation.ID, senderID, err)
			return
		}
		err = e.do(ctx, func(st *state) {
			st.profileCache[senderID] = profile
		})
		if err != nil && !errors.Is(err, ErrEngineClosed) {
			log.Printf("engine conv=%d: cache sender %d: %v", e.conversation.ID, senderID, err)
		}
	}()
}

// emit pushes a view update without ever blocking the loop.
func (e *Engine) emit(update models.ViewUpdate) {
	select {
	case e.updates <- update:
	default:
		observability.IncDroppedUpdate()
		log.Printf("engine conv=%d: dropping %s update, consumer full", e.conversation.ID, update.Type)
	}
}

func (e *Engine) isReadByLocal(m models.Message) bool {
	if e.conversation.Kind == models.KindRoom {
		return m.ReadByUser(e.localUserID)
	}
	return m.Read
}

// Reconciliation outcomes.
const (
	outcomeDuplicate = "duplicate"
	outcomeToken     = "token_match"
	outcomeHeuristic = "heuristic_match"
	outcomeAppended  = "appended"
)

// reconcile folds a confirmed insert into the ordered sequence:
//  1. same canonical id present -> drop (redelivery)
//  2. same client token present -> replace in place
//  3. optimistic entry, same sender, identical content, created_at within
//     the proximity window -> replace in place (events without a token)
//  4. otherwise insert sorted by created_at
//
// Returns the outcome and the replaced index, or -1 when appended/dropped.
func reconcile(st *state, msg models.Message, window time.Duration) (string, int) {
	for i := range st.ordered {
		if st.ordered[i].ID != 0 && st.ordered[i].ID == msg.ID {
			return outcomeDuplicate, -1
		}
	}

	if msg.ClientToken != "" {
		for i := range st.ordered {
			if st.ordered[i].ClientToken == msg.ClientToken {
				replaceInPlace(&st.ordered[i], msg)
				return outcomeToken, i
			}
		}
	}

	for i := range st.ordered {
		existing := st.ordered[i]
		if existing.Optimistic && existing.SenderID == msg.SenderID && existing.Content == msg.Content &&
			absDuration(existing.CreatedAt.Sub(msg.CreatedAt)) <= window {
			replaceInPlace(&st.ordered[i], msg)
			return outcomeHeuristic, i
		}
	}

	st.ordered = insertSorted(st.ordered, msg)
	return outcomeAppended, -1
}

// replaceInPlace confirms an optimistic entry, keeping list position and any
// read state that already grew.
func replaceInPlace(existing *models.Message, confirmed models.Message) {
	read := existing.Read || confirmed.Read
	readBy := mergeReaders(existing.ReadBy, confirmed.ReadBy)
	*existing = confirmed
	existing.Optimistic = false
	existing.Read = read
	existing.ReadBy = readBy
}

// insertSorted keeps the sequence non-decreasing in created_at. Equal
// timestamps append after their peers, preserving arrival order.
func insertSorted(ordered []models.Message, msg models.Message) []models.Message {
	i := len(ordered)
	for i > 0 && ordered[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	ordered = append(ordered, models.Message{})
	copy(ordered[i+1:], ordered[i:])
	ordered[i] = msg
	return ordered
}

func removeByToken(ordered []models.Message, token string) []models.Message {
	for i := range ordered {
		if ordered[i].ClientToken == token {
			return append(ordered[:i], ordered[i+1:]...)
		}
	}
	return ordered
}

func mergeReaders(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, id := range b {
		found := false
		for _, existing := range out {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []int, id int) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
