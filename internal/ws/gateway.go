package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/auth"
	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/repositories"
	"messaging-service/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Timings carries the gateway's periodic work intervals.
type Timings struct {
	PresencePoll      time.Duration
	HeartbeatInterval time.Duration
}

// Gateway attaches rendering views over websocket. Each accepted connection
// becomes one open conversation view: a sync engine scope plus typing
// binding, presence polling and heartbeats, all torn down together on close.
type Gateway struct {
	orchestrator *session.Orchestrator
	directory    *directory.Directory
	profiles     repositories.ProfileRepository
	tracker      *presence.Tracker
	tokens       *auth.Service
	timings      Timings
}

// NewGateway constructs a Gateway.
func NewGateway(orchestrator *session.Orchestrator, dir *directory.Directory, profiles repositories.ProfileRepository, tracker *presence.Tracker, tokens *auth.Service, timings Timings) *Gateway {
	return &Gateway{
		orchestrator: orchestrator,
		directory:    dir,
		profiles:     profiles,
		tracker:      tracker,
		tokens:       tokens,
		timings:      timings,
	}
}

// clientCommand is what an attached view may send upstream.
type clientCommand struct {
	Type       string        `json:"type"`
	Content    string        `json:"content,omitempty"`
	Media      *models.Media `json:"media,omitempty"`
	MessageIDs []int         `json:"message_ids,omitempty"`
}

// Client command types.
const (
	cmdSend     = "send"
	cmdTyping   = "typing"
	cmdMarkRead = "mark_read"
)

// Handle upgrades the connection and runs the view until it detaches.
func (g *Gateway) Handle(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c)
	userID, err := g.tokens.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conv, err := g.directory.Authorize(ctx, conversationID, userID)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "not authorized for conversation"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	key := session.Key{ViewID: info.ConnID, ConversationID: conv.ID}
	sess, err := g.orchestrator.Open(key, conv, userID)
	if err != nil {
		conn.Close()
		return
	}

	label := kindLabel(conv.Kind)
	observability.IncWSActive(label)
	publishLifecycleEvent(ctx, conv.Kind, conv.ID, info, "ws_connect", "")

	viewCtx, cancelView := context.WithCancel(context.Background())

	go g.runView(viewCtx, conn, conv, sess, userID)

	go func() {
		if err := sess.Engine.Load(viewCtx); err != nil {
			log.Printf("ws conv=%d: initial load: %v", conv.ID, err)
		}
	}()

	// Reader goroutine owns teardown: when the peer goes away everything in
	// this scope is cancelled before the connection closes.
	go func() {
		var closeReason string
		defer func() {
			cancelView()
			g.orchestrator.Close(key)
			observability.DecWSActive(label)
			publishLifecycleEvent(ctx, conv.Kind, conv.ID, info, "ws_disconnect", closeReason)
			conn.Close()
		}()
		for {
			var cmd clientCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishLifecycleEvent(ctx, conv.Kind, conv.ID, info, "ws_error", closeReason)
				}
				return
			}
			g.dispatch(viewCtx, conv, sess, userID, cmd)
		}
	}()
}

func (g *Gateway) dispatch(ctx context.Context, conv models.Conversation, sess *session.Session, userID int, cmd clientCommand) {
	switch cmd.Type {
	case cmdSend:
		if cmd.Content == "" && cmd.Media == nil {
			return
		}
		if _, err := sess.Engine.Send(ctx, cmd.Content, cmd.Media); err != nil {
			log.Printf("ws conv=%d: send: %v", conv.ID, err)
		}
		// Sending implies the sender stopped typing.
		sess.Notifier.Stop()
	case cmdTyping:
		sess.Notifier.InputChanged()
	case cmdMarkRead:
		if err := sess.Engine.MarkRead(ctx, cmd.MessageIDs); err != nil {
			log.Printf("ws conv=%d: mark read: %v", conv.ID, err)
		}
	default:
		log.Printf("ws conv=%d: unknown command %q", conv.ID, cmd.Type)
	}
}

// runView is the single writer for the connection: engine updates, presence
// refreshes and the local heartbeat all funnel through here.
func (g *Gateway) runView(ctx context.Context, conn *websocket.Conn, conv models.Conversation, sess *session.Session, userID int) {
	presenceTicker := time.NewTicker(g.timings.PresencePoll)
	defer presenceTicker.Stop()
	heartbeatTicker := time.NewTicker(g.timings.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	if err := g.tracker.Heartbeat(ctx, userID); err != nil {
		log.Printf("ws conv=%d: heartbeat: %v", conv.ID, err)
	}

	var shownOnline []models.ProfileSnapshot

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-sess.Engine.Updates():
			if update.Type == models.UpdateSnapshot {
				msgs, typists, err := sess.Engine.Snapshot(ctx)
				if err != nil {
					continue
				}
				g.write(conn, conv, snapshotFrame{Type: models.UpdateSnapshot, Messages: msgs, TypingUsers: typists})
				continue
			}
			g.write(conn, conv, update)
		case <-presenceTicker.C:
			fetched, err := g.fetchOnline(ctx, conv, sess)
			if err != nil {
				log.Printf("ws conv=%d: presence poll: %v", conv.ID, err)
				continue
			}
			shownOnline = presence.RefreshOnlineList(shownOnline, fetched)
			g.write(conn, conv, models.ViewUpdate{Type: models.UpdatePresence, OnlineUsers: shownOnline})
		case <-heartbeatTicker.C:
			if err := g.tracker.Heartbeat(ctx, userID); err != nil {
				log.Printf("ws conv=%d: heartbeat: %v", conv.ID, err)
			}
		}
	}
}

// snapshotFrame is the full-state frame sent after a load.
type snapshotFrame struct {
	Type        string           `json:"type"`
	Messages    []models.Message `json:"messages"`
	TypingUsers []int            `json:"typing_users"`
}

func (g *Gateway) write(conn *websocket.Conn, conv models.Conversation, payload any) {
	if err := conn.WriteJSON(payload); err != nil {
		log.Printf("ws conv=%d: write: %v", conv.ID, err)
	}
}

// fetchOnline resolves the presence universe for the view: the participants
// of a direct conversation, or everyone visible in the room's current
// message window.
func (g *Gateway) fetchOnline(ctx context.Context, conv models.Conversation, sess *session.Session) ([]models.ProfileSnapshot, error) {
	var userIDs []int
	if conv.Kind == models.KindDirect {
		ids, err := g.directory.Participants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		userIDs = ids
	} else {
		msgs, typists, err := sess.Engine.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[int]struct{})
		for _, m := range msgs {
			if _, ok := seen[m.SenderID]; !ok {
				seen[m.SenderID] = struct{}{}
				userIDs = append(userIDs, m.SenderID)
			}
		}
		for _, id := range typists {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				userIDs = append(userIDs, id)
			}
		}
	}

	profiles, err := g.profiles.Bulk(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	return g.tracker.Online(ctx, profiles)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) {
			return header[len(prefix):]
		}
		return ""
	}
	return c.Query("token")
}
