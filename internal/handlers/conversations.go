package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messaging-service/internal/directory"
	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
	"messaging-service/internal/repositories"
)

// ConversationHandler manages the conversation directory endpoints.
type ConversationHandler struct {
	directory     *directory.Directory
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      repositories.ProfileRepository
	bus           realtime.Bus
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(dir *directory.Directory, conversations repositories.ConversationRepository, messages repositories.MessageRepository, profiles repositories.ProfileRepository, bus realtime.Bus) *ConversationHandler {
	return &ConversationHandler{
		directory:     dir,
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		bus:           bus,
	}
}

// ListConversations returns the caller's conversations with participant
// snapshots and last-message previews.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	summaries, err := h.directory.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// StartDirect creates or returns the direct conversation with a friend.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req struct {
		FriendID int `json:"friend_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.FriendID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	if _, err := h.profiles.Get(c.Request.Context(), req.FriendID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrProfileNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "friend not found"})
		return
	}

	conv, err := h.directory.FindOrCreateDirect(c.Request.Context(), userID, req.FriendID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": conv.ID})
}

// GetRoom returns the community room.
func (h *ConversationHandler) GetRoom(c *gin.Context) {
	room, err := h.directory.Room(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// GetMessages returns a conversation's messages, ascending by created_at,
// annotated with sender usernames.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.directory.Authorize(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.writeAuthorizeError(c, err)
		return
	}

	limit := 0
	if conv.Kind == models.KindRoom {
		limit = 50
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := h.messages.ListRecent(c.Request.Context(), conversationID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	if conv.Kind == models.KindRoom {
		ids := make([]int, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		readers, err := h.messages.ListReaders(c.Request.Context(), ids)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load read state"})
			return
		}
		for i := range msgs {
			msgs[i].ReadBy = readers[msgs[i].ID]
		}
	}

	senderIDs := make([]int, 0, len(msgs))
	senderIDSet := map[int]struct{}{}
	for _, m := range msgs {
		if _, ok := senderIDSet[m.SenderID]; !ok {
			senderIDSet[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	senders, err := h.profiles.Bulk(c.Request.Context(), senderIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load senders"})
		return
	}
	senderNames := map[int]string{}
	for _, p := range senders {
		senderNames[p.ID] = p.Username
	}

	type messageResponse struct {
		models.Message
		SenderUsername string `json:"sender_username,omitempty"`
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{Message: m, SenderUsername: senderNames[m.SenderID]})
	}

	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// PostMessage persists a message over plain HTTP and publishes its insert
// event; the sender's open views reconcile it like any other feed entry.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	if _, err := h.directory.Authorize(c.Request.Context(), conversationID, userID); err != nil {
		h.writeAuthorizeError(c, err)
		return
	}

	var req struct {
		Content     string        `json:"content"`
		Media       *models.Media `json:"media,omitempty"`
		ClientToken string        `json:"client_token,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" && req.Media == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	if req.ClientToken == "" {
		req.ClientToken = uuid.NewString()
	}

	msg, err := h.messages.Insert(c.Request.Context(), repositories.InsertMessageParams{
		ClientToken:    req.ClientToken,
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        req.Content,
		Media:          req.Media,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	// Preview ordering degrades if this fails; the message itself is stored.
	if err := h.conversations.Touch(c.Request.Context(), conversationID); err != nil {
		log.Printf("touch conversation %d: %v", conversationID, err)
	}

	event, err := realtime.NewEvent(models.EventMessageInserted, models.MessageInsertedEvent{Message: msg})
	if err == nil {
		_ = h.bus.Publish(c.Request.Context(), realtime.MessagesTopic(conversationID), event)
	}

	c.JSON(http.StatusCreated, msg)
}

// DeleteConversation removes a conversation and everything in it.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	if err := h.directory.Delete(c.Request.Context(), conversationID, userID); err != nil {
		var cascade *repositories.ErrPartialCascade
		switch {
		case errors.Is(err, repositories.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		case errors.Is(err, directory.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		case errors.As(err, &cascade):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion aborted mid-cascade", "step": cascade.Step})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) writeAuthorizeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, directory.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
	}
}
