package models

import "time"

// Event types carried on the realtime bus.
const (
	EventMessageInserted = "message_inserted"
	EventTypingActive    = "typing_active"
	EventTypingStopped   = "typing_stopped"
	EventReadReceipt     = "read_receipt"
)

// MessageInsertedEvent is the row-change feed payload emitted after a
// message row is persisted. It echoes the client correlation token so the
// sender can reconcile its optimistic entry by exact lookup.
type MessageInsertedEvent struct {
	Message Message `json:"message"`
}

// TypingEvent is the ephemeral typing broadcast. Never persisted.
type TypingEvent struct {
	ConversationID int       `json:"conversation_id"`
	UserID         int       `json:"user_id"`
	Active         bool      `json:"active"`
	At             time.Time `json:"at"`
}

// ReadReceiptEvent records that a user has viewed a message.
type ReadReceiptEvent struct {
	ConversationID int       `json:"conversation_id"`
	MessageID      int       `json:"message_id"`
	UserID         int       `json:"user_id"`
	At             time.Time `json:"at"`
}

// ViewUpdate is pushed to an attached view over the websocket.
type ViewUpdate struct {
	Type        string            `json:"type"`
	Message     *Message          `json:"message,omitempty"`
	ClientToken string            `json:"client_token,omitempty"`
	TypingUsers []int             `json:"typing_users,omitempty"`
	OnlineUsers []ProfileSnapshot `json:"online_users,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ViewUpdate types.
const (
	UpdateMessage    = "message"
	UpdateTyping     = "typing"
	UpdateReceipt    = "receipt"
	UpdatePresence   = "presence"
	UpdateSendFailed = "send_failed"
	UpdateSnapshot   = "snapshot"
)
