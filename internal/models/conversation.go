package models

import "time"

// ConversationKind distinguishes two-party threads from the community room.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindRoom   ConversationKind = "room"
)

// Conversation is a message thread. Direct conversations have exactly two
// participants; the room has a fixed identity and untracked membership.
type Conversation struct {
	ID        int              `db:"id" json:"id"`
	Kind      ConversationKind `db:"kind" json:"kind"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// Participant links a user to a conversation.
type Participant struct {
	ConversationID int `db:"conversation_id" json:"conversation_id"`
	UserID         int `db:"user_id" json:"user_id"`
}

// ConversationSummary is the list-preview view of a conversation.
type ConversationSummary struct {
	Conversation
	Participants []ProfileSnapshot `json:"participants"`
	LastMessage  *Message          `json:"last_message,omitempty"`
}
