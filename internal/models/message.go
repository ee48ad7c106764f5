package models

import "time"

// Media references an uploaded attachment. The media store owns the bytes;
// only the returned reference is kept here.
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Message is one entry in a conversation's ordered sequence.
//
// ID is zero until the store assigns the canonical id; until then the
// ClientToken is the logical identity of the message. Read is the read flag
// for direct conversations; ReadBy is the reader set for the room.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ClientToken    string    `db:"client_token" json:"client_token"`
	ConversationID int       `db:"conversation_id" json:"conversation_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	Media          *Media    `db:"-" json:"media,omitempty"`
	Read           bool      `db:"read" json:"read"`
	ReadBy         []int     `db:"-" json:"read_by,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	Optimistic     bool      `db:"-" json:"optimistic,omitempty"`
}

// ReadByUser reports whether the given reader is recorded in the grow-only
// read state.
func (m Message) ReadByUser(userID int) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}
