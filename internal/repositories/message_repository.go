package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// InsertMessageParams carries everything needed to persist one message.
type InsertMessageParams struct {
	ClientToken    string
	ConversationID int
	SenderID       int
	Content        string
	Media          *models.Media
}

// MessageRepository defines interactions for messages and their read state.
type MessageRepository interface {
	Insert(ctx context.Context, p InsertMessageParams) (models.Message, error)
	ListRecent(ctx context.Context, conversationID, limit int) ([]models.Message, error)
	LastMessage(ctx context.Context, conversationID int) (models.Message, error)
	MarkRead(ctx context.Context, conversationID int, messageIDs []int, readerID int) error
	AddReader(ctx context.Context, messageID, readerID int) error
	ListReaders(ctx context.Context, messageIDs []int) (map[int][]int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, client_token, conversation_id, sender_id, content, media_url, media_kind, read, created_at`

type messageRow struct {
	ID             int            `db:"id"`
	ClientToken    string         `db:"client_token"`
	ConversationID int            `db:"conversation_id"`
	SenderID       int            `db:"sender_id"`
	Content        string         `db:"content"`
	MediaURL       sql.NullString `db:"media_url"`
	MediaKind      sql.NullString `db:"media_kind"`
	Read           bool           `db:"read"`
	CreatedAt      sql.NullTime   `db:"created_at"`
}

func (row messageRow) toModel() models.Message {
	msg := models.Message{
		ID:             row.ID,
		ClientToken:    row.ClientToken,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Read:           row.Read,
		CreatedAt:      row.CreatedAt.Time,
	}
	if row.MediaURL.Valid {
		msg.Media = &models.Media{URL: row.MediaURL.String, Kind: row.MediaKind.String}
	}
	return msg
}

// Insert persists a message and returns the stored row, canonical id and
// server timestamp included. The client token travels with the row so insert
// events can be reconciled by exact lookup.
func (r *MessageRepo) Insert(ctx context.Context, p InsertMessageParams) (models.Message, error) {
	var mediaURL, mediaKind sql.NullString
	if p.Media != nil {
		mediaURL = sql.NullString{String: p.Media.URL, Valid: true}
		mediaKind = sql.NullString{String: p.Media.Kind, Valid: true}
	}

	var row messageRow
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (client_token, conversation_id, sender_id, content, media_url, media_kind)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+messageColumns,
		p.ClientToken, p.ConversationID, p.SenderID, p.Content, mediaURL, mediaKind).
		StructScan(&row)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListRecent returns the most recent limit messages in ascending created_at
// order. limit <= 0 returns the full history.
func (r *MessageRepo) ListRecent(ctx context.Context, conversationID, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		// Window the tail without losing ascending presentation order.
		query = `SELECT ` + messageColumns + ` FROM (
            SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2
        ) tail ORDER BY created_at ASC`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs, nil
}

// LastMessage returns the newest message of a conversation.
func (r *MessageRepo) LastMessage(ctx context.Context, conversationID int) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// MarkRead flips the read flag of direct-conversation messages not sent by
// the reader. Read state only grows; re-marking is a no-op.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID int, messageIDs []int, readerID int) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE
        WHERE conversation_id=$1 AND id = ANY($2) AND sender_id <> $3`,
		conversationID, pq.Array(messageIDs), readerID)
	return err
}

// AddReader records a room reader. Idempotent.
func (r *MessageRepo) AddReader(ctx context.Context, messageID, readerID int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, readerID)
	return err
}

// ListReaders returns the reader sets for the given messages.
func (r *MessageRepo) ListReaders(ctx context.Context, messageIDs []int) (map[int][]int, error) {
	readers := make(map[int][]int, len(messageIDs))
	if len(messageIDs) == 0 {
		return readers, nil
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT message_id, user_id FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID int
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, err
		}
		readers[messageID] = append(readers[messageID], userID)
	}
	return readers, rows.Err()
}
