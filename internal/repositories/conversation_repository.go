package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrRoomNotFound         = errors.New("community room not found")
)

// ErrPartialCascade wraps the step that failed mid-deletion. Rows deleted
// before the failure are not restored.
type ErrPartialCascade struct {
	Step string
	Err  error
}

func (e *ErrPartialCascade) Error() string {
	return fmt.Sprintf("cascade delete aborted at %s: %v", e.Step, e.Err)
}

func (e *ErrPartialCascade) Unwrap() error { return e.Err }

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	FindDirect(ctx context.Context, userA, userB int) (models.Conversation, error)
	CreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error)
	GetConversation(ctx context.Context, id int) (models.Conversation, error)
	GetRoom(ctx context.Context) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int) (bool, error)
	ListParticipants(ctx context.Context, conversationID int) ([]int, error)
	ListForUser(ctx context.Context, userID int) ([]models.Conversation, error)
	DeleteCascade(ctx context.Context, conversationID int) error
	Touch(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindDirect looks up the direct conversation both users participate in.
func (r *ConversationRepo) FindDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	var conv models.Conversation
	query := `SELECT c.id, c.kind, c.created_at, c.updated_at FROM conversations c
        JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
        JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
        WHERE c.kind = 'direct'
        LIMIT 1`
	err := r.db.GetContext(ctx, &conv, query, userA, userB)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// CreateDirect inserts a conversation plus its two participant rows in one
// transaction. Callers check FindDirect first; the per-session directory
// mutex keeps one client from racing itself.
func (r *ConversationRepo) CreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, errors.New("cannot create conversation with self")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (kind) VALUES ('direct') RETURNING id, kind, created_at, updated_at`).
		Scan(&conv.ID, &conv.Kind, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return models.Conversation{}, err
	}

	for _, userID := range []int{userA, userB} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)`, conv.ID, userID); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, id int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, kind, created_at, updated_at FROM conversations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetRoom returns the fixed community room.
func (r *ConversationRepo) GetRoom(ctx context.Context) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, kind, created_at, updated_at FROM conversations WHERE kind='room' LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrRoomNotFound
	}
	return conv, err
}

// IsParticipant checks membership. Everyone is a member of the room.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(
        SELECT 1 FROM conversations c
        LEFT JOIN participants p ON p.conversation_id = c.id AND p.user_id = $2
        WHERE c.id = $1 AND (c.kind = 'room' OR p.user_id IS NOT NULL))`, conversationID, userID)
	return exists, err
}

// ListParticipants returns the participant user ids of a conversation.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

// ListForUser returns the direct conversations the user participates in,
// most recently updated first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT c.id, c.kind, c.created_at, c.updated_at
        FROM conversations c
        JOIN participants p ON p.conversation_id = c.id
        WHERE p.user_id=$1 AND c.kind='direct'
        ORDER BY c.updated_at DESC`, userID)
	return convs, err
}

// DeleteCascade deletes messages, then participants, then the conversation
// row. Aborts on the first failure without restoring earlier deletes.
func (r *ConversationRepo) DeleteCascade(ctx context.Context, conversationID int) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM message_reads WHERE message_id IN (SELECT id FROM messages WHERE conversation_id=$1)`, conversationID); err != nil {
		return &ErrPartialCascade{Step: "message_reads", Err: err}
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=$1`, conversationID); err != nil {
		return &ErrPartialCascade{Step: "messages", Err: err}
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id=$1`, conversationID); err != nil {
		return &ErrPartialCascade{Step: "participants", Err: err}
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return &ErrPartialCascade{Step: "conversation", Err: err}
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// Touch bumps updated_at so list previews sort fresh conversations first.
func (r *ConversationRepo) Touch(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id=$1`, conversationID)
	return err
}
