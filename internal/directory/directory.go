package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

// ErrNotParticipant is returned when a user acts on a conversation they do
// not belong to.
var ErrNotParticipant = errors.New("not a conversation participant")

// Directory is the conversation directory: creation with the two-participant
// uniqueness invariant, annotated listing, and cascade deletion.
type Directory struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      repositories.ProfileRepository
	audit         *telemetry.AuditEmitter

	// createMu serializes find-or-create within this client session. Races
	// between separate processes are out of scope here.
	createMu sync.Mutex
}

// New constructs a Directory.
func New(conversations repositories.ConversationRepository, messages repositories.MessageRepository, profiles repositories.ProfileRepository, audit *telemetry.AuditEmitter) *Directory {
	return &Directory{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		audit:         audit,
	}
}

// FindOrCreateDirect returns the direct conversation between the two users,
// creating it on first use. Calling it again, in either argument order,
// returns the same conversation.
func (d *Directory) FindOrCreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, errors.New("cannot start a conversation with yourself")
	}

	d.createMu.Lock()
	defer d.createMu.Unlock()

	conv, err := d.conversations.FindDirect(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, err
	}

	return d.conversations.CreateDirect(ctx, userA, userB)
}

// Room returns the fixed community room.
func (d *Directory) Room(ctx context.Context) (models.Conversation, error) {
	return d.conversations.GetRoom(ctx)
}

// Authorize checks that the user may open the conversation and returns it.
func (d *Directory) Authorize(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := d.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	member, err := d.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !member {
		return models.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

// Participants returns the participant user ids of a conversation.
func (d *Directory) Participants(ctx context.Context, conversationID int) ([]int, error) {
	return d.conversations.ListParticipants(ctx, conversationID)
}

// List returns the user's direct conversations, each annotated with both
// participants' profile snapshots and the most recent message preview.
func (d *Directory) List(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	convs, err := d.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		participantIDs, err := d.conversations.ListParticipants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		profiles, err := d.profiles.Bulk(ctx, participantIDs)
		if err != nil {
			return nil, err
		}

		summary := models.ConversationSummary{Conversation: conv, Participants: profiles}
		last, err := d.messages.LastMessage(ctx, conv.ID)
		switch {
		case err == nil:
			summary.LastMessage = &last
		case errors.Is(err, repositories.ErrMessageNotFound):
			// Empty conversation; no preview.
		default:
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Delete removes the conversation as an ordered cascade: messages, then
// participants, then the conversation row. A mid-cascade failure surfaces as
// repositories.ErrPartialCascade; already-deleted rows stay deleted.
func (d *Directory) Delete(ctx context.Context, conversationID, requestedBy int) error {
	conv, err := d.Authorize(ctx, conversationID, requestedBy)
	if err != nil {
		return err
	}
	if conv.Kind == models.KindRoom {
		return fmt.Errorf("the community room cannot be deleted")
	}

	if err := d.conversations.DeleteCascade(ctx, conversationID); err != nil {
		return err
	}

	userID := strconv.Itoa(requestedBy)
	d.audit.Emit(ctx, "info", fmt.Sprintf("conversation %d deleted", conversationID), "", &userID)
	return nil
}
