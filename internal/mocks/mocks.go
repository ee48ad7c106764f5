package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) CreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, id int) (models.Conversation, error) {
	args := m.Called(ctx, id)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetRoom(ctx context.Context) (models.Conversation, error) {
	args := m.Called(ctx)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListParticipants(ctx context.Context, conversationID int) ([]int, error) {
	args := m.Called(ctx, conversationID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var convs []models.Conversation
	if val := args.Get(0); val != nil {
		convs = val.([]models.Conversation)
	}
	return convs, args.Error(1)
}

func (m *ConversationRepositoryMock) DeleteCascade(ctx context.Context, conversationID int) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) Touch(ctx context.Context, conversationID int) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Insert(ctx context.Context, p repositories.InsertMessageParams) (models.Message, error) {
	args := m.Called(ctx, p)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListRecent(ctx context.Context, conversationID, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LastMessage(ctx context.Context, conversationID int) (models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID int, messageIDs []int, readerID int) error {
	args := m.Called(ctx, conversationID, messageIDs, readerID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) AddReader(ctx context.Context, messageID, readerID int) error {
	args := m.Called(ctx, messageID, readerID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) ListReaders(ctx context.Context, messageIDs []int) (map[int][]int, error) {
	args := m.Called(ctx, messageIDs)
	var readers map[int][]int
	if val := args.Get(0); val != nil {
		readers = val.(map[int][]int)
	}
	return readers, args.Error(1)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) Get(ctx context.Context, userID int) (models.ProfileSnapshot, error) {
	args := m.Called(ctx, userID)
	var profile models.ProfileSnapshot
	if val := args.Get(0); val != nil {
		profile = val.(models.ProfileSnapshot)
	}
	return profile, args.Error(1)
}

func (m *ProfileRepositoryMock) Bulk(ctx context.Context, userIDs []int) ([]models.ProfileSnapshot, error) {
	args := m.Called(ctx, userIDs)
	var profiles []models.ProfileSnapshot
	if val := args.Get(0); val != nil {
		profiles = val.([]models.ProfileSnapshot)
	}
	return profiles, args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.ProfileRepository = (*ProfileRepositoryMock)(nil)
