package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/directory"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
	"messaging-service/internal/repositories"
)

type handlerFixture struct {
	handler     *ConversationHandler
	convRepo    *mocks.ConversationRepositoryMock
	msgRepo     *mocks.MessageRepositoryMock
	profileRepo *mocks.ProfileRepositoryMock
	bus         *realtime.MemoryBus
}

func newHandlerFixture() *handlerFixture {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	profileRepo := new(mocks.ProfileRepositoryMock)
	bus := realtime.NewMemoryBus()
	dir := directory.New(convRepo, msgRepo, profileRepo, nil)
	return &handlerFixture{
		handler:     NewConversationHandler(dir, convRepo, msgRepo, profileRepo, bus),
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		profileRepo: profileRepo,
		bus:         bus,
	}
}

func setupConversationRouter(handler *ConversationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations/direct", handler.StartDirect)
	r.GET("/conversations/:conversation_id/messages", handler.GetMessages)
	r.POST("/conversations/:conversation_id/messages", handler.PostMessage)
	r.DELETE("/conversations/:conversation_id", handler.DeleteConversation)
	r.GET("/room", handler.GetRoom)
	return r
}

func (f *handlerFixture) expectAuthorize(conversationID int, conv models.Conversation) {
	f.convRepo.On("GetConversation", mock.Anything, conversationID).Return(conv, nil).Once()
	f.convRepo.On("IsParticipant", mock.Anything, conversationID, 1).Return(true, nil).Once()
}

func TestListConversationsSuccess(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("ListForUser", mock.Anything, 1).Return([]models.Conversation{{ID: 10, Kind: models.KindDirect}}, nil).Once()
	f.convRepo.On("ListParticipants", mock.Anything, 10).Return([]int{1, 2}, nil).Once()
	f.profileRepo.On("Bulk", mock.Anything, []int{1, 2}).Return([]models.ProfileSnapshot{{ID: 1, Username: "me"}, {ID: 2, Username: "bob"}}, nil).Once()
	f.msgRepo.On("LastMessage", mock.Anything, 10).Return(models.Message{ID: 5, Content: "hi", CreatedAt: time.Now()}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp, "conversations")

	f.convRepo.AssertExpectations(t)
	f.msgRepo.AssertExpectations(t)
	f.profileRepo.AssertExpectations(t)
}

func TestListConversationsRepoError(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("ListForUser", mock.Anything, 1).Return(([]models.Conversation)(nil), assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	f.convRepo.AssertExpectations(t)
}

func TestStartDirectSuccess(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.profileRepo.On("Get", mock.Anything, 2).Return(models.ProfileSnapshot{ID: 2, Username: "bob"}, nil).Once()
	f.convRepo.On("FindDirect", mock.Anything, 1, 2).Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()
	f.convRepo.On("CreateDirect", mock.Anything, 1, 2).Return(models.Conversation{ID: 10, Kind: models.KindDirect}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/direct", bytes.NewBufferString(`{"friend_id":2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 10, resp["conversation_id"])

	f.convRepo.AssertExpectations(t)
	f.profileRepo.AssertExpectations(t)
}

func TestStartDirectReturnsExisting(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.profileRepo.On("Get", mock.Anything, 2).Return(models.ProfileSnapshot{ID: 2, Username: "bob"}, nil).Once()
	f.convRepo.On("FindDirect", mock.Anything, 1, 2).Return(models.Conversation{ID: 10, Kind: models.KindDirect}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/direct", bytes.NewBufferString(`{"friend_id":2}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	f.convRepo.AssertNotCalled(t, "CreateDirect", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartDirectWithSelf(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	req := httptest.NewRequest(http.MethodPost, "/conversations/direct", bytes.NewBufferString(`{"friend_id":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartDirectUnknownFriend(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.profileRepo.On("Get", mock.Anything, 9).Return(models.ProfileSnapshot{}, repositories.ErrProfileNotFound).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/direct", bytes.NewBufferString(`{"friend_id":9}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessagesSuccess(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})
	f.msgRepo.On("ListRecent", mock.Anything, 5, 0).Return([]models.Message{
		{ID: 1, ConversationID: 5, SenderID: 2, Content: "hey", CreatedAt: time.Now()},
	}, nil).Once()
	f.profileRepo.On("Bulk", mock.Anything, []int{2}).Return([]models.ProfileSnapshot{{ID: 2, Username: "bob"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/5/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bob")

	f.convRepo.AssertExpectations(t)
	f.msgRepo.AssertExpectations(t)
}

func TestGetMessagesRoomWindowAndReaders(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(1, models.Conversation{ID: 1, Kind: models.KindRoom})
	f.msgRepo.On("ListRecent", mock.Anything, 1, 50).Return([]models.Message{
		{ID: 7, ConversationID: 1, SenderID: 2, Content: "room", CreatedAt: time.Now()},
	}, nil).Once()
	f.msgRepo.On("ListReaders", mock.Anything, []int{7}).Return(map[int][]int{7: {3, 4}}, nil).Once()
	f.profileRepo.On("Bulk", mock.Anything, []int{2}).Return([]models.ProfileSnapshot{{ID: 2, Username: "bob"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	f.msgRepo.AssertExpectations(t)
}

func TestGetMessagesNotParticipant(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("GetConversation", mock.Anything, 5).Return(models.Conversation{ID: 5, Kind: models.KindDirect}, nil).Once()
	f.convRepo.On("IsParticipant", mock.Anything, 5, 1).Return(false, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/5/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("GetConversation", mock.Anything, 5).Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/5/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessageSuccessPublishesInsertEvent(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	sub, err := f.bus.Subscribe(realtime.MessagesTopic(5))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})
	f.msgRepo.On("Insert", mock.Anything, mock.MatchedBy(func(p repositories.InsertMessageParams) bool {
		return p.ConversationID == 5 && p.SenderID == 1 && p.Content == "hello" && p.ClientToken != ""
	})).Return(models.Message{ID: 12, ConversationID: 5, SenderID: 1, Content: "hello", CreatedAt: time.Now()}, nil).Once()
	f.convRepo.On("Touch", mock.Anything, 5).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewBufferString(`{"content":"hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case event := <-sub.C():
		assert.Equal(t, models.EventMessageInserted, event.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an insert event on the conversation topic")
	}

	f.msgRepo.AssertExpectations(t)
	f.convRepo.AssertExpectations(t)
}

func TestPostMessageKeepsClientToken(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})
	f.msgRepo.On("Insert", mock.Anything, mock.MatchedBy(func(p repositories.InsertMessageParams) bool {
		return p.ClientToken == "caller-token"
	})).Return(models.Message{ID: 13, ClientToken: "caller-token", ConversationID: 5, SenderID: 1, Content: "hi", CreatedAt: time.Now()}, nil).Once()
	f.convRepo.On("Touch", mock.Anything, 5).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewBufferString(`{"content":"hi","client_token":"caller-token"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	f.msgRepo.AssertExpectations(t)
}

func TestPostMessageEmptyBody(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})

	req := httptest.NewRequest(http.MethodPost, "/conversations/5/messages", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.msgRepo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestDeleteConversationSuccess(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})
	f.convRepo.On("DeleteCascade", mock.Anything, 5).Return(nil).Once()

	req := httptest.NewRequest(http.MethodDelete, "/conversations/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	f.convRepo.AssertExpectations(t)
}

func TestDeleteConversationNotFound(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("GetConversation", mock.Anything, 5).Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()

	req := httptest.NewRequest(http.MethodDelete, "/conversations/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteConversationPartialCascade(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.expectAuthorize(5, models.Conversation{ID: 5, Kind: models.KindDirect})
	f.convRepo.On("DeleteCascade", mock.Anything, 5).Return(&repositories.ErrPartialCascade{Step: "messages", Err: assert.AnError}).Once()

	req := httptest.NewRequest(http.MethodDelete, "/conversations/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "messages")
}

func TestGetRoomSuccess(t *testing.T) {
	f := newHandlerFixture()
	router := setupConversationRouter(f.handler)

	f.convRepo.On("GetRoom", mock.Anything).Return(models.Conversation{ID: 1, Kind: models.KindRoom}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/room", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	f.convRepo.AssertExpectations(t)
}
