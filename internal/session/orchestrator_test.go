package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/realtime"
	"messaging-service/internal/syncengine"
)

func newTestOrchestrator() *Orchestrator {
	return NewOrchestrator(new(mocks.MessageRepositoryMock), new(mocks.ProfileRepositoryMock), realtime.NewMemoryBus(), Timings{
		TypingThrottle:   2500 * time.Millisecond,
		TypingIdleExpiry: 3 * time.Second,
		TypingPeerExpiry: 4 * time.Second,
		ReconcileWindow:  5 * time.Second,
		RoomLoadLimit:    50,
	})
}

func TestOpenAndClose(t *testing.T) {
	o := newTestOrchestrator()
	defer o.CloseAll()

	key := Key{ViewID: "view-1", ConversationID: 42}
	sess, err := o.Open(key, models.Conversation{ID: 42, Kind: models.KindDirect}, 1)
	require.NoError(t, err)
	require.NotNil(t, sess.Engine)
	require.NotNil(t, sess.Notifier)

	// The engine loop is live: a command round trip completes.
	_, _, err = sess.Engine.Snapshot(context.Background())
	require.NoError(t, err)

	o.Close(key)

	select {
	case <-sess.Engine.Done():
	default:
		t.Fatal("Close must not return before the engine loop has exited")
	}

	_, _, err = sess.Engine.Snapshot(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrEngineClosed)
}

func TestOpenSameKeyTwice(t *testing.T) {
	o := newTestOrchestrator()
	defer o.CloseAll()

	key := Key{ViewID: "view-1", ConversationID: 42}
	conv := models.Conversation{ID: 42, Kind: models.KindDirect}

	_, err := o.Open(key, conv, 1)
	require.NoError(t, err)

	_, err = o.Open(key, conv, 1)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestSameConversationInTwoViews(t *testing.T) {
	o := newTestOrchestrator()
	defer o.CloseAll()

	conv := models.Conversation{ID: 42, Kind: models.KindDirect}

	first, err := o.Open(Key{ViewID: "view-1", ConversationID: 42}, conv, 1)
	require.NoError(t, err)
	second, err := o.Open(Key{ViewID: "view-2", ConversationID: 42}, conv, 2)
	require.NoError(t, err)
	assert.NotSame(t, first.Engine, second.Engine, "each view owns its own engine scope")
}

func TestCloseUnknownKeyIsNoop(t *testing.T) {
	o := newTestOrchestrator()
	defer o.CloseAll()

	assert.NotPanics(t, func() {
		o.Close(Key{ViewID: "nobody", ConversationID: 1})
	})
}

func TestCloseViewClosesAllItsSessions(t *testing.T) {
	o := newTestOrchestrator()
	defer o.CloseAll()

	room := models.Conversation{ID: 1, Kind: models.KindRoom}
	direct := models.Conversation{ID: 42, Kind: models.KindDirect}

	roomSess, err := o.Open(Key{ViewID: "view-1", ConversationID: 1}, room, 1)
	require.NoError(t, err)
	directSess, err := o.Open(Key{ViewID: "view-1", ConversationID: 42}, direct, 1)
	require.NoError(t, err)
	otherSess, err := o.Open(Key{ViewID: "view-2", ConversationID: 42}, direct, 2)
	require.NoError(t, err)

	o.CloseView("view-1")

	_, _, err = roomSess.Engine.Snapshot(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrEngineClosed)
	_, _, err = directSess.Engine.Snapshot(context.Background())
	assert.ErrorIs(t, err, syncengine.ErrEngineClosed)

	_, _, err = otherSess.Engine.Snapshot(context.Background())
	assert.NoError(t, err, "other views keep running")
}

func TestCloseAllRejectsNewOpens(t *testing.T) {
	o := newTestOrchestrator()

	sess, err := o.Open(Key{ViewID: "view-1", ConversationID: 42}, models.Conversation{ID: 42, Kind: models.KindDirect}, 1)
	require.NoError(t, err)

	o.CloseAll()

	select {
	case <-sess.Engine.Done():
	default:
		t.Fatal("CloseAll must tear down open sessions")
	}

	_, err = o.Open(Key{ViewID: "view-3", ConversationID: 42}, models.Conversation{ID: 42, Kind: models.KindDirect}, 1)
	assert.Error(t, err)
}
