package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/handoff/internal/connection"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/reconciler"
	"github.com/kubilitics/handoff/internal/store"
)

func newSupport(t *testing.T, b *fakeBackend, opts ...Option) *SupportSession {
	t.Helper()
	s, err := NewSupportSession(b.config(), b.client(t), "alice", opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func waitOpen(t *testing.T, s interface{ Snapshot() reconciler.Snapshot }) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State.ConnectionID != "" }, waitFor, tick)
}

func TestNewSupportSessionValidation(t *testing.T) {
	b := newFakeBackend(t)
	_, err := NewSupportSession(b.config(), b.client(t), "")
	assert.Error(t, err)
	_, err = NewSupportSession(b.config(), nil, "alice")
	assert.Error(t, err)
	_, err = NewSupportSession(Config{}, b.client(t), "alice")
	assert.Error(t, err)
}

func TestSupportLoad(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) {
		b.state = protocol.HandoffPending
		b.history = []map[string]any{
			{"id": "m1", "role": "user", "content": "help", "created_at": "t1"},
			{"id": "m2", "role": "assistant", "content": "sure", "created_at": "t2"},
		}
	})
	s := newSupport(t, b)

	s.SetConversation("conv-1")
	waitOpen(t, s)
	require.NoError(t, s.Load(t.Context()))

	snap := s.Snapshot()
	assert.Equal(t, "conv-1", snap.ConversationID)
	assert.Equal(t, protocol.HandoffPending, snap.State.HandoffState)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "m1", snap.Messages[0].ID)
}

func TestSupportLoadWithoutConversation(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	assert.ErrorIs(t, s.Load(t.Context()), reconciler.ErrNoConversation)
}

func TestSupportHappyHandoff(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)

	resp, err := s.StartHandoff(t.Context(), "vip")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, protocol.HandoffHuman, s.Snapshot().State.HandoffState)

	b.push(b.lastConn(), protocol.ActionHandoffStarted, protocol.HandoffStarted{Operator: "alice"})
	time.Sleep(50 * time.Millisecond)
	state := s.Snapshot().State
	assert.Equal(t, protocol.HandoffHuman, state.HandoffState)
	assert.Equal(t, "alice", state.Operator)

	_, err = s.EndHandoff(t.Context(), "done")
	require.NoError(t, err)
	assert.Equal(t, protocol.HandoffAI, s.Snapshot().State.HandoffState)
	assert.Empty(t, s.Snapshot().State.Operator)
}

func TestSupportSendRejectedOutsideHuman(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)

	_, err := s.SendMessage(t.Context(), "hello")
	assert.ErrorIs(t, err, reconciler.ErrNotInHumanMode)
	assert.Empty(t, s.Snapshot().Messages)

	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, b.receivedActions(), protocol.ActionAgentSendMessage)
	assert.Empty(t, b.restMessages())
}

func TestSupportSendOverWebSocket(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) { b.state = protocol.HandoffHuman })
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)
	require.Equal(t, protocol.HandoffHuman, s.Snapshot().State.HandoffState)

	// the backend relays the message to the user only; nothing comes back
	echo, err := s.SendMessage(t.Context(), "hi there")
	require.NoError(t, err)
	assert.False(t, echo.Pending)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending)
	assert.True(t, msgs[0].Local)

	require.Eventually(t, func() bool { return b.lastReceived(protocol.ActionAgentSendMessage) != nil }, waitFor, tick)
	env := b.lastReceived(protocol.ActionAgentSendMessage)
	assert.Equal(t, "conv-1", env.ConversationID)
	var p protocol.SendMessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, echo.ID, p.MessageID)
}

func TestSupportSentMessageIsRecordedAndReconciledOnReload(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) { b.state = protocol.HandoffHuman })
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := newSupport(t, b)
	recorder := store.NewRecorder(st, nil)
	t.Cleanup(recorder.Attach(s.Reconciler()))
	s.SetConversation("conv-1")
	waitOpen(t, s)

	echo, err := s.SendMessage(t.Context(), "hello user")
	require.NoError(t, err)
	require.NoError(t, recorder.Flush(t.Context()))

	stored, err := st.GetMessages(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, echo.ID, stored[0].ID)

	b.configure(func(b *fakeBackend) {
		b.history = []map[string]any{
			{"id": "srv-42", "role": protocol.MessageRoleAgent, "content": "hello user", "operator": "alice", "created_at": "t1"},
		}
	})
	require.NoError(t, s.Load(t.Context()))

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-42", msgs[0].ID)
	assert.False(t, msgs[0].Pending)

	require.NoError(t, recorder.Flush(t.Context()))
	stored, err = st.GetMessages(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "srv-42", stored[0].ID)
}

func TestSupportRESTFallbackKeepsImages(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) { b.rejectWS = true })
	s := newSupport(t, b)
	s.SetConversation("conv-1")

	_, err := s.StartHandoff(t.Context(), "")
	require.NoError(t, err)

	img := protocol.Image{ID: "img-1", URL: "https://cdn.example.com/1.png"}
	msg, err := s.SendMessage(t.Context(), "see attached", img)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Image{img}, msg.Images)
	assert.Equal(t, [][]protocol.Image{{img}}, b.restAttachments())
}

func TestSupportSendFallsBackToREST(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) { b.rejectWS = true })
	s := newSupport(t, b)
	s.SetConversation("conv-1")

	_, err := s.StartHandoff(t.Context(), "")
	require.NoError(t, err)
	require.NotEqual(t, connection.StateOpen, s.ConnectionState())

	msg, err := s.SendMessage(t.Context(), "over rest")
	require.NoError(t, err)
	assert.Equal(t, "srv-rest-1", msg.ID)
	assert.False(t, msg.Pending)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-rest-1", msgs[0].ID)
	assert.Equal(t, []string{"over rest"}, b.restMessages())
}

func TestSupportWebSocketOnlyActionsNeedConnection(t *testing.T) {
	b := newFakeBackend(t)
	b.configure(func(b *fakeBackend) { b.rejectWS = true })
	s := newSupport(t, b)
	s.SetConversation("conv-1")

	assert.ErrorIs(t, s.Withdraw("m1", "typo"), ErrNotConnected)
	assert.ErrorIs(t, s.Edit("m1", "fixed", false), ErrNotConnected)
	assert.ErrorIs(t, s.Transfer("bob", ""), ErrNotConnected)
	assert.Error(t, s.Transfer("", ""))
}

func TestSupportWebSocketActions(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)

	require.NoError(t, s.Withdraw("m1", "typo"))
	require.NoError(t, s.Edit("m2", "fixed", true))
	require.NoError(t, s.Transfer("bob", "shift end"))

	require.Eventually(t, func() bool { return len(b.receivedActions()) == 3 }, waitFor, tick)
	assert.Equal(t, []protocol.Action{
		protocol.ActionAgentWithdrawMessage,
		protocol.ActionAgentEditMessage,
		protocol.ActionAgentTransfer,
	}, b.receivedActions())

	var edit protocol.EditMessagePayload
	require.NoError(t, json.Unmarshal(b.lastReceived(protocol.ActionAgentEditMessage).Payload, &edit))
	assert.Equal(t, protocol.EditMessagePayload{MessageID: "m2", NewContent: "fixed", Regenerate: true}, edit)
}

func TestSupportTypingIsThrottled(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)

	s.SetTyping(true)
	s.SetTyping(true)
	s.SetTyping(true)
	s.SetTyping(false)
	s.SetTyping(false)

	require.Eventually(t, func() bool { return len(b.receivedActions()) == 2 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []protocol.Action{protocol.ActionAgentTyping, protocol.ActionAgentTyping}, b.receivedActions())

	var stop protocol.TypingPayload
	require.NoError(t, json.Unmarshal(b.lastReceived(protocol.ActionAgentTyping).Payload, &stop))
	assert.False(t, stop.IsTyping)
}

func TestSupportMarkRead(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-1")
	waitOpen(t, s)

	b.push(b.lastConn(), protocol.ActionMessage, protocol.Message{MessageID: "m1", Role: "user", Content: "hi"})
	require.Eventually(t, func() bool { return s.Snapshot().State.UnreadCount == 1 }, waitFor, tick)

	assert.Equal(t, []string{"m1"}, s.MarkRead())
	assert.Zero(t, s.Snapshot().State.UnreadCount)

	require.Eventually(t, func() bool { return b.lastReceived(protocol.ActionAgentRead) != nil }, waitFor, tick)
	var read protocol.ReadPayload
	require.NoError(t, json.Unmarshal(b.lastReceived(protocol.ActionAgentRead).Payload, &read))
	assert.Equal(t, []string{"m1"}, read.MessageIDs)
}

func TestSupportConversationSwitch(t *testing.T) {
	b := newFakeBackend(t)
	s := newSupport(t, b)
	s.SetConversation("conv-a")
	waitOpen(t, s)

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		b.push(b.lastConn(), protocol.ActionMessage, protocol.Message{MessageID: id, Role: "user", Content: "x"})
	}
	require.Eventually(t, func() bool { return s.Snapshot().State.UnreadCount == 5 }, waitFor, tick)

	s.SetConversation("conv-b")
	snap := s.Snapshot()
	assert.Equal(t, "conv-b", snap.ConversationID)
	assert.Zero(t, snap.State.UnreadCount)
	assert.Empty(t, snap.Messages)

	waitOpen(t, s)
	assert.Equal(t, "conv-b", s.ConnectionStats()["conversation_id"])
}

func TestSupportServerErrorsReachHandler(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	var got []error
	s := newSupport(t, b, WithErrorHandler(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))
	s.SetConversation("conv-1")
	waitOpen(t, s)

	b.push(b.lastConn(), protocol.ActionError, protocol.ServerError{Code: protocol.CodeNotInHumanMode, Message: "start hand-off first"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	var se *protocol.ServerError
	require.ErrorAs(t, got[0], &se)
	assert.Equal(t, protocol.CodeNotInHumanMode, se.Code)
}
