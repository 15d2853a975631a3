package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/handoff/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeServer is an in-process hand-off endpoint.
type fakeServer struct {
	*httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	uris      []string
	received  []*protocol.Envelope
	onConnect func(s *fakeServer, conn *websocket.Conn)
	writeMu   sync.Mutex
}

func newFakeServer(t *testing.T, onConnect func(s *fakeServer, conn *websocket.Conn)) *fakeServer {
	t.Helper()

	fs := &fakeServer{onConnect: onConnect}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.uris = append(fs.uris, r.URL.RequestURI())
		fs.mu.Unlock()

		if fs.onConnect != nil {
			fs.onConnect(fs, conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			fs.mu.Lock()
			fs.received = append(fs.received, env)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) uri(i int) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.uris[i]
}

func (fs *fakeServer) lastConn() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) receivedActions() []protocol.Action {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]protocol.Action, 0, len(fs.received))
	for _, env := range fs.received {
		out = append(out, env.Action)
	}
	return out
}

func (fs *fakeServer) sendRaw(conn *websocket.Conn, raw string) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func (fs *fakeServer) push(conn *websocket.Conn, action protocol.Action, payload any) {
	body, _ := json.Marshal(payload)
	env := protocol.Envelope{V: protocol.Version, ID: "srv", TS: 1, Action: action, Payload: body}
	raw, _ := json.Marshal(env)
	fs.sendRaw(conn, string(raw))
}

// recorder is a Handler that keeps everything it sees.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	states []State
}

func (r *recorder) HandleEvent(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleStateChange(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig(base string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = base
	cfg.HeartbeatInterval = time.Hour
	cfg.Reconnect.Delay = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := NewManager(cfg, rec)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, rec
}

var userTarget = Target{Role: protocol.RoleUser, ConversationID: "conv-1", ViewerID: "u1"}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{}, &recorder{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.BaseURL = "ws://localhost"
	_, err = NewManager(cfg, nil)
	assert.Error(t, err)
}

func TestConnectDeliversEventsInOrder(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, conn *websocket.Conn) {
		s.push(conn, protocol.ActionConnected, map[string]any{
			"connection_id": "c-1", "role": "user", "conversation_id": "conv-1",
			"handoff_state": "ai", "peer_online": false, "unread_count": 2,
		})
		for _, id := range []string{"m1", "m2", "m3"} {
			s.push(conn, protocol.ActionMessage, map[string]any{"message_id": id, "role": "assistant", "content": id})
		}
	})
	m, rec := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)

	require.Eventually(t, func() bool { return len(rec.Events()) == 4 }, waitFor, tick)
	events := rec.Events()
	assert.IsType(t, &protocol.Connected{}, events[0])
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, events[i+1].(*protocol.Message).MessageID)
	}
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, "c-1", m.ConnectionID())
	assert.Equal(t, "/ws/user/conv-1?token=user_u1", srv.uri(0))
	assert.Equal(t, []State{StateConnecting, StateOpen}, rec.States())
}

func TestSendIsNoopWhenNotOpen(t *testing.T) {
	m, _ := newTestManager(t, testConfig("ws://127.0.0.1:1"))

	assert.False(t, m.Send(protocol.ActionUserTyping, protocol.TypingPayload{IsTyping: true}))
	assert.Equal(t, StateIdle, m.State())
}

func TestSendWhenOpen(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, _ := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)

	assert.True(t, m.Send(protocol.ActionUserSendMessage, protocol.SendMessagePayload{Content: "hi", MessageID: "m1"}))
	require.Eventually(t, func() bool { return len(srv.receivedActions()) == 1 }, waitFor, tick)
	assert.Equal(t, protocol.ActionUserSendMessage, srv.receivedActions()[0])
}

func TestHeartbeatSendsPing(t *testing.T) {
	srv := newFakeServer(t, nil)
	cfg := testConfig(srv.wsURL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	m.Connect(userTarget)

	require.Eventually(t, func() bool {
		actions := srv.receivedActions()
		return len(actions) >= 2 && actions[0] == protocol.ActionPing
	}, waitFor, tick)
	assert.True(t, m.PendingTimers().Heartbeat)
}

func TestReconnectsAfterServerClose(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, rec := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)

	_ = srv.lastConn().Close()

	require.Eventually(t, func() bool { return srv.connCount() == 2 && m.IsOpen() }, waitFor, tick)
	assert.Contains(t, rec.States(), StateClosed)
	assert.False(t, m.PendingTimers().Reconnect)
	assert.Equal(t, 1, m.GetStats()["reconnect_count"])
}

func TestDisconnectClearsTimers(t *testing.T) {
	t.Run("while open", func(t *testing.T) {
		srv := newFakeServer(t, nil)
		m, _ := newTestManager(t, testConfig(srv.wsURL()))

		m.Connect(userTarget)
		require.Eventually(t, m.IsOpen, waitFor, tick)
		require.True(t, m.PendingTimers().Heartbeat)

		m.Disconnect()

		assert.Equal(t, Timers{}, m.PendingTimers())
		assert.Equal(t, StateIdle, m.State())
		assert.Empty(t, m.ConnectionID())
	})

	t.Run("while waiting to reconnect", func(t *testing.T) {
		srv := newFakeServer(t, nil)
		cfg := testConfig(srv.wsURL())
		cfg.Reconnect.Delay = time.Hour
		m, _ := newTestManager(t, cfg)

		m.Connect(userTarget)
		require.Eventually(t, m.IsOpen, waitFor, tick)
		_ = srv.lastConn().Close()
		require.Eventually(t, func() bool { return m.PendingTimers().Reconnect }, waitFor, tick)
		assert.Equal(t, StateClosed, m.State())

		m.Disconnect()

		assert.Equal(t, Timers{}, m.PendingTimers())
		assert.Equal(t, StateIdle, m.State())
	})
}

func TestDisconnectPreventsRevival(t *testing.T) {
	srv := newFakeServer(t, nil)
	cfg := testConfig(srv.wsURL())
	cfg.Reconnect.Delay = 50 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)
	_ = srv.lastConn().Close()
	require.Eventually(t, func() bool { return m.State() == StateClosed }, waitFor, tick)

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, srv.connCount())
	assert.Equal(t, StateIdle, m.State())
}

func TestCloseDeliversFinalIdleState(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, rec := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)

	m.Close()
	states := rec.States()
	require.NotEmpty(t, states)
	assert.Equal(t, StateIdle, states[len(states)-1])

	m.Connect(userTarget)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, states, rec.States())
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, conn *websocket.Conn) {
		s.sendRaw(conn, "{not json")
		s.sendRaw(conn, `{"v":1,"id":"x","ts":1,"action":"server.brand_new","payload":{}}`)
		s.sendRaw(conn, `{"v":1,"id":"y","ts":1,"action":"server.message","payload":{"content":"no id"}}`)
		s.push(conn, protocol.ActionPong, nil)
	})
	m, rec := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, waitFor, tick)
	assert.IsType(t, &protocol.Pong{}, rec.Events()[0])
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 1, srv.connCount())
}

func TestInvalidTargetStaysIdle(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, _ := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(Target{Role: protocol.RoleUser, ConversationID: "conv-1"})

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, Timers{}, m.PendingTimers())
	assert.Equal(t, 0, srv.connCount())
}

func TestConnectSameTargetIsNoop(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, _ := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)
	m.Connect(userTarget)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
}

func TestConnectNewTargetReplacesSocket(t *testing.T) {
	srv := newFakeServer(t, nil)
	m, _ := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)

	other := Target{Role: protocol.RoleAgent, ConversationID: "conv-2", ViewerID: "agent_1"}
	m.Connect(other)

	require.Eventually(t, func() bool { return srv.connCount() == 2 && m.IsOpen() }, waitFor, tick)
	assert.Equal(t, "/ws/agent/conv-2?token=agent_agent_1", srv.uri(1))
	assert.Equal(t, other, m.Target())
}

func TestStaleEventsDroppedAfterDisconnect(t *testing.T) {
	release := make(chan struct{})
	srv := newFakeServer(t, func(s *fakeServer, conn *websocket.Conn) {
		<-release
		s.push(conn, protocol.ActionPong, nil)
	})
	m, rec := newTestManager(t, testConfig(srv.wsURL()))

	m.Connect(userTarget)
	require.Eventually(t, m.IsOpen, waitFor, tick)
	m.Disconnect()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Events())
}

func TestMaxAttemptsGivesUp(t *testing.T) {
	srv := newFakeServer(t, nil)
	base := srv.wsURL()
	srv.Close()

	cfg := testConfig(base)
	cfg.Reconnect = ReconnectPolicy{Delay: 5 * time.Millisecond, MaxAttempts: 2}
	m, rec := newTestManager(t, cfg)

	m.Connect(userTarget)

	require.Eventually(t, func() bool {
		states := rec.States()
		return m.State() == StateIdle && len(states) > 0 && states[len(states)-1] == StateIdle
	}, waitFor, tick)
	assert.Equal(t, Timers{}, m.PendingTimers())
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	srv := newFakeServer(t, nil)
	cfg := testConfig(srv.wsURL())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	m.Connect(userTarget)

	require.Eventually(t, func() bool { return srv.connCount() >= 2 }, waitFor, tick)
}

func TestReconnectPolicyBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  ReconnectPolicy
		attempt int
		want    time.Duration
	}{
		{"default is fixed", DefaultReconnectPolicy, 1, 3 * time.Second},
		{"default stays fixed", DefaultReconnectPolicy, 50, 3 * time.Second},
		{"exponential", ReconnectPolicy{Delay: time.Second, Multiplier: 2}, 4, 8 * time.Second},
		{"capped", ReconnectPolicy{Delay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}, 10, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.attempt))
		})
	}
}
