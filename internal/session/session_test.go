package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeBackend serves the REST endpoints and the WebSocket from one router.
type fakeBackend struct {
	*httptest.Server
	t *testing.T

	mu       sync.Mutex
	state    protocol.HandoffState
	operator string
	history  []map[string]any
	rejectWS bool
	conns    []*websocket.Conn
	received []*protocol.Envelope
	restSent []string
	restImgs [][]protocol.Image
	chat     http.HandlerFunc
	onFrame  func(b *fakeBackend, conn *websocket.Conn, env *protocol.Envelope)
	writeMu  sync.Mutex
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t, state: protocol.HandoffAI}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r := chi.NewRouter()
	r.Get("/ws/{role}/{conversationID}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		reject := b.rejectWS
		b.mu.Unlock()
		if reject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		n := len(b.conns)
		state := b.state
		b.mu.Unlock()

		b.push(conn, protocol.ActionConnected, protocol.Connected{
			ConnectionID:   fmt.Sprintf("conn-%d", n),
			Role:           protocol.Role(chi.URLParam(req, "role")),
			ConversationID: chi.URLParam(req, "conversationID"),
			HandoffState:   state,
			PeerOnline:     true,
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			b.mu.Lock()
			b.received = append(b.received, env)
			onFrame := b.onFrame
			b.mu.Unlock()
			if onFrame != nil {
				onFrame(b, conn, env)
			}
		}
	})
	r.Get("/api/v1/conversations/{id}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{
			"id":               chi.URLParam(req, "id"),
			"handoff_state":    b.state,
			"handoff_operator": b.operator,
			"messages":         b.history,
		})
	})
	r.Get("/api/v1/support/handoff/{id}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, api.ConversationState{ConversationID: chi.URLParam(req, "id"), HandoffState: b.state, HandoffOperator: b.operator})
	})
	r.Post("/api/v1/support/handoff/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Operator string `json:"operator"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		b.mu.Lock()
		b.state, b.operator = protocol.HandoffHuman, body.Operator
		b.mu.Unlock()
		writeJSON(w, api.HandoffResponse{Success: true, Operator: body.Operator, HandoffState: protocol.HandoffHuman})
	})
	r.Post("/api/v1/support/handoff/{id}/close", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		b.state, b.operator = protocol.HandoffAI, ""
		b.mu.Unlock()
		writeJSON(w, api.HandoffResponse{Success: true, HandoffState: protocol.HandoffAI})
	})
	r.Post("/api/v1/support/message/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Content string           `json:"content"`
			Images  []protocol.Image `json:"images"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		b.mu.Lock()
		b.restSent = append(b.restSent, body.Content)
		b.restImgs = append(b.restImgs, body.Images)
		n := len(b.restSent)
		b.mu.Unlock()
		writeJSON(w, api.HumanMessageResponse{Success: true, MessageID: fmt.Sprintf("srv-rest-%d", n)})
	})
	r.Post("/api/v1/chat", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		chat := b.chat
		b.mu.Unlock()
		if chat == nil {
			http.Error(w, "no chat", http.StatusServiceUnavailable)
			return
		}
		chat(w, req)
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) push(conn *websocket.Conn, action protocol.Action, payload any) {
	body, _ := json.Marshal(payload)
	raw, _ := json.Marshal(protocol.Envelope{V: protocol.Version, ID: "srv", TS: 1, Action: action, Payload: body})
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

func (b *fakeBackend) lastConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBackend) receivedActions() []protocol.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Action, 0, len(b.received))
	for _, env := range b.received {
		if env.Action != protocol.ActionPing {
			out = append(out, env.Action)
		}
	}
	return out
}

func (b *fakeBackend) lastReceived(action protocol.Action) *protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.received) - 1; i >= 0; i-- {
		if b.received[i].Action == action {
			return b.received[i]
		}
	}
	return nil
}

func (b *fakeBackend) configure(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) restMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.restSent...)
}

func (b *fakeBackend) restAttachments() [][]protocol.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]protocol.Image(nil), b.restImgs...)
}

func (b *fakeBackend) setChat(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chat = h
}

func (b *fakeBackend) config() Config {
	cfg := DefaultConfig()
	cfg.Connection.BaseURL = "ws" + strings.TrimPrefix(b.URL, "http")
	cfg.Connection.HeartbeatInterval = time.Hour
	cfg.Connection.Reconnect.Delay = 20 * time.Millisecond
	cfg.Connection.DialTimeout = time.Second
	cfg.TypingInterval = time.Hour
	return cfg
}

func (b *fakeBackend) client(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.NewClient(b.URL)
	require.NoError(t, err)
	return c
}

func sse(w http.ResponseWriter, lines ...string) {
	for _, l := range lines {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", l)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
