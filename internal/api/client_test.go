package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/handoff/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ws://localhost:8000")
	assert.Error(t, err)
	_, err = NewClient("://nope")
	assert.Error(t, err)
}

func TestListSupportConversations(t *testing.T) {
	r := chi.NewRouter()
	var query map[string]string
	r.Get("/api/v1/support/conversations", func(w http.ResponseWriter, req *http.Request) {
		query = map[string]string{}
		for k := range req.URL.Query() {
			query[k] = req.URL.Query().Get(k)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{{
				"id": "c1", "user_id": "u1", "title": "help", "handoff_state": "pending",
				"user_online": true, "heat_score": 72, "unread_count": 3,
			}},
			"total": 1, "offset": 0, "limit": 50,
		})
	})
	c := newTestClient(t, r)

	list, err := c.ListSupportConversations(t.Context(), ListOptions{State: protocol.HandoffPending, SortBy: SortByHeat})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"state": "pending", "sort_by": "heat", "limit": "50", "offset": "0"}, query)
	require.Len(t, list.Items, 1)
	item := list.Items[0]
	assert.Equal(t, protocol.HandoffPending, item.HandoffState)
	assert.Equal(t, 72, item.HeatScore)
	assert.Equal(t, 3, item.UnreadCount)
	assert.True(t, item.UserOnline)
}

func TestStartHandoff(t *testing.T) {
	r := chi.NewRouter()
	var got startHandoffRequest
	r.Post("/api/v1/support/handoff/{id}", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		writeJSON(w, http.StatusOK, HandoffResponse{
			Success:        true,
			ConversationID: chi.URLParam(req, "id"),
			Operator:       got.Operator,
			HandoffState:   protocol.HandoffHuman,
		})
	})
	c := newTestClient(t, r)

	resp, err := c.StartHandoff(t.Context(), "conv-1", "alice", "vip")
	require.NoError(t, err)
	assert.Equal(t, startHandoffRequest{Operator: "alice", Reason: "vip"}, got)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, protocol.HandoffHuman, resp.HandoffState)
}

func TestHandoffRejected(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/support/handoff/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, HandoffResponse{Success: false, Error: "already taken", CurrentOperator: "bob"})
	})
	r.Post("/api/v1/support/handoff/{id}/close", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, HandoffResponse{Success: false})
	})
	c := newTestClient(t, r)

	_, err := c.StartHandoff(t.Context(), "conv-1", "alice", "")
	var hErr *HandoffError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, "bob", hErr.CurrentOperator)
	assert.Contains(t, err.Error(), "already taken")

	_, err = c.EndHandoff(t.Context(), "conv-1", "alice", "")
	require.ErrorAs(t, err, &hErr)
}

func TestEndHandoff(t *testing.T) {
	r := chi.NewRouter()
	var got endHandoffRequest
	r.Post("/api/v1/support/handoff/{id}/close", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		writeJSON(w, http.StatusOK, HandoffResponse{Success: true, EndedBy: got.Operator})
	})
	c := newTestClient(t, r)

	resp, err := c.EndHandoff(t.Context(), "conv-1", "alice", "resolved")
	require.NoError(t, err)
	assert.Equal(t, "resolved", got.Summary)
	assert.Equal(t, "alice", resp.EndedBy)
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
		code   string
		msg    string
	}{
		{"not found", 404, `{"code":"CONVERSATION_NOT_FOUND","message":"no such conversation"}`, IsNotFound, "CONVERSATION_NOT_FOUND", "no such conversation"},
		{"forbidden", 403, `{"code":"FORBIDDEN","message":"nope"}`, IsForbidden, "FORBIDDEN", "nope"},
		{"unauthorized", 401, `{"code":"UNAUTHORIZED","message":"login"}`, IsUnauthorized, "UNAUTHORIZED", "login"},
		{"unavailable", 503, `upstream down`, IsServiceUnavailable, "", "upstream down"},
		{"bad request", 400, `{"detail":"bad operator"}`, IsBadRequest, "", "bad operator"},
		{"validation", 422, `{"detail":[{"loc":["body","operator"]}]}`, IsValidationError, "", `{"detail":[{"loc":["body","operator"]}]}`},
		{"empty body", 500, ``, func(err error) bool { return !IsNotFound(err) }, "", "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/v1/support/handoff/{id}", func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, r)

			_, err := c.GetHandoffState(t.Context(), "conv-1")
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.Equal(t, tt.code, ErrorCode(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.msg, apiErr.Payload.Message)
		})
	}
}

func TestGetConversation(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": chi.URLParam(req, "id"), "user_id": "u1", "handoff_state": "human", "handoff_operator": "alice",
			"messages": []map[string]any{
				{"id": "m1", "role": "user", "content": "hi", "created_at": "t1"},
				{"id": "m2", "role": "assistant", "content": "hello", "products": `[{"id":"p"}]`, "created_at": "t2"},
			},
		})
	})
	c := newTestClient(t, r)

	detail, err := c.GetConversation(t.Context(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", detail.ID)
	assert.Equal(t, protocol.HandoffHuman, detail.HandoffState)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "hello", detail.Messages[1].Content)
}

func TestSendHumanMessage(t *testing.T) {
	images := make(chan []protocol.Image, 2)
	r := chi.NewRouter()
	r.Post("/api/v1/support/message/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body humanMessageRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		images <- body.Images
		if body.Content == "forbidden" {
			writeJSON(w, http.StatusOK, HumanMessageResponse{Success: false, Error: "not in human mode"})
			return
		}
		writeJSON(w, http.StatusOK, HumanMessageResponse{Success: true, MessageID: "srv-1", ConversationID: chi.URLParam(req, "id")})
	})
	c := newTestClient(t, r)

	resp, err := c.SendHumanMessage(t.Context(), "conv-1", "hello", "alice", protocol.Image{URL: "https://cdn.example/a.png", Filename: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", resp.MessageID)
	assert.Equal(t, []protocol.Image{{URL: "https://cdn.example/a.png", Filename: "a.png"}}, <-images)

	_, err = c.SendHumanMessage(t.Context(), "conv-1", "forbidden", "alice")
	assert.Empty(t, <-images)
	var hErr *HandoffError
	require.ErrorAs(t, err, &hErr)
	assert.Equal(t, "not in human mode", hErr.Message)
}

func TestStatsAndCreation(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/support/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, SupportStats{PendingCount: 2, HumanCount: 1, TotalUnread: 7, HighHeatCount: 1})
	})
	r.Post("/api/v1/users", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, User{UserID: "u-new"})
	})
	r.Post("/api/v1/conversations", func(w http.ResponseWriter, req *http.Request) {
		var body createConversationRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		writeJSON(w, http.StatusOK, Conversation{ID: "c-new", UserID: body.UserID})
	})
	c := newTestClient(t, r)

	stats, err := c.GetSupportStats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalUnread)
	assert.True(t, stats.NeedsAttention())
	assert.False(t, SupportStats{HumanCount: 3}.NeedsAttention())

	user, err := c.CreateUser(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "u-new", user.UserID)

	conv, err := c.CreateConversation(t.Context(), user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "c-new", conv.ID)
	assert.Equal(t, "u-new", conv.UserID)
}
