package api

import (
	"encoding/json"

	"github.com/kubilitics/handoff/internal/protocol"
)

// Sort orders accepted by the support conversation list.
const (
	SortByHeat = "heat"
	SortByTime = "time"
)

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 50

// ListOptions filters the support conversation list.
type ListOptions struct {
	State  protocol.HandoffState
	SortBy string
	Limit  int
	Offset int
}

// SupportConversation is one row of the support inbox.
type SupportConversation struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	Title           string                `json:"title"`
	HandoffState    protocol.HandoffState `json:"handoff_state"`
	HandoffOperator string                `json:"handoff_operator,omitempty"`
	UserOnline      bool                  `json:"user_online"`
	HeatScore       int                   `json:"heat_score"`
	UnreadCount     int                   `json:"unread_count"`
	UpdatedAt       string                `json:"updated_at"`
	CreatedAt       string                `json:"created_at"`
}

type SupportConversationList struct {
	Items  []SupportConversation `json:"items"`
	Total  int                   `json:"total"`
	Offset int                   `json:"offset"`
	Limit  int                   `json:"limit"`
}

// ConversationState is the hand-off record of one conversation.
type ConversationState struct {
	ConversationID     string                `json:"conversation_id"`
	HandoffState       protocol.HandoffState `json:"handoff_state"`
	HandoffOperator    string                `json:"handoff_operator,omitempty"`
	HandoffReason      string                `json:"handoff_reason,omitempty"`
	HandoffAt          string                `json:"handoff_at,omitempty"`
	LastNotificationAt string                `json:"last_notification_at,omitempty"`
}

// HandoffResponse is returned by the start and close hand-off endpoints.
type HandoffResponse struct {
	Success         bool                  `json:"success"`
	ConversationID  string                `json:"conversation_id,omitempty"`
	Operator        string                `json:"operator,omitempty"`
	HandoffState    protocol.HandoffState `json:"handoff_state,omitempty"`
	Error           string                `json:"error,omitempty"`
	HandoffAt       string                `json:"handoff_at,omitempty"`
	EndedBy         string                `json:"ended_by,omitempty"`
	CurrentOperator string                `json:"current_operator,omitempty"`
}

type startHandoffRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

type endHandoffRequest struct {
	Operator string `json:"operator"`
	Summary  string `json:"summary"`
}

// HistoryMessage is a transcript entry returned with the conversation detail.
type HistoryMessage struct {
	ID          string           `json:"id"`
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Products    json.RawMessage  `json:"products,omitempty"`
	CreatedAt   string           `json:"created_at"`
	Operator    string           `json:"operator,omitempty"`
	Images      []protocol.Image `json:"images,omitempty"`
	IsDelivered bool             `json:"is_delivered,omitempty"`
	DeliveredAt string           `json:"delivered_at,omitempty"`
	ReadAt      string           `json:"read_at,omitempty"`
	ReadBy      string           `json:"read_by,omitempty"`
	IsWithdrawn bool             `json:"is_withdrawn,omitempty"`
	WithdrawnAt string           `json:"withdrawn_at,omitempty"`
	WithdrawnBy string           `json:"withdrawn_by,omitempty"`
	IsEdited    bool             `json:"is_edited,omitempty"`
	EditedAt    string           `json:"edited_at,omitempty"`
	EditedBy    string           `json:"edited_by,omitempty"`
}

// ConversationDetail is a conversation with its full history.
type ConversationDetail struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	Title           string                `json:"title"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
	HandoffState    protocol.HandoffState `json:"handoff_state,omitempty"`
	HandoffOperator string                `json:"handoff_operator,omitempty"`
	Messages        []HistoryMessage      `json:"messages"`
}

type humanMessageRequest struct {
	Content  string           `json:"content"`
	Operator string           `json:"operator"`
	Images   []protocol.Image `json:"images,omitempty"`
}

// HumanMessageResponse answers the REST fallback send.
type HumanMessageResponse struct {
	Success        bool   `json:"success"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SupportStats feeds the support notification badge.
type SupportStats struct {
	PendingCount  int `json:"pending_count"`
	HumanCount    int `json:"human_count"`
	TotalUnread   int `json:"total_unread"`
	HighHeatCount int `json:"high_heat_count"`
}

// NeedsAttention reports whether the badge should be lit.
func (s SupportStats) NeedsAttention() bool {
	return s.PendingCount > 0 || s.TotalUnread > 0
}

type User struct {
	UserID string `json:"user_id"`
}

type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type createConversationRequest struct {
	UserID string `json:"user_id"`
}

// ChatRequest starts an AI chat turn.
type ChatRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Chat stream event types.
const (
	ChatMetaStart      = "meta.start"
	ChatDelta          = "assistant.delta"
	ChatReasoningDelta = "assistant.reasoning.delta"
	ChatProducts       = "assistant.products"
	ChatFinal          = "assistant.final"
	ChatError          = "error"
)

// ChatEvent is one server-sent event of a chat stream.
type ChatEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MetaStart carries the server ids of the turn.
type MetaStart struct {
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

// Delta is the payload of assistant.delta and assistant.reasoning.delta.
type Delta struct {
	Delta string `json:"delta"`
}

// Products is the payload of assistant.products.
type Products struct {
	Items json.RawMessage `json:"items"`
}

// Final is the settled assistant message.
type Final struct {
	Content   string          `json:"content"`
	Reasoning string          `json:"reasoning,omitempty"`
	Products  json.RawMessage `json:"products,omitempty"`
}

type streamErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Decode unmarshals the event payload into v.
func (e ChatEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
