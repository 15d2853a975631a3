// Package store keeps a local sqlite copy of the conversations a client has
// seen, so transcripts survive restarts and can be inspected offline.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/handoff/internal/protocol"
)

// ErrNotFound is returned when a conversation has never been recorded.
var ErrNotFound = errors.New("conversation not found")

// ConversationRecord is the persisted hand-off state of one conversation.
type ConversationRecord struct {
	ID           string                `json:"id"`
	HandoffState protocol.HandoffState `json:"handoff_state"`
	Operator     string                `json:"operator,omitempty"`
	UnreadCount  int                   `json:"unread_count"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// MessageRecord is one persisted transcript entry.
type MessageRecord struct {
	ConversationID string           `json:"conversation_id"`
	ID             string           `json:"id"`
	Position       int              `json:"position"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	CreatedAt      string           `json:"created_at"`
	Operator       string           `json:"operator,omitempty"`
	Images         []protocol.Image `json:"images,omitempty"`
	ReadAt         string           `json:"read_at,omitempty"`
	Withdrawn      bool             `json:"withdrawn"`
	Edited         bool             `json:"edited"`
}

// Store is the transcript persistence interface.
type Store interface {
	// SaveConversation inserts or updates a conversation row.
	SaveConversation(ctx context.Context, rec *ConversationRecord) error
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	// ListConversations returns the most recently updated conversations first.
	ListConversations(ctx context.Context, limit, offset int) ([]*ConversationRecord, error)

	// SaveMessages upserts messages in one transaction.
	SaveMessages(ctx context.Context, msgs []*MessageRecord) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error)
	DeleteMessages(ctx context.Context, conversationID string, ids []string) error

	Close() error
	Ping(ctx context.Context) error
}
