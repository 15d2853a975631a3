package reconciler

import (
	"encoding/json"
	"errors"

	"github.com/kubilitics/handoff/internal/protocol"
)

var (
	// ErrNotInHumanMode rejects a WebSocket send while no operator owns the conversation.
	ErrNotInHumanMode = errors.New("start hand-off before sending messages")
	// ErrHumanModeActive rejects an AI chat turn while an operator owns the conversation.
	ErrHumanModeActive = errors.New("conversation is handled by a human operator")
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrNoConversation  = errors.New("no active conversation")
)

// State is the client-side view of one conversation.
type State struct {
	HandoffState     protocol.HandoffState `json:"handoff_state"`
	Operator         string                `json:"operator,omitempty"`
	PeerOnline       bool                  `json:"peer_online"`
	PeerLastOnlineAt string                `json:"peer_last_online_at,omitempty"`
	UnreadCount      int                   `json:"unread_count"`
	PeerTyping       bool                  `json:"peer_typing"`
	ConnectionID     string                `json:"connection_id,omitempty"`
	Connected        bool                  `json:"connected"`
}

// DefaultState is the state of a conversation nothing is known about yet.
func DefaultState() State {
	return State{HandoffState: protocol.HandoffAI}
}

// Message is one entry of the conversation transcript.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	CreatedAt string           `json:"created_at"`
	Operator  string           `json:"operator,omitempty"`
	Images    []protocol.Image `json:"images,omitempty"`
	// Products is the opaque product list attached to an assistant reply.
	Products json.RawMessage `json:"products,omitempty"`

	IsDelivered bool   `json:"is_delivered,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	ReadAt      string `json:"read_at,omitempty"`
	ReadBy      string `json:"read_by,omitempty"`

	IsWithdrawn    bool   `json:"is_withdrawn,omitempty"`
	WithdrawnAt    string `json:"withdrawn_at,omitempty"`
	WithdrawnBy    string `json:"withdrawn_by,omitempty"`
	WithdrawReason string `json:"withdraw_reason,omitempty"`

	IsEdited bool   `json:"is_edited,omitempty"`
	EditedAt string `json:"edited_at,omitempty"`
	EditedBy string `json:"edited_by,omitempty"`

	// Pending marks an optimistic echo the server has not accepted yet.
	Pending bool `json:"pending,omitempty"`
	// Local marks a message sent from here that is still known only by its
	// client-generated id. The server's copy replaces it once seen.
	Local bool `json:"local,omitempty"`
	// Seen marks a peer message the local viewer has read.
	Seen bool `json:"seen,omitempty"`
}

// FromPush converts a server.message payload.
func FromPush(p *protocol.Message) Message {
	return Message{
		ID:          p.MessageID,
		Role:        p.Role,
		Content:     p.Content,
		CreatedAt:   p.CreatedAt,
		Operator:    p.Operator,
		Images:      p.Images,
		IsDelivered: p.IsDelivered,
		DeliveredAt: p.DeliveredAt,
		ReadAt:      p.ReadAt,
		ReadBy:      p.ReadBy,
	}
}

// Snapshot is a consistent copy of everything the reconciler owns.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	Messages       []Message `json:"messages"`

	version uint64
}

// RestOp names the REST call whose result is being applied.
type RestOp string

const (
	RestStartHandoff RestOp = "start_handoff"
	RestEndHandoff   RestOp = "end_handoff"
	RestFetchState   RestOp = "fetch_state"
)

// RestResult is what a successful REST hand-off call echoed back.
type RestResult struct {
	Op           RestOp
	HandoffState protocol.HandoffState
	Operator     string
}

// Ticket is taken before an asynchronous call and presented with its result.
// A ticket goes stale when the conversation changes, and for hand-off
// fields also when a push arrived in the meantime.
type Ticket struct {
	generation uint64
	pushSeq    uint64
}
