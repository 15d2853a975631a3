package protocol

import "encoding/json"

// Event is a decoded server → client frame.
type Event interface {
	Action() Action
}

// Connected is the baseline snapshot sent once a connection is accepted.
type Connected struct {
	ConnectionID     string       `json:"connection_id"`
	Role             Role         `json:"role"`
	ConversationID   string       `json:"conversation_id"`
	HandoffState     HandoffState `json:"handoff_state"`
	PeerOnline       bool         `json:"peer_online"`
	PeerLastOnlineAt string       `json:"peer_last_online_at"`
	UnreadCount      int          `json:"unread_count"`
}

func (*Connected) Action() Action { return ActionConnected }

// Pong answers a heartbeat ping.
type Pong struct{}

func (*Pong) Action() Action { return ActionPong }

// Ack confirms receipt of a client frame.
type Ack struct {
	ReceivedID string `json:"received_id"`
	Status     string `json:"status"`
}

func (*Ack) Action() Action { return ActionAck }

// ServerError is an application error reported by the server.
type ServerError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	ReplyTo string          `json:"-"`
}

func (*ServerError) Action() Action { return ActionError }

func (e *ServerError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Disconnected announces a server-side close.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

func (*Disconnected) Action() Action { return ActionDisconnected }

// Image is an attachment on a message.
type Image struct {
	ID           string `json:"id,omitempty"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// Message carries a chat message pushed by the server.
type Message struct {
	MessageID   string  `json:"message_id"`
	Role        string  `json:"role"`
	Content     string  `json:"content"`
	CreatedAt   string  `json:"created_at"`
	Operator    string  `json:"operator,omitempty"`
	Images      []Image `json:"images,omitempty"`
	IsDelivered bool    `json:"is_delivered,omitempty"`
	DeliveredAt string  `json:"delivered_at,omitempty"`
	ReadAt      string  `json:"read_at,omitempty"`
	ReadBy      string  `json:"read_by,omitempty"`
}

func (*Message) Action() Action { return ActionMessage }

// Typing is a peer typing indicator.
type Typing struct {
	Role     Role `json:"role"`
	IsTyping bool `json:"is_typing"`
}

func (*Typing) Action() Action { return ActionTyping }

// ReadReceipt reports that one side read a set of messages.
type ReadReceipt struct {
	Role       Role     `json:"role"`
	MessageIDs []string `json:"message_ids"`
	ReadAt     string   `json:"read_at"`
	ReadBy     string   `json:"read_by"`
}

func (*ReadReceipt) Action() Action { return ActionReadReceipt }

// HandoffStarted means a human operator took over.
type HandoffStarted struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

func (*HandoffStarted) Action() Action { return ActionHandoffStarted }

// HandoffEnded means control returned to the AI.
type HandoffEnded struct {
	Operator string `json:"operator"`
	Summary  string `json:"summary,omitempty"`
}

func (*HandoffEnded) Action() Action { return ActionHandoffEnded }

// UserPresence is delivered to agents when the end user comes or goes.
type UserPresence struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Online         bool   `json:"online"`
	LastOnlineAt   string `json:"last_online_at,omitempty"`
}

func (p *UserPresence) Action() Action {
	if p.Online {
		return ActionUserOnline
	}
	return ActionUserOffline
}

// AgentPresence is delivered to users when an operator comes or goes.
type AgentPresence struct {
	Operator     string `json:"operator"`
	Online       bool   `json:"online"`
	LastOnlineAt string `json:"last_online_at,omitempty"`
}

func (p *AgentPresence) Action() Action {
	if p.Online {
		return ActionAgentOnline
	}
	return ActionAgentOffline
}

// ConversationState is an authoritative resync of the hand-off state.
type ConversationState struct {
	HandoffState HandoffState `json:"handoff_state"`
	Operator     string       `json:"operator,omitempty"`
}

func (*ConversationState) Action() Action { return ActionConversationState }

// MessageWithdrawn marks a message as recalled by an operator.
type MessageWithdrawn struct {
	MessageID   string `json:"message_id"`
	WithdrawnBy string `json:"withdrawn_by"`
	WithdrawnAt string `json:"withdrawn_at"`
	Reason      string `json:"reason,omitempty"`
}

func (*MessageWithdrawn) Action() Action { return ActionMessageWithdrawn }

// MessageEdited replaces a message's content. Messages listed in
// DeletedMessageIDs were removed as a consequence of the edit.
type MessageEdited struct {
	MessageID           string   `json:"message_id"`
	OldContent          string   `json:"old_content"`
	NewContent          string   `json:"new_content"`
	EditedBy            string   `json:"edited_by"`
	EditedAt            string   `json:"edited_at"`
	DeletedMessageIDs   []string `json:"deleted_message_ids"`
	RegenerateTriggered bool     `json:"regenerate_triggered"`
}

func (*MessageEdited) Action() Action { return ActionMessageEdited }

// MessagesDeleted removes messages from the conversation.
type MessagesDeleted struct {
	MessageIDs []string `json:"message_ids"`
	Reason     string   `json:"reason"`
}

func (*MessagesDeleted) Action() Action { return ActionMessagesDeleted }
