// Package protocol implements the hand-off WebSocket wire format.
//
// Every frame in either direction is an Envelope. Outgoing frames are built
// with Encode; incoming frames go through Decode and then Dispatch, which
// turns the envelope into a typed Event.
package protocol

import "encoding/json"

// Version is the protocol version carried in every envelope.
const Version = 1

// Action names a frame type.
type Action string

// Client → server actions.
const (
	ActionPing Action = "system.ping"

	ActionUserSendMessage    Action = "client.user.send_message"
	ActionUserTyping         Action = "client.user.typing"
	ActionUserRead           Action = "client.user.read"
	ActionUserRequestHandoff Action = "client.user.request_handoff"

	ActionAgentSendMessage     Action = "client.agent.send_message"
	ActionAgentTyping          Action = "client.agent.typing"
	ActionAgentRead            Action = "client.agent.read"
	ActionAgentStartHandoff    Action = "client.agent.start_handoff"
	ActionAgentEndHandoff      Action = "client.agent.end_handoff"
	ActionAgentTransfer        Action = "client.agent.transfer"
	ActionAgentWithdrawMessage Action = "client.agent.withdraw_message"
	ActionAgentEditMessage     Action = "client.agent.edit_message"
)

// Server → client actions.
const (
	ActionConnected    Action = "system.connected"
	ActionPong         Action = "system.pong"
	ActionAck          Action = "system.ack"
	ActionError        Action = "system.error"
	ActionDisconnected Action = "system.disconnected"

	ActionMessage           Action = "server.message"
	ActionTyping            Action = "server.typing"
	ActionReadReceipt       Action = "server.read_receipt"
	ActionHandoffStarted    Action = "server.handoff_started"
	ActionHandoffEnded      Action = "server.handoff_ended"
	ActionUserOnline        Action = "server.user_online"
	ActionUserOffline       Action = "server.user_offline"
	ActionAgentOnline       Action = "server.agent_online"
	ActionAgentOffline      Action = "server.agent_offline"
	ActionConversationState Action = "server.conversation_state"
	ActionMessageWithdrawn  Action = "server.message_withdrawn"
	ActionMessageEdited     Action = "server.message_edited"
	ActionMessagesDeleted   Action = "server.messages_deleted"
)

// Role identifies which side of a conversation a connection belongs to.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known connection role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Peer returns the counterpart role.
func (r Role) Peer() Role {
	if r == RoleAgent {
		return RoleUser
	}
	return RoleAgent
}

// HandoffState says who currently owns response generation.
type HandoffState string

const (
	HandoffAI      HandoffState = "ai"
	HandoffPending HandoffState = "pending"
	HandoffHuman   HandoffState = "human"
)

// Valid reports whether s is one of the three known states.
func (s HandoffState) Valid() bool {
	switch s {
	case HandoffAI, HandoffPending, HandoffHuman:
		return true
	}
	return false
}

// Message author roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleAgent     = "human_agent"
	MessageRoleSystem    = "system"
)

// Envelope is the frame shape shared by both directions.
type Envelope struct {
	V              int             `json:"v"`
	ID             string          `json:"id"`
	TS             int64           `json:"ts"`
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the optional envelope-level error.
type ErrorBody struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}
