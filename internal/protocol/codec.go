package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Replaced in tests.
var (
	now   = time.Now
	newID = uuid.NewString
)

// Encode builds an outgoing envelope. Every call gets a fresh id, retries
// included.
func Encode(action Action, payload any, conversationID string) (*Envelope, error) {
	if action == "" {
		return nil, errors.New("action is required")
	}
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return &Envelope{
		V:              Version,
		ID:             newID(),
		TS:             now().UnixMilli(),
		Action:         action,
		Payload:        raw,
		ConversationID: conversationID,
	}, nil
}

// Marshal serializes an envelope to its wire form.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a raw frame. It never panics; any failure is a *DecodeError.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Raw: truncate(raw, 256), Err: err}
	}
	if env.Action == "" {
		return nil, &DecodeError{Raw: truncate(raw, 256), Err: errors.New("missing action")}
	}
	return &env, nil
}

// Dispatch maps an envelope to its typed event and checks the fields each
// action requires. Unknown actions return ErrUnknownAction.
func Dispatch(env *Envelope) (Event, error) {
	decode, ok := decoders[env.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, env.Action)
	}
	return decode(env)
}

// Known reports whether Dispatch understands the action.
func Known(a Action) bool {
	_, ok := decoders[a]
	return ok
}

type decoder func(env *Envelope) (Event, error)

var decoders = map[Action]decoder{
	ActionConnected: func(env *Envelope) (Event, error) {
		var p Connected
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, missing(env, "connection_id")
		}
		if !p.HandoffState.Valid() {
			return nil, &PayloadError{Action: env.Action, Field: "handoff_state",
				Err: fmt.Errorf("unknown handoff_state %q", p.HandoffState)}
		}
		if p.UnreadCount < 0 {
			p.UnreadCount = 0
		}
		return &p, nil
	},
	ActionPong: func(env *Envelope) (Event, error) {
		return &Pong{}, nil
	},
	ActionAck: func(env *Envelope) (Event, error) {
		var p Ack
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.ReceivedID == "" {
			p.ReceivedID = env.ReplyTo
		}
		return &p, nil
	},
	ActionError: func(env *Envelope) (Event, error) {
		var p ServerError
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Code == "" && env.Error != nil {
			p.Code, p.Message, p.Detail = env.Error.Code, env.Error.Message, env.Error.Detail
		}
		if p.Code == "" {
			return nil, missing(env, "code")
		}
		p.ReplyTo = env.ReplyTo
		return &p, nil
	},
	ActionDisconnected: func(env *Envelope) (Event, error) {
		var p Disconnected
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return &p, nil
	},
	ActionMessage: func(env *Envelope) (Event, error) {
		var p Message
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(env, "message_id")
		}
		if p.Role == "" {
			return nil, missing(env, "role")
		}
		return &p, nil
	},
	ActionTyping: func(env *Envelope) (Event, error) {
		var p Typing
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Role == "" {
			return nil, missing(env, "role")
		}
		return &p, nil
	},
	ActionReadReceipt: func(env *Envelope) (Event, error) {
		var p ReadReceipt
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageIDs == nil {
			return nil, missing(env, "message_ids")
		}
		return &p, nil
	},
	ActionHandoffStarted: func(env *Envelope) (Event, error) {
		var p HandoffStarted
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.Operator == "" {
			return nil, missing(env, "operator")
		}
		return &p, nil
	},
	ActionHandoffEnded: func(env *Envelope) (Event, error) {
		var p HandoffEnded
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		return &p, nil
	},
	ActionUserOnline:   userPresence(true),
	ActionUserOffline:  userPresence(false),
	ActionAgentOnline:  agentPresence(true),
	ActionAgentOffline: agentPresence(false),
	ActionConversationState: func(env *Envelope) (Event, error) {
		var p ConversationState
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.HandoffState == "" {
			return nil, missing(env, "handoff_state")
		}
		if !p.HandoffState.Valid() {
			return nil, &PayloadError{Action: env.Action, Field: "handoff_state",
				Err: fmt.Errorf("unknown handoff_state %q", p.HandoffState)}
		}
		return &p, nil
	},
	ActionMessageWithdrawn: func(env *Envelope) (Event, error) {
		var p MessageWithdrawn
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(env, "message_id")
		}
		return &p, nil
	},
	ActionMessageEdited: func(env *Envelope) (Event, error) {
		var p MessageEdited
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, missing(env, "message_id")
		}
		return &p, nil
	},
	ActionMessagesDeleted: func(env *Envelope) (Event, error) {
		var p MessagesDeleted
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.MessageIDs == nil {
			return nil, missing(env, "message_ids")
		}
		return &p, nil
	},
}

// The action decides online/offline; the payload flag is advisory.
func userPresence(online bool) decoder {
	return func(env *Envelope) (Event, error) {
		var p UserPresence
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		p.Online = online
		return &p, nil
	}
}

func agentPresence(online bool) decoder {
	return func(env *Envelope) (Event, error) {
		var p AgentPresence
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		p.Online = online
		return &p, nil
	}
}

func unmarshalPayload(env *Envelope, v any) error {
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &PayloadError{Action: env.Action, Err: err}
	}
	return nil
}

func missing(env *Envelope, field string) error {
	return &PayloadError{Action: env.Action, Field: field}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
