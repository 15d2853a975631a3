package protocol

// Payloads for client → server actions.

type SendMessagePayload struct {
	Content   string  `json:"content"`
	MessageID string  `json:"message_id"`
	Images    []Image `json:"images,omitempty"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type ReadPayload struct {
	MessageIDs []string `json:"message_ids"`
}

type RequestHandoffPayload struct {
	Reason string `json:"reason,omitempty"`
}

type StartHandoffPayload struct {
	Reason string `json:"reason,omitempty"`
}

type EndHandoffPayload struct {
	Summary string `json:"summary,omitempty"`
}

type TransferPayload struct {
	TargetAgentID string `json:"target_agent_id"`
	Reason        string `json:"reason,omitempty"`
}

type WithdrawMessagePayload struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

type EditMessagePayload struct {
	MessageID  string `json:"message_id"`
	NewContent string `json:"new_content"`
	Regenerate bool   `json:"regenerate"`
}

// SendMessageAction returns the send action for the given side.
func SendMessageAction(r Role) Action {
	if r == RoleAgent {
		return ActionAgentSendMessage
	}
	return ActionUserSendMessage
}

// TypingAction returns the typing action for the given side.
func TypingAction(r Role) Action {
	if r == RoleAgent {
		return ActionAgentTyping
	}
	return ActionUserTyping
}

// ReadAction returns the read-receipt action for the given side.
func ReadAction(r Role) Action {
	if r == RoleAgent {
		return ActionAgentRead
	}
	return ActionUserRead
}
