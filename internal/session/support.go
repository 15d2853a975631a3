package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/reconciler"
)

// SupportSession is the operator console for one conversation at a time.
type SupportSession struct {
	*base
}

// NewSupportSession creates a session for operator. No socket is opened
// until SetConversation.
func NewSupportSession(cfg Config, client *api.Client, operator string, opts ...Option) (*SupportSession, error) {
	b, err := newBase(cfg, protocol.RoleAgent, operator, client, opts)
	if err != nil {
		return nil, fmt.Errorf("support session: %w", err)
	}
	return &SupportSession{base: b}, nil
}

// Operator returns the operator id.
func (s *SupportSession) Operator() string { return s.viewerID }

// StartHandoff takes over the active conversation. On success the state the
// server echoed is applied right away unless a push got there first.
func (s *SupportSession) StartHandoff(ctx context.Context, reason string) (*api.HandoffResponse, error) {
	conversationID := s.rec.ConversationID()
	if conversationID == "" {
		return nil, reconciler.ErrNoConversation
	}
	t := s.rec.BeginRest()
	resp, err := s.api.StartHandoff(ctx, conversationID, s.viewerID, reason)
	if err != nil {
		return nil, err
	}

	operator := resp.Operator
	if operator == "" {
		operator = s.viewerID
	}
	s.rec.ApplyRestResult(t, reconciler.RestResult{
		Op:           reconciler.RestStartHandoff,
		HandoffState: resp.HandoffState,
		Operator:     operator,
	})
	s.logger.Info("handoff started", zap.String("conversation_id", conversationID))
	return resp, nil
}

// EndHandoff hands the active conversation back to the AI.
func (s *SupportSession) EndHandoff(ctx context.Context, summary string) (*api.HandoffResponse, error) {
	conversationID := s.rec.ConversationID()
	if conversationID == "" {
		return nil, reconciler.ErrNoConversation
	}
	t := s.rec.BeginRest()
	resp, err := s.api.EndHandoff(ctx, conversationID, s.viewerID, summary)
	if err != nil {
		return nil, err
	}

	s.rec.ApplyRestResult(t, reconciler.RestResult{
		Op:           reconciler.RestEndHandoff,
		HandoffState: resp.HandoffState,
	})
	s.logger.Info("handoff ended", zap.String("conversation_id", conversationID))
	return resp, nil
}

// SendMessage sends an operator message. It requires human mode and shows an
// optimistic echo; when the socket is down the REST endpoint is used instead.
func (s *SupportSession) SendMessage(ctx context.Context, content string, images ...protocol.Image) (reconciler.Message, error) {
	t := s.rec.BeginRest()
	echo, err := s.rec.PrepareOutgoing(content, images)
	if err != nil {
		return reconciler.Message{}, err
	}

	payload := protocol.SendMessagePayload{Content: echo.Content, MessageID: echo.ID, Images: images}
	if s.conn.Send(protocol.ActionAgentSendMessage, payload) {
		// the backend does not echo a message to its sender
		s.rec.ConfirmMessage(t, echo.ID)
		echo.Pending = false
		return echo, nil
	}

	s.logger.Debug("websocket unavailable, sending over rest", zap.String("message_id", echo.ID))
	resp, err := s.api.SendHumanMessage(ctx, s.rec.ConversationID(), echo.Content, s.viewerID, images...)
	if err != nil {
		s.rec.RemoveMessage(t, echo.ID)
		return reconciler.Message{}, err
	}

	id := echo.ID
	if resp.MessageID != "" && s.rec.RemapMessageID(t, echo.ID, resp.MessageID) {
		id = resp.MessageID
	}
	s.rec.ConfirmMessage(t, id)
	if m, ok := s.rec.Message(id); ok {
		return m, nil
	}
	return echo, nil
}

// Withdraw recalls a message.
func (s *SupportSession) Withdraw(messageID, reason string) error {
	return s.sendWS(protocol.ActionAgentWithdrawMessage, protocol.WithdrawMessagePayload{MessageID: messageID, Reason: reason})
}

// Edit replaces a message's content. With regenerate the AI reply that
// followed it is regenerated.
func (s *SupportSession) Edit(messageID, newContent string, regenerate bool) error {
	return s.sendWS(protocol.ActionAgentEditMessage, protocol.EditMessagePayload{
		MessageID:  messageID,
		NewContent: newContent,
		Regenerate: regenerate,
	})
}

// Transfer passes the conversation to another operator.
func (s *SupportSession) Transfer(targetAgentID, reason string) error {
	if targetAgentID == "" {
		return fmt.Errorf("transfer: target agent is required")
	}
	return s.sendWS(protocol.ActionAgentTransfer, protocol.TransferPayload{TargetAgentID: targetAgentID, Reason: reason})
}
