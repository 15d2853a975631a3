package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/reconciler"
)

var errStaleStream = errors.New("conversation changed during stream")

// UserSession is the end-user chat. Messages go to the AI as a streamed
// chat turn unless an operator owns the conversation, in which case they
// go over the WebSocket.
type UserSession struct {
	*base

	streamMu sync.Mutex
	cancel   context.CancelFunc
}

// NewUserSession creates a session for userID.
func NewUserSession(cfg Config, client *api.Client, userID string, opts ...Option) (*UserSession, error) {
	b, err := newBase(cfg, protocol.RoleUser, userID, client, opts)
	if err != nil {
		return nil, fmt.Errorf("user session: %w", err)
	}
	return &UserSession{base: b}, nil
}

// UserID returns the user id.
func (s *UserSession) UserID() string { return s.viewerID }

// SetConversation aborts any running stream before switching.
func (s *UserSession) SetConversation(conversationID string) {
	if conversationID != s.rec.ConversationID() {
		s.Abort()
	}
	s.base.SetConversation(conversationID)
}

// SendMessage sends content to whoever owns the conversation. An AI turn
// blocks until the reply finished streaming or was aborted.
func (s *UserSession) SendMessage(ctx context.Context, content string) error {
	if s.rec.State().HandoffState == protocol.HandoffHuman {
		return s.sendToOperator(content)
	}
	return s.streamTurn(ctx, content)
}

func (s *UserSession) sendToOperator(content string) error {
	t := s.rec.BeginRest()
	echo, err := s.rec.PrepareOutgoing(content, nil)
	if err != nil {
		return err
	}
	if !s.conn.Send(protocol.ActionUserSendMessage, protocol.SendMessagePayload{Content: echo.Content, MessageID: echo.ID}) {
		s.rec.RemoveMessage(t, echo.ID)
		return ErrNotConnected
	}
	s.rec.ConfirmMessage(t, echo.ID)
	return nil
}

func (s *UserSession) streamTurn(ctx context.Context, content string) error {
	s.streamMu.Lock()
	if s.cancel != nil {
		s.streamMu.Unlock()
		return ErrStreamInProgress
	}
	t, userMsg, placeholder, err := s.rec.PrepareChatTurn(content)
	if err != nil {
		s.streamMu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.streamMu.Unlock()

	defer func() {
		cancel()
		s.streamMu.Lock()
		s.cancel = nil
		s.streamMu.Unlock()
	}()

	turn := &chatTurn{rec: s.rec, ticket: t, userID: userMsg.ID, assistantID: placeholder.ID}
	req := api.ChatRequest{UserID: s.viewerID, ConversationID: s.rec.ConversationID(), Message: userMsg.Content}
	err = s.api.StreamChat(ctx, req, turn.apply)

	switch {
	case errors.Is(err, errStaleStream):
		return nil
	case err != nil:
		s.rec.RemoveMessage(t, turn.assistantID)
		s.logger.Warn("chat turn failed", zap.Error(err))
		return err
	}
	turn.settle()
	return nil
}

// Abort stops the running stream, if any. The partial reply is kept.
func (s *UserSession) Abort() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Streaming reports whether a chat turn is in flight.
func (s *UserSession) Streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.cancel != nil
}

// RequestHandoff asks for a human operator.
func (s *UserSession) RequestHandoff(reason string) error {
	return s.sendWS(protocol.ActionUserRequestHandoff, protocol.RequestHandoffPayload{Reason: reason})
}

// Close aborts any stream and disconnects.
func (s *UserSession) Close() {
	s.Abort()
	s.base.Close()
}

// chatTurn folds stream events into the reconciler.
type chatTurn struct {
	rec         *reconciler.Reconciler
	ticket      reconciler.Ticket
	userID      string
	assistantID string
	content     string
	reasoning   string
	products    json.RawMessage
	settled     bool
}

func (c *chatTurn) apply(ev api.ChatEvent) error {
	if !c.rec.Current(c.ticket) {
		return errStaleStream
	}

	switch ev.Type {
	case api.ChatMetaStart:
		var meta api.MetaStart
		if err := ev.Decode(&meta); err != nil {
			return nil
		}
		if meta.UserMessageID != "" && c.rec.RemapMessageID(c.ticket, c.userID, meta.UserMessageID) {
			c.userID = meta.UserMessageID
		}
		if meta.AssistantMessageID != "" && c.rec.RemapMessageID(c.ticket, c.assistantID, meta.AssistantMessageID) {
			c.assistantID = meta.AssistantMessageID
		}
	case api.ChatDelta:
		var d api.Delta
		if err := ev.Decode(&d); err != nil || d.Delta == "" {
			return nil
		}
		c.content += d.Delta
		c.rec.AppendDelta(c.ticket, c.assistantID, d.Delta)
	case api.ChatReasoningDelta:
		var d api.Delta
		if err := ev.Decode(&d); err == nil {
			c.reasoning += d.Delta
		}
	case api.ChatProducts:
		var p api.Products
		if err := ev.Decode(&p); err == nil && len(p.Items) > 0 {
			c.products = p.Items
		}
	case api.ChatFinal:
		var f api.Final
		if err := ev.Decode(&f); err != nil {
			return nil
		}
		// the final content wins when it extends or is at least as long as
		// what was streamed
		if f.Content != "" && (strings.HasPrefix(f.Content, c.content) || len(f.Content) >= len(c.content)) {
			c.content = f.Content
		}
		if len(f.Reasoning) > len(c.reasoning) {
			c.reasoning = f.Reasoning
		}
		if len(f.Products) > 0 && string(f.Products) != "null" {
			c.products = f.Products
		}
		c.settle()
	}
	return nil
}

func (c *chatTurn) settle() {
	if c.settled {
		return
	}
	c.settled = true
	// a reply that only produced reasoning is shown as its content
	if c.content == "" {
		c.content = c.reasoning
	}
	if c.content == "" {
		c.rec.RemoveMessage(c.ticket, c.assistantID)
	} else {
		if len(c.products) > 0 {
			c.rec.SetProducts(c.ticket, c.assistantID, c.products)
		}
		c.rec.SettleMessage(c.ticket, c.assistantID, c.content)
	}
	c.rec.ConfirmMessage(c.ticket, c.userID)
}
