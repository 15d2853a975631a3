// Package session wires a connection manager, a reconciler and the REST
// client into the two client roles: the support operator console and the
// end-user chat.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/connection"
	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/reconciler"
)

var (
	// ErrNotConnected is returned by operations that only exist on the WebSocket.
	ErrNotConnected = errors.New("websocket is not connected")
	// ErrStreamInProgress rejects a chat turn while another one is streaming.
	ErrStreamInProgress = errors.New("a reply is still streaming")
)

// Config holds session settings.
type Config struct {
	Connection connection.Config
	// TypingInterval is the minimum gap between two "typing" frames.
	TypingInterval time.Duration
	TombstoneSize  int
}

// DefaultConfig returns defaults for everything but the connection base URL.
func DefaultConfig() Config {
	return Config{
		Connection:     connection.DefaultConfig(),
		TypingInterval: 2 * time.Second,
		TombstoneSize:  1024,
	}
}

// Option configures a session.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	onError     func(error)
	connOptions []connection.Option
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorHandler receives system.error frames the server sends back.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithConnectionOptions passes options through to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) { o.connOptions = append(o.connOptions, opts...) }
}

// base holds what both sides share.
type base struct {
	side     protocol.Role
	viewerID string
	api      *api.Client
	rec      *reconciler.Reconciler
	conn     *connection.Manager
	logger   *zap.Logger
	onError  func(error)

	typingMu sync.Mutex
	typing   *rate.Limiter
	isTyping bool
}

func newBase(cfg Config, side protocol.Role, viewerID string, client *api.Client, opts []Option) (*base, error) {
	if viewerID == "" {
		return nil, errors.New("viewer id is required")
	}
	if client == nil {
		return nil, errors.New("api client is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger).With(zap.String("role", string(side)), zap.String("viewer", viewerID))

	b := &base{
		side:     side,
		viewerID: viewerID,
		api:      client,
		logger:   logger.Named("session"),
		onError:  o.onError,
	}
	b.rec = reconciler.New(side, viewerID,
		reconciler.WithLogger(logger),
		reconciler.WithTombstones(cfg.TombstoneSize),
	)
	if cfg.TypingInterval > 0 {
		b.typing = rate.NewLimiter(rate.Every(cfg.TypingInterval), 1)
	}

	connOpts := append([]connection.Option{connection.WithLogger(logger)}, o.connOptions...)
	conn, err := connection.NewManager(cfg.Connection, b, connOpts...)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// HandleEvent implements connection.Handler.
func (b *base) HandleEvent(ev protocol.Event) {
	b.rec.HandleEvent(ev)
	if se, ok := ev.(*protocol.ServerError); ok && b.onError != nil {
		b.onError(se)
	}
}

// HandleStateChange implements connection.Handler.
func (b *base) HandleStateChange(s connection.State) {
	b.rec.HandleStateChange(s)
}

// Reconciler exposes the conversation view.
func (b *base) Reconciler() *reconciler.Reconciler { return b.rec }

// Snapshot returns the current conversation view.
func (b *base) Snapshot() reconciler.Snapshot { return b.rec.Snapshot() }

// Subscribe registers fn for every change of the conversation view.
func (b *base) Subscribe(fn func(reconciler.Snapshot)) func() { return b.rec.Subscribe(fn) }

// ConnectionState returns the WebSocket lifecycle state.
func (b *base) ConnectionState() connection.State { return b.conn.State() }

// ConnectionStats returns connection statistics.
func (b *base) ConnectionStats() map[string]interface{} { return b.conn.GetStats() }

// SetConversation switches to conversationID. The view is reset before
// anything of the new conversation is loaded; an empty id disconnects.
func (b *base) SetConversation(conversationID string) {
	if conversationID == b.rec.ConversationID() {
		return
	}
	b.typingMu.Lock()
	b.isTyping = false
	b.typingMu.Unlock()

	b.rec.Reset(conversationID)
	b.conn.Connect(connection.Target{
		Role:           b.side,
		ConversationID: conversationID,
		ViewerID:       b.viewerID,
	})
}

// Load fetches the history and hand-off state of the active conversation.
// Results arriving after a conversation switch are discarded.
func (b *base) Load(ctx context.Context) error {
	conversationID := b.rec.ConversationID()
	if conversationID == "" {
		return reconciler.ErrNoConversation
	}
	t := b.rec.BeginRest()

	var detail *api.ConversationDetail
	var state *api.ConversationState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail, err = b.api.GetConversation(gctx, conversationID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		return nil
	})
	if b.side == protocol.RoleAgent {
		g.Go(func() error {
			var err error
			state, err = b.api.GetHandoffState(gctx, conversationID)
			if err != nil {
				return fmt.Errorf("load handoff state: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !b.rec.LoadHistory(t, historyMessages(detail.Messages)) {
		b.logger.Debug("discarding history of previous conversation", zap.String("conversation_id", conversationID))
		return nil
	}

	res := reconciler.RestResult{Op: reconciler.RestFetchState, HandoffState: detail.HandoffState, Operator: detail.HandoffOperator}
	if state != nil {
		res.HandoffState, res.Operator = state.HandoffState, state.HandoffOperator
	}
	if res.HandoffState.Valid() {
		b.rec.ApplyRestResult(t, res)
	}
	return nil
}

func historyMessages(in []api.HistoryMessage) []reconciler.Message {
	out := make([]reconciler.Message, 0, len(in))
	for _, m := range in {
		out = append(out, reconciler.Message{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			CreatedAt:   m.CreatedAt,
			Operator:    m.Operator,
			Images:      m.Images,
			Products:    m.Products,
			IsDelivered: m.IsDelivered,
			DeliveredAt: m.DeliveredAt,
			ReadAt:      m.ReadAt,
			ReadBy:      m.ReadBy,
			IsWithdrawn: m.IsWithdrawn,
			WithdrawnAt: m.WithdrawnAt,
			WithdrawnBy: m.WithdrawnBy,
			IsEdited:    m.IsEdited,
			EditedAt:    m.EditedAt,
			EditedBy:    m.EditedBy,
		})
	}
	return out
}

// SetTyping reports the local typing state. Repeated "typing" frames are
// throttled; a stop is always sent once.
func (b *base) SetTyping(isTyping bool) {
	b.typingMu.Lock()
	defer b.typingMu.Unlock()

	if !isTyping {
		if !b.isTyping {
			return
		}
		b.isTyping = false
		b.conn.Send(protocol.TypingAction(b.side), protocol.TypingPayload{IsTyping: false})
		return
	}
	if b.isTyping && b.typing != nil && !b.typing.Allow() {
		return
	}
	if !b.isTyping && b.typing != nil {
		// a fresh start always goes out; consume the token so the next
		// repeat waits a full interval
		b.typing.Allow()
	}
	if b.conn.Send(protocol.TypingAction(b.side), protocol.TypingPayload{IsTyping: true}) {
		b.isTyping = true
	}
}

// MarkRead acknowledges every unread peer message. It returns the ids sent.
func (b *base) MarkRead() []string {
	ids := b.rec.MarkAllRead()
	if len(ids) > 0 {
		b.conn.Send(protocol.ReadAction(b.side), protocol.ReadPayload{MessageIDs: ids})
	}
	return ids
}

// sendWS pushes a frame that has no REST equivalent.
func (b *base) sendWS(action protocol.Action, payload any) error {
	if !b.conn.Send(action, payload) {
		return ErrNotConnected
	}
	return nil
}

// Reconnect redials the current conversation right away.
func (b *base) Reconnect() {
	b.conn.Reconnect()
}

// Close disconnects for good.
func (b *base) Close() {
	b.conn.Close()
}
