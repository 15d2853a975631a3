// Package connection owns the hand-off WebSocket: dialing, heartbeat,
// reconnect and teardown for exactly one (conversation, viewer) pair.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/metrics"
	"github.com/kubilitics/handoff/internal/protocol"
)

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives decoded server events and state changes. Calls are
// serialized on one goroutine in the order frames were read.
type Handler interface {
	HandleEvent(ev protocol.Event)
	HandleStateChange(state State)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnEvent func(ev protocol.Event)
	OnState func(state State)
}

func (h HandlerFuncs) HandleEvent(ev protocol.Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h HandlerFuncs) HandleStateChange(state State) {
	if h.OnState != nil {
		h.OnState(state)
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides the gorilla default dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithTokenProvider overrides the prefixed-identifier token scheme.
func WithTokenProvider(p TokenProvider) Option {
	return func(m *Manager) { m.tokens = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Timers reports which timers a Manager currently holds.
type Timers struct {
	Heartbeat bool
	Reconnect bool
}

// Manager is the connection lifecycle state machine:
//
//	Idle → Connecting → Open → Closed → Connecting → ... → Idle
//
// Errors never escape to callers; they are logged and, while the manager is
// enabled, followed by a reconnect.
type Manager struct {
	cfg     Config
	dialer  Dialer
	tokens  TokenProvider
	handler Handler
	logger  *zap.Logger

	mu             sync.Mutex
	state          State
	target         Target
	enabled        bool
	closed         bool
	session        uint64
	conn           *websocket.Conn
	cancel         context.CancelFunc
	heartbeat      *time.Ticker
	reconnectTimer *time.Timer
	attempts       int
	reconnectCount int
	connectionID   string
	connectedAt    time.Time

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	events *mailbox
}

// NewManager creates an idle manager.
func NewManager(cfg Config, handler Handler, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		tokens:  PrefixedToken,
		handler: handler,
		state:   StateIdle,
		events:  newMailbox(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).Named("connection")
	return m, nil
}

// Connect enables the manager for target. An incomplete target puts the
// manager in Idle. Connecting to the current target is a no-op.
func (m *Manager) Connect(target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if !target.Valid() {
		m.enabled = false
		m.teardownLocked(true)
		m.target = target
		m.setStateLocked(StateIdle)
		return
	}
	if m.enabled && m.target == target && m.state != StateIdle {
		return
	}

	m.teardownLocked(true)
	m.enabled = true
	m.target = target
	m.attempts = 0
	m.dialLocked()
}

// Disconnect cancels any pending reconnect, stops the heartbeat and closes
// the socket. The manager stays Idle until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.teardownLocked(true)
	m.setStateLocked(StateIdle)
}

// Reconnect drops the current socket and dials again right away.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.enabled {
		return
	}
	m.teardownLocked(true)
	m.attempts = 0
	m.dialLocked()
}

// Close disconnects and stops event delivery after the final state change
// has reached the handler. The manager cannot be reused. Close must not be
// called from a handler callback.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.events.close()
}

// Send encodes and writes a frame. It returns false without sending when the
// connection is not Open; nothing is queued.
func (m *Manager) Send(action protocol.Action, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	conversationID := m.target.ConversationID
	m.mu.Unlock()

	if !open || conn == nil {
		metrics.SendsSkipped.WithLabelValues(string(action)).Inc()
		m.logger.Debug("send skipped, connection not open", zap.String("action", string(action)))
		return false
	}
	if err := m.write(conn, action, payload, conversationID); err != nil {
		m.logger.Warn("send failed", zap.String("action", string(action)), zap.Error(err))
		return false
	}
	return true
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether frames can be sent.
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// ConnectionID returns the server-assigned id of the open connection.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// Target returns the current target.
func (m *Manager) Target() Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// PendingTimers reports whether a heartbeat ticker or reconnect timer is live.
func (m *Manager) PendingTimers() Timers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Timers{
		Heartbeat: m.heartbeat != nil,
		Reconnect: m.reconnectTimer != nil,
	}
}

// GetStats returns connection statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var connectedDuration time.Duration
	if m.state == StateOpen {
		connectedDuration = time.Since(m.connectedAt)
	}

	return map[string]interface{}{
		"state":              m.state,
		"role":               m.target.Role,
		"conversation_id":    m.target.ConversationID,
		"connection_id":      m.connectionID,
		"connected_at":       m.connectedAt,
		"connected_duration": connectedDuration.String(),
		"reconnect_count":    m.reconnectCount,
		"pending_attempts":   m.attempts,
	}
}

func (m *Manager) dialLocked() {
	m.session++
	sess := m.session
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting)

	go m.run(ctx, sess, m.target)
}

func (m *Manager) run(ctx context.Context, sess uint64, target Target) {
	log := m.logger.With(
		zap.String("role", string(target.Role)),
		zap.String("conversation_id", target.ConversationID),
	)

	wsURL, err := BuildURL(m.cfg.BaseURL, target, m.tokens)
	if err != nil {
		log.Error("cannot build websocket url", zap.Error(err))
		m.onClosed(sess, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := m.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues(string(target.Role), "failure").Inc()
		if ctx.Err() == nil {
			log.Warn("websocket dial failed", zap.Error(err))
		}
		m.onClosed(sess, err)
		return
	}
	metrics.ConnectAttempts.WithLabelValues(string(target.Role), "success").Inc()

	m.mu.Lock()
	if sess != m.session {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.connectedAt = time.Now()
	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
	ticker := m.heartbeat
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	log.Info("websocket connected")

	if m.cfg.ReadLimit > 0 {
		conn.SetReadLimit(m.cfg.ReadLimit)
	}
	var awaitingPong atomic.Bool
	go m.heartbeatLoop(ctx, conn, ticker, &awaitingPong)
	m.readLoop(sess, conn, log, &awaitingPong)
}

// heartbeatLoop pings on every tick. With a pong timeout, the first
// unanswered ping arms a read deadline; later pings leave it alone.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, ticker *time.Ticker, awaitingPong *atomic.Bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(conn, protocol.ActionPing, nil, ""); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
				// the read loop sees the close and drives reconnect
				_ = conn.Close()
				return
			}
			if m.cfg.PongTimeout > 0 && !awaitingPong.Swap(true) {
				_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
			}
		}
	}
}

func (m *Manager) readLoop(sess uint64, conn *websocket.Conn, log *zap.Logger, awaitingPong *atomic.Bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket closed", zap.Error(err))
			} else {
				log.Debug("websocket read ended", zap.Error(err))
			}
			m.onClosed(sess, err)
			return
		}
		if m.cfg.PongTimeout > 0 && awaitingPong.Swap(false) {
			_ = conn.SetReadDeadline(time.Time{})
		}
		m.handleFrame(sess, data, log)
	}
}

func (m *Manager) handleFrame(sess uint64, data []byte, log *zap.Logger) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		log.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	metrics.FramesTotal.WithLabelValues("inbound", string(env.Action)).Inc()

	ev, err := protocol.Dispatch(env)
	if errors.Is(err, protocol.ErrUnknownAction) {
		metrics.FramesDropped.WithLabelValues("unknown_action").Inc()
		log.Debug("ignoring unknown action", zap.String("action", string(env.Action)))
		return
	}
	if err != nil {
		metrics.FramesDropped.WithLabelValues("invalid_payload").Inc()
		log.Warn("dropping frame with invalid payload", zap.String("action", string(env.Action)), zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case *protocol.Connected:
		m.mu.Lock()
		if sess == m.session {
			m.connectionID = e.ConnectionID
		}
		m.mu.Unlock()
	case *protocol.ServerError:
		log.Warn("server error",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.String("reply_to", e.ReplyTo),
		)
	}

	m.events.post(func() {
		if !m.current(sess) {
			metrics.FramesDropped.WithLabelValues("stale").Inc()
			return
		}
		m.handler.HandleEvent(ev)
	})
}

func (m *Manager) current(sess uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sess == m.session && !m.closed
}

// onClosed handles the end of a dial or read loop for session sess.
func (m *Manager) onClosed(sess uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess != m.session {
		return
	}
	m.stopSessionLocked(false)
	if !m.enabled || m.closed {
		m.setStateLocked(StateIdle)
		return
	}
	m.setStateLocked(StateClosed)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	policy := m.cfg.Reconnect
	if policy.MaxAttempts > 0 && m.attempts >= policy.MaxAttempts {
		m.logger.Error("reconnect attempts exhausted, giving up",
			zap.Int("attempts", m.attempts),
			zap.String("conversation_id", m.target.ConversationID),
		)
		m.enabled = false
		m.setStateLocked(StateIdle)
		return
	}

	m.attempts++
	delay := policy.Backoff(m.attempts)
	sess := m.session
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(sess) })
	metrics.Reconnects.WithLabelValues(string(m.target.Role)).Inc()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
		zap.String("conversation_id", m.target.ConversationID),
	)
}

func (m *Manager) reconnect(sess uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess != m.session || !m.enabled || m.closed || m.state != StateClosed {
		return
	}
	m.reconnectTimer = nil
	m.reconnectCount++
	m.dialLocked()
}

// teardownLocked cancels every timer and invalidates the current session.
func (m *Manager) teardownLocked(graceful bool) {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopSessionLocked(graceful)
	m.session++
}

func (m *Manager) stopSessionLocked(graceful bool) {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		if graceful {
			// WriteControl may run concurrently with other writers.
			_ = m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
				time.Now().Add(time.Second))
		}
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connectionID = ""
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	prev := m.state
	m.state = state

	switch {
	case state == StateOpen:
		metrics.ConnectionsOpen.Inc()
	case prev == StateOpen:
		metrics.ConnectionsOpen.Dec()
	}

	m.logger.Debug("connection state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(state)),
	)
	m.events.post(func() { m.handler.HandleStateChange(state) })
}

func (m *Manager) write(conn *websocket.Conn, action protocol.Action, payload any, conversationID string) error {
	env, err := protocol.Encode(action, payload, conversationID)
	if err != nil {
		return err
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("outbound", string(action)).Inc()
	return nil
}
