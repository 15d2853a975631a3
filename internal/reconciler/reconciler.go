// Package reconciler keeps the client's view of a conversation: hand-off
// state, presence, and the message list.
//
// Two writers feed it. REST results are applied immediately as a bridge,
// and WebSocket pushes are authoritative. Per field, a push that arrived
// after a REST call was issued wins over that call's result, whatever
// order the two land in.
package reconciler

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/connection"
	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/metrics"
	"github.com/kubilitics/handoff/internal/protocol"
)

const defaultTombstones = 1024

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithTombstones sets how many deleted message ids are remembered.
func WithTombstones(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.tombstoneSize = n
		}
	}
}

// WithClock overrides time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler is safe for concurrent use. Subscribers are called outside the
// lock, newest snapshot last.
type Reconciler struct {
	side     protocol.Role
	viewerID string
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	conversationID string
	generation     uint64
	pushSeq        uint64
	state          State
	messages       []Message
	index          map[string]int
	tombstones     *lru.Cache[string, struct{}]
	tombstoneSize  int
	version        uint64

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSub     int
	notified    uint64
}

var _ connection.Handler = (*Reconciler)(nil)

// New creates a reconciler for one viewer. side is the viewer's role;
// viewerID is the user id or the operator id.
func New(side protocol.Role, viewerID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		side:          side,
		viewerID:      viewerID,
		now:           time.Now,
		state:         DefaultState(),
		index:         make(map[string]int),
		tombstoneSize: defaultTombstones,
		subscribers:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("reconciler")
	// only fails for a non-positive size
	r.tombstones, _ = lru.New[string, struct{}](r.tombstoneSize)
	return r
}

// Side returns the viewer role.
func (r *Reconciler) Side() protocol.Role { return r.side }

// ViewerID returns the viewer id.
func (r *Reconciler) ViewerID() string { return r.viewerID }

// Subscribe registers fn for every change. The returned func unregisters it.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
	}
}

// Reset switches to another conversation: state back to defaults, messages
// cleared, outstanding tickets invalidated.
func (r *Reconciler) Reset(conversationID string) {
	r.mu.Lock()
	r.conversationID = conversationID
	r.generation++
	r.pushSeq = 0
	r.state = DefaultState()
	r.messages = nil
	r.index = make(map[string]int)
	r.tombstones.Purge()
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
}

// ConversationID returns the active conversation.
func (r *Reconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// State returns a copy of the conversation state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Messages returns a copy of the message list.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyMessagesLocked()
}

// Message returns the message with the given id.
func (r *Reconciler) Message(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return Message{}, false
	}
	return r.messages[i], true
}

// Snapshot returns state and messages together.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// BeginRest takes a ticket before issuing a REST call.
func (r *Reconciler) BeginRest() Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Ticket{generation: r.generation, pushSeq: r.pushSeq}
}

// Current reports whether t was taken for the active conversation.
func (r *Reconciler) Current(t Ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.generation == r.generation
}

// ApplyRestResult applies the state a successful REST hand-off call echoed
// back. It reports false, leaving state untouched, when the conversation
// changed or a hand-off push arrived after the ticket was taken.
func (r *Reconciler) ApplyRestResult(t Ticket, res RestResult) bool {
	r.mu.Lock()
	if t.generation != r.generation || t.pushSeq != r.pushSeq {
		r.mu.Unlock()
		metrics.RestResults.WithLabelValues("superseded").Inc()
		r.logger.Debug("rest result superseded", zap.String("op", string(res.Op)))
		return false
	}

	state := res.HandoffState
	if !state.Valid() {
		switch res.Op {
		case RestStartHandoff:
			state = protocol.HandoffHuman
		case RestEndHandoff:
			state = protocol.HandoffAI
		default:
			state = r.state.HandoffState
		}
	}
	r.state.HandoffState = state
	if state == protocol.HandoffHuman && res.Operator != "" {
		r.state.Operator = res.Operator
	}
	if res.Op == RestEndHandoff {
		r.state.PeerTyping = false
	}
	r.normalizeLocked()
	snap := r.changedLocked()
	r.mu.Unlock()

	metrics.RestResults.WithLabelValues("applied").Inc()
	r.notify(snap)
	return true
}

// ApplyConnected installs the baseline snapshot of a new connection. It
// overrides any optimistic value.
func (r *Reconciler) ApplyConnected(c *protocol.Connected) {
	r.mu.Lock()
	r.pushSeq++
	r.state.HandoffState = c.HandoffState
	r.state.PeerOnline = c.PeerOnline
	r.state.PeerLastOnlineAt = c.PeerLastOnlineAt
	r.state.UnreadCount = c.UnreadCount
	r.state.ConnectionID = c.ConnectionID
	r.state.Connected = true
	r.normalizeLocked()
	snap := r.changedLocked()
	r.mu.Unlock()

	metrics.PushesApplied.WithLabelValues(string(protocol.ActionConnected), "applied").Inc()
	r.notify(snap)
}

// HandleEvent implements connection.Handler.
func (r *Reconciler) HandleEvent(ev protocol.Event) {
	r.ApplyPush(ev)
}

// HandleStateChange implements connection.Handler. Leaving Open clears the
// transient fields; the hand-off state is kept until the server re-confirms.
func (r *Reconciler) HandleStateChange(s connection.State) {
	r.mu.Lock()
	before := r.state
	if s == connection.StateOpen {
		r.state.Connected = true
	} else {
		r.state.Connected = false
		r.state.ConnectionID = ""
		r.state.PeerTyping = false
	}
	if before == r.state {
		r.mu.Unlock()
		return
	}
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
}

type outcome string

const (
	applied  outcome = "applied"
	noop     outcome = "noop"
	rejected outcome = "rejected"
)

// ApplyPush applies one server event. Applying the same event twice leaves
// the same state as applying it once.
func (r *Reconciler) ApplyPush(ev protocol.Event) bool {
	if c, ok := ev.(*protocol.Connected); ok {
		r.ApplyConnected(c)
		return true
	}

	r.mu.Lock()
	beforeState := r.state
	beforeVersion := r.version
	var res outcome

	switch e := ev.(type) {
	case *protocol.HandoffStarted:
		res = r.applyHandoffStartedLocked(e)
	case *protocol.HandoffEnded:
		res = r.applyHandoffEndedLocked()
	case *protocol.ConversationState:
		r.pushSeq++
		r.state.HandoffState = e.HandoffState
		r.state.Operator = e.Operator
		res = applied
	case *protocol.AgentPresence:
		res = r.applyAgentPresenceLocked(e)
	case *protocol.UserPresence:
		res = r.applyUserPresenceLocked(e)
	case *protocol.Typing:
		if e.Role == r.side.Peer() {
			r.state.PeerTyping = e.IsTyping
			res = applied
		} else {
			res = noop
		}
	case *protocol.Message:
		res = r.appendLocked(FromPush(e))
	case *protocol.ReadReceipt:
		res = r.applyReadReceiptLocked(e)
	case *protocol.MessageWithdrawn:
		res = r.applyWithdrawnLocked(e)
	case *protocol.MessageEdited:
		res = r.applyEditedLocked(e)
	case *protocol.MessagesDeleted:
		res = r.deleteLocked(e.MessageIDs)
	case *protocol.ServerError:
		r.logger.Warn("server rejected a request",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
		)
		res = noop
	default:
		res = noop
	}

	r.normalizeLocked()
	var snap *Snapshot
	if res == applied && (r.state != beforeState || r.version != beforeVersion) {
		snap = r.changedLocked()
	} else if res == applied {
		res = noop
	}
	r.mu.Unlock()

	metrics.PushesApplied.WithLabelValues(string(ev.Action()), string(res)).Inc()
	r.notify(snap)
	return res == applied
}

// ai → human is allowed when the pending broadcast was skipped.
func (r *Reconciler) applyHandoffStartedLocked(e *protocol.HandoffStarted) outcome {
	r.pushSeq++
	r.state.HandoffState = protocol.HandoffHuman
	r.state.Operator = e.Operator
	if r.side == protocol.RoleUser {
		r.state.PeerOnline = true
	}
	return applied
}

func (r *Reconciler) applyHandoffEndedLocked() outcome {
	switch r.state.HandoffState {
	case protocol.HandoffAI:
		r.pushSeq++
		return noop
	case protocol.HandoffPending:
		r.logger.Debug("ignoring handoff_ended while pending")
		return rejected
	}
	r.pushSeq++
	r.state.HandoffState = protocol.HandoffAI
	r.state.Operator = ""
	r.state.PeerTyping = false
	if r.side == protocol.RoleUser {
		r.state.PeerOnline = false
	}
	return applied
}

func (r *Reconciler) applyAgentPresenceLocked(e *protocol.AgentPresence) outcome {
	if r.side != protocol.RoleUser {
		return noop
	}
	r.state.PeerOnline = e.Online
	if e.LastOnlineAt != "" {
		r.state.PeerLastOnlineAt = e.LastOnlineAt
	}
	if e.Online {
		if e.Operator != "" && r.state.HandoffState == protocol.HandoffHuman {
			r.state.Operator = e.Operator
		}
	} else {
		r.state.PeerTyping = false
	}
	return applied
}

func (r *Reconciler) applyUserPresenceLocked(e *protocol.UserPresence) outcome {
	if r.side != protocol.RoleAgent {
		return noop
	}
	r.state.PeerOnline = e.Online
	if e.LastOnlineAt != "" {
		r.state.PeerLastOnlineAt = e.LastOnlineAt
	}
	if !e.Online {
		r.state.PeerTyping = false
	}
	return applied
}

// AppendIncomingMessage adds a confirmed message. A message whose id is
// already listed is never appended twice; if the listed copy is an
// optimistic echo it is confirmed in place.
func (r *Reconciler) AppendIncomingMessage(m Message) bool {
	r.mu.Lock()
	res := r.appendLocked(m)
	var snap *Snapshot
	if res == applied {
		snap = r.changedLocked()
	}
	r.mu.Unlock()

	r.notify(snap)
	return res == applied
}

func (r *Reconciler) appendLocked(m Message) outcome {
	if m.ID == "" || r.tombstones.Contains(m.ID) {
		return noop
	}
	m.Pending = false

	if i, ok := r.index[m.ID]; ok {
		existing := &r.messages[i]
		if !existing.Pending && !existing.Local {
			return noop
		}
		confirmPending(existing, m)
		r.version++
		return applied
	}

	// the server's copy under a server-issued id replaces the local echo
	// and takes the server's position
	if j := r.matchLocalLocked(m); j >= 0 {
		r.removeAtLocked(j)
	}

	r.index[m.ID] = len(r.messages)
	r.messages = append(r.messages, m)
	r.version++
	if r.isPeerRole(m.Role) && !m.Seen {
		r.state.UnreadCount++
	}
	return applied
}

func confirmPending(existing *Message, m Message) {
	existing.Pending = false
	existing.Local = false
	if m.CreatedAt != "" {
		existing.CreatedAt = m.CreatedAt
	}
	if m.Operator != "" {
		existing.Operator = m.Operator
	}
	if len(m.Images) > 0 {
		existing.Images = m.Images
	}
	existing.IsDelivered = existing.IsDelivered || m.IsDelivered
	if m.DeliveredAt != "" {
		existing.DeliveredAt = m.DeliveredAt
	}
	if m.ReadAt != "" {
		existing.ReadAt, existing.ReadBy = m.ReadAt, m.ReadBy
	}
}

// matchLocalLocked finds the oldest local echo with the same role and
// content as m.
func (r *Reconciler) matchLocalLocked(m Message) int {
	for i := range r.messages {
		if sameLocal(&r.messages[i], &m) {
			return i
		}
	}
	return -1
}

func sameLocal(local, server *Message) bool {
	return (local.Pending || local.Local) && local.Role == server.Role && local.Content == server.Content
}

func (r *Reconciler) isPeerRole(role string) bool {
	if r.side == protocol.RoleAgent {
		return role == protocol.MessageRoleUser
	}
	return role == protocol.MessageRoleAssistant || role == protocol.MessageRoleAgent
}

// PrepareOutgoing checks the send gate and appends the optimistic echo for a
// message about to go out over the WebSocket. Nothing is appended when the
// gate fails.
func (r *Reconciler) PrepareOutgoing(content string, images []protocol.Image) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(images) == 0 {
		return Message{}, ErrEmptyMessage
	}

	r.mu.Lock()
	if r.conversationID == "" {
		r.mu.Unlock()
		return Message{}, ErrNoConversation
	}
	if r.state.HandoffState != protocol.HandoffHuman {
		r.mu.Unlock()
		return Message{}, ErrNotInHumanMode
	}

	m := r.echoLocked(content)
	m.Images = images
	r.index[m.ID] = len(r.messages)
	r.messages = append(r.messages, m)
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return m, nil
}

// PrepareChatTurn is the user-side counterpart for AI chat: it requires
// that no operator owns the conversation, then appends the user's message
// and an empty assistant placeholder for the streamed reply.
func (r *Reconciler) PrepareChatTurn(content string) (Ticket, Message, Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Ticket{}, Message{}, Message{}, ErrEmptyMessage
	}

	r.mu.Lock()
	if r.conversationID == "" {
		r.mu.Unlock()
		return Ticket{}, Message{}, Message{}, ErrNoConversation
	}
	if r.state.HandoffState == protocol.HandoffHuman {
		r.mu.Unlock()
		return Ticket{}, Message{}, Message{}, ErrHumanModeActive
	}

	userMsg := r.echoLocked(content)
	assistant := Message{
		ID:        uuid.NewString(),
		Role:      protocol.MessageRoleAssistant,
		CreatedAt: r.now().UTC().Format(time.RFC3339),
		Pending:   true,
	}
	for _, m := range []Message{userMsg, assistant} {
		r.index[m.ID] = len(r.messages)
		r.messages = append(r.messages, m)
	}
	t := Ticket{generation: r.generation, pushSeq: r.pushSeq}
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return t, userMsg, assistant, nil
}

func (r *Reconciler) echoLocked(content string) Message {
	m := Message{
		ID:        uuid.NewString(),
		Content:   content,
		CreatedAt: r.now().UTC().Format(time.RFC3339),
		Pending:   true,
		Local:     true,
	}
	if r.side == protocol.RoleAgent {
		m.Role = protocol.MessageRoleAgent
		m.Operator = r.viewerID
	} else {
		m.Role = protocol.MessageRoleUser
	}
	return m
}

// AppendDelta extends a streamed message. It reports false once the ticket
// is stale or the message is gone.
func (r *Reconciler) AppendDelta(t Ticket, id, delta string) bool {
	return r.mutateMessage(t, id, func(m *Message) bool {
		if delta == "" {
			return false
		}
		m.Content += delta
		return true
	})
}

// SettleMessage sets the final content of a streamed message and confirms it.
func (r *Reconciler) SettleMessage(t Ticket, id, content string) bool {
	return r.mutateMessage(t, id, func(m *Message) bool {
		if content != "" {
			m.Content = content
		}
		m.Pending = false
		return true
	})
}

// SetProducts attaches the product list of an assistant reply.
func (r *Reconciler) SetProducts(t Ticket, id string, products json.RawMessage) bool {
	return r.mutateMessage(t, id, func(m *Message) bool {
		m.Products = append(json.RawMessage(nil), products...)
		return true
	})
}

// ConfirmMessage clears the pending flag of an optimistic echo.
func (r *Reconciler) ConfirmMessage(t Ticket, id string) bool {
	return r.mutateMessage(t, id, func(m *Message) bool {
		if !m.Pending {
			return false
		}
		m.Pending = false
		return true
	})
}

// RemapMessageID replaces a client-generated id with the server's.
func (r *Reconciler) RemapMessageID(t Ticket, oldID, newID string) bool {
	if oldID == newID || newID == "" {
		return false
	}

	r.mu.Lock()
	if t.generation != r.generation {
		r.mu.Unlock()
		return false
	}
	i, ok := r.index[oldID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, taken := r.index[newID]; taken {
		r.mu.Unlock()
		return false
	}
	delete(r.index, oldID)
	r.messages[i].ID = newID
	r.messages[i].Local = false
	r.index[newID] = i
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// RemoveMessage drops a local message, e.g. the placeholder of a failed stream.
func (r *Reconciler) RemoveMessage(t Ticket, id string) bool {
	r.mu.Lock()
	if t.generation != r.generation {
		r.mu.Unlock()
		return false
	}
	i, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeAtLocked(i)
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

func (r *Reconciler) mutateMessage(t Ticket, id string, fn func(m *Message) bool) bool {
	r.mu.Lock()
	if t.generation != r.generation {
		r.mu.Unlock()
		return false
	}
	i, ok := r.index[id]
	if !ok || !fn(&r.messages[i]) {
		r.mu.Unlock()
		return false
	}
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// LoadHistory merges a fetched transcript. History comes first; messages
// that arrived by push while the fetch was in flight are kept after it. A
// local echo whose server copy is in the history is replaced by that copy.
func (r *Reconciler) LoadHistory(t Ticket, history []Message) bool {
	r.mu.Lock()
	if t.generation != r.generation {
		r.mu.Unlock()
		return false
	}

	merged := make([]Message, 0, len(history)+len(r.messages))
	index := make(map[string]int, len(history)+len(r.messages))
	for _, m := range history {
		if m.ID == "" || r.tombstones.Contains(m.ID) {
			continue
		}
		if _, dup := index[m.ID]; dup {
			continue
		}
		m.Pending = false
		m.Seen = true
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	fromHistory := len(merged)
	claimed := make(map[int]bool)
	for _, m := range r.messages {
		if i, dup := index[m.ID]; dup {
			if !m.Pending && !m.Local {
				merged[i] = m
			}
			claimed[i] = true
			continue
		}
		if j := matchHistory(merged[:fromHistory], claimed, &m); j >= 0 {
			claimed[j] = true
			continue
		}
		index[m.ID] = len(merged)
		merged = append(merged, m)
	}
	r.messages = merged
	r.index = index
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

// matchHistory returns the newest unclaimed history entry that is the
// server copy of the local echo m, or -1.
func matchHistory(history []Message, claimed map[int]bool, m *Message) int {
	if !m.Pending && !m.Local {
		return -1
	}
	for j := len(history) - 1; j >= 0; j-- {
		if !claimed[j] && sameLocal(m, &history[j]) {
			return j
		}
	}
	return -1
}

// MarkAllRead marks every unseen peer message as seen, zeroes the unread
// count and returns the ids to acknowledge to the server.
func (r *Reconciler) MarkAllRead() []string {
	r.mu.Lock()
	var ids []string
	for i := range r.messages {
		m := &r.messages[i]
		if !m.Seen && r.isPeerRole(m.Role) && !m.Pending {
			m.Seen = true
			ids = append(ids, m.ID)
		}
	}
	changed := len(ids) > 0 || r.state.UnreadCount != 0
	r.state.UnreadCount = 0
	var snap *Snapshot
	if changed {
		snap = r.changedLocked()
	}
	r.mu.Unlock()

	r.notify(snap)
	return ids
}

func (r *Reconciler) applyReadReceiptLocked(e *protocol.ReadReceipt) outcome {
	res := noop
	for _, id := range e.MessageIDs {
		i, ok := r.index[id]
		if !ok {
			continue
		}
		m := &r.messages[i]
		if m.ReadAt == e.ReadAt && m.ReadBy == e.ReadBy {
			continue
		}
		m.ReadAt, m.ReadBy = e.ReadAt, e.ReadBy
		res = applied
	}
	if res == applied {
		r.version++
	}
	return res
}

func (r *Reconciler) applyWithdrawnLocked(e *protocol.MessageWithdrawn) outcome {
	i, ok := r.index[e.MessageID]
	if !ok {
		return noop
	}
	m := &r.messages[i]
	if m.IsWithdrawn && m.WithdrawnAt == e.WithdrawnAt {
		return noop
	}
	m.IsWithdrawn = true
	m.WithdrawnAt = e.WithdrawnAt
	m.WithdrawnBy = e.WithdrawnBy
	m.WithdrawReason = e.Reason
	r.version++
	return applied
}

func (r *Reconciler) applyEditedLocked(e *protocol.MessageEdited) outcome {
	res := noop
	if i, ok := r.index[e.MessageID]; ok {
		m := &r.messages[i]
		if !(m.IsEdited && m.Content == e.NewContent && m.EditedAt == e.EditedAt) {
			m.Content = e.NewContent
			m.IsEdited = true
			m.EditedAt = e.EditedAt
			m.EditedBy = e.EditedBy
			r.version++
			res = applied
		}
	}
	if r.deleteLocked(e.DeletedMessageIDs) == applied {
		res = applied
	}
	return res
}

func (r *Reconciler) deleteLocked(ids []string) outcome {
	if len(ids) == 0 {
		return noop
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r.tombstones.Add(id, struct{}{})
		if _, ok := r.index[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return noop
	}

	kept := r.messages[:0]
	for _, m := range r.messages {
		if _, gone := drop[m.ID]; !gone {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(r.messages); i++ {
		r.messages[i] = Message{}
	}
	r.messages = kept
	r.reindexLocked()
	r.version++
	return applied
}

func (r *Reconciler) removeAtLocked(i int) {
	copy(r.messages[i:], r.messages[i+1:])
	r.messages[len(r.messages)-1] = Message{}
	r.messages = r.messages[:len(r.messages)-1]
	r.reindexLocked()
	r.version++
}

func (r *Reconciler) reindexLocked() {
	r.index = make(map[string]int, len(r.messages))
	for i, m := range r.messages {
		r.index[m.ID] = i
	}
}

// normalizeLocked enforces: an operator only while human, unread never negative.
func (r *Reconciler) normalizeLocked() {
	if r.state.HandoffState != protocol.HandoffHuman {
		r.state.Operator = ""
	}
	if r.state.UnreadCount < 0 {
		r.state.UnreadCount = 0
	}
}

func (r *Reconciler) changedLocked() *Snapshot {
	r.version++
	snap := r.snapshotLocked()
	return &snap
}

func (r *Reconciler) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: r.conversationID,
		State:          r.state,
		Messages:       r.copyMessagesLocked(),
		version:        r.version,
	}
}

func (r *Reconciler) copyMessagesLocked() []Message {
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// notify delivers snap unless a newer snapshot was already delivered.
func (r *Reconciler) notify(snap *Snapshot) {
	if snap == nil {
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if snap.version <= r.notified {
		return
	}
	r.notified = snap.version
	for _, fn := range r.subscribers {
		fn(*snap)
	}
}
