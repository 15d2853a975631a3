package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/logging"
	"github.com/kubilitics/handoff/internal/metrics"
	"github.com/kubilitics/handoff/internal/reconciler"
)

// Recorder persists reconciler snapshots in the background. Only the latest
// snapshot waiting to be written is kept; intermediate ones are skipped.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending *reconciler.Snapshot
	wake    chan struct{}

	// ids written for writtenConv; only touched by Flush callers
	writeMu     sync.Mutex
	writtenConv string
	written     map[string]struct{}
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  s,
		logger: logging.OrNop(logger).Named("recorder"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Attach subscribes the recorder to a reconciler and returns the unsubscribe
// function.
func (r *Recorder) Attach(rec *reconciler.Reconciler) func() {
	return rec.Subscribe(r.Observe)
}

// Observe queues a snapshot for writing. It never blocks.
func (r *Recorder) Observe(snap reconciler.Snapshot) {
	if snap.ConversationID == "" {
		return
	}
	r.mu.Lock()
	r.pending = &snap
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run writes queued snapshots until ctx is done, then flushes the last one.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return r.Flush(context.WithoutCancel(ctx))
		case <-r.wake:
			if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to persist snapshot", zap.Error(err))
			}
		}
	}
}

// Flush writes the queued snapshot, if any.
func (r *Recorder) Flush(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	snap := r.pending
	r.pending = nil
	r.mu.Unlock()
	if snap == nil {
		return nil
	}

	if err := r.save(ctx, snap); err != nil {
		metrics.StoreWrites.WithLabelValues("failure").Inc()
		r.mu.Lock()
		if r.pending == nil {
			r.pending = snap
		}
		r.mu.Unlock()
		return err
	}
	metrics.StoreWrites.WithLabelValues("success").Inc()
	return nil
}

func (r *Recorder) save(ctx context.Context, snap *reconciler.Snapshot) error {
	conv := &ConversationRecord{
		ID:           snap.ConversationID,
		HandoffState: snap.State.HandoffState,
		Operator:     snap.State.Operator,
		UnreadCount:  snap.State.UnreadCount,
		UpdatedAt:    r.now(),
	}
	if err := r.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}

	msgs := make([]*MessageRecord, 0, len(snap.Messages))
	for i, m := range snap.Messages {
		// optimistic echoes are written once the server confirms them
		if m.Pending {
			continue
		}
		msgs = append(msgs, &MessageRecord{
			ConversationID: snap.ConversationID,
			ID:             m.ID,
			Position:       i,
			Role:           m.Role,
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			Operator:       m.Operator,
			Images:         m.Images,
			ReadAt:         m.ReadAt,
			Withdrawn:      m.IsWithdrawn,
			Edited:         m.IsEdited,
		})
	}
	if err := r.store.SaveMessages(ctx, msgs); err != nil {
		return fmt.Errorf("save messages of %s: %w", conv.ID, err)
	}

	current := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		current[m.ID] = struct{}{}
	}
	if r.writtenConv == conv.ID {
		var gone []string
		for id := range r.written {
			if _, ok := current[id]; !ok {
				gone = append(gone, id)
			}
		}
		if err := r.store.DeleteMessages(ctx, conv.ID, gone); err != nil {
			return fmt.Errorf("delete messages of %s: %w", conv.ID, err)
		}
	}
	r.writtenConv, r.written = conv.ID, current

	r.logger.Debug("snapshot persisted",
		zap.String("conversation_id", conv.ID),
		zap.Int("messages", len(msgs)),
	)
	return nil
}
