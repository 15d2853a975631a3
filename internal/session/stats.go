package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/logging"
)

// DefaultStatsInterval is how often the support badge is refreshed.
const DefaultStatsInterval = 30 * time.Second

// StatsSource is the part of the REST client the poller needs.
type StatsSource interface {
	GetSupportStats(ctx context.Context) (*api.SupportStats, error)
}

// StatsPoller refreshes support statistics on an interval. The last good
// value is kept when a poll fails.
type StatsPoller struct {
	source   StatsSource
	interval time.Duration
	onUpdate func(api.SupportStats)
	logger   *zap.Logger

	mu    sync.RWMutex
	stats api.SupportStats
	err   error
}

// NewStatsPoller creates a poller. onUpdate may be nil.
func NewStatsPoller(source StatsSource, interval time.Duration, onUpdate func(api.SupportStats), logger *zap.Logger) *StatsPoller {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return &StatsPoller{
		source:   source,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logging.OrNop(logger).Named("stats"),
	}
}

// Run polls immediately and then on every tick until ctx is done.
func (p *StatsPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh polls once.
func (p *StatsPoller) Refresh(ctx context.Context) {
	stats, err := p.source.GetSupportStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("failed to fetch support stats", zap.Error(err))
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.stats = *stats
	p.err = nil
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(*stats)
	}
}

// Stats returns the last fetched value and the error of the last poll.
func (p *StatsPoller) Stats() (api.SupportStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats, p.err
}
