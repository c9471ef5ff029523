package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/store"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/metrics"
)

// Janitor periodically evicts idle sessions.
type Janitor struct {
	sweeper  store.Sweeper
	ttl      time.Duration
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

// NewJanitor creates a janitor that evicts sessions idle longer than ttl.
func NewJanitor(sweeper store.Sweeper, ttl, interval time.Duration, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		sweeper:  sweeper,
		ttl:      ttl,
		interval: interval,
		logger:   log.Named("janitor"),
		now:      time.Now,
	}
}

// SweepOnce evicts sessions idle longer than the ttl.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	evicted, err := j.sweeper.Sweep(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		metrics.SessionsEvicted.Add(float64(evicted))
		j.logger.Info("idle sessions evicted", zap.Int("count", evicted), zap.Duration("ttl", j.ttl))
	}
	return evicted, nil
}

// Run sweeps on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil {
				j.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
