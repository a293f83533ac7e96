package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// pollSource samples one sensor into the activity log until ctx is done.
// A failing sensor is logged once when it degrades and once when it recovers.
func (s *Supervisor) pollSource(ctx context.Context, src domain.ActivitySource) error {
	interval := s.config.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	degraded := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rec, err := src.Poll(ctx)
			if err != nil {
				if !degraded {
					s.logger.Warn("sensor degraded", zap.String("sensor", src.Name()), zap.Error(err))
					degraded = true
				}
				continue
			}
			if degraded {
				s.logger.Info("sensor recovered", zap.String("sensor", src.Name()))
				degraded = false
			}
			if rec == nil || s.deps.Log == nil {
				continue
			}
			if err := s.deps.Log.Append(ctx, *rec); err != nil {
				s.logger.Debug("failed to append activity", zap.String("sensor", src.Name()), zap.Error(err))
			}
		}
	}
}

// housekeeping expires old activity and sweeps pending enforcements whose
// timers were missed, e.g. across a system sleep.
func (s *Supervisor) housekeeping(ctx context.Context) error {
	interval := s.config.ExpiryInterval
	if interval <= 0 {
		interval = DefaultConfig().ExpiryInterval
	}
	retention := s.config.LogRetention
	if retention <= 0 {
		retention = DefaultConfig().LogRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.deps.Dispatcher.Pending().ExpireDue(); n > 0 {
				s.logger.Info("expired missed pending enforcements", zap.Int("count", n))
			}
			n, err := s.deps.Log.Expire(ctx, s.clock.Now().Add(-retention))
			if err != nil {
				s.logger.Warn("failed to expire activity log", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("expired activity records", zap.Int64("count", n))
			}
		}
	}
}

// compressSessions folds each elapsed block interval of activity into a
// stored session block and drops blocks past retention.
func (s *Supervisor) compressSessions(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Aggregator.BlockInterval())
	defer ticker.Stop()

	start := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start = s.compressBlock(ctx, start)
		}
	}
}

// compressBlock stores the block for [start, now) and returns now as the
// next block's start. A failed block is skipped, not retried.
func (s *Supervisor) compressBlock(ctx context.Context, start time.Time) time.Time {
	agg := s.deps.Aggregator
	now := s.clock.Now()
	if _, _, err := agg.CompressAndStore(ctx, start, now); err != nil {
		s.logger.Warn("failed to compress session block", zap.Time("start", start), zap.Error(err))
	}
	n, err := agg.ExpireBlocks(ctx, now)
	if err != nil {
		s.logger.Warn("failed to expire session blocks", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("expired session blocks", zap.Int64("count", n))
	}
	return now
}
