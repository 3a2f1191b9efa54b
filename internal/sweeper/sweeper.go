// Package sweeper periodically settles expired auctions. An external
// scheduler can drive settlement through the sweep endpoint instead; the
// ticker here is for deployments without one.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/settlement"
)

// Sweeper invokes the settlement sweep on a fixed interval.
type Sweeper struct {
	settlement *settlement.Engine
	interval   time.Duration
	logger     *slog.Logger
	clock      clock.Clock
}

// New returns a new Sweeper.
func New(stl *settlement.Engine, interval time.Duration, logger *slog.Logger, clk clock.Clock) *Sweeper {
	return &Sweeper{
		settlement: stl,
		interval:   interval,
		logger:     logger,
		clock:      clk,
	}
}

// Run sweeps immediately and then on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	attempted, failed, err := s.settlement.SettleExpired(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
		return
	}
	if attempted > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.Int("attempted", attempted),
			slog.Int("failed", failed),
		)
	}
}
