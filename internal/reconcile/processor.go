package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives periodic reconciliation passes until its context is
// cancelled.
type Processor struct {
	engine   *Engine
	interval time.Duration
}

func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		engine:   engine,
		interval: interval,
	}
}

// Start begins the reconciliation loop. A failed pass is logged and retried
// on the next tick; an on-demand pass already in flight is simply skipped.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconcile_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting reconciliation processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation processor")
			return
		case <-ticker.C:
			if _, err := p.engine.Reconcile(ctx); err != nil {
				if errors.Is(err, ErrReconcileInProgress) {
					logger.Debug().Msg("reconciliation pass already running, skipping tick")
					continue
				}
				logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}
