package idempotency

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/questforge/engine/pkg/logger"
)

// Sweeper periodically purges expired idempotency records. Expired rows are
// already invisible to Begin; the sweep only reclaims space.
type Sweeper struct {
	ledger   *Ledger
	schedule string
	cron     *cron.Cron
	log      *logger.Logger
}

// NewSweeper creates a sweeper running on the given cron schedule
// (e.g. "@every 1h").
func NewSweeper(ledger *Ledger, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("idempotency-sweeper")
	}
	return &Sweeper{ledger: ledger, schedule: schedule, log: log}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "idempotency-sweeper" }

// Start schedules the sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		n, err := s.ledger.Sweep(context.Background())
		if err != nil {
			s.log.WithError(err).Error("sweep failed")
			return
		}
		if n > 0 {
			s.log.WithField("removed", n).Info("purged expired idempotency records")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
