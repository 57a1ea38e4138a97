// Package streaks maintains per-actor consecutive-day activity counters. All
// day math happens in the engine's anchor timezone so client clocks and server
// locale never shift a streak boundary.
package streaks

import (
	"context"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/actor"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/civil"
	"github.com/questforge/engine/pkg/logger"
)

// Service advances streak state on qualifying activity.
type Service struct {
	store  storage.StreakStore
	anchor *time.Location
	now    func() time.Time
	log    *logger.Logger
}

// New creates a streak service bound to the anchor timezone.
func New(store storage.StreakStore, anchor *time.Location, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("streaks")
	}
	return &Service{store: store, anchor: anchor, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// Get returns the actor's current streak state.
func (s *Service) Get(ctx context.Context, actorID string) (actor.StreakState, error) {
	if actorID == "" {
		return actor.StreakState{}, apperr.Validationf("actor id is required")
	}
	st, err := s.store.GetStreak(ctx, actorID)
	if err != nil {
		return actor.StreakState{}, apperr.Storage("streak lookup", err)
	}
	return st, nil
}

// RecordActivity advances the state machine for activity at the given instant:
// first ever activity starts at 1, the day after the last active date
// increments, the same day is a no-op, any other gap resets to 1.
func (s *Service) RecordActivity(ctx context.Context, actorID string, at time.Time) (actor.StreakState, error) {
	st, err := s.Get(ctx, actorID)
	if err != nil {
		return actor.StreakState{}, err
	}

	day := civil.DateOf(at, s.anchor)
	switch {
	case st.LastActiveDate.IsZero():
		st.Current = 1
	case day == st.LastActiveDate:
		// Repeated same-day activity; count unchanged.
	case day.DaysSince(st.LastActiveDate) == 1:
		st.Current++
	default:
		st.Current = 1
	}
	st.LastActiveDate = day
	st.UpdatedAt = s.now()

	if err := s.store.SaveStreak(ctx, st); err != nil {
		return actor.StreakState{}, apperr.Storage("streak save", err)
	}
	return st, nil
}
