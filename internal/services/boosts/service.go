// Package boosts manages consumable and time-limited reward modifiers.
package boosts

import (
	"context"
	"errors"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/logger"
)

// GrantOptions shapes a new grant. Exactly one of Duration or Charges should
// be set; setting both produces a boost bounded by whichever runs out first.
type GrantOptions struct {
	Duration time.Duration
	Charges  int
}

// Service manages boost grants for actors.
type Service struct {
	store storage.BoostStore
	now   func() time.Time
	log   *logger.Logger
}

// New creates a boost service. A nil logger defaults.
func New(store storage.BoostStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("boosts")
	}
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// Grant creates or overwrites the actor's grant for the key. Re-granting a
// duration boost restarts its window; re-granting a charge boost resets the
// counter.
func (s *Service) Grant(ctx context.Context, actorID, key string, opts GrantOptions) (boost.Grant, error) {
	if actorID == "" || key == "" {
		return boost.Grant{}, apperr.Validationf("actor id and boost key are required")
	}
	if opts.Duration <= 0 && opts.Charges <= 0 {
		return boost.Grant{}, apperr.Validationf("boost grant needs a duration or a charge count")
	}

	now := s.now()
	g := boost.Grant{ActorID: actorID, Key: key, GrantedAt: now}
	if opts.Duration > 0 {
		expires := now.Add(opts.Duration)
		g.ExpiresAt = &expires
	}
	if opts.Charges > 0 {
		charges := opts.Charges
		g.ChargesRemaining = &charges
	}

	if err := s.store.SaveGrant(ctx, g); err != nil {
		return boost.Grant{}, apperr.Storage("boost grant save", err)
	}
	s.log.WithField("actor", actorID).WithField("boost", key).Info("boost granted")
	return g, nil
}

// IsActive evaluates the expiry/charge predicate at the instant. A missing
// grant is simply inactive.
func (s *Service) IsActive(ctx context.Context, actorID, key string, at time.Time) (bool, error) {
	g, err := s.store.GetGrant(ctx, actorID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("boost lookup", err)
	}
	return g.ActiveAt(at), nil
}

// ConsumeCharge decrements a charge if one is available and reports whether it
// did. Absent, expired, or exhausted grants are a normal no-op, not an error.
func (s *Service) ConsumeCharge(ctx context.Context, actorID, key string) (bool, error) {
	g, err := s.store.GetGrant(ctx, actorID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("boost lookup", err)
	}
	if !g.ActiveAt(s.now()) {
		return false, nil
	}

	_, err = s.store.DecrementCharge(ctx, actorID, key)
	if errors.Is(err, storage.ErrNoCharges) || errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("boost charge decrement", err)
	}
	return true, nil
}

// ListActive returns the actor's grants whose predicate holds at the instant.
func (s *Service) ListActive(ctx context.Context, actorID string, at time.Time) ([]boost.Grant, error) {
	grants, err := s.store.ListGrants(ctx, actorID)
	if err != nil {
		return nil, apperr.Storage("boost list", err)
	}
	active := grants[:0]
	for _, g := range grants {
		if g.ActiveAt(at) {
			active = append(active, g)
		}
	}
	return active, nil
}

// XPMultiplier returns the combined XP scale factor of the actor's active
// boosts at the instant.
func (s *Service) XPMultiplier(ctx context.Context, actorID string, at time.Time) (float64, error) {
	active, err := s.ListActive(ctx, actorID, at)
	if err != nil {
		return 0, err
	}
	mult := 1.0
	for _, g := range active {
		mult *= g.XPMultiplier()
	}
	return mult, nil
}
