// Package wallet maintains per-actor currency balances. Two mutation entry
// points exist on purpose: AdjustClamped floors at zero for reward credits,
// SpendOrFail rejects instead of clamping so a purchase can never silently
// burn a balance down to zero.
package wallet

import (
	"context"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/actor"
	"github.com/questforge/engine/internal/metrics"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/logger"
)

// Delta is a signed balance adjustment, per field.
type Delta struct {
	Coins int64
	Gems  int64
	XP    int64
}

// Service applies balance changes. Mutations must run inside the caller's
// transaction alongside the owning idempotency record.
type Service struct {
	store storage.WalletStore
	now   func() time.Time
	log   *logger.Logger
}

// New creates a wallet service. A nil logger defaults.
func New(store storage.WalletStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// Get returns the actor's wallet, creating a zero wallet on first touch.
func (s *Service) Get(ctx context.Context, actorID string) (actor.Wallet, error) {
	if actorID == "" {
		return actor.Wallet{}, apperr.Validationf("actor id is required")
	}
	w, err := s.store.GetWallet(ctx, actorID)
	if err != nil {
		return actor.Wallet{}, apperr.Storage("wallet lookup", err)
	}
	return w, nil
}

// AdjustClamped applies the delta with each field floored at zero. This is the
// reward-credit path; spends must go through SpendOrFail.
func (s *Service) AdjustClamped(ctx context.Context, actorID string, d Delta) (actor.Wallet, error) {
	w, err := s.Get(ctx, actorID)
	if err != nil {
		return actor.Wallet{}, err
	}

	w.Coins = clamp(w.Coins + d.Coins)
	w.Gems = clamp(w.Gems + d.Gems)
	w.XP = clamp(w.XP + d.XP)
	w.UpdatedAt = s.now()

	if err := s.store.SaveWallet(ctx, w); err != nil {
		return actor.Wallet{}, apperr.Storage("wallet save", err)
	}
	metrics.RecordXPGranted(d.XP)
	return w, nil
}

// SpendOrFail debits the given non-negative costs, failing with an
// insufficient-funds error when any balance would go negative. Nothing is
// written on failure.
func (s *Service) SpendOrFail(ctx context.Context, actorID string, cost Delta) (actor.Wallet, error) {
	if cost.Coins < 0 || cost.Gems < 0 || cost.XP < 0 {
		return actor.Wallet{}, apperr.Validationf("spend amounts cannot be negative")
	}

	w, err := s.Get(ctx, actorID)
	if err != nil {
		return actor.Wallet{}, err
	}
	if w.Coins < cost.Coins || w.Gems < cost.Gems || w.XP < cost.XP {
		return actor.Wallet{}, apperr.InsufficientFundsf(
			"balance too low: have %d coins / %d gems, need %d coins / %d gems",
			w.Coins, w.Gems, cost.Coins, cost.Gems)
	}

	w.Coins -= cost.Coins
	w.Gems -= cost.Gems
	w.XP -= cost.XP
	w.UpdatedAt = s.now()

	if err := s.store.SaveWallet(ctx, w); err != nil {
		return actor.Wallet{}, apperr.Storage("wallet save", err)
	}
	return w, nil
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
