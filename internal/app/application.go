// Package app wires the engine's services over a shared store. Callers that
// leave stores unset get the in-memory implementation, which keeps local runs
// and tests free of external dependencies.
package app

import (
	"fmt"
	"time"

	"github.com/questforge/engine/internal/config"
	"github.com/questforge/engine/internal/services/boosts"
	"github.com/questforge/engine/internal/services/campaigns"
	"github.com/questforge/engine/internal/services/economy"
	"github.com/questforge/engine/internal/services/idempotency"
	"github.com/questforge/engine/internal/services/sessions"
	"github.com/questforge/engine/internal/services/streaks"
	"github.com/questforge/engine/internal/services/wallet"
	"github.com/questforge/engine/internal/services/weekly"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/internal/storage/memory"
	"github.com/questforge/engine/pkg/logger"
)

// Options configures an Application. Zero-value fields fall back to defaults.
type Options struct {
	// Stores is the backing store; nil selects the in-memory store.
	Stores storage.Stores
	// Transactor scopes multi-entity writes; nil falls back to the store's own
	// transaction support.
	Transactor storage.Transactor
	// Cache is the optional weekly snapshot cache.
	Cache weekly.SnapshotCache
	// Log is the root logger; nil selects a default.
	Log *logger.Logger
}

// Application bundles the constructed engine services.
type Application struct {
	Anchor *time.Location

	Idempotency *idempotency.Ledger
	Sweeper     *idempotency.Sweeper
	Wallet      *wallet.Service
	Boosts      *boosts.Service
	Campaigns   *campaigns.Resolver
	Streaks     *streaks.Service
	Sessions    *sessions.Service
	Economy     *economy.Service
	Weekly      *weekly.Service
}

// New builds the engine from configuration and options.
func New(cfg *config.Config, opts Options) (*Application, error) {
	anchor, err := time.LoadLocation(cfg.Engine.AnchorTimezone)
	if err != nil {
		return nil, fmt.Errorf("load anchor timezone %q: %w", cfg.Engine.AnchorTimezone, err)
	}

	log := opts.Log
	if log == nil {
		log = logger.NewDefault("engine")
	}

	stores := opts.Stores
	tx := opts.Transactor
	if stores == nil {
		mem := memory.New()
		stores = mem
		if tx == nil {
			tx = mem
		}
	}
	if tx == nil {
		t, ok := stores.(storage.Transactor)
		if !ok {
			return nil, fmt.Errorf("store %T does not support transactions", stores)
		}
		tx = t
	}

	rewards := sessions.RewardConfig{
		BaseXP:           cfg.Engine.BaseSessionXP,
		Coins:            cfg.Engine.SessionCoins,
		StreakBonusCoins: cfg.Engine.StreakBonusCoins,
		StreakBonusCap:   cfg.Engine.StreakBonusCap,
	}

	ledger := idempotency.NewLedger(stores, cfg.Engine.IdempotencyTTL, log.WithField("service", "idempotency"))

	app := &Application{
		Anchor:      anchor,
		Idempotency: ledger,
		Sweeper:     idempotency.NewSweeper(ledger, cfg.Engine.SweepSchedule, log.WithField("service", "sweeper")),
		Wallet:      wallet.New(stores, log.WithField("service", "wallet")),
		Boosts:      boosts.New(stores, log.WithField("service", "boosts")),
		Campaigns:   campaigns.New(stores, log.WithField("service", "campaigns")),
		Streaks:     streaks.New(stores, anchor, log.WithField("service", "streaks")),
		Sessions:    sessions.New(stores, tx, anchor, rewards, cfg.Engine.IdempotencyTTL, log.WithField("service", "sessions")),
		Economy:     economy.New(tx, cfg.Engine.IdempotencyTTL, log.WithField("service", "economy")),
		Weekly:      weekly.New(stores, anchor, log.WithField("service", "weekly")),
	}
	if opts.Cache != nil {
		app.Weekly.WithCache(opts.Cache)
	}
	return app, nil
}
