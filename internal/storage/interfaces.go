// Package storage defines the persistence contracts the engine's services are
// written against. Two implementations exist: an in-memory store used by unit
// tests and as a default when no database is configured, and a Postgres store
// used in production.
package storage

import (
	"context"
	"time"

	"github.com/questforge/engine/internal/domain/actor"
	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/domain/campaign"
	"github.com/questforge/engine/internal/domain/idempotency"
	"github.com/questforge/engine/internal/domain/ledger"
	"github.com/questforge/engine/internal/domain/session"
	"github.com/questforge/engine/pkg/civil"
)

// WalletStore persists per-actor balances.
type WalletStore interface {
	// GetWallet returns the actor's wallet, creating a zero-balance row on
	// first access.
	GetWallet(ctx context.Context, actorID string) (actor.Wallet, error)
	// SaveWallet writes the wallet back. Implementations reject negative
	// balances.
	SaveWallet(ctx context.Context, w actor.Wallet) error
}

// StreakStore persists per-actor streak state.
type StreakStore interface {
	GetStreak(ctx context.Context, actorID string) (actor.StreakState, error)
	SaveStreak(ctx context.Context, s actor.StreakState) error
}

// BoostStore persists boost grants, one per (actor, key).
type BoostStore interface {
	GetGrant(ctx context.Context, actorID, key string) (boost.Grant, error)
	SaveGrant(ctx context.Context, g boost.Grant) error
	ListGrants(ctx context.Context, actorID string) ([]boost.Grant, error)
	// DecrementCharge atomically decrements a positive charge counter and
	// returns the updated grant. Returns ErrNoCharges when the counter is
	// already zero and ErrNotFound when no grant exists.
	DecrementCharge(ctx context.Context, actorID, key string) (boost.Grant, error)
}

// CampaignStore reads promotional campaign windows.
type CampaignStore interface {
	GetCampaign(ctx context.Context, key string) (campaign.Campaign, error)
	SaveCampaign(ctx context.Context, c campaign.Campaign) error
	ListCampaigns(ctx context.Context) ([]campaign.Campaign, error)
}

// IdempotencyStore persists the at-most-once ledger.
type IdempotencyStore interface {
	GetRecord(ctx context.Context, key, route, actorID string) (idempotency.Record, error)
	// InsertRecord creates a pending record. Returns ErrDuplicate when a live
	// record for the same (key, route, actor) already exists; an expired one
	// is replaced.
	InsertRecord(ctx context.Context, r idempotency.Record) error
	// CompleteRecord stores the response and flips the record to completed.
	CompleteRecord(ctx context.Context, key, route, actorID string, response []byte) error
	// DeleteExpired removes records whose ExpiresAt is at or before the cutoff
	// and reports how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionStore persists practice sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (session.Session, error)
	// GetActiveSession returns the actor's single active session, or
	// ErrNotFound when none is active.
	GetActiveSession(ctx context.Context, actorID string) (session.Session, error)
	// InsertSession creates a session. Returns ErrDuplicate when the actor
	// already holds an active session.
	InsertSession(ctx context.Context, s session.Session) error
	// UpdateSession transitions a session out of the active state. Returns
	// ErrNotFound when the session does not exist in the expected prior state.
	UpdateSession(ctx context.Context, s session.Session, prior session.Status) error
}

// LedgerStore persists XP events and their weekly roll-ups.
type LedgerStore interface {
	InsertXPEvent(ctx context.Context, ev ledger.XPEvent) error
	// LatestXPEventAt returns the OccurredAt of the actor's newest event in
	// [from, to), or the zero time when there is none.
	LatestXPEventAt(ctx context.Context, actorID string, from, to time.Time) (time.Time, error)
	// SumXPEvents totals event amounts for the actor over [from, to).
	SumXPEvents(ctx context.Context, actorID string, from, to time.Time) (int64, error)
	GetWeeklyBucket(ctx context.Context, actorID string, weekStart civil.Date) (ledger.WeeklyBucket, error)
	UpsertWeeklyBucket(ctx context.Context, b ledger.WeeklyBucket) error
}

// Stores bundles every store the engine touches. The postgres implementation
// satisfies it with a single *Store; memory does the same.
type Stores interface {
	WalletStore
	StreakStore
	BoostStore
	CampaignStore
	IdempotencyStore
	SessionStore
	LedgerStore
}

// Transactor runs a function against a transaction-scoped Stores view. The
// function's writes commit together or not at all; returning an error rolls
// back. The memory implementation serializes callers instead of rolling back,
// which is sufficient for tests because services validate before writing.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Stores) error) error
}
