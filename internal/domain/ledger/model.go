// Package ledger models the XP event stream and its weekly roll-ups. Events
// are the system of record; weekly buckets are a write-back cache over them.
package ledger

import (
	"time"

	"github.com/questforge/engine/pkg/civil"
)

// Event kinds recorded by the engine.
const (
	KindSessionReward = "session_reward"
	KindPurchaseBonus = "purchase_bonus"
)

// XPEvent is one XP-granting occurrence. External analytics consumers read the
// same table; no message bus is involved.
type XPEvent struct {
	ID         string
	ActorID    string
	Amount     int64
	Kind       string
	SourceRef  string // e.g. the session or purchase id that produced it
	OccurredAt time.Time
}

// WeeklyBucket aggregates an actor's XP over one civil week (Monday-anchored,
// engine timezone). One row per (actor, week start); upserted incrementally.
type WeeklyBucket struct {
	ActorID   string
	WeekStart civil.Date
	XP        int64
	UpdatedAt time.Time
}
