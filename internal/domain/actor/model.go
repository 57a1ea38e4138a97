// Package actor holds the per-user aggregates owned by the economy engine:
// the wallet and the streak state. The actor identifier itself is opaque and
// issued by the identity system upstream.
package actor

import (
	"time"

	"github.com/questforge/engine/pkg/civil"
)

// Wallet carries an actor's currency balances. Balances are never negative;
// the wallet service enforces the floor on every adjustment.
type Wallet struct {
	ActorID   string
	Coins     int64
	Gems      int64
	XP        int64
	UpdatedAt time.Time
}

// StreakState tracks an actor's consecutive-day activity counter, anchored to
// the engine's fixed civil timezone.
type StreakState struct {
	ActorID string
	// Current is the length of the running streak; zero before any activity.
	Current int
	// LastActiveDate is the civil date of the most recent qualifying activity.
	// The zero date means no activity has been recorded yet.
	LastActiveDate civil.Date
	UpdatedAt      time.Time
}
