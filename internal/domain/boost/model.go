// Package boost models time- or charge-limited reward modifiers attached to
// an actor.
package boost

import "time"

// Well-known boost keys. The catalog that sells them lives outside the engine;
// these constants exist because reward computation special-cases them.
const (
	KeyXPBoost2x24h      = "xp_boost_2x_24h"
	KeyConfidenceBooster = "confidence_booster"
)

// Grant is one actor's holding of one boost. Exactly one grant exists per
// (actor, boost key); re-granting overwrites it.
type Grant struct {
	ActorID string
	Key     string
	// ExpiresAt bounds duration-based boosts; nil means no time bound.
	ExpiresAt *time.Time
	// ChargesRemaining counts uses left for charge-based boosts; nil means
	// unlimited uses within the time bound.
	ChargesRemaining *int
	GrantedAt        time.Time
}

// ActiveAt evaluates the activity predicate at the given instant.
func (g Grant) ActiveAt(at time.Time) bool {
	if g.ExpiresAt != nil && !at.Before(*g.ExpiresAt) {
		return false
	}
	if g.ChargesRemaining != nil && *g.ChargesRemaining <= 0 {
		return false
	}
	return true
}

// XPMultiplier returns the XP scale factor this grant contributes when active.
func (g Grant) XPMultiplier() float64 {
	if g.Key == KeyXPBoost2x24h {
		return 2
	}
	return 1
}
