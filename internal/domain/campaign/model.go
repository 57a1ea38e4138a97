// Package campaign models time-windowed promotional multipliers. Campaign data
// is owned by an external system; the engine only reads it.
package campaign

import "time"

// Campaign scales the bonus portion of a purchase while its window is open.
type Campaign struct {
	Key        string
	StartsAt   time.Time
	EndsAt     time.Time
	Active     bool
	Multiplier float64
}

// AppliesAt reports whether the campaign covers the instant. The window is
// half-open: [StartsAt, EndsAt).
func (c Campaign) AppliesAt(at time.Time) bool {
	if !c.Active {
		return false
	}
	return !at.Before(c.StartsAt) && at.Before(c.EndsAt)
}
