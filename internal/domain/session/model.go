// Package session models the practice-session lifecycle.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Reward is the snapshot of what a completion credited. It is persisted with
// the session so replays return the original amounts instead of recomputing.
type Reward struct {
	XP    int64 `json:"xp"`
	Coins int64 `json:"coins"`
	Gems  int64 `json:"gems"`
}

// Session is a single timed practice run. At most one session per actor may be
// active at any instant.
type Session struct {
	ID          string
	ActorID     string
	Status      Status
	MissionRef  string
	StartedAt   time.Time
	CompletedAt time.Time // zero until the session leaves the active state
	Reward      Reward    // zero until completed
	StreakAfter int       // streak length after the completing activity
}

// Terminal reports whether the session can no longer change state.
func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusAborted
}
