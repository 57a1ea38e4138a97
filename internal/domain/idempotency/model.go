// Package idempotency models the ledger rows that make mutating operations
// execute at most once per client-supplied key.
package idempotency

import "time"

// Status of a ledger record.
type Status string

const (
	// StatusPending marks a record whose operation has not committed yet.
	StatusPending Status = "pending"
	// StatusCompleted marks a record carrying the operation's stored response.
	StatusCompleted Status = "completed"
)

// Record stores one outcome per (key, route, actor). Created before the
// operation's side effects commit, in the same transaction.
type Record struct {
	Key      string
	Route    string
	ActorID  string
	BodyHash string
	Status   Status
	// Response is the serialized operation result, returned verbatim on replay.
	Response  []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the record's slot may be reused at the instant.
func (r Record) ExpiredAt(at time.Time) bool {
	return !at.Before(r.ExpiresAt)
}
