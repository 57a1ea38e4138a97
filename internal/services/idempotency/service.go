// Package idempotency implements the at-most-once ledger consulted by every
// mutating operation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/idempotency"
	"github.com/questforge/engine/internal/metrics"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/logger"
)

// Decision is the outcome of consulting the ledger for a request.
type Decision int

const (
	// DecisionProceed means this is the first occurrence; execute the operation.
	DecisionProceed Decision = iota + 1
	// DecisionReplay means a completed record exists for the same body; return
	// its stored response without executing anything.
	DecisionReplay
)

// Outcome carries the ledger's decision and, for replays, the stored response.
type Outcome struct {
	Decision Decision
	Response []byte
}

// Ledger enforces at-most-once execution per (key, route, actor).
type Ledger struct {
	store storage.IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
	log   *logger.Logger
}

// NewLedger creates a ledger over the given store. A nil logger defaults.
func NewLedger(store storage.IdempotencyStore, ttl time.Duration, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("idempotency")
	}
	return &Ledger{store: store, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// HashBody returns the canonical hash of a raw request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin claims the key for this request. It must run inside the same
// transaction as the operation's side effects so the pending record and the
// effect commit together.
func (l *Ledger) Begin(ctx context.Context, key, route, actorID, bodyHash string) (Outcome, error) {
	if key == "" {
		return Outcome{}, apperr.Validationf("idempotency key is required")
	}
	if route == "" || actorID == "" {
		return Outcome{}, apperr.Validationf("route and actor are required")
	}

	now := l.now()

	rec, err := l.store.GetRecord(ctx, key, route, actorID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// fall through to the insert
	case err != nil:
		return Outcome{}, apperr.Storage("idempotency lookup", err)
	case rec.ExpiredAt(now):
		// expired slot, reuse it below
	default:
		return l.resolveExisting(route, rec, bodyHash)
	}

	err = l.store.InsertRecord(ctx, idempotency.Record{
		Key:       key,
		Route:     route,
		ActorID:   actorID,
		BodyHash:  bodyHash,
		Status:    idempotency.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race to a concurrent writer; resolve against its record.
		rec, getErr := l.store.GetRecord(ctx, key, route, actorID)
		if getErr != nil {
			return Outcome{}, apperr.Storage("idempotency re-read", getErr)
		}
		return l.resolveExisting(route, rec, bodyHash)
	}
	if err != nil {
		return Outcome{}, apperr.Storage("idempotency insert", err)
	}
	return Outcome{Decision: DecisionProceed}, nil
}

// resolveExisting maps a live record to replay or conflict.
func (l *Ledger) resolveExisting(route string, rec idempotency.Record, bodyHash string) (Outcome, error) {
	if rec.BodyHash != bodyHash {
		metrics.RecordConflict(route)
		return Outcome{}, apperr.Conflictf("idempotency key reused with a different request body")
	}
	if rec.Status == idempotency.StatusCompleted {
		metrics.RecordReplay(route)
		l.log.WithField("route", route).WithField("actor", rec.ActorID).Debug("replayed stored response")
		return Outcome{Decision: DecisionReplay, Response: rec.Response}, nil
	}
	// Same body but still pending: a concurrent duplicate is in flight and the
	// loser must not execute the operation a second time.
	metrics.RecordConflict(route)
	return Outcome{}, apperr.Conflictf("request with this idempotency key is still in flight")
}

// Complete stores the serialized response against the pending record. Runs in
// the same transaction as the business effect.
func (l *Ledger) Complete(ctx context.Context, key, route, actorID string, response []byte) error {
	if err := l.store.CompleteRecord(ctx, key, route, actorID, response); err != nil {
		return apperr.Storage("idempotency complete", err)
	}
	return nil
}

// Sweep removes expired records and reports how many were purged.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	n, err := l.store.DeleteExpired(ctx, l.now())
	if err != nil {
		return 0, apperr.Storage("idempotency sweep", err)
	}
	metrics.RecordSweep(n)
	return n, nil
}
