package idempotency

import (
	"context"
	"testing"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/storage/memory"
)

func newTestLedger() *Ledger {
	return NewLedger(memory.New(), 24*time.Hour, nil)
}

func TestBeginFirstOccurrenceProceeds(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	out, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", HashBody([]byte(`{"m":"a"}`)))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if out.Decision != DecisionProceed {
		t.Fatalf("expected proceed, got %v", out.Decision)
	}
}

func TestBeginMissingKeyIsValidationError(t *testing.T) {
	ledger := newTestLedger()

	_, err := ledger.Begin(context.Background(), "", "sessions.start", "actor-1", "h")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReplayReturnsStoredResponse(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()
	hash := HashBody([]byte(`{"m":"a"}`))

	if _, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", hash); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ledger.Complete(ctx, "k1", "sessions.start", "actor-1", []byte(`{"id":"s1"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", hash)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if out.Decision != DecisionReplay {
		t.Fatalf("expected replay, got %v", out.Decision)
	}
	if string(out.Response) != `{"id":"s1"}` {
		t.Fatalf("unexpected stored response %q", out.Response)
	}
}

func TestDifferentBodyIsConflict(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", HashBody([]byte(`{"m":"a"}`))); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ledger.Complete(ctx, "k1", "sessions.start", "actor-1", []byte(`ok`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", HashBody([]byte(`{"m":"b"}`)))
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPendingDuplicateIsConflict(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()
	hash := HashBody([]byte(`{"m":"a"}`))

	if _, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", hash); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Same key and body while the first request is still in flight.
	_, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", hash)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict for in-flight duplicate, got %v", err)
	}
}

func TestExpiredRecordSlotIsReused(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	if _, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", "h1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ledger.Complete(ctx, "k1", "sessions.start", "actor-1", []byte(`old`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Past the TTL the key behaves like a fresh one, even with a new body.
	ledger.now = func() time.Time { return base.Add(25 * time.Hour) }
	out, err := ledger.Begin(ctx, "k1", "sessions.start", "actor-1", "h2")
	if err != nil {
		t.Fatalf("begin after expiry: %v", err)
	}
	if out.Decision != DecisionProceed {
		t.Fatalf("expected proceed after expiry, got %v", out.Decision)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }
	if _, err := ledger.Begin(ctx, "old", "sessions.start", "actor-1", "h"); err != nil {
		t.Fatalf("begin old: %v", err)
	}

	ledger.now = func() time.Time { return base.Add(23 * time.Hour) }
	if _, err := ledger.Begin(ctx, "fresh", "sessions.start", "actor-1", "h"); err != nil {
		t.Fatalf("begin fresh: %v", err)
	}

	ledger.now = func() time.Time { return base.Add(24*time.Hour + time.Minute) }
	n, err := ledger.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept record, got %d", n)
	}

	// The fresh record must still replay-resolve.
	_, err = ledger.Begin(ctx, "fresh", "sessions.start", "actor-1", "h")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected pending conflict for surviving record, got %v", err)
	}
}
