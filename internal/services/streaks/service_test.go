package streaks

import (
	"context"
	"testing"
	"time"

	"github.com/questforge/engine/internal/storage/memory"
)

func anchor(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load anchor timezone: %v", err)
	}
	return loc
}

func TestFirstActivityStartsAtOne(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)

	st, err := svc.RecordActivity(context.Background(), "actor-1",
		time.Date(2026, 3, 2, 9, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if st.Current != 1 {
		t.Fatalf("expected streak 1, got %d", st.Current)
	}
}

func TestSameDayIsNoop(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 2, 9, 0, 0, 0, loc)); err != nil {
		t.Fatalf("first: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 2, 22, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if st.Current != 1 {
		t.Fatalf("expected streak unchanged at 1, got %d", st.Current)
	}
}

func TestConsecutiveDayIncrements(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 2, 9, 0, 0, 0, loc)); err != nil {
		t.Fatalf("day 1: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 3, 7, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}
	if st.Current != 2 {
		t.Fatalf("expected streak 2, got %d", st.Current)
	}
}

func TestGapResetsToOne(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 2, 9, 0, 0, 0, loc)); err != nil {
		t.Fatalf("day 1: %v", err)
	}
	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 3, 9, 0, 0, 0, loc)); err != nil {
		t.Fatalf("day 2: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 6, 9, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("day 6: %v", err)
	}
	if st.Current != 1 {
		t.Fatalf("expected reset to 1 after gap, got %d", st.Current)
	}
}

func TestAnchorTimezoneDefinesTheDay(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	// 23:30 UTC on March 2 is already March 3 in Berlin.
	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)); err != nil {
		t.Fatalf("first: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if st.Current != 2 {
		t.Fatalf("expected streak 2 across the anchor-zone midnight, got %d", st.Current)
	}
}

func TestStreakSurvivesDSTTransition(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	// Berlin springs forward on 2026-03-29; the 23-hour day must still count
	// as exactly one calendar day.
	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 28, 12, 0, 0, 0, loc)); err != nil {
		t.Fatalf("before DST: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 29, 12, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("after DST: %v", err)
	}
	if st.Current != 2 {
		t.Fatalf("expected streak 2 across DST boundary, got %d", st.Current)
	}
}

func TestEarlierDateResets(t *testing.T) {
	loc := anchor(t)
	svc := New(memory.New(), loc, nil)
	ctx := context.Background()

	if _, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)); err != nil {
		t.Fatalf("first: %v", err)
	}
	st, err := svc.RecordActivity(ctx, "actor-1", time.Date(2026, 3, 3, 9, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("earlier: %v", err)
	}
	if st.Current != 1 {
		t.Fatalf("expected reset for out-of-order date, got %d", st.Current)
	}
}
