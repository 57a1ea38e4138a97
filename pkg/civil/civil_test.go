package civil

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestDateOf_AnchorZoneNotUTC(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")

	// 23:30 UTC is already the next day in Berlin (UTC+1 in winter).
	instant := time.Date(2024, time.January, 10, 23, 30, 0, 0, time.UTC)
	got := DateOf(instant, berlin)
	want := Date{2024, time.January, 11}
	if got != want {
		t.Fatalf("DateOf = %s, want %s", got, want)
	}
}

func TestAddDays_AcrossDSTGap(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")

	// 2024-03-31 is the spring-forward date in Europe/Berlin; the civil day
	// after 03-30 must still be 03-31 even though the day is 23 hours long.
	d := DateOf(time.Date(2024, time.March, 30, 12, 0, 0, 0, berlin), berlin)
	next := d.AddDays(1)
	if next != (Date{2024, time.March, 31}) {
		t.Fatalf("AddDays across DST = %s", next)
	}
	if next.DaysSince(d) != 1 {
		t.Fatalf("DaysSince across DST = %d, want 1", next.DaysSince(d))
	}
}

func TestDaysSince(t *testing.T) {
	a := Date{2024, time.February, 28}
	b := a.AddDays(2) // leap year: March 1
	if b != (Date{2024, time.March, 1}) {
		t.Fatalf("leap-year AddDays = %s", b)
	}
	if b.DaysSince(a) != 2 {
		t.Fatalf("DaysSince = %d, want 2", b.DaysSince(a))
	}
	if !a.Before(b) {
		t.Fatalf("expected %s before %s", a, b)
	}
}

func TestWeekStart(t *testing.T) {
	// 2024-04-03 is a Wednesday; its week starts Monday 2024-04-01.
	d := Date{2024, time.April, 3}
	if ws := d.WeekStart(); ws != (Date{2024, time.April, 1}) {
		t.Fatalf("WeekStart = %s", ws)
	}
	// A Monday is its own week start.
	monday := Date{2024, time.April, 1}
	if ws := monday.WeekStart(); ws != monday {
		t.Fatalf("WeekStart of Monday = %s", ws)
	}
	// Sunday belongs to the preceding Monday.
	sunday := Date{2024, time.April, 7}
	if ws := sunday.WeekStart(); ws != (Date{2024, time.April, 1}) {
		t.Fatalf("WeekStart of Sunday = %s", ws)
	}
}

func TestParseRoundTrip(t *testing.T) {
	d, err := Parse("2024-12-09")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.String() != "2024-12-09" {
		t.Fatalf("round trip = %s", d)
	}
	if _, err := Parse("not-a-date"); err == nil {
		t.Fatalf("expected parse error")
	}
}
