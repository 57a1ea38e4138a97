package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/domain/session"
	"github.com/questforge/engine/internal/storage/memory"
	"github.com/questforge/engine/pkg/civil"
)

var testRewards = RewardConfig{BaseXP: 50, Coins: 10, StreakBonusCoins: 2, StreakBonusCap: 7}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load anchor timezone: %v", err)
	}
	store := memory.New()
	svc := New(store, store, loc, testRewards, 24*time.Hour, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return svc, store
}

func TestStartCreatesActiveSession(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Start(context.Background(), "actor-1", "mission-7", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Session.Status != session.StatusActive {
		t.Fatalf("expected active session, got %s", res.Session.Status)
	}
	if res.Session.MissionRef != "mission-7" {
		t.Fatalf("unexpected mission ref %q", res.Session.MissionRef)
	}
	if res.AlreadyActive || res.Replayed {
		t.Fatalf("expected a fresh session, got %+v", res)
	}
}

func TestStartReturnsExistingActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, "actor-1", "mission-7", "k1", nil)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := svc.Start(ctx, "actor-1", "mission-8", "k2", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.AlreadyActive {
		t.Fatal("expected read-back of the active session")
	}
	if second.Session.ID != first.Session.ID {
		t.Fatalf("expected same session id, got %s vs %s", second.Session.ID, first.Session.ID)
	}
}

func TestStartConcurrentSameActorYieldsOneSession(t *testing.T) {
	svc, store := newTestService(t)
	var seq int64
	svc.newID = func() string {
		return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1))
	}
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]StartResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Start(ctx, "actor-1", "mission-7", fmt.Sprintf("k-%d", i), nil)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("start %d: %v", i, errs[i])
		}
		if results[i].Session.ID != results[0].Session.ID {
			t.Fatalf("start %d returned session %s, want %s", i, results[i].Session.ID, results[0].Session.ID)
		}
		if !results[i].AlreadyActive {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh session, got %d", fresh)
	}

	active, err := store.GetActiveSession(ctx, "actor-1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != results[0].Session.ID {
		t.Fatalf("active session is %s, want %s", active.ID, results[0].Session.ID)
	}
}

func TestStartReplaySameKeySameBody(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, "actor-1", "mission-7", "k1", []byte(`{"missionRef":"mission-7"}`))
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := svc.Start(ctx, "actor-1", "mission-7", "k1", []byte(`{"missionRef":"mission-7"}`))
	if err != nil {
		t.Fatalf("replayed start: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay from the idempotency ledger")
	}
	if second.Session.ID != first.Session.ID {
		t.Fatalf("replay returned a different session: %s vs %s", second.Session.ID, first.Session.ID)
	}

	active, err := store.GetActiveSession(ctx, "actor-1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != first.Session.ID {
		t.Fatalf("expected exactly the first session active, got %s", active.ID)
	}
}

func TestStartSameKeyDifferentBodyConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "actor-1", "mission-7", "k1", []byte(`{"missionRef":"mission-7"}`)); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := svc.Start(ctx, "actor-1", "mission-9", "k1", []byte(`{"missionRef":"mission-9"}`))
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStartWithoutKeyIsValidationError(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Start(context.Background(), "actor-1", "", "", nil)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompleteGrantsReward(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	started, err := svc.Start(ctx, "actor-1", "mission-7", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.Complete(ctx, started.Session.ID, "k2", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Idempotent || res.Replayed {
		t.Fatalf("expected a first completion, got %+v", res)
	}
	if res.Reward.XP != 50 {
		t.Fatalf("expected 50 XP, got %d", res.Reward.XP)
	}
	// Flat 10 coins plus 2 per streak day (streak is now 1).
	if res.Reward.Coins != 12 {
		t.Fatalf("expected 12 coins, got %d", res.Reward.Coins)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.XP != 50 || w.Coins != 12 {
		t.Fatalf("wallet not credited: %+v", w)
	}

	weekStart := civil.DateOf(svc.now(), svc.anchor).WeekStart()
	bucket, err := store.GetWeeklyBucket(ctx, "actor-1", weekStart)
	if err != nil {
		t.Fatalf("weekly bucket: %v", err)
	}
	if bucket.XP != 50 {
		t.Fatalf("expected weekly bucket 50 XP, got %d", bucket.XP)
	}
}

func TestCompleteWithXPBoostDoubles(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	expires := svc.now().Add(24 * time.Hour)
	if err := store.SaveGrant(ctx, boost.Grant{
		ActorID: "actor-1", Key: boost.KeyXPBoost2x24h,
		ExpiresAt: &expires, GrantedAt: svc.now(),
	}); err != nil {
		t.Fatalf("grant boost: %v", err)
	}

	started, err := svc.Start(ctx, "actor-1", "", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := svc.Complete(ctx, started.Session.ID, "k2", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Reward.XP != 100 {
		t.Fatalf("expected boosted 100 XP, got %d", res.Reward.XP)
	}

	// After the boost expires the next completion is unmodified.
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	started2, err := svc.Start(ctx, "actor-1", "", "k3", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	res2, err := svc.Complete(ctx, started2.Session.ID, "k4", nil)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if res2.Reward.XP != 50 {
		t.Fatalf("expected 50 XP after boost expiry, got %d", res2.Reward.XP)
	}
}

func TestCompleteAlreadyCompletedIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	started, err := svc.Start(ctx, "actor-1", "", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := svc.Complete(ctx, started.Session.ID, "k2", nil)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}

	// A second complete with a fresh idempotency key still returns the
	// persisted snapshot without recomputing or re-crediting.
	second, err := svc.Complete(ctx, started.Session.ID, "k3", nil)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.Idempotent {
		t.Fatal("expected idempotent completion")
	}
	if second.Reward != first.Reward {
		t.Fatalf("reward snapshot changed: %+v vs %+v", second.Reward, first.Reward)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.XP != first.Reward.XP {
		t.Fatalf("wallet credited twice: %d XP", w.XP)
	}
}

func TestCompleteReplayViaIdempotencyKey(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	started, err := svc.Start(ctx, "actor-1", "", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := svc.Complete(ctx, started.Session.ID, "k2", nil)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	second, err := svc.Complete(ctx, started.Session.ID, "k2", nil)
	if err != nil {
		t.Fatalf("replayed complete: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay")
	}
	if second.Reward != first.Reward {
		t.Fatalf("replay changed the reward: %+v vs %+v", second.Reward, first.Reward)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.XP != first.Reward.XP || w.Coins != first.Reward.Coins {
		t.Fatalf("side effect applied more than once: %+v", w)
	}
}

func TestCompleteUnknownSessionIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Complete(context.Background(), "no-such-session", "k1", nil)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteAbortedSessionConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Start(ctx, "actor-1", "", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Abort(ctx, started.Session.ID, "k2", nil); err != nil {
		t.Fatalf("abort: %v", err)
	}

	_, err = svc.Complete(ctx, started.Session.ID, "k3", nil)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStartAfterCompletionCreatesNewSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, "actor-1", "", "k1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Complete(ctx, first.Session.ID, "k2", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := svc.Start(ctx, "actor-1", "", "k3", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.AlreadyActive {
		t.Fatal("expected a genuinely new session after completion")
	}
	if second.Session.ID == first.Session.ID {
		t.Fatal("expected a new session id")
	}
}

func TestStreakBonusCapsCoins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Ten consecutive days of completions; the coin bonus caps at 7 days.
	var last CompletionResult
	for day := 0; day < 10; day++ {
		d := day
		svc.now = func() time.Time {
			return time.Date(2026, 3, 2+d, 10, 0, 0, 0, time.UTC)
		}
		started, err := svc.Start(ctx, "actor-1", "", fmt.Sprintf("s-%d", day), nil)
		if err != nil {
			t.Fatalf("start day %d: %v", day, err)
		}
		last, err = svc.Complete(ctx, started.Session.ID, fmt.Sprintf("c-%d", day), nil)
		if err != nil {
			t.Fatalf("complete day %d: %v", day, err)
		}
	}

	if last.Session.StreakAfter != 10 {
		t.Fatalf("expected streak 10, got %d", last.Session.StreakAfter)
	}
	if last.Reward.Coins != testRewards.Coins+testRewards.StreakBonusCoins*7 {
		t.Fatalf("expected capped coin bonus, got %d", last.Reward.Coins)
	}
}
