package economy

import (
	"context"
	"testing"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/domain/campaign"
	"github.com/questforge/engine/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := New(store, 24*time.Hour, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	svc.newID = func() string { return "purchase-1" }
	return svc, store
}

func TestPurchaseGemsWithoutCampaign(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.PurchaseGems(ctx, "actor-1", "gems_small", "", "k1", nil)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.GemsCredited != 5 || res.Multiplier != 1 {
		t.Fatalf("expected 5 gems at x1, got %+v", res)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Gems != 5 {
		t.Fatalf("expected 5 gems credited, got %d", w.Gems)
	}
}

func TestPurchaseGemsDuringCampaign(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveCampaign(ctx, campaign.Campaign{
		Key: "spring_double", StartsAt: start, EndsAt: start.AddDate(0, 0, 7),
		Active: true, Multiplier: 2,
	}); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}

	res, err := svc.PurchaseGems(ctx, "actor-1", "gems_small", "spring_double", "k1", nil)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if res.GemsCredited != 10 {
		t.Fatalf("expected 10 gems during x2 campaign, got %d", res.GemsCredited)
	}

	// Same pack outside the window credits the base amount.
	svc.now = func() time.Time { return start.AddDate(0, 0, 10) }
	res2, err := svc.PurchaseGems(ctx, "actor-2", "gems_small", "spring_double", "k2", nil)
	if err != nil {
		t.Fatalf("second purchase: %v", err)
	}
	if res2.GemsCredited != 5 {
		t.Fatalf("expected 5 gems outside window, got %d", res2.GemsCredited)
	}
}

func TestPurchaseGemsReplayCreditsOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.PurchaseGems(ctx, "actor-1", "gems_small", "", "k1", []byte(`{"pack":"gems_small"}`))
	if err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	second, err := svc.PurchaseGems(ctx, "actor-1", "gems_small", "", "k1", []byte(`{"pack":"gems_small"}`))
	if err != nil {
		t.Fatalf("replayed purchase: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replay")
	}
	if second.PurchaseID != first.PurchaseID {
		t.Fatalf("replay minted a new purchase id: %s vs %s", second.PurchaseID, first.PurchaseID)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Gems != 5 {
		t.Fatalf("expected gems credited exactly once, got %d", w.Gems)
	}
}

func TestPurchaseGemsUnknownPack(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.PurchaseGems(context.Background(), "actor-1", "gems_galactic", "", "k1", nil)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurchaseBoostSpendsGems(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.PurchaseGems(ctx, "actor-1", "gems_medium", "", "k1", nil); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}

	res, err := svc.PurchaseBoost(ctx, "actor-1", boost.KeyXPBoost2x24h, "k2", nil)
	if err != nil {
		t.Fatalf("purchase boost: %v", err)
	}
	if res.CostGems != 10 || res.GemBalance != 15 {
		t.Fatalf("unexpected purchase result %+v", res)
	}
	if res.ExpiresAt == nil {
		t.Fatal("expected a duration-bound grant")
	}

	g, err := store.GetGrant(ctx, "actor-1", boost.KeyXPBoost2x24h)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.ExpiresAt == nil {
		t.Fatal("grant not persisted with expiry")
	}
}

func TestPurchaseBoostInsufficientGemsNeverClamps(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.PurchaseGems(ctx, "actor-1", "gems_small", "", "k1", nil); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}

	_, err := svc.PurchaseBoost(ctx, "actor-1", boost.KeyXPBoost2x24h, "k2", nil)
	if !apperr.IsKind(err, apperr.KindInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	w, err := store.GetWallet(ctx, "actor-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Gems != 5 {
		t.Fatalf("failed purchase touched the balance: %d gems", w.Gems)
	}
}

func TestPurchaseBoostChargeOffer(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.PurchaseGems(ctx, "actor-1", "gems_medium", "", "k1", nil); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}

	res, err := svc.PurchaseBoost(ctx, "actor-1", boost.KeyConfidenceBooster, "k2", nil)
	if err != nil {
		t.Fatalf("purchase boost: %v", err)
	}
	if res.Charges == nil || *res.Charges != 3 {
		t.Fatalf("expected 3 charges, got %+v", res.Charges)
	}

	g, err := store.GetGrant(ctx, "actor-1", boost.KeyConfidenceBooster)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.ChargesRemaining == nil || *g.ChargesRemaining != 3 {
		t.Fatalf("grant not persisted with charges: %+v", g)
	}
}
