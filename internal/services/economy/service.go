// Package economy orchestrates purchases: gem packs scaled by promotional
// campaigns and boost purchases paid for in gems. Every purchase runs inside
// one transaction with its idempotency record.
package economy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/domain/boost"
	"github.com/questforge/engine/internal/services/boosts"
	"github.com/questforge/engine/internal/services/campaigns"
	"github.com/questforge/engine/internal/services/idempotency"
	"github.com/questforge/engine/internal/services/wallet"
	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/logger"
)

const (
	routeGems   = "purchases.gems"
	routeBoosts = "purchases.boosts"
)

// Service executes purchases.
type Service struct {
	tx      storage.Transactor
	idemTTL time.Duration
	now     func() time.Time
	newID   func() string
	log     *logger.Logger
}

// New creates the economy service.
func New(tx storage.Transactor, idemTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("economy")
	}
	return &Service{
		tx:      tx,
		idemTTL: idemTTL,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		log:     log,
	}
}

// GemPurchaseResult reports a credited gem pack.
type GemPurchaseResult struct {
	PurchaseID   string  `json:"purchaseId"`
	PackKey      string  `json:"packKey"`
	BaseGems     int64   `json:"baseGems"`
	Multiplier   float64 `json:"multiplier"`
	GemsCredited int64   `json:"gemsCredited"`
	GemBalance   int64   `json:"gemBalance"`
	// Replayed marks a response served from the idempotency ledger.
	Replayed bool `json:"-"`
}

// BoostPurchaseResult reports a purchased boost grant.
type BoostPurchaseResult struct {
	PurchaseID string     `json:"purchaseId"`
	BoostKey   string     `json:"boostKey"`
	CostGems   int64      `json:"costGems"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Charges    *int       `json:"charges,omitempty"`
	GemBalance int64      `json:"gemBalance"`
	Replayed   bool       `json:"-"`
}

// PurchaseGems credits the pack's gems, scaled by the campaign multiplier in
// effect at purchase time (floor-rounded). The campaign key comes from the
// request; an unknown or inactive campaign leaves the pack unscaled.
func (s *Service) PurchaseGems(ctx context.Context, actorID, packKey, campaignKey, idemKey string, body []byte) (GemPurchaseResult, error) {
	if actorID == "" {
		return GemPurchaseResult{}, apperr.Validationf("actor id is required")
	}
	pack, ok := gemPacks[packKey]
	if !ok {
		return GemPurchaseResult{}, apperr.NotFoundf("unknown gem pack %q", packKey)
	}

	var result GemPurchaseResult
	err := s.tx.WithinTx(ctx, func(st storage.Stores) error {
		ledger := idempotency.NewLedger(st, s.idemTTL, s.log)
		out, err := ledger.Begin(ctx, idemKey, routeGems, actorID, idempotency.HashBody(body))
		if err != nil {
			return err
		}
		if out.Decision == idempotency.DecisionReplay {
			if err := json.Unmarshal(out.Response, &result); err != nil {
				return apperr.Storage("decode stored purchase response", err)
			}
			result.Replayed = true
			return nil
		}

		now := s.now()
		mult, err := campaigns.New(st, s.log).Resolve(ctx, campaignKey, now)
		if err != nil {
			return err
		}
		credited := campaigns.ApplyBonus(pack.BaseGems, mult)

		w, err := wallet.New(st, s.log).AdjustClamped(ctx, actorID, wallet.Delta{Gems: credited})
		if err != nil {
			return err
		}

		result = GemPurchaseResult{
			PurchaseID:   s.newID(),
			PackKey:      pack.Key,
			BaseGems:     pack.BaseGems,
			Multiplier:   mult,
			GemsCredited: credited,
			GemBalance:   w.Gems,
		}
		s.log.WithField("actor", actorID).
			WithField("pack", pack.Key).
			WithField("gems", credited).
			Info("gem pack credited")

		payload, err := json.Marshal(result)
		if err != nil {
			return apperr.Storage("encode purchase response", err)
		}
		return ledger.Complete(ctx, idemKey, routeGems, actorID, payload)
	})
	if err != nil {
		return GemPurchaseResult{}, err
	}
	return result, nil
}

// PurchaseBoost debits the offer's gem price strictly (insufficient funds
// fails, never clamps) and grants the boost.
func (s *Service) PurchaseBoost(ctx context.Context, actorID, boostKey, idemKey string, body []byte) (BoostPurchaseResult, error) {
	if actorID == "" {
		return BoostPurchaseResult{}, apperr.Validationf("actor id is required")
	}
	offer, ok := boostOffers[boostKey]
	if !ok {
		return BoostPurchaseResult{}, apperr.NotFoundf("unknown boost %q", boostKey)
	}

	var result BoostPurchaseResult
	err := s.tx.WithinTx(ctx, func(st storage.Stores) error {
		ledger := idempotency.NewLedger(st, s.idemTTL, s.log)
		out, err := ledger.Begin(ctx, idemKey, routeBoosts, actorID, idempotency.HashBody(body))
		if err != nil {
			return err
		}
		if out.Decision == idempotency.DecisionReplay {
			if err := json.Unmarshal(out.Response, &result); err != nil {
				return apperr.Storage("decode stored purchase response", err)
			}
			result.Replayed = true
			return nil
		}

		w, err := wallet.New(st, s.log).SpendOrFail(ctx, actorID, wallet.Delta{Gems: offer.CostGems})
		if err != nil {
			return err
		}

		g, err := boosts.New(st, s.log).Grant(ctx, actorID, offer.Key, boosts.GrantOptions{
			Duration: offer.Duration,
			Charges:  offer.Charges,
		})
		if err != nil {
			return err
		}

		result = BoostPurchaseResult{
			PurchaseID: s.newID(),
			BoostKey:   g.Key,
			CostGems:   offer.CostGems,
			ExpiresAt:  g.ExpiresAt,
			Charges:    g.ChargesRemaining,
			GemBalance: w.Gems,
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return apperr.Storage("encode purchase response", err)
		}
		return ledger.Complete(ctx, idemKey, routeBoosts, actorID, payload)
	})
	if err != nil {
		return BoostPurchaseResult{}, err
	}
	return result, nil
}

// Offers exposes the boost catalog for read endpoints.
func Offers() []BoostOffer {
	out := make([]BoostOffer, 0, len(boostOffers))
	for _, key := range []string{boost.KeyXPBoost2x24h, boost.KeyConfidenceBooster} {
		out = append(out, boostOffers[key])
	}
	return out
}
