// Package campaigns resolves promotional multipliers for purchases. Campaign
// rows are owned by an external system; this resolver only reads them.
package campaigns

import (
	"context"
	"errors"
	"math"
	"time"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/storage"
	"github.com/questforge/engine/pkg/logger"
)

// Resolver looks up the multiplier in effect at an instant.
type Resolver struct {
	store storage.CampaignStore
	log   *logger.Logger
}

// New creates a resolver. A nil logger defaults.
func New(store storage.CampaignStore, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("campaigns")
	}
	return &Resolver{store: store, log: log}
}

// Resolve returns the campaign's multiplier when its window covers the
// instant, and the identity multiplier 1 otherwise. An unknown key is not an
// error; purchases proceed unscaled.
func (r *Resolver) Resolve(ctx context.Context, key string, at time.Time) (float64, error) {
	if key == "" {
		return 1, nil
	}
	c, err := r.store.GetCampaign(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, apperr.Storage("campaign lookup", err)
	}
	if !c.AppliesAt(at) {
		return 1, nil
	}
	return c.Multiplier, nil
}

// ApplyBonus scales the bonus portion of a reward, floor-rounded.
func ApplyBonus(base int64, multiplier float64) int64 {
	if multiplier <= 0 {
		return base
	}
	return int64(math.Floor(float64(base) * multiplier))
}
