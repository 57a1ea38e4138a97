package economy

import (
	"time"

	"github.com/questforge/engine/internal/domain/boost"
)

// GemPack is a purchasable bundle of gems. Payment itself clears externally;
// the engine only credits the resulting gems.
type GemPack struct {
	Key      string
	BaseGems int64
}

// BoostOffer prices a boost in gems and shapes the grant it produces.
type BoostOffer struct {
	Key      string
	CostGems int64
	Duration time.Duration
	Charges  int
}

// The built-in catalog. Catalog content is owned by an external system in
// production; these entries cover the flows the engine itself exercises.
var (
	gemPacks = map[string]GemPack{
		"gems_small":  {Key: "gems_small", BaseGems: 5},
		"gems_medium": {Key: "gems_medium", BaseGems: 25},
		"gems_large":  {Key: "gems_large", BaseGems: 60},
	}

	boostOffers = map[string]BoostOffer{
		boost.KeyXPBoost2x24h:      {Key: boost.KeyXPBoost2x24h, CostGems: 10, Duration: 24 * time.Hour},
		boost.KeyConfidenceBooster: {Key: boost.KeyConfidenceBooster, CostGems: 5, Charges: 3},
	}
)
