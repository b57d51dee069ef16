package classifier

import "walletwatch/models"

// Classifier maps a USD notional onto a tier. It is immutable after New and
// safe to share between workers.
type Classifier struct {
	bounds models.TierBounds
	table  []float64
}

// New validates the bounds and returns a classifier. Bounds must be positive
// and strictly increasing.
func New(bounds models.TierBounds) (*Classifier, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{bounds: bounds, table: bounds.Ordered()}, nil
}

// Classify returns the highest tier whose bound is at or below value, or
// models.BelowThreshold.
func (c *Classifier) Classify(value float64) models.Tier {
	for i := len(c.table) - 1; i >= 0; i-- {
		if value >= c.table[i] {
			return models.Tiers[i]
		}
	}
	return models.BelowThreshold
}

// Bounds returns the configured bounds.
func (c *Classifier) Bounds() models.TierBounds {
	return c.bounds
}
