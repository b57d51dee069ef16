package classifier

import (
	"errors"
	"math"
	"testing"

	"walletwatch/models"
)

func mustNew(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(models.DefaultTierBounds())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func TestClassifyBoundaries(t *testing.T) {
	c := mustNew(t)
	cases := []struct {
		value float64
		tier  models.Tier
	}{
		{0, models.BelowThreshold},
		{500, models.BelowThreshold},
		{999.99, models.BelowThreshold},
		{1_000, models.TierNotable},
		{9_999, models.TierNotable},
		{10_000, models.TierMedium},
		{99_999.99, models.TierMedium},
		{100_000, models.TierLarge},
		{135_000, models.TierLarge},
		{1_000_000, models.TierWhale},
		{math.MaxFloat64, models.TierWhale},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.value); got != tc.tier {
			t.Errorf("Classify(%v) = %s, want %s", tc.value, got, tc.tier)
		}
	}
}

func TestClassifyIsMonotoneAndIdempotent(t *testing.T) {
	c := mustNew(t)
	prev := models.BelowThreshold
	for v := 0.0; v <= 2_000_000; v += 997 {
		got := c.Classify(v)
		if got != c.Classify(v) {
			t.Fatalf("Classify(%v) not deterministic", v)
		}
		if got < prev {
			t.Fatalf("tier decreased at %v: %s after %s", v, got, prev)
		}
		prev = got
	}
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	cases := []models.TierBounds{
		{Notable: 1000, Medium: 1000, Large: 5000, Whale: 9000},
		{Notable: 1000, Medium: 900, Large: 5000, Whale: 9000},
		{Notable: -1, Medium: 10, Large: 100, Whale: 1000},
		{},
	}
	for _, b := range cases {
		_, err := New(b)
		var cfgErr *models.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("bounds %+v: expected ConfigurationError, got %v", b, err)
		}
	}
}

func TestCustomBounds(t *testing.T) {
	c, err := New(models.TierBounds{Notable: 10, Medium: 20, Large: 30, Whale: 40})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.Classify(25); got != models.TierMedium {
		t.Fatalf("expected MEDIUM, got %s", got)
	}
	if c.Bounds().Whale != 40 {
		t.Fatalf("bounds not retained: %+v", c.Bounds())
	}
}
