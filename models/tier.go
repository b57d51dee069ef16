package models

import (
	"fmt"
	"strings"
)

// Tier is the severity classification of a sealed group. Tiers are ordered;
// BelowThreshold sorts lowest and never produces an alert.
type Tier int

const (
	BelowThreshold Tier = iota
	TierNotable
	TierMedium
	TierLarge
	TierWhale
)

// Tiers lists the alerting tiers from lowest to highest.
var Tiers = []Tier{TierNotable, TierMedium, TierLarge, TierWhale}

func (t Tier) String() string {
	switch t {
	case TierNotable:
		return "NOTABLE"
	case TierMedium:
		return "MEDIUM"
	case TierLarge:
		return "LARGE"
	case TierWhale:
		return "WHALE"
	default:
		return "BELOW_THRESHOLD"
	}
}

// Badge is the short decorated label used in rendered messages.
func (t Tier) Badge() string {
	switch t {
	case TierWhale:
		return "🔥 WHALE"
	case TierLarge:
		return "🚀 LARGE"
	case TierMedium:
		return "⚡ MEDIUM"
	case TierNotable:
		return "📈 NOTABLE"
	default:
		return ""
	}
}

// Color is the hex accent used by HTML and embed renderers.
func (t Tier) Color() string {
	switch t {
	case TierWhale:
		return "#FF4444"
	case TierLarge:
		return "#FF8800"
	case TierMedium:
		return "#FFAA00"
	case TierNotable:
		return "#00AA00"
	default:
		return "#888888"
	}
}

// ParseTier accepts a tier name in any case. An empty string yields TierNotable.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NOTABLE":
		return TierNotable, nil
	case "MEDIUM":
		return TierMedium, nil
	case "LARGE":
		return TierLarge, nil
	case "WHALE":
		return TierWhale, nil
	default:
		return BelowThreshold, fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	if strings.EqualFold(string(b), "BELOW_THRESHOLD") {
		*t = BelowThreshold
		return nil
	}
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierBounds holds the USD lower bound of every alerting tier.
type TierBounds struct {
	Notable float64 `yaml:"notable" json:"notable"`
	Medium  float64 `yaml:"medium" json:"medium"`
	Large   float64 `yaml:"large" json:"large"`
	Whale   float64 `yaml:"whale" json:"whale"`
}

// DefaultTierBounds mirrors the significance levels used in alert rendering.
func DefaultTierBounds() TierBounds {
	return TierBounds{
		Notable: 1_000,
		Medium:  10_000,
		Large:   100_000,
		Whale:   1_000_000,
	}
}

// Ordered returns the bounds indexed like Tiers.
func (b TierBounds) Ordered() []float64 {
	return []float64{b.Notable, b.Medium, b.Large, b.Whale}
}

// Validate checks that every bound is positive and strictly increasing.
func (b TierBounds) Validate() error {
	bounds := b.Ordered()
	for i, v := range bounds {
		if v <= 0 {
			return &ConfigurationError{Field: "tiers." + strings.ToLower(Tiers[i].String()), Reason: "must be greater than 0"}
		}
		if i > 0 && v <= bounds[i-1] {
			return &ConfigurationError{
				Field:  "tiers." + strings.ToLower(Tiers[i].String()),
				Reason: fmt.Sprintf("must be greater than %s bound %.2f", Tiers[i-1], bounds[i-1]),
			}
		}
	}
	return nil
}

// RateLimitKey is the unit of alert suppression.
type RateLimitKey struct {
	Wallet string `json:"wallet"`
	Asset  string `json:"asset"`
	Tier   Tier   `json:"tier"`
}

func (k RateLimitKey) String() string {
	return k.Wallet + "|" + k.Asset + "|" + k.Tier.String()
}

// ParseRateLimitKey reverses RateLimitKey.String.
func ParseRateLimitKey(s string) (RateLimitKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return RateLimitKey{}, fmt.Errorf("malformed rate limit key %q", s)
	}
	var tier Tier
	if err := tier.UnmarshalText([]byte(parts[2])); err != nil {
		return RateLimitKey{}, err
	}
	return RateLimitKey{Wallet: parts[0], Asset: parts[1], Tier: tier}, nil
}
