package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	appconfig "walletwatch/config"
	"walletwatch/models"
)

// Predicate tests one alert.
type Predicate func(models.Alert) bool

// Rule routes alerts that satisfy its conditions to a set of channels.
type Rule struct {
	Name     string
	MatchAll bool
	MinTier  models.Tier

	// Channels is empty when the rule applies to every sender.
	Channels   map[string]bool
	conditions []Predicate
}

// Matches reports whether a satisfies the rule.
func (r *Rule) Matches(a models.Alert) bool {
	if a.Tier < r.MinTier {
		return false
	}
	for _, test := range r.conditions {
		ok := test(a)
		if ok && !r.MatchAll {
			return true
		}
		if !ok && r.MatchAll {
			return false
		}
	}
	return r.MatchAll
}

// Routes reports whether the rule delivers to the named channel.
func (r *Rule) Routes(channel string) bool {
	return len(r.Channels) == 0 || r.Channels[channel]
}

// Set is an ordered, read-only rule set. A nil or empty Set routes every
// alert to every channel.
type Set struct {
	rules []*Rule
}

// Compile builds a Set from configuration. Unknown condition types and
// unparsable values fail with a ConfigurationError.
func Compile(cfgs []appconfig.RuleConfig) (*Set, error) {
	s := &Set{}
	for i, rc := range cfgs {
		tier, err := models.ParseTier(rc.MinTier)
		if err != nil {
			return nil, &models.ConfigurationError{Field: fmt.Sprintf("rules[%d].min_tier", i), Reason: err.Error()}
		}
		r := &Rule{
			Name:     rc.Name,
			MatchAll: strings.EqualFold(rc.Match, "all"),
			MinTier:  tier,
		}
		if len(rc.Channels) > 0 {
			r.Channels = make(map[string]bool, len(rc.Channels))
			for _, ch := range rc.Channels {
				r.Channels[strings.ToLower(strings.TrimSpace(ch))] = true
			}
		}
		for j, cc := range rc.Conditions {
			test, err := build(cc)
			if err != nil {
				return nil, &models.ConfigurationError{Field: fmt.Sprintf("rules[%d].conditions[%d]", i, j), Reason: err.Error()}
			}
			r.conditions = append(r.conditions, test)
		}
		if len(r.conditions) == 0 {
			return nil, &models.ConfigurationError{Field: fmt.Sprintf("rules[%d].conditions", i), Reason: "at least one condition is required"}
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the rules a satisfies, in configuration order.
func (s *Set) Match(a models.Alert) []*Rule {
	if s == nil {
		return nil
	}
	var out []*Rule
	for _, r := range s.rules {
		if r.Matches(a) {
			out = append(out, r)
		}
	}
	return out
}

// Route reports which channels receive a, together with the names of the
// rules that matched. An empty set accepts every channel.
func (s *Set) Route(a models.Alert) (func(channel string) bool, []string) {
	if s.Len() == 0 {
		return func(string) bool { return true }, nil
	}
	matched := s.Match(a)
	names := make([]string, 0, len(matched))
	for _, r := range matched {
		names = append(names, r.Name)
	}
	return func(channel string) bool {
		for _, r := range matched {
			if r.Routes(channel) {
				return true
			}
		}
		return false
	}, names
}

// Channels lists every channel named by some rule, sorted.
func (s *Set) Channels() []string {
	if s == nil {
		return nil
	}
	seen := map[string]bool{}
	for _, r := range s.rules {
		for ch := range r.Channels {
			seen[ch] = true
		}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

type builder func(value string) (Predicate, error)

var builders = map[string]builder{
	"coin_match":    textMatch(func(a models.Alert) string { return a.Group.Key.Asset }, strings.ToUpper),
	"wallet_match":  textMatch(func(a models.Alert) string { return a.Group.Key.Wallet }, strings.ToLower),
	"side_match":    sideMatch,
	"action_match":  actionMatch,
	"volume_above":  amount(func(a models.Alert) float64 { return a.Group.TotalUSDValue }, above),
	"volume_below":  amount(func(a models.Alert) float64 { return a.Group.TotalUSDValue }, below),
	"amount_above":  amount(func(a models.Alert) float64 { return a.Group.TotalQuantity() }, above),
	"amount_below":  amount(func(a models.Alert) float64 { return a.Group.TotalQuantity() }, below),
	"price_above":   amount(func(a models.Alert) float64 { return a.Group.AveragePrice() }, above),
	"price_below":   amount(func(a models.Alert) float64 { return a.Group.AveragePrice() }, below),
	"members_above": amount(func(a models.Alert) float64 { return float64(a.Group.MemberCount) }, above),
	"tier_at_least": tierAtLeast,

	"is_user_fill":         flag(anyMember(func(e models.Event) bool { return e.Action == models.ActionFill })),
	"is_order_update":      flag(func(a models.Alert) bool { return a.Group.Key.Class == models.ClassOrder }),
	"is_order_open":        flag(anyMember(func(e models.Event) bool { return e.Action == models.ActionOrderPlaced })),
	"is_order_filled":      flag(anyMember(func(e models.Event) bool { return e.Action == models.ActionOrderUpdate && strings.EqualFold(e.Status, "filled") })),
	"is_order_cancelled":   flag(anyMember(func(e models.Event) bool { return e.Action == models.ActionCancel })),
	"is_liquidation_event": flag(func(a models.Alert) bool { return a.Group.Key.Class == models.ClassLiquidation }),
	"is_position_update":   flag(func(a models.Alert) bool { return a.Group.Key.Class == models.ClassPosition }),
	"is_position_open":     flag(anyMember(func(e models.Event) bool { return strings.HasPrefix(e.Status, "Open") })),
	"is_position_close":    flag(anyMember(func(e models.Event) bool { return strings.HasPrefix(e.Status, "Close") })),
	"is_multi_event":       flag(func(a models.Alert) bool { return a.Group.IsMulti() }),
}

func build(cc appconfig.ConditionConfig) (Predicate, error) {
	b, ok := builders[strings.ToLower(strings.TrimSpace(cc.Type))]
	if !ok {
		return nil, fmt.Errorf("unknown condition type '%s'", cc.Type)
	}
	return b(strings.TrimSpace(cc.Value))
}

func textMatch(field func(models.Alert) string, norm func(string) string) builder {
	return func(value string) (Predicate, error) {
		if value == "" {
			return nil, fmt.Errorf("value is required")
		}
		want := norm(value)
		return func(a models.Alert) bool { return field(a) == want }, nil
	}
}

func sideMatch(value string) (Predicate, error) {
	side := models.ParseSide(value)
	if side == models.SideUnknown {
		return nil, fmt.Errorf("unknown side '%s'", value)
	}
	return anyMember(func(e models.Event) bool { return e.Side == side }), nil
}

func actionMatch(value string) (Predicate, error) {
	if value == "" {
		return nil, fmt.Errorf("value is required")
	}
	action := models.Action(strings.ToLower(value))
	return anyMember(func(e models.Event) bool { return e.Action == action }), nil
}

func tierAtLeast(value string) (Predicate, error) {
	tier, err := models.ParseTier(value)
	if err != nil {
		return nil, err
	}
	return func(a models.Alert) bool { return a.Tier >= tier }, nil
}

func above(v, threshold float64) bool { return v > threshold }
func below(v, threshold float64) bool { return v < threshold }

func amount(field func(models.Alert) float64, cmp func(v, threshold float64) bool) builder {
	return func(value string) (Predicate, error) {
		threshold, err := strconv.ParseFloat(strings.ReplaceAll(value, "_", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number '%s'", value)
		}
		return func(a models.Alert) bool { return cmp(field(a), threshold) }, nil
	}
}

func flag(p Predicate) builder {
	return func(string) (Predicate, error) { return p, nil }
}

func anyMember(test func(models.Event) bool) Predicate {
	return func(a models.Alert) bool {
		for _, m := range a.Group.Members {
			if test(m) {
				return true
			}
		}
		return false
	}
}
