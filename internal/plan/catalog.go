// Package plan is the static mapping from plan tier to resource limits.
package plan

import (
	"errors"
	"strings"
)

// Tier is a named subscription level.
type Tier string

const (
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierScale        Tier = "SCALE"
	TierEnterprise   Tier = "ENTERPRISE"
)

// enterpriseSentinel keeps ENTERPRISE arithmetic finite.
const enterpriseSentinel int64 = 1_000_000

// Limits is the fixed-shape limits record for one tier.
type Limits struct {
	Seats          int64 `mapstructure:"seats"`
	Providers      int64 `mapstructure:"providers"`
	DailyRuns      int64 `mapstructure:"daily_runs"`
	MonthlyRuns    int64 `mapstructure:"monthly_runs"`
	ConcurrentRuns int64 `mapstructure:"concurrent_runs"`
}

var ErrUnknownTier = errors.New("unknown_plan_tier")

var defaults = map[Tier]Limits{
	TierStarter: {
		Seats:          3,
		Providers:      3,
		DailyRuns:      6,
		MonthlyRuns:    120,
		ConcurrentRuns: 1,
	},
	TierProfessional: {
		Seats:          10,
		Providers:      10,
		DailyRuns:      50,
		MonthlyRuns:    1000,
		ConcurrentRuns: 5,
	},
	TierScale: {
		Seats:          25,
		Providers:      25,
		DailyRuns:      200,
		MonthlyRuns:    5000,
		ConcurrentRuns: 20,
	},
	TierEnterprise: {
		Seats:          enterpriseSentinel,
		Providers:      enterpriseSentinel,
		DailyRuns:      enterpriseSentinel,
		MonthlyRuns:    enterpriseSentinel,
		ConcurrentRuns: enterpriseSentinel,
	},
}

// ParseTier normalizes a raw tier string. Unrecognized values are an error,
// never a silent default.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := defaults[tier]; !ok {
		return "", ErrUnknownTier
	}
	return tier, nil
}

// Catalog resolves tier limits, with optional file-based overrides layered on
// top of the built-in defaults.
type Catalog struct {
	overrides *OverridesHolder
}

func NewCatalog(overrides *OverridesHolder) *Catalog {
	return &Catalog{overrides: overrides}
}

// LimitsFor returns the limits for a tier, failing with ErrUnknownTier for
// anything outside the catalog.
func (c *Catalog) LimitsFor(tier Tier) (Limits, error) {
	limits, ok := defaults[tier]
	if !ok {
		return Limits{}, ErrUnknownTier
	}
	if c != nil && c.overrides != nil {
		if override, ok := c.overrides.Get()[tier]; ok {
			limits = mergeOverride(limits, override)
		}
	}
	return limits, nil
}

// Tiers lists the known tiers in ascending order.
func Tiers() []Tier {
	return []Tier{TierStarter, TierProfessional, TierScale, TierEnterprise}
}

func mergeOverride(base Limits, override LimitsOverride) Limits {
	if override.Seats != nil {
		base.Seats = *override.Seats
	}
	if override.Providers != nil {
		base.Providers = *override.Providers
	}
	if override.DailyRuns != nil {
		base.DailyRuns = *override.DailyRuns
	}
	if override.MonthlyRuns != nil {
		base.MonthlyRuns = *override.MonthlyRuns
	}
	if override.ConcurrentRuns != nil {
		base.ConcurrentRuns = *override.ConcurrentRuns
	}
	return base
}
