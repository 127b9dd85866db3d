package plan

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LimitsOverride is a partial limits record; nil fields keep the built-in
// default for the tier.
type LimitsOverride struct {
	Seats          *int64
	Providers      *int64
	DailyRuns      *int64
	MonthlyRuns    *int64
	ConcurrentRuns *int64
}

// OverridesHolder serves the current plan overrides, hot-reloaded from an
// optional plans.yml. An invalid file (unknown tier, unknown field, negative
// limit) is rejected as a whole; the previous overrides stay in effect.
type OverridesHolder struct {
	current atomic.Value // holds map[Tier]LimitsOverride
}

func NewOverridesHolder(log *zap.Logger) (*OverridesHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("plan.overrides")

	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/quotagate")
	v.AddConfigPath(".")

	holder := &OverridesHolder{}
	holder.current.Store(map[Tier]LimitsOverride{})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return holder, nil
	}

	overrides, err := parseOverrides(v.GetStringMap("plans"))
	if err != nil {
		return nil, err
	}
	holder.current.Store(overrides)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := parseOverrides(v.GetStringMap("plans"))
		if err != nil {
			log.Warn("invalid plan overrides ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("plan overrides reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *OverridesHolder) Get() map[Tier]LimitsOverride {
	if h == nil {
		return nil
	}
	return h.current.Load().(map[Tier]LimitsOverride)
}

func parseOverrides(raw map[string]any) (map[Tier]LimitsOverride, error) {
	overrides := make(map[Tier]LimitsOverride, len(raw))
	for key, value := range raw {
		tier, err := ParseTier(key)
		if err != nil {
			return nil, fmt.Errorf("plans.%s: %w", key, err)
		}

		fields, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("plans.%s: expected a mapping of limit fields", key)
		}

		var override LimitsOverride
		for field, fieldValue := range fields {
			limit, err := toLimit(fieldValue)
			if err != nil {
				return nil, fmt.Errorf("plans.%s.%s: %w", key, field, err)
			}
			switch field {
			case "seats":
				override.Seats = &limit
			case "providers":
				override.Providers = &limit
			case "daily_runs":
				override.DailyRuns = &limit
			case "monthly_runs":
				override.MonthlyRuns = &limit
			case "concurrent_runs":
				override.ConcurrentRuns = &limit
			default:
				return nil, fmt.Errorf("plans.%s: unknown field %q", key, field)
			}
		}
		overrides[tier] = override
	}
	return overrides, nil
}

func toLimit(value any) (int64, error) {
	var limit int64
	switch typed := value.(type) {
	case int:
		limit = int64(typed)
	case int64:
		limit = typed
	case float64:
		limit = int64(typed)
	default:
		return 0, fmt.Errorf("expected an integer, got %T", value)
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must not be negative")
	}
	return limit, nil
}
