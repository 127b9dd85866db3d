package scheduler

import (
	"time"

	appconfig "github.com/cloudact/quotagate/internal/config"
)

// Config controls sweep intervals and staleness thresholds.
type Config struct {
	RunInterval  time.Duration
	AbandonAfter time.Duration
	JobTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		AbandonAfter: 30 * time.Minute,
		JobTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = defaults.AbandonAfter
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:  time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
		AbandonAfter: time.Duration(cfg.Sweep.AbandonAfterMinutes) * time.Minute,
	}.withDefaults()
}
