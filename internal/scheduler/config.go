package scheduler

import (
	"time"

	"github.com/smallbiznis/coachpay/internal/config"
)

const (
	JobOutboxDispatch     = "outbox_dispatch"
	JobSubscriptionExpiry = "subscription_expiry"
)

// Config controls scheduler intervals and which jobs run.
type Config struct {
	RunInterval    time.Duration
	ExpiryInterval time.Duration
	JobTimeout     time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    5 * time.Second,
		ExpiryInterval: time.Hour,
		JobTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = defaults.ExpiryInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Outbox.Interval,
		ExpiryInterval: cfg.Scheduler.ExpiryInterval,
		EnabledJobs:    cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}
