package scheduler

import (
	"strings"
	"time"

	appconfig "github.com/nexfon/cbg/internal/config"
)

// Config controls scheduler cadence and per-job leases.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	LeaseTTL    time.Duration
	// EnabledJobs restricts the run loop to the named jobs. Empty means
	// every job runs (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		JobTimeout:  5 * time.Minute,
		LeaseTTL:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}

func ProvideConfig(cfg *appconfig.Config) Config {
	out := DefaultConfig()
	if raw := strings.TrimSpace(cfg.SchedulerJobs); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.EnabledJobs = append(out.EnabledJobs, name)
			}
		}
	}
	return out
}
