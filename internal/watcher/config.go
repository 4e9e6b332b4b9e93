package watcher

import (
	"MarginWatch/internal/risk"
	"time"
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultWorkers      = 4
)

// Config controls the watcher loop.
type Config struct {
	TickInterval time.Duration
	Thresholds   risk.Thresholds
	Workers      int

	// StrictSides rejects positions with unrecognized side labels.
	StrictSides bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval: DefaultTickInterval,
		Thresholds:   risk.DefaultThresholds(),
		Workers:      DefaultWorkers,
	}
}

// Validate returns a *risk.ConfigurationError describing the first problem.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return &risk.ConfigurationError{Field: "tick_interval", Reason: "must be positive"}
	}
	if c.Workers <= 0 {
		return &risk.ConfigurationError{Field: "workers", Reason: "must be positive"}
	}
	return c.Thresholds.Validate()
}

func (c Config) policy() risk.Policy {
	return risk.Policy{Thresholds: c.Thresholds, StrictSides: c.StrictSides}
}
