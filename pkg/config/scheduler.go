package config

import "time"

// SchedulerConfig contains trigger-scheduler configuration.
type SchedulerConfig struct {
	// PollInterval is the base tick for the due-subscription scan.
	PollInterval time.Duration

	// PollJitter randomizes the tick to avoid replica thundering herds.
	PollJitter time.Duration

	// BatchSize bounds how many due subscriptions one tick processes.
	BatchSize int

	// InvalidCronDefer is how far nextFireAt is pushed when a cron
	// expression fails to parse, to avoid tight error loops.
	InvalidCronDefer time.Duration
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:     5 * time.Second,
		PollJitter:       1 * time.Second,
		BatchSize:        100,
		InvalidCronDefer: 5 * time.Minute,
	}
}
