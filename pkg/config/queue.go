package config

import "time"

// QueueConfig contains work-queue and worker-pool configuration.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int

	// MaxConcurrentRuns is the global limit of runs executing at once
	// across all replicas, enforced by a database count check.
	MaxConcurrentRuns int

	// PollInterval is the base interval for checking for claimable jobs.
	PollInterval time.Duration

	// PollIntervalJitter randomizes the poll: actual interval is
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// SliceTimeout bounds one worker slice (claim through checkpoint).
	SliceTimeout time.Duration

	// GracefulShutdownTimeout is the max wait for in-flight slices on
	// shutdown. Should match SliceTimeout.
	GracefulShutdownTimeout time.Duration

	// VisibilityTimeout is how long a claimed job may go without a
	// heartbeat before the orphan scan requeues it.
	VisibilityTimeout time.Duration

	// OrphanScanInterval is how often the orphan scan runs.
	OrphanScanInterval time.Duration

	// HeartbeatInterval refreshes a claimed job's lease.
	HeartbeatInterval time.Duration

	// RetryBackoffBase is the base of the exponential redelivery backoff.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the redelivery backoff.
	RetryBackoffMax time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentRuns:       20,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		SliceTimeout:            10 * time.Minute,
		GracefulShutdownTimeout: 10 * time.Minute,
		VisibilityTimeout:       5 * time.Minute,
		OrphanScanInterval:      1 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		RetryBackoffBase:        2 * time.Second,
		RetryBackoffMax:         5 * time.Minute,
	}
}
