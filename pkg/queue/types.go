// Package queue implements the durable work queue and its worker pool.
// Jobs live in the queue_jobs table; claiming uses FOR UPDATE SKIP LOCKED so
// multiple replicas poll safely. The job id doubles as the idempotency key:
// enqueueing an existing id is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job kinds.
const (
	KindWorkflowRun  = "workflow.run"
	KindContinuation = "run.continuation"
)

// Job states.
const (
	StatePending = "pending"
	StateClaimed = "claimed"
	StateDone    = "done"
	StateDead    = "dead"
)

var (
	// ErrNoJobsAvailable signals an empty poll.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity signals the global concurrency ceiling was reached.
	ErrAtCapacity = errors.New("at capacity")
)

// Job is one queued unit of work.
type Job struct {
	ID          string
	Kind        string
	Payload     json.RawMessage
	State       string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LockedBy    string
	LockedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
}

// Handler processes one claimed job. Returning nil acks the job. Returning
// an error nacks it: the queue redelivers with exponential backoff until
// MaxAttempts, then dead-letters.
type Handler func(ctx context.Context, job *Job) error

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"currentJobId,omitempty"`
	JobsProcessed int          `json:"jobsProcessed"`
	LastActivity  time.Time    `json:"lastActivity"`
}

// PoolHealth is the aggregate pool snapshot surfaced by the health endpoint.
type PoolHealth struct {
	IsHealthy        bool           `json:"isHealthy"`
	DBReachable      bool           `json:"dbReachable"`
	DBError          string         `json:"dbError,omitempty"`
	PodID            string         `json:"podId"`
	ActiveWorkers    int            `json:"activeWorkers"`
	TotalWorkers     int            `json:"totalWorkers"`
	QueueDepth       int            `json:"queueDepth"`
	WorkerStats      []WorkerHealth `json:"workerStats"`
	LastOrphanScan   time.Time      `json:"lastOrphanScan,omitzero"`
	OrphansRecovered int            `json:"orphansRecovered"`
}
