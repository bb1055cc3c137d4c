package models

import (
	"fmt"
	"time"
)

// Trigger types.
const (
	TriggerCron      = "cron"
	TriggerHeartbeat = "heartbeat"
	TriggerChannel   = "channel"
	TriggerManual    = "manual"
)

// TriggerSubscription schedules runs of a workflow. NextFireAt monotonically
// advances past each fired slot; at-most-once per slot is enforced by the
// unique (org, workflow, triggerKey) constraint on runs.
type TriggerSubscription struct {
	ID         string `json:"id"`
	OrgID      string `json:"orgId"`
	WorkflowID string `json:"workflowId"`
	Type       string `json:"type"`

	// CronExpr is a 5-field POSIX cron expression (cron type only).
	CronExpr string `json:"cronExpr,omitempty"`

	// Heartbeat scheduling (heartbeat type only).
	HeartbeatInterval time.Duration `json:"heartbeatIntervalMs,omitempty"`
	HeartbeatJitter   time.Duration `json:"heartbeatJitterMs,omitempty"`
	MaxSkew           time.Duration `json:"maxSkewMs,omitempty"`

	NextFireAt      *time.Time `json:"nextFireAt,omitempty"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	LastTriggerKey  string     `json:"lastTriggerKey,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TriggerKey derives the idempotency key for a slot. The millisecond RFC3339
// form keeps keys stable across replicas regardless of locale or precision.
func TriggerKey(subType, subID string, slotTime time.Time) string {
	return fmt.Sprintf("%s:%s:%s", subType, subID, slotTime.UTC().Format("2006-01-02T15:04:05.000Z"))
}
