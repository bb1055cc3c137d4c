package models

import (
	"encoding/json"
	"time"
)

// Executor pools.
const (
	PoolManaged = "managed"
	PoolBYON    = "byon"
)

// Dispatch kinds routed through the gateway.
const (
	DispatchConnectorAction = "connector.action"
	DispatchAgentExecute    = "agent.execute"
	DispatchAgentRun        = "agent.run"
)

// ExecutorRoute describes an online executor connection. Routes live in the
// key-value store and are TTL-extended by heartbeats; an absent route means
// the executor is offline.
type ExecutorRoute struct {
	ExecutorID   string            `json:"executorId"`
	EdgeID       string            `json:"edgeId"`
	Pool         string            `json:"pool"`
	OrgID        string            `json:"orgId"`
	Labels       map[string]string `json:"labels,omitempty"`
	Group        string            `json:"group,omitempty"`
	Tag          string            `json:"tag,omitempty"`
	MaxInFlight  int               `json:"maxInFlight"`
	Kinds        []string          `json:"kinds"`
	LastSeenAtMs int64             `json:"lastSeenAtMs"`
	LastUsedAtMs int64             `json:"lastUsedAtMs,omitempty"`
}

// Serves reports whether the route advertises the given dispatch kind.
func (r *ExecutorRoute) Serves(kind string) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PendingRequest addresses one in-flight remote execution. Its result is
// stored under results:{requestId} with a TTL once the executor posts it.
type PendingRequest struct {
	RequestID     string          `json:"requestId"`
	OrgID         string          `json:"orgId"`
	RunID         string          `json:"runId,omitempty"`
	NodeID        string          `json:"nodeId,omitempty"`
	ToolCallIndex *int            `json:"toolCallIndex,omitempty"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	ExecutorID    string          `json:"executorId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Remote result statuses.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// RemoteResult is the stored result envelope an executor posts for a
// request. Exactly one of Output/Error is meaningful, discriminated by
// Status.
type RemoteResult struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Valid reports whether the envelope carries a usable discriminator.
func (r *RemoteResult) Valid() bool {
	return r != nil && (r.Status == ResultSucceeded || r.Status == ResultFailed)
}

// DispatchRequest is the body of POST /internal/v1/dispatch.
type DispatchRequest struct {
	RequestID string            `json:"requestId"`
	OrgID     string            `json:"org"`
	Kind      string            `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Selector  *ExecutorSelector `json:"selector,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// DispatchResponse is the synchronous reply: a final result, or
// status "dispatched" when the run should suspend and await continuation.
// ExecutorID names the executor that took the task; session pinning keys
// off it.
type DispatchResponse struct {
	Status     string          `json:"status"` // succeeded | failed | dispatched
	RequestID  string          `json:"requestId,omitempty"`
	ExecutorID string          `json:"executorId,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StatusDispatched marks an async dispatch acknowledgement.
const StatusDispatched = "dispatched"
