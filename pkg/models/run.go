package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run. Transitions form a DAG:
// queued → running → {blocked, succeeded, failed, queued_for_retry};
// blocked → running (resume); queued_for_retry → running (redelivery).
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunBlocked        RunStatus = "blocked"
	RunQueuedForRetry RunStatus = "queued_for_retry"
	RunSucceeded      RunStatus = "succeeded"
	RunFailed         RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Claimable reports whether a worker that received a run-job may process the
// run in this state. Anything else is acked without work (idempotent
// redelivery).
func (s RunStatus) Claimable() bool {
	switch s {
	case RunQueued, RunQueuedForRetry, RunBlocked, RunRunning:
		return true
	}
	return false
}

// WorkflowRun is one execution instance of a workflow.
type WorkflowRun struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"orgId"`
	WorkflowID string    `json:"workflowId"`
	Status     RunStatus `json:"status"`

	AttemptCount int `json:"attemptCount"`
	MaxAttempts  int `json:"maxAttempts"`

	// CursorNodeIndex is the v2 resume point: index of the next unexecuted
	// node. Frontier is the v3 resume point: the current ready set.
	CursorNodeIndex int      `json:"cursorNodeIndex"`
	Frontier        []string `json:"frontier,omitempty"`

	// BlockedRequestID weakly references the PendingRequest while blocked.
	BlockedRequestID string `json:"blockedRequestId,omitempty"`

	Runtime RunRuntime      `json:"runtime"`
	Output  RunOutput       `json:"output"`
	Input   json.RawMessage `json:"input,omitempty"`

	TriggerKey  string     `json:"triggerKey,omitempty"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunRuntime is the persisted runtime subtree of a run: per-node agent loop
// state plus the remote result pending consumption after a resume.
type RunRuntime struct {
	AgentRuns           map[string]*AgentRunState `json:"agentRuns,omitempty"`
	PendingRemoteResult *RemoteResult             `json:"pendingRemoteResult,omitempty"`
}

// RunOutput accumulates per-node step results in execution order.
type RunOutput struct {
	Steps        []StepResult `json:"steps"`
	FailedNodeID string       `json:"failedNodeId,omitempty"`
}

// StepResult records one completed node.
type StepResult struct {
	NodeID   string          `json:"nodeId"`
	NodeType string          `json:"nodeType"`
	Output   json.RawMessage `json:"output,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`
}

// StepFor returns the recorded step for a node, or nil.
func (o *RunOutput) StepFor(nodeID string) *StepResult {
	for i := range o.Steps {
		if o.Steps[i].NodeID == nodeID {
			return &o.Steps[i]
		}
	}
	return nil
}

// Run event types, in emission order over a run's life.
const (
	EventRunStarted     = "run_started"
	EventRunSucceeded   = "run_succeeded"
	EventRunFailed      = "run_failed"
	EventRunRetried     = "run_retried"
	EventNodeStarted    = "node_started"
	EventNodeSucceeded  = "node_succeeded"
	EventNodeFailed     = "node_failed"
	EventNodeSkipped    = "node_skipped"
	EventNodeDispatched = "node_dispatched"
	EventAgentToolCall  = "agent_tool_call"
	EventAgentToolRes   = "agent_tool_result"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// RunEvent is one append-only entry in a run's event stream, totally ordered
// by Seq. Seq is assigned inside the same transaction as the state
// transition that produced the event.
type RunEvent struct {
	RunID     string          `json:"runId"`
	OrgID     string          `json:"orgId"`
	Seq       int             `json:"seq"`
	NodeID    string          `json:"nodeId,omitempty"`
	NodeType  string          `json:"nodeType,omitempty"`
	Attempt   int             `json:"attempt"`
	EventType string          `json:"eventType"`
	Level     string          `json:"level"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AgentRunState is the checkpointed state of one agent.run node. It is the
// resume point for blocked runs; serialized size is bounded by
// maxRuntimeChars (oldest history entries are trimmed first, except entries
// referenced by PendingToolCall).
type AgentRunState struct {
	ToolCalls            int                     `json:"toolCalls"`
	Turns                int                     `json:"turns"`
	History              []HistoryEntry          `json:"history,omitempty"`
	ToolResultsByCallIdx map[int]json.RawMessage `json:"toolResultsByCallIndex,omitempty"`
	PendingToolCall      *PendingToolCall        `json:"pendingToolCall,omitempty"`
	CreditsCharged       int64                   `json:"creditsCharged,omitempty"`
}

// HistoryEntry is one conversation message in the agent loop's history.
type HistoryEntry struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
	// CallIndex links tool_call/tool_result entries to their call; -1 for
	// plain messages.
	CallIndex int `json:"callIndex,omitempty"`
}

// PendingToolCall marks the tool call awaiting a remote result.
type PendingToolCall struct {
	CallIndex int             `json:"callIndex"`
	ToolID    string          `json:"toolId"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
