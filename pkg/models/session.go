package models

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// AgentSession is a long-lived interactive agent conversation. Events form
// an append-only stream keyed by (sessionId, seq).
type AgentSession struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId"`
	EngineID       string    `json:"engineId"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	PinnedExecutor string    `json:"pinnedExecutor,omitempty"`
	PinnedPool     string    `json:"pinnedPool,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionEvent is one entry in a session's append-only event stream.
type SessionEvent struct {
	SessionID string          `json:"sessionId"`
	OrgID     string          `json:"orgId"`
	Seq       int             `json:"seq"`
	EventType string          `json:"eventType"`
	Level     string          `json:"level"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Session event types delivered over the client WebSocket.
const (
	SessionEventUserMessage = "user_message"
	SessionEventAgentDelta  = "agent_delta"
	SessionEventAgentFinal  = "agent_final"
	SessionEventToolCall    = "tool_call"
	SessionEventToolResult  = "tool_result"
	SessionEventError       = "error"
)
