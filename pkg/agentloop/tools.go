package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// Tool ids with loop-level policy attached.
const (
	ToolConnectorAction = "connector.action"
	ToolShellRun        = "shell.run"
	ToolTeamDelegate    = "team.delegate"
	ToolTeamMap         = "team.map"
)

// Tool result statuses. Blocked means the tool produced a remote dispatch
// payload instead of running locally.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

// BlockPayload is the remote dispatch a blocked tool hands to the engine.
type BlockPayload struct {
	Kind     string                   `json:"kind"`
	Payload  json.RawMessage          `json:"payload"`
	Selector *models.ExecutorSelector `json:"selector,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Block  *BlockPayload   `json:"-"`
}

// Tool executes one allowlisted capability for the agent loop.
type Tool interface {
	ID() string
	Invoke(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// Toolset is the registry of invokable tools.
type Toolset struct {
	tools map[string]Tool
}

// NewToolset builds a registry from the given tools.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[string]Tool)}
	for _, t := range tools {
		ts.tools[t.ID()] = t
	}
	return ts
}

// Register adds or replaces a tool.
func (ts *Toolset) Register(t Tool) {
	ts.tools[t.ID()] = t
}

// Get looks a tool up by id.
func (ts *Toolset) Get(id string) (Tool, bool) {
	t, ok := ts.tools[id]
	return t, ok
}

// RemoteTool executes on a connected executor instead of in-process: every
// invocation blocks the loop with a dispatch payload and resumes on the
// executor's result.
type RemoteTool struct {
	id   string
	kind string
}

// NewRemoteTool creates a tool that dispatches through the gateway under
// the given kind.
func NewRemoteTool(id, kind string) *RemoteTool {
	return &RemoteTool{id: id, kind: kind}
}

func (t *RemoteTool) ID() string { return t.id }

func (t *RemoteTool) Invoke(_ context.Context, input json.RawMessage) (*ToolResult, error) {
	return &ToolResult{
		Status: StatusBlocked,
		Block:  &BlockPayload{Kind: t.kind, Payload: input},
	}, nil
}

// allowed reports whether the allowlist admits the tool id. A literal "*"
// entry admits everything.
func allowed(allow []string, toolID string) bool {
	for _, a := range allow {
		if a == "*" || a == toolID {
			return true
		}
	}
	return false
}

// expandAlias maps a connector.<connector>.<action> alias onto the
// connector.action tool, injecting connectorId and actionId into the input.
// Non-alias ids pass through unchanged.
func expandAlias(toolID string, input json.RawMessage) (string, json.RawMessage, error) {
	if !strings.HasPrefix(toolID, "connector.") || toolID == ToolConnectorAction {
		return toolID, input, nil
	}
	parts := strings.SplitN(toolID, ".", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", nil, errs.Newf(errs.CodeInvalidToolInput, "malformed connector alias %q", toolID)
	}

	merged := map[string]json.RawMessage{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &merged); err != nil {
			return "", nil, errs.Newf(errs.CodeInvalidToolInput, "connector alias input must be an object: %v", err)
		}
	}
	merged["connectorId"] = json.RawMessage(fmt.Sprintf("%q", parts[1]))
	merged["actionId"] = json.RawMessage(fmt.Sprintf("%q", parts[2]))

	expanded, err := json.Marshal(merged)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal expanded alias input: %w", err)
	}
	return ToolConnectorAction, expanded, nil
}
