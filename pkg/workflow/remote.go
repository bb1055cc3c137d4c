package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vespid-ai/vespid/pkg/agentloop"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
)

// CloudInvoker executes a connector action in-process (execution.mode
// cloud). Wired per deployment; nil disables cloud execution.
type CloudInvoker func(ctx context.Context, connectorID, actionID string, input json.RawMessage) (json.RawMessage, error)

// translateRemoteResult maps a stored executor result onto the node result
// contract. A failed result carries its code as the node error.
func translateRemoteResult(remote *models.RemoteResult) (*NodeResult, error) {
	if !remote.Valid() {
		return nil, errs.Newf(errs.CodeRemoteResultInvalid, "remote result has status %q", remote.Status)
	}
	if remote.Status == models.ResultFailed {
		code := remote.Error
		if code == "" {
			code = errs.CodeNodeExecutionFailed
		}
		return nil, errs.New(code, "remote execution failed")
	}
	return &NodeResult{Status: StatusSucceeded, Output: remote.Output}, nil
}

// ── connector.action ───────────────────────────────────────

type connectorActionConfig struct {
	ConnectorID string `json:"connectorId"`
	ActionID    string `json:"actionId"`
	Execution   struct {
		Mode string `json:"mode"`
	} `json:"execution"`
	Input       json.RawMessage          `json:"input,omitempty"`
	InputSchema json.RawMessage          `json:"inputSchema,omitempty"`
	Env         map[string]string        `json:"env,omitempty"`
	Selector    *models.ExecutorSelector `json:"selector,omitempty"`
	TimeoutMs   int                      `json:"timeoutMs,omitempty"`
}

// ConnectorActionExecutor validates action input and either invokes the
// connector in-process (cloud) or blocks for remote execution (node).
type ConnectorActionExecutor struct {
	invoker CloudInvoker
}

// NewConnectorActionExecutor creates the executor; invoker may be nil.
func NewConnectorActionExecutor(invoker CloudInvoker) *ConnectorActionExecutor {
	return &ConnectorActionExecutor{invoker: invoker}
}

func (e *ConnectorActionExecutor) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if in.PendingRemoteResult != nil {
		return translateRemoteResult(in.PendingRemoteResult)
	}

	var cfg connectorActionConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "connector.action config: %v", err)
	}
	if cfg.ConnectorID == "" || cfg.ActionID == "" {
		return nil, errs.New(errs.CodeInvalidNodeConfig, "connector.action requires connectorId and actionId")
	}
	if len(cfg.InputSchema) > 0 {
		if err := validateActionInput(cfg.InputSchema, cfg.Input); err != nil {
			return nil, err
		}
	}

	switch cfg.Execution.Mode {
	case models.ExecModeCloud, "":
		if e.invoker == nil {
			return nil, errs.New(errs.CodeInvalidNodeConfig, "cloud execution is not configured")
		}
		output, err := e.invoker(ctx, cfg.ConnectorID, cfg.ActionID, cfg.Input)
		if err != nil {
			return nil, err
		}
		return &NodeResult{Status: StatusSucceeded, Output: output}, nil

	case models.ExecModeNode:
		payload, err := json.Marshal(map[string]any{
			"connectorId": cfg.ConnectorID,
			"actionId":    cfg.ActionID,
			"input":       cfg.Input,
			"env":         cfg.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dispatch payload: %w", err)
		}
		return &NodeResult{Status: StatusBlocked, Block: &BlockRequest{
			Kind:      models.DispatchConnectorAction,
			Payload:   payload,
			Selector:  cfg.Selector,
			TimeoutMs: cfg.TimeoutMs,
		}}, nil

	default:
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "unknown execution mode %q", cfg.Execution.Mode)
	}
}

// validateActionInput checks the action input against the connector schema.
func validateActionInput(schema, input json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "action input schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input.schema.json", doc); err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "action input schema rejected: %v", err)
	}
	compiled, err := compiler.Compile("input.schema.json")
	if err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "action input schema failed to compile: %v", err)
	}

	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return errs.Newf(errs.CodeInvalidActionInput, "action input is not valid JSON: %v", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return errs.Newf(errs.CodeInvalidActionInput, "action input violates schema: %v", err)
	}
	return nil
}

// ── agent.execute ──────────────────────────────────────────

type agentExecuteConfig struct {
	Execution struct {
		Mode string `json:"mode"`
	} `json:"execution"`
	Payload   json.RawMessage          `json:"payload,omitempty"`
	Selector  *models.ExecutorSelector `json:"selector,omitempty"`
	TimeoutMs int                      `json:"timeoutMs,omitempty"`
}

// AgentExecuteExecutor hands an opaque task to a remote executor; it always
// blocks on first execution.
type AgentExecuteExecutor struct{}

func (e *AgentExecuteExecutor) Execute(_ context.Context, in *NodeInput) (*NodeResult, error) {
	if in.PendingRemoteResult != nil {
		return translateRemoteResult(in.PendingRemoteResult)
	}

	var cfg agentExecuteConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "agent.execute config: %v", err)
	}
	if cfg.Execution.Mode != "" && cfg.Execution.Mode != models.ExecModeExecutor {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig,
			"agent.execute supports execution mode %q only", models.ExecModeExecutor)
	}
	payload := cfg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &NodeResult{Status: StatusBlocked, Block: &BlockRequest{
		Kind:      models.DispatchAgentExecute,
		Payload:   payload,
		Selector:  cfg.Selector,
		TimeoutMs: cfg.TimeoutMs,
	}}, nil
}

// ── agent.run ──────────────────────────────────────────────

// ProviderConfig names the LLM a node talks to. The API key is referenced
// by org secret, never inlined in the DSL.
type ProviderConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIBaseURL string `json:"apiBaseUrl,omitempty"`
	SecretName string `json:"secretName,omitempty"`
	Project    string `json:"project,omitempty"`
	Region     string `json:"region,omitempty"`
}

// ProviderFactory builds a provider client for an org, resolving the
// referenced secret.
type ProviderFactory func(ctx context.Context, orgID string, cfg ProviderConfig) (llm.Provider, error)

type limitsConfig struct {
	MaxTurns        int `json:"maxTurns,omitempty"`
	MaxToolCalls    int `json:"maxToolCalls,omitempty"`
	TimeoutMs       int `json:"timeoutMs,omitempty"`
	MaxOutputChars  int `json:"maxOutputChars,omitempty"`
	MaxRuntimeChars int `json:"maxRuntimeChars,omitempty"`
}

func (c limitsConfig) toLimits() agentloop.Limits {
	return agentloop.Limits{
		MaxTurns:        c.MaxTurns,
		MaxToolCalls:    c.MaxToolCalls,
		Timeout:         time.Duration(c.TimeoutMs) * time.Millisecond,
		MaxOutputChars:  c.MaxOutputChars,
		MaxRuntimeChars: c.MaxRuntimeChars,
	}
}

type agentRunConfig struct {
	Engine    string `json:"engine,omitempty"`
	Execution struct {
		Mode string `json:"mode"`
	} `json:"execution"`
	Provider ProviderConfig `json:"provider"`
	Prompt   struct {
		System       string `json:"system,omitempty"`
		Instructions string `json:"instructions"`
	} `json:"prompt"`
	Tools struct {
		Allow []string `json:"allow,omitempty"`
	} `json:"tools"`
	Limits limitsConfig `json:"limits"`
	Output struct {
		Mode   string          `json:"mode,omitempty"`
		Schema json.RawMessage `json:"schema,omitempty"`
	} `json:"output"`
	Team      *agentloop.TeamConfig    `json:"team,omitempty"`
	Payload   json.RawMessage          `json:"payload,omitempty"`
	Selector  *models.ExecutorSelector `json:"selector,omitempty"`
	TimeoutMs int                      `json:"timeoutMs,omitempty"`
}

// AgentRunExecutor drives the agent loop for a node, or dispatches the
// whole loop to a remote executor when execution.mode says so.
type AgentRunExecutor struct {
	loop      *agentloop.Loop
	providers ProviderFactory
}

// NewAgentRunExecutor creates the executor.
func NewAgentRunExecutor(loop *agentloop.Loop, providers ProviderFactory) *AgentRunExecutor {
	return &AgentRunExecutor{loop: loop, providers: providers}
}

func (e *AgentRunExecutor) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	var cfg agentRunConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "agent.run config: %v", err)
	}

	mode := cfg.Execution.Mode
	remote := mode == models.ExecModeNode || mode == models.ExecModeExecutor
	if cfg.Engine != "" && cfg.Engine != "loop" && !remote {
		// Non-loop engines only run on executors.
		return nil, errs.Newf(errs.CodeInvalidNodeConfig,
			"engine %q requires remote execution", cfg.Engine)
	}

	if remote {
		if in.PendingRemoteResult != nil {
			return translateRemoteResult(in.PendingRemoteResult)
		}
		payload := cfg.Payload
		if len(payload) == 0 {
			payload = in.Node.Config
		}
		return &NodeResult{Status: StatusBlocked, Block: &BlockRequest{
			Kind:      models.DispatchAgentRun,
			Payload:   payload,
			Selector:  cfg.Selector,
			TimeoutMs: cfg.TimeoutMs,
		}}, nil
	}

	limits := cfg.Limits.toLimits()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	provider, err := e.providers(ctx, in.OrgID, cfg.Provider)
	if err != nil {
		return nil, err
	}

	if in.Runtime.AgentRuns == nil {
		in.Runtime.AgentRuns = make(map[string]*models.AgentRunState)
	}
	state := in.Runtime.AgentRuns[in.Node.ID]
	if state == nil {
		state = &models.AgentRunState{}
		in.Runtime.AgentRuns[in.Node.ID] = state
	}

	params := &agentloop.Params{
		OrgID:        in.OrgID,
		Provider:     provider,
		Model:        cfg.Provider.Model,
		SystemPrompt: cfg.Prompt.System,
		Instructions: cfg.Prompt.Instructions,
		Input:        in.RunInput,
		Steps:        in.Steps,
		AllowedTools: cfg.Tools.Allow,
		OutputMode:   cfg.Output.Mode,
		OutputSchema: cfg.Output.Schema,
		Limits:       limits,
		Team:         cfg.Team,
		Emit:         in.Emit,
	}

	res, err := e.loop.Run(ctx, params, state, in.PendingRemoteResult)
	if err != nil {
		return nil, err
	}
	if res.Status == agentloop.StatusBlocked {
		return &NodeResult{Status: StatusBlocked, Block: &BlockRequest{
			Kind:      res.Block.Kind,
			Payload:   res.Block.Payload,
			Selector:  res.Block.Selector,
			TimeoutMs: cfg.TimeoutMs,
		}}, nil
	}
	// Completed loops leave no resumable state behind.
	delete(in.Runtime.AgentRuns, in.Node.ID)
	return &NodeResult{Status: StatusSucceeded, Output: res.Output}, nil
}
