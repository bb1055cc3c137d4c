// Package agentloop implements the bounded ReAct loop behind agent.run
// nodes and interactive sessions: it drives an LLM through JSON envelopes,
// arbitrates tool calls against an allowlist, suspends on remote dispatch
// and resumes from the checkpointed run state.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/store"
)

// Policy exposes the org settings consulted for tool gating and credit
// accounting. *store.Store satisfies it.
type Policy interface {
	GetOrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error)
	ChargeCredits(ctx context.Context, orgID string, amount int64) error
}

// EventFunc receives loop progress events (agent_tool_call,
// agent_tool_result) for the run event stream.
type EventFunc func(eventType string, payload json.RawMessage)

// Limits bounds one loop execution. Zero fields fall back to the engine
// defaults; non-zero fields must sit inside the documented domains.
type Limits struct {
	MaxTurns        int
	MaxToolCalls    int
	Timeout         time.Duration
	MaxOutputChars  int
	MaxRuntimeChars int
}

func (l Limits) withDefaults(cfg *config.EngineConfig) Limits {
	if l.MaxTurns == 0 {
		l.MaxTurns = cfg.MaxTurns
	}
	if l.MaxToolCalls == 0 {
		l.MaxToolCalls = cfg.MaxToolCalls
	}
	if l.Timeout == 0 {
		l.Timeout = cfg.LoopTimeout
	}
	if l.MaxOutputChars == 0 {
		l.MaxOutputChars = cfg.MaxOutputChars
	}
	if l.MaxRuntimeChars == 0 {
		l.MaxRuntimeChars = cfg.MaxRuntimeChars
	}
	return l
}

// Validate checks explicitly configured limits against their domains.
func (l Limits) Validate() error {
	if l.MaxTurns != 0 && (l.MaxTurns < config.MinTurns || l.MaxTurns > config.MaxTurns) {
		return errs.Newf(errs.CodeInvalidNodeConfig,
			"maxTurns must be in [%d, %d]", config.MinTurns, config.MaxTurns)
	}
	if l.MaxToolCalls != 0 && (l.MaxToolCalls < config.MinToolCalls || l.MaxToolCalls > config.MaxToolCalls) {
		return errs.Newf(errs.CodeInvalidNodeConfig,
			"maxToolCalls must be in [%d, %d]", config.MinToolCalls, config.MaxToolCalls)
	}
	if l.Timeout != 0 && (l.Timeout < config.MinTimeout || l.Timeout > config.MaxTimeout) {
		return errs.Newf(errs.CodeInvalidNodeConfig,
			"timeoutMs must be in [%v, %v]", config.MinTimeout, config.MaxTimeout)
	}
	if l.MaxOutputChars < 0 {
		return errs.New(errs.CodeInvalidNodeConfig, "maxOutputChars must be positive")
	}
	if l.MaxRuntimeChars != 0 && l.MaxRuntimeChars < 1024 {
		return errs.New(errs.CodeInvalidNodeConfig, "maxRuntimeChars must be >= 1024")
	}
	return nil
}

// Params configures one loop execution.
type Params struct {
	OrgID        string
	Provider     llm.Provider
	Model        string
	SystemPrompt string
	Instructions string
	Input        json.RawMessage
	Steps        []models.StepResult
	AllowedTools []string
	OutputMode   string
	OutputSchema json.RawMessage
	Limits       Limits
	Team         *TeamConfig
	Emit         EventFunc
}

// Result is the loop outcome: a final output, or a blocked marker carrying
// the remote dispatch. Fatal failures surface as errors instead.
type Result struct {
	Status string
	Output json.RawMessage
	Block  *BlockPayload
}

// Loop runs agent conversations against a shared toolset and policy store.
type Loop struct {
	tools  *Toolset
	policy Policy
	cfg    *config.EngineConfig
}

// New creates a Loop.
func New(tools *Toolset, policy Policy, cfg *config.EngineConfig) *Loop {
	return &Loop{tools: tools, policy: policy, cfg: cfg}
}

// Run executes the loop over the given state, mutating it in place so the
// caller can checkpoint it. When remote is non-nil the loop resumes a
// previously blocked call by synthesizing its tool_result.
func (l *Loop) Run(ctx context.Context, p *Params, state *models.AgentRunState, remote *models.RemoteResult) (*Result, error) {
	limits := p.Limits.withDefaults(l.cfg)
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	if len(state.History) == 0 {
		state.History = append(state.History,
			models.HistoryEntry{Role: models.RoleSystem, Content: systemPrompt(p), CallIndex: plainEntry},
			models.HistoryEntry{Role: models.RoleUser, Content: userPrompt(p), CallIndex: plainEntry},
		)
	}

	if remote != nil {
		if err := consumeRemoteResult(state, remote, limits.MaxOutputChars); err != nil {
			return nil, err
		}
		trimHistory(state, limits.MaxRuntimeChars)
	} else if state.PendingToolCall != nil {
		return nil, errs.New(errs.CodeRemoteResultInvalid,
			"resumed a blocked agent without a remote result")
	}

	for {
		if ctx.Err() != nil {
			return nil, errs.New(errs.CodeNodeExecutionTimeout, "agent loop deadline exceeded")
		}
		if state.Turns >= limits.MaxTurns {
			return nil, errs.Newf(errs.CodeNodeExecutionFailed,
				"agent loop exceeded %d turns", limits.MaxTurns)
		}

		settings, err := l.policy.GetOrgSettings(ctx, p.OrgID)
		if err != nil {
			return nil, fmt.Errorf("failed to load org settings: %w", err)
		}
		if settings.ManagedCredits != nil && *settings.ManagedCredits < 1 {
			return nil, errs.New(errs.CodeCreditsExhausted, "managed credit balance empty")
		}

		state.Turns++
		resp, err := p.Provider.Infer(ctx, llm.Request{
			Model:    p.Model,
			Messages: historyMessages(state),
		})
		if err != nil {
			return nil, err
		}
		if settings.ManagedCredits != nil {
			if err := l.charge(ctx, p.OrgID, state, resp.Usage); err != nil {
				return nil, err
			}
		}

		env, err := parseEnvelope(resp.Content)
		if err != nil {
			return nil, err
		}

		if env.Type == envelopeFinal {
			output, err := finalOutput(p, env.Output, limits.MaxOutputChars)
			if err != nil {
				return nil, err
			}
			state.History = nil
			state.ToolResultsByCallIdx = nil
			state.PendingToolCall = nil
			return &Result{Status: StatusSucceeded, Output: output}, nil
		}

		// tool_call
		if state.ToolCalls >= limits.MaxToolCalls {
			return nil, errs.Newf(errs.CodeNodeExecutionFailed,
				"agent loop exceeded %d tool calls", limits.MaxToolCalls)
		}
		callIndex := state.ToolCalls
		state.ToolCalls++
		state.History = append(state.History, models.HistoryEntry{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			CallIndex: callIndex,
		})
		l.emit(p, models.EventAgentToolCall, map[string]any{
			"callIndex": callIndex,
			"toolId":    env.ToolID,
			"input":     summarize(env.Input, limits.MaxOutputChars),
		})

		res, err := l.invokeTool(ctx, p, settings, limits, env.ToolID, env.Input)
		if err != nil {
			return nil, err
		}
		if res.Status == StatusBlocked {
			state.PendingToolCall = &models.PendingToolCall{
				CallIndex: callIndex,
				ToolID:    env.ToolID,
				Input:     env.Input,
			}
			trimHistory(state, limits.MaxRuntimeChars)
			return &Result{Status: StatusBlocked, Block: res.Block}, nil
		}

		summary := toolResultSummary(res, limits.MaxOutputChars)
		recordToolResult(state, callIndex, res, summary)
		l.emit(p, models.EventAgentToolRes, map[string]any{
			"callIndex": callIndex,
			"toolId":    env.ToolID,
			"status":    res.Status,
		})
		trimHistory(state, limits.MaxRuntimeChars)
	}
}

// invokeTool resolves and runs one tool call. Resolution and policy
// failures are fatal to the loop; invocation failures come back as a failed
// tool result and feed the next LLM turn.
func (l *Loop) invokeTool(ctx context.Context, p *Params, settings *models.OrgSettings, limits Limits, toolID string, input json.RawMessage) (*ToolResult, error) {
	if !allowed(p.AllowedTools, toolID) {
		return nil, errs.ToolNotAllowed(toolID)
	}
	if toolID == ToolShellRun && !settings.ShellRunEnabled {
		return nil, errs.ToolPolicyDenied(ToolShellRun)
	}

	switch toolID {
	case ToolTeamDelegate:
		return l.teamDelegate(ctx, p, limits, input), nil
	case ToolTeamMap:
		return l.teamMap(ctx, p, limits, input), nil
	}

	resolvedID, resolvedInput, err := expandAlias(toolID, input)
	if err != nil {
		return nil, err
	}
	tool, ok := l.tools.Get(resolvedID)
	if !ok {
		return nil, errs.ToolNotAllowed(toolID)
	}

	res, err := tool.Invoke(ctx, resolvedInput)
	if err != nil {
		slog.Warn("Tool invocation failed", "tool_id", toolID, "error", err)
		return &ToolResult{Status: StatusFailed, Error: errs.CodeOf(err)}, nil
	}
	return res, nil
}

// charge deducts credits proportional to token usage: ceil(tokens/1000).
func (l *Loop) charge(ctx context.Context, orgID string, state *models.AgentRunState, usage llm.Usage) error {
	tokens := usage.InputTokens + usage.OutputTokens
	if tokens == 0 {
		tokens = usage.TotalTokens
	}
	amount := (int64(tokens) + 999) / 1000
	if amount == 0 {
		return nil
	}
	if err := l.policy.ChargeCredits(ctx, orgID, amount); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errs.New(errs.CodeCreditsExhausted, "managed credit balance exhausted")
		}
		return fmt.Errorf("failed to charge credits: %w", err)
	}
	state.CreditsCharged += amount
	return nil
}

func (l *Loop) emit(p *Params, eventType string, payload map[string]any) {
	if p.Emit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	p.Emit(eventType, raw)
}

// consumeRemoteResult injects the stored executor result as the pending
// call's tool_result and clears the pending marker.
func consumeRemoteResult(state *models.AgentRunState, remote *models.RemoteResult, maxOutputChars int) error {
	pending := state.PendingToolCall
	if pending == nil {
		return errs.New(errs.CodeRemoteResultInvalid, "remote result without a pending tool call")
	}
	if !remote.Valid() {
		return errs.Newf(errs.CodeRemoteResultInvalid, "remote result has status %q", remote.Status)
	}
	res := &ToolResult{Status: remote.Status, Output: remote.Output, Error: remote.Error}
	recordToolResult(state, pending.CallIndex, res, toolResultSummary(res, maxOutputChars))
	state.PendingToolCall = nil
	return nil
}

// systemPrompt builds the policy preamble: reply contract plus the allowed
// tool ids.
func systemPrompt(p *Params) string {
	var b strings.Builder
	if p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(`Reply with exactly one JSON envelope: {"type":"final","output":...} or {"type":"tool_call","toolId":...,"input":...}.`)
	if len(p.AllowedTools) > 0 {
		b.WriteString("\nAllowed tools: ")
		b.WriteString(strings.Join(p.AllowedTools, ", "))
	}
	if p.OutputMode == OutputJSON {
		b.WriteString("\nThe final output must be a JSON value")
		if len(p.OutputSchema) > 0 {
			b.WriteString(" matching this schema: ")
			b.Write(p.OutputSchema)
		}
		b.WriteString(".")
	}
	return b.String()
}

// userPrompt builds the opening user message from instructions, run input
// and prior step outputs.
func userPrompt(p *Params) string {
	var b strings.Builder
	b.WriteString(p.Instructions)
	if len(p.Input) > 0 {
		b.WriteString("\n\nRun input:\n")
		b.Write(p.Input)
	}
	if len(p.Steps) > 0 {
		b.WriteString("\n\nPrior steps:")
		for _, s := range p.Steps {
			fmt.Fprintf(&b, "\n- %s (%s): %s", s.NodeID, s.NodeType, string(s.Output))
		}
	}
	return b.String()
}
