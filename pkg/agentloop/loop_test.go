package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/store"
)

// ── Fakes ──────────────────────────────────────────────────

// scriptedProvider replays canned replies in order.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	usage    llm.Usage
	requests []llm.Request
}

func (p *scriptedProvider) Infer(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return nil, errs.New(errs.CodeOpenAIResponseInvalid, "script exhausted")
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return &llm.Response{Content: reply, Usage: p.usage}, nil
}

type fakePolicy struct {
	mu       sync.Mutex
	shellRun bool
	credits  *int64
	charged  int64
}

func (f *fakePolicy) GetOrgSettings(context.Context, string) (*models.OrgSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	settings := &models.OrgSettings{OrgID: "org-1", ShellRunEnabled: f.shellRun}
	if f.credits != nil {
		balance := *f.credits
		settings.ManagedCredits = &balance
	}
	return settings, nil
}

func (f *fakePolicy) ChargeCredits(_ context.Context, _ string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credits != nil && *f.credits < amount {
		return store.ErrConflict
	}
	if f.credits != nil {
		*f.credits -= amount
	}
	f.charged += amount
	return nil
}

type fakeTool struct {
	id     string
	result *ToolResult
	inputs []json.RawMessage
}

func (t *fakeTool) ID() string { return t.id }

func (t *fakeTool) Invoke(_ context.Context, input json.RawMessage) (*ToolResult, error) {
	t.inputs = append(t.inputs, input)
	return t.result, nil
}

func testLoop(policy Policy, tools ...Tool) *Loop {
	return New(NewToolset(tools...), policy, config.DefaultEngineConfig())
}

func testParams(provider llm.Provider, allow ...string) *Params {
	return &Params{
		OrgID:        "org-1",
		Provider:     provider,
		Model:        "gpt-test",
		Instructions: "do the thing",
		AllowedTools: allow,
	}
}

// ── Tests ──────────────────────────────────────────────────

func TestRunFinal(t *testing.T) {
	t.Run("final on first turn clears state", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"final","output":{"answer":42}}`,
		}}
		l := testLoop(&fakePolicy{})

		state := &models.AgentRunState{}
		res, err := l.Run(context.Background(), testParams(provider), state, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"answer":42}`, string(res.Output))
		assert.Nil(t, state.History)
		assert.Nil(t, state.PendingToolCall)
		assert.Equal(t, 1, state.Turns)
	})

	t.Run("fenced envelope is unwrapped", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			"```json\n{\"type\":\"final\",\"output\":\"ok\"}\n```",
		}}
		l := testLoop(&fakePolicy{})

		res, err := l.Run(context.Background(), testParams(provider), &models.AgentRunState{}, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
	})

	t.Run("unparseable reply is INVALID_AGENT_OUTPUT", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{"sure, here you go!"}}
		l := testLoop(&fakePolicy{})

		_, err := l.Run(context.Background(), testParams(provider), &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeInvalidAgentOutput))
	})

	t.Run("unknown envelope type is INVALID_AGENT_OUTPUT", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{`{"type":"thinking"}`}}
		l := testLoop(&fakePolicy{})

		_, err := l.Run(context.Background(), testParams(provider), &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeInvalidAgentOutput))
	})
}

func TestRunToolCalls(t *testing.T) {
	t.Run("tool call then final", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"echo","input":{"x":1}}`,
			`{"type":"final","output":"done"}`,
		}}
		tool := &fakeTool{id: "echo", result: &ToolResult{Status: StatusSucceeded, Output: json.RawMessage(`{"x":1}`)}}
		l := testLoop(&fakePolicy{}, tool)

		var events []string
		p := testParams(provider, "echo")
		p.Emit = func(eventType string, _ json.RawMessage) { events = append(events, eventType) }

		state := &models.AgentRunState{}
		res, err := l.Run(context.Background(), p, state, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		require.Len(t, tool.inputs, 1)
		assert.JSONEq(t, `{"x":1}`, string(tool.inputs[0]))
		assert.Equal(t, []string{models.EventAgentToolCall, models.EventAgentToolRes}, events)
		assert.Equal(t, 2, state.Turns)
		assert.Equal(t, 1, state.ToolCalls)
	})

	t.Run("tool failure feeds back instead of failing the loop", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"echo","input":{}}`,
			`{"type":"final","output":"recovered"}`,
		}}
		tool := &fakeTool{id: "echo", result: &ToolResult{Status: StatusFailed, Error: "boom"}}
		l := testLoop(&fakePolicy{}, tool)

		res, err := l.Run(context.Background(), testParams(provider, "echo"), &models.AgentRunState{}, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		// The second request carries the failed tool_result message.
		require.Len(t, provider.requests, 2)
		last := provider.requests[1].Messages[len(provider.requests[1].Messages)-1]
		assert.Contains(t, last.Content, "failed")
	})

	t.Run("tool not in allowlist", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"secret.dump","input":{}}`,
		}}
		l := testLoop(&fakePolicy{})

		_, err := l.Run(context.Background(), testParams(provider, "echo"), &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.Equal(t, "TOOL_NOT_ALLOWED:secret.dump", errs.CodeOf(err))
	})

	t.Run("shell.run gated by org policy", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"shell.run","input":{"cmd":"ls"}}`,
		}}
		l := testLoop(&fakePolicy{shellRun: false})

		_, err := l.Run(context.Background(), testParams(provider, "shell.run"), &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.Equal(t, "TOOL_POLICY_DENIED:shell.run", errs.CodeOf(err))
	})

	t.Run("connector alias expands onto connector.action", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"connector.github.create_issue","input":{"title":"bug"}}`,
			`{"type":"final","output":"ok"}`,
		}}
		tool := &fakeTool{id: ToolConnectorAction, result: &ToolResult{Status: StatusSucceeded, Output: json.RawMessage(`{}`)}}
		l := testLoop(&fakePolicy{}, tool)

		_, err := l.Run(context.Background(),
			testParams(provider, "connector.github.create_issue"), &models.AgentRunState{}, nil)
		require.NoError(t, err)
		require.Len(t, tool.inputs, 1)
		assert.JSONEq(t,
			`{"title":"bug","connectorId":"github","actionId":"create_issue"}`,
			string(tool.inputs[0]))
	})
}

func TestRunLimits(t *testing.T) {
	t.Run("max turns", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"echo","input":{}}`,
			`{"type":"tool_call","toolId":"echo","input":{}}`,
		}}
		tool := &fakeTool{id: "echo", result: &ToolResult{Status: StatusSucceeded, Output: json.RawMessage(`{}`)}}
		l := testLoop(&fakePolicy{}, tool)

		p := testParams(provider, "echo")
		p.Limits.MaxTurns = 1
		_, err := l.Run(context.Background(), p, &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeded 1 turns")
	})

	t.Run("max tool calls", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"echo","input":{}}`,
			`{"type":"tool_call","toolId":"echo","input":{}}`,
		}}
		tool := &fakeTool{id: "echo", result: &ToolResult{Status: StatusSucceeded, Output: json.RawMessage(`{}`)}}
		l := testLoop(&fakePolicy{}, tool)

		p := testParams(provider, "echo")
		p.Limits.MaxToolCalls = 1
		_, err := l.Run(context.Background(), p, &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeded 1 tool calls")
	})

	t.Run("limit domains validated", func(t *testing.T) {
		require.NoError(t, Limits{MaxTurns: 8}.Validate())
		assert.Error(t, Limits{MaxTurns: 65}.Validate())
		assert.Error(t, Limits{MaxToolCalls: 500}.Validate())
		assert.Error(t, Limits{Timeout: 1}.Validate())
		assert.Error(t, Limits{MaxOutputChars: -1}.Validate())
		assert.Error(t, Limits{MaxRuntimeChars: -1}.Validate())
		assert.Error(t, Limits{MaxRuntimeChars: 512}.Validate())
		require.NoError(t, Limits{MaxRuntimeChars: 4096}.Validate())
	})
}

func TestRunBlockedAndResume(t *testing.T) {
	blockingTool := func() *fakeTool {
		return &fakeTool{id: ToolConnectorAction, result: &ToolResult{
			Status: StatusBlocked,
			Block: &BlockPayload{
				Kind:    models.DispatchConnectorAction,
				Payload: json.RawMessage(`{"connectorId":"github","actionId":"create_issue"}`),
			},
		}}
	}

	t.Run("blocked tool persists the pending call", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"connector.action","input":{"title":"bug"}}`,
		}}
		l := testLoop(&fakePolicy{}, blockingTool())

		state := &models.AgentRunState{}
		res, err := l.Run(context.Background(), testParams(provider, "connector.action"), state, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, res.Status)
		require.NotNil(t, res.Block)
		assert.Equal(t, models.DispatchConnectorAction, res.Block.Kind)
		require.NotNil(t, state.PendingToolCall)
		assert.Equal(t, 0, state.PendingToolCall.CallIndex)
		assert.Equal(t, "connector.action", state.PendingToolCall.ToolID)
	})

	t.Run("resume consumes the remote result", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{
			`{"type":"tool_call","toolId":"connector.action","input":{"title":"bug"}}`,
		}}
		l := testLoop(&fakePolicy{}, blockingTool())

		state := &models.AgentRunState{}
		p := testParams(provider, "connector.action")
		_, err := l.Run(context.Background(), p, state, nil)
		require.NoError(t, err)

		provider.replies = []string{`{"type":"final","output":{"issueNumber":42}}`}
		res, err := l.Run(context.Background(), p, state, &models.RemoteResult{
			RequestID: "r1",
			Status:    models.ResultSucceeded,
			Output:    json.RawMessage(`{"issueNumber":42}`),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"issueNumber":42}`, string(res.Output))
		assert.Nil(t, state.PendingToolCall)
	})

	t.Run("resume without a remote result fails", func(t *testing.T) {
		l := testLoop(&fakePolicy{})
		state := &models.AgentRunState{
			History:         []models.HistoryEntry{{Role: models.RoleSystem, CallIndex: plainEntry}},
			PendingToolCall: &models.PendingToolCall{CallIndex: 0, ToolID: "connector.action"},
		}
		_, err := l.Run(context.Background(), testParams(&scriptedProvider{}), state, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeRemoteResultInvalid))
	})

	t.Run("remote result with bad status fails", func(t *testing.T) {
		l := testLoop(&fakePolicy{})
		state := &models.AgentRunState{
			History:         []models.HistoryEntry{{Role: models.RoleSystem, CallIndex: plainEntry}},
			PendingToolCall: &models.PendingToolCall{CallIndex: 0, ToolID: "connector.action"},
		}
		_, err := l.Run(context.Background(), testParams(&scriptedProvider{}), state,
			&models.RemoteResult{RequestID: "r1", Status: "maybe"})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeRemoteResultInvalid))
	})
}

func TestRunCredits(t *testing.T) {
	t.Run("charges ceil of tokens per thousand", func(t *testing.T) {
		balance := int64(10)
		policy := &fakePolicy{credits: &balance}
		provider := &scriptedProvider{
			replies: []string{`{"type":"final","output":"ok"}`},
			usage:   llm.Usage{InputTokens: 900, OutputTokens: 600, TotalTokens: 1500},
		}
		l := testLoop(policy)

		state := &models.AgentRunState{}
		_, err := l.Run(context.Background(), testParams(provider), state, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), policy.charged)
		assert.Equal(t, int64(2), state.CreditsCharged)
	})

	t.Run("empty balance fails before the call", func(t *testing.T) {
		balance := int64(0)
		policy := &fakePolicy{credits: &balance}
		provider := &scriptedProvider{replies: []string{`{"type":"final","output":"ok"}`}}
		l := testLoop(policy)

		_, err := l.Run(context.Background(), testParams(provider), &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeCreditsExhausted))
		assert.Empty(t, provider.requests)
	})

	t.Run("unmetered orgs are never charged", func(t *testing.T) {
		policy := &fakePolicy{}
		provider := &scriptedProvider{
			replies: []string{`{"type":"final","output":"ok"}`},
			usage:   llm.Usage{TotalTokens: 5000},
		}
		l := testLoop(policy)

		_, err := l.Run(context.Background(), testParams(provider), &models.AgentRunState{}, nil)
		require.NoError(t, err)
		assert.Zero(t, policy.charged)
	})
}

func TestRunJSONOutput(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["issueNumber"],"properties":{"issueNumber":{"type":"integer"}}}`)

	t.Run("valid output passes the schema", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{`{"type":"final","output":{"issueNumber":7}}`}}
		l := testLoop(&fakePolicy{})

		p := testParams(provider)
		p.OutputMode = OutputJSON
		p.OutputSchema = schema
		res, err := l.Run(context.Background(), p, &models.AgentRunState{}, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"issueNumber":7}`, string(res.Output))
	})

	t.Run("schema violation is INVALID_AGENT_JSON_OUTPUT", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{`{"type":"final","output":{"issueNumber":"seven"}}`}}
		l := testLoop(&fakePolicy{})

		p := testParams(provider)
		p.OutputMode = OutputJSON
		p.OutputSchema = schema
		_, err := l.Run(context.Background(), p, &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeInvalidAgentJSONOutput))
	})

	t.Run("missing output in json mode fails", func(t *testing.T) {
		provider := &scriptedProvider{replies: []string{`{"type":"final"}`}}
		l := testLoop(&fakePolicy{})

		p := testParams(provider)
		p.OutputMode = OutputJSON
		_, err := l.Run(context.Background(), p, &models.AgentRunState{}, nil)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeInvalidAgentJSONOutput))
	})
}

func TestTrimHistory(t *testing.T) {
	t.Run("oldest entries go first, system survives", func(t *testing.T) {
		state := &models.AgentRunState{History: []models.HistoryEntry{
			{Role: models.RoleSystem, Content: "system", CallIndex: plainEntry},
			{Role: models.RoleUser, Content: string(make([]byte, 2000)), CallIndex: plainEntry},
			{Role: models.RoleAssistant, Content: "keep me", CallIndex: plainEntry},
		}}
		trimHistory(state, 1024)
		assert.LessOrEqual(t, stateSize(state), 1024)
		assert.Equal(t, "system", state.History[0].Content)
		assert.Equal(t, "keep me", state.History[len(state.History)-1].Content)
	})

	t.Run("pending tool call entries survive trimming", func(t *testing.T) {
		state := &models.AgentRunState{
			PendingToolCall: &models.PendingToolCall{CallIndex: 3, ToolID: "connector.action"},
			History: []models.HistoryEntry{
				{Role: models.RoleSystem, Content: "system", CallIndex: plainEntry},
				{Role: models.RoleUser, Content: string(make([]byte, 4000)), CallIndex: plainEntry},
				{Role: models.RoleAssistant, Content: "the pending call", CallIndex: 3},
			},
		}
		trimHistory(state, 1024)
		var kept bool
		for _, e := range state.History {
			if e.CallIndex == 3 {
				kept = true
			}
		}
		assert.True(t, kept)
	})
}
