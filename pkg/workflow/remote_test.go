package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

func TestTranslateRemoteResult(t *testing.T) {
	t.Run("succeeded passes output through", func(t *testing.T) {
		res, err := translateRemoteResult(&models.RemoteResult{
			Status: models.ResultSucceeded,
			Output: json.RawMessage(`{"issueNumber":42}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"issueNumber":42}`, string(res.Output))
	})

	t.Run("failed carries the executor error code", func(t *testing.T) {
		_, err := translateRemoteResult(&models.RemoteResult{
			Status: models.ResultFailed,
			Error:  "CONNECTOR_RATE_LIMITED",
		})
		require.Error(t, err)
		assert.Equal(t, "CONNECTOR_RATE_LIMITED", errs.CodeOf(err))
	})

	t.Run("failed without code defaults", func(t *testing.T) {
		_, err := translateRemoteResult(&models.RemoteResult{Status: models.ResultFailed})
		require.Error(t, err)
		assert.Equal(t, errs.CodeNodeExecutionFailed, errs.CodeOf(err))
	})

	t.Run("unknown status is invalid", func(t *testing.T) {
		_, err := translateRemoteResult(&models.RemoteResult{Status: "maybe"})
		require.Error(t, err)
		assert.Equal(t, errs.CodeRemoteResultInvalid, errs.CodeOf(err))
	})
}

func TestConnectorActionExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("node mode blocks with dispatch payload", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction, `{
			"connectorId": "github",
			"actionId": "create_issue",
			"execution": {"mode": "node"},
			"input": {"title": "bug"},
			"selector": {"group": "ci"}
		}`)
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, res.Status)
		require.NotNil(t, res.Block)
		assert.Equal(t, models.DispatchConnectorAction, res.Block.Kind)
		assert.Equal(t, "ci", res.Block.Selector.Group)

		var payload map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(res.Block.Payload, &payload))
		assert.JSONEq(t, `"github"`, string(payload["connectorId"]))
		assert.JSONEq(t, `{"title":"bug"}`, string(payload["input"]))
	})

	t.Run("cloud mode invokes in-process", func(t *testing.T) {
		ex := NewConnectorActionExecutor(func(_ context.Context, connectorID, actionID string, input json.RawMessage) (json.RawMessage, error) {
			assert.Equal(t, "slack", connectorID)
			assert.Equal(t, "post_message", actionID)
			return json.RawMessage(`{"ts":"1"}`), nil
		})
		in := nodeInput(models.NodeKindConnectorAction, `{
			"connectorId": "slack",
			"actionId": "post_message",
			"execution": {"mode": "cloud"},
			"input": {"text": "hi"}
		}`)
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"ts":"1"}`, string(res.Output))
	})

	t.Run("cloud mode without invoker fails", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction, `{"connectorId":"a","actionId":"b"}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("input schema is enforced before dispatch", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction, `{
			"connectorId": "github",
			"actionId": "create_issue",
			"execution": {"mode": "node"},
			"inputSchema": {"type": "object", "required": ["title"]},
			"input": {}
		}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidActionInput, errs.CodeOf(err))
	})

	t.Run("broken schema is a config error", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction, `{
			"connectorId": "github",
			"actionId": "create_issue",
			"execution": {"mode": "node"},
			"inputSchema": {"type": 12},
			"input": {}
		}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("missing ids are a config error", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		_, err := ex.Execute(ctx, nodeInput(models.NodeKindConnectorAction, `{"connectorId":"a"}`))
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("unknown mode is a config error", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction,
			`{"connectorId":"a","actionId":"b","execution":{"mode":"edge"}}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("pending result resolves without re-dispatch", func(t *testing.T) {
		ex := NewConnectorActionExecutor(nil)
		in := nodeInput(models.NodeKindConnectorAction, `{"connectorId":"a","actionId":"b","execution":{"mode":"node"}}`)
		in.PendingRemoteResult = &models.RemoteResult{
			Status: models.ResultSucceeded,
			Output: json.RawMessage(`{"done":true}`),
		}
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"done":true}`, string(res.Output))
	})
}

func TestAgentExecuteExecutor(t *testing.T) {
	ctx := context.Background()
	ex := &AgentExecuteExecutor{}

	t.Run("blocks with the task payload", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentExecute, `{"payload":{"task":"review PR"}}`)
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, res.Status)
		assert.Equal(t, models.DispatchAgentExecute, res.Block.Kind)
		assert.JSONEq(t, `{"task":"review PR"}`, string(res.Block.Payload))
	})

	t.Run("empty payload defaults to an object", func(t *testing.T) {
		res, err := ex.Execute(ctx, nodeInput(models.NodeKindAgentExecute, `{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(res.Block.Payload))
	})

	t.Run("rejects non-executor mode", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentExecute, `{"execution":{"mode":"cloud"}}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})
}

func TestAgentRunExecutorRemote(t *testing.T) {
	ctx := context.Background()
	ex := NewAgentRunExecutor(nil, nil)

	t.Run("node mode dispatches the whole loop", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentRun, `{
			"execution": {"mode": "node"},
			"prompt": {"instructions": "triage"}
		}`)
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, res.Status)
		assert.Equal(t, models.DispatchAgentRun, res.Block.Kind)
		// The node config itself travels as the dispatch payload.
		assert.JSONEq(t, string(in.Node.Config), string(res.Block.Payload))
	})

	t.Run("non-loop engine requires remote execution", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentRun, `{"engine":"claude-code"}`)
		_, err := ex.Execute(ctx, in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("non-loop engine on an executor is allowed", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentRun, `{
			"engine": "claude-code",
			"execution": {"mode": "executor"},
			"payload": {"repo": "acme/api"}
		}`)
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		require.Equal(t, StatusBlocked, res.Status)
		assert.JSONEq(t, `{"repo":"acme/api"}`, string(res.Block.Payload))
	})

	t.Run("remote result resolves the node", func(t *testing.T) {
		in := nodeInput(models.NodeKindAgentRun, `{"execution":{"mode":"node"}}`)
		in.PendingRemoteResult = &models.RemoteResult{
			Status: models.ResultSucceeded,
			Output: json.RawMessage(`{"summary":"done"}`),
		}
		res, err := ex.Execute(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"summary":"done"}`, string(res.Output))
	})
}
