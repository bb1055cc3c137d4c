package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

func nodeInput(nodeType, config string) *NodeInput {
	return &NodeInput{
		OrgID: "org-1",
		Node:  models.Node{ID: "n1", Type: nodeType, Config: json.RawMessage(config)},
	}
}

func TestHTTPRequestExecutor(t *testing.T) {
	t.Run("returns status and parsed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "abc", r.Header.Get("x-api-key"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":7}`)
		}))
		defer srv.Close()

		ex := NewHTTPRequestExecutor(5 * time.Second)
		cfg := fmt.Sprintf(`{"method":"post","url":%q,"headers":{"x-api-key":"abc"},"body":{"name":"x"}}`, srv.URL)
		res, err := ex.Execute(context.Background(), nodeInput(models.NodeKindHTTPRequest, cfg))
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.JSONEq(t, `{"status":200,"body":{"id":7}}`, string(res.Output))
	})

	t.Run("non-json body is kept as string", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "plain text")
		}))
		defer srv.Close()

		ex := NewHTTPRequestExecutor(5 * time.Second)
		res, err := ex.Execute(context.Background(),
			nodeInput(models.NodeKindHTTPRequest, fmt.Sprintf(`{"url":%q}`, srv.URL)))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":200,"body":"plain text"}`, string(res.Output))
	})

	t.Run("4xx and 5xx fail the node", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		ex := NewHTTPRequestExecutor(5 * time.Second)
		_, err := ex.Execute(context.Background(),
			nodeInput(models.NodeKindHTTPRequest, fmt.Sprintf(`{"url":%q}`, srv.URL)))
		require.Error(t, err)
		assert.Equal(t, errs.CodeNodeExecutionFailed, errs.CodeOf(err))
	})

	t.Run("missing url is a config error", func(t *testing.T) {
		ex := NewHTTPRequestExecutor(5 * time.Second)
		_, err := ex.Execute(context.Background(), nodeInput(models.NodeKindHTTPRequest, `{}`))
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		ex := NewHTTPRequestExecutor(5 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := ex.Execute(ctx, nodeInput(models.NodeKindHTTPRequest, fmt.Sprintf(`{"url":%q}`, srv.URL)))
		require.Error(t, err)
		assert.Equal(t, errs.CodeNodeExecutionTimeout, errs.CodeOf(err))
	})
}

func TestConditionExecutor(t *testing.T) {
	ex := &ConditionExecutor{}

	run := func(t *testing.T, config string, in *NodeInput) conditionOutput {
		t.Helper()
		in.Node = models.Node{ID: "cond", Type: models.NodeKindCondition, Config: json.RawMessage(config)}
		res, err := ex.Execute(context.Background(), in)
		require.NoError(t, err)
		var out conditionOutput
		require.NoError(t, json.Unmarshal(res.Output, &out))
		return out
	}

	t.Run("eq on run input", func(t *testing.T) {
		out := run(t, `{"path":"env","op":"eq","value":"prod"}`,
			&NodeInput{RunInput: json.RawMessage(`{"env":"prod"}`)})
		assert.True(t, out.Matched)
		assert.Equal(t, models.EdgeCondTrue, out.Branch)
	})

	t.Run("nested path over step outputs", func(t *testing.T) {
		out := run(t, `{"path":"steps.fetch.status","op":"lt","value":300}`, &NodeInput{
			Steps: []models.StepResult{
				step("fetch", models.NodeKindHTTPRequest, `{"status":200}`),
			},
		})
		assert.True(t, out.Matched)
	})

	t.Run("missing path with exists", func(t *testing.T) {
		out := run(t, `{"path":"missing","op":"exists"}`,
			&NodeInput{RunInput: json.RawMessage(`{}`)})
		assert.False(t, out.Matched)
		assert.Equal(t, models.EdgeCondFalse, out.Branch)
	})

	t.Run("ne treats absence as not equal", func(t *testing.T) {
		out := run(t, `{"path":"missing","op":"ne","value":1}`,
			&NodeInput{RunInput: json.RawMessage(`{}`)})
		assert.True(t, out.Matched)
	})

	t.Run("gt on non-number is false", func(t *testing.T) {
		out := run(t, `{"path":"name","op":"gt","value":5}`,
			&NodeInput{RunInput: json.RawMessage(`{"name":"x"}`)})
		assert.False(t, out.Matched)
	})

	t.Run("unknown op is a config error", func(t *testing.T) {
		in := nodeInput(models.NodeKindCondition, `{"path":"a","op":"matches"}`)
		_, err := ex.Execute(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("missing path or op is a config error", func(t *testing.T) {
		in := nodeInput(models.NodeKindCondition, `{"op":"eq"}`)
		_, err := ex.Execute(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})
}

func TestJoinExecutor(t *testing.T) {
	ex := &JoinExecutor{}
	res, err := ex.Execute(context.Background(), nodeInput(models.NodeKindParallelJoin, `{"mode":"any"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"any"}`, string(res.Output))
}
