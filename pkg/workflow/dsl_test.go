package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

func TestParseDSL(t *testing.T) {
	t.Run("upgrades v2 node list to a linear graph", func(t *testing.T) {
		raw := json.RawMessage(`{
			"version": "v2",
			"nodes": [
				{"id": "fetch", "type": "http.request", "config": {"url": "https://example.com"}},
				{"id": "check", "type": "condition", "config": {"path": "ok", "op": "exists"}},
				{"id": "notify", "type": "http.request", "config": {"url": "https://example.com/notify"}}
			]
		}`)

		dsl, err := ParseDSL(raw)
		require.NoError(t, err)
		require.NotNil(t, dsl.Graph)
		assert.Equal(t, models.DSLVersion3, dsl.Version)
		assert.Len(t, dsl.Graph.Nodes, 3)
		assert.Equal(t, []models.Edge{
			{From: "fetch", To: "check"},
			{From: "check", To: "notify"},
		}, dsl.Graph.Edges)
	})

	t.Run("accepts v3 graph form", func(t *testing.T) {
		raw := json.RawMessage(`{
			"version": "v3",
			"graph": {
				"nodes": {"a": {"id": "a", "type": "http.request"}},
				"edges": []
			}
		}`)
		dsl, err := ParseDSL(raw)
		require.NoError(t, err)
		assert.Len(t, dsl.Graph.Nodes, 1)
	})

	t.Run("rejects v3 without graph", func(t *testing.T) {
		_, err := ParseDSL(json.RawMessage(`{"version": "v3"}`))
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("rejects unknown version", func(t *testing.T) {
		_, err := ParseDSL(json.RawMessage(`{"version": "v1"}`))
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})
}

func graphDSL(nodes map[string]models.Node, edges []models.Edge) *models.WorkflowDSL {
	return &models.WorkflowDSL{
		Version: models.DSLVersion3,
		Graph:   &models.Graph{Nodes: nodes, Edges: edges},
	}
}

func plainNode(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeKindHTTPRequest}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a diamond", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"root": plainNode("root"),
			"a":    plainNode("a"),
			"b":    plainNode("b"),
			"join": {ID: "join", Type: models.NodeKindParallelJoin},
		}, []models.Edge{
			{From: "root", To: "a"},
			{From: "root", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
		})
		require.NoError(t, Validate(dsl))
	})

	t.Run("rejects a cycle", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
		}, []models.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		})
		err := Validate(dsl)
		require.Error(t, err)
		assert.Equal(t, errs.CodeGraphCycleDetected, errs.CodeOf(err))
	})

	t.Run("rejects edges to unknown nodes", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{"a": plainNode("a")},
			[]models.Edge{{From: "a", To: "ghost"}})
		err := Validate(dsl)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidNodeConfig, errs.CodeOf(err))
	})

	t.Run("condition must carry exactly one branch pair", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"cond": {ID: "cond", Type: models.NodeKindCondition},
			"yes":  plainNode("yes"),
		}, []models.Edge{
			{From: "cond", To: "yes", Label: models.EdgeCondTrue},
		})
		err := Validate(dsl)
		require.Error(t, err)
		assert.Equal(t, errs.CodeConditionEdges, errs.CodeOf(err))
	})

	t.Run("branch labels only on condition nodes", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
		}, []models.Edge{
			{From: "a", To: "b", Label: models.EdgeCondTrue},
		})
		err := Validate(dsl)
		require.Error(t, err)
		assert.Equal(t, errs.CodeConditionEdges, errs.CodeOf(err))
	})

	t.Run("rejects remote node inside a parallel region", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"root":   plainNode("root"),
			"local":  plainNode("local"),
			"remote": {ID: "remote", Type: models.NodeKindAgentExecute},
			"join":   {ID: "join", Type: models.NodeKindParallelJoin},
		}, []models.Edge{
			{From: "root", To: "local"},
			{From: "root", To: "remote"},
			{From: "local", To: "join"},
			{From: "remote", To: "join"},
		})
		err := Validate(dsl)
		require.Error(t, err)
		assert.Equal(t, errs.CodeParallelRemote, errs.CodeOf(err))
	})

	t.Run("remote node outside the region is fine", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"root":   plainNode("root"),
			"a":      plainNode("a"),
			"b":      plainNode("b"),
			"join":   {ID: "join", Type: models.NodeKindParallelJoin},
			"remote": {ID: "remote", Type: models.NodeKindAgentExecute},
		}, []models.Edge{
			{From: "root", To: "a"},
			{From: "root", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
			{From: "join", To: "remote"},
		})
		require.NoError(t, Validate(dsl))
	})

	t.Run("cloud-mode connector.action is not remote", func(t *testing.T) {
		dsl := graphDSL(map[string]models.Node{
			"root": plainNode("root"),
			"a":    plainNode("a"),
			"act": {ID: "act", Type: models.NodeKindConnectorAction,
				Config: json.RawMessage(`{"execution":{"mode":"cloud"}}`)},
			"join": {ID: "join", Type: models.NodeKindParallelJoin},
		}, []models.Edge{
			{From: "root", To: "a"},
			{From: "root", To: "act"},
			{From: "a", To: "join"},
			{From: "act", To: "join"},
		})
		require.NoError(t, Validate(dsl))
	})
}
