package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/models"
)

func step(nodeID, nodeType, output string) models.StepResult {
	s := models.StepResult{NodeID: nodeID, NodeType: nodeType}
	if output != "" {
		s.Output = json.RawMessage(output)
	}
	return s
}

func skippedStep(nodeID string) models.StepResult {
	return models.StepResult{NodeID: nodeID, NodeType: models.NodeKindHTTPRequest, Skipped: true}
}

func TestComputeFrontier(t *testing.T) {
	t.Run("roots are ready", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
		}, nil).Graph
		f := computeFrontier(g, &models.RunOutput{})
		assert.Equal(t, []string{"a", "b"}, f.Ready)
		assert.Empty(t, f.Skipped)
	})

	t.Run("node waits for all predecessors", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
			"c": plainNode("c"),
		}, []models.Edge{
			{From: "a", To: "c"},
			{From: "b", To: "c"},
		}).Graph

		out := &models.RunOutput{Steps: []models.StepResult{
			step("a", models.NodeKindHTTPRequest, `{}`),
		}}
		f := computeFrontier(g, out)
		assert.Equal(t, []string{"b"}, f.Ready)

		out.Steps = append(out.Steps, step("b", models.NodeKindHTTPRequest, `{}`))
		f = computeFrontier(g, out)
		assert.Equal(t, []string{"c"}, f.Ready)
	})

	t.Run("losing condition branch is skipped transitively", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"cond":  {ID: "cond", Type: models.NodeKindCondition},
			"yes":   plainNode("yes"),
			"no":    plainNode("no"),
			"after": plainNode("after"),
		}, []models.Edge{
			{From: "cond", To: "yes", Label: models.EdgeCondTrue},
			{From: "cond", To: "no", Label: models.EdgeCondFalse},
			{From: "no", To: "after"},
		}).Graph

		out := &models.RunOutput{Steps: []models.StepResult{
			step("cond", models.NodeKindCondition, `{"branch":"cond_true","matched":true}`),
		}}
		f := computeFrontier(g, out)
		assert.Equal(t, []string{"yes"}, f.Ready)
		assert.Equal(t, []string{"no"}, f.Skipped)

		// The skipped branch deadens its outgoing edges on the next pass.
		out.Steps = append(out.Steps,
			step("yes", models.NodeKindHTTPRequest, `{}`),
			skippedStep("no"))
		f = computeFrontier(g, out)
		assert.Empty(t, f.Ready)
		assert.Equal(t, []string{"after"}, f.Skipped)
	})

	t.Run("all-join waits for every branch", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"a":    plainNode("a"),
			"b":    plainNode("b"),
			"join": {ID: "join", Type: models.NodeKindParallelJoin},
		}, []models.Edge{
			{From: "a", To: "join"},
			{From: "b", To: "join"},
		}).Graph

		out := &models.RunOutput{Steps: []models.StepResult{
			step("a", models.NodeKindHTTPRequest, `{}`),
		}}
		f := computeFrontier(g, out)
		assert.Equal(t, []string{"b"}, f.Ready)
	})

	t.Run("any-join fires on first completion and cancels siblings", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
			"join": {ID: "join", Type: models.NodeKindParallelJoin,
				Config: json.RawMessage(`{"mode":"any"}`)},
		}, []models.Edge{
			{From: "a", To: "join"},
			{From: "b", To: "join"},
		}).Graph

		out := &models.RunOutput{Steps: []models.StepResult{
			step("a", models.NodeKindHTTPRequest, `{}`),
		}}
		f := computeFrontier(g, out)
		// The join outranks the remaining sibling in the ready order.
		require.NotEmpty(t, f.Ready)
		assert.Equal(t, "join", f.Ready[0])

		// Once the join fired, the unexecuted sibling is cancelled.
		out.Steps = append(out.Steps, step("join", models.NodeKindParallelJoin, `{"mode":"any"}`))
		f = computeFrontier(g, out)
		assert.Empty(t, f.Ready)
		assert.Equal(t, []string{"b"}, f.Skipped)
	})

	t.Run("join fed only by skipped branches is skipped", func(t *testing.T) {
		g := graphDSL(map[string]models.Node{
			"a": plainNode("a"),
			"b": plainNode("b"),
		}, []models.Edge{
			{From: "a", To: "b"},
		}).Graph

		out := &models.RunOutput{Steps: []models.StepResult{skippedStep("a")}}
		f := computeFrontier(g, out)
		assert.Empty(t, f.Ready)
		assert.Equal(t, []string{"b"}, f.Skipped)
	})
}
