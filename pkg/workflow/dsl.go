// Package workflow implements the workflow DSL, the graph interpreter and
// the run engine: checkpointed one-node-at-a-time execution with retry,
// blocked remote dispatch and continuation-based resume.
package workflow

import (
	"encoding/json"
	"sort"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// ParseDSL decodes a workflow DSL and lifts v2 documents to the v3 graph
// form so the interpreter has a single evaluation model.
func ParseDSL(raw json.RawMessage) (*models.WorkflowDSL, error) {
	var dsl models.WorkflowDSL
	if err := json.Unmarshal(raw, &dsl); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "workflow dsl is not valid JSON: %v", err)
	}
	switch dsl.Version {
	case models.DSLVersion2:
		return UpgradeV2(&dsl), nil
	case models.DSLVersion3:
		if dsl.Graph == nil {
			return nil, errs.New(errs.CodeInvalidNodeConfig, "v3 dsl missing graph")
		}
		return &dsl, nil
	default:
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "unsupported dsl version %q", dsl.Version)
	}
}

// UpgradeV2 lifts an ordered node list into a linear v3 graph.
func UpgradeV2(dsl *models.WorkflowDSL) *models.WorkflowDSL {
	graph := &models.Graph{Nodes: make(map[string]models.Node, len(dsl.Nodes))}
	for i, node := range dsl.Nodes {
		graph.Nodes[node.ID] = node
		if i > 0 {
			graph.Edges = append(graph.Edges, models.Edge{
				From: dsl.Nodes[i-1].ID,
				To:   node.ID,
			})
		}
	}
	return &models.WorkflowDSL{
		Version: models.DSLVersion3,
		Trigger: dsl.Trigger,
		Graph:   graph,
	}
}

// Validate runs the static checks a workflow must pass at publish time:
// the edges form a DAG over known nodes, condition nodes carry exactly one
// cond_true and one cond_false edge, and no remote-capable node sits inside
// a parallel region.
func Validate(dsl *models.WorkflowDSL) error {
	g := dsl.Graph
	if g == nil || len(g.Nodes) == 0 {
		return errs.New(errs.CodeInvalidNodeConfig, "workflow has no nodes")
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return errs.Newf(errs.CodeInvalidNodeConfig, "edge references unknown node %q", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return errs.Newf(errs.CodeInvalidNodeConfig, "edge references unknown node %q", e.To)
		}
	}
	if err := checkAcyclic(g); err != nil {
		return err
	}
	if err := checkConditionEdges(g); err != nil {
		return err
	}
	return checkParallelRemote(g)
}

// checkAcyclic runs Kahn's algorithm; leftover nodes sit on a cycle.
func checkAcyclic(g *models.Graph) error {
	indegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		indegree[e.To]++
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range g.Edges {
			if e.From != id {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}
	if visited != len(g.Nodes) {
		return errs.New(errs.CodeGraphCycleDetected, "workflow graph contains a cycle")
	}
	return nil
}

// checkConditionEdges enforces the branch shape: every condition node has
// exactly one cond_true and one cond_false outgoing edge, and branch labels
// appear nowhere else.
func checkConditionEdges(g *models.Graph) error {
	for id, node := range g.Nodes {
		var condTrue, condFalse, other int
		for _, e := range g.Edges {
			if e.From != id {
				continue
			}
			switch e.Label {
			case models.EdgeCondTrue:
				condTrue++
			case models.EdgeCondFalse:
				condFalse++
			default:
				other++
			}
		}
		if node.Type == models.NodeKindCondition {
			if condTrue != 1 || condFalse != 1 || other != 0 {
				return errs.Newf(errs.CodeConditionEdges,
					"condition node %q must have exactly one cond_true and one cond_false edge", id)
			}
		} else if condTrue+condFalse > 0 {
			return errs.Newf(errs.CodeConditionEdges,
				"node %q is not a condition but carries branch-labeled edges", id)
		}
	}
	return nil
}

// checkParallelRemote rejects remote-capable nodes between a fan-out and a
// parallel.join. The scan is conservative and purely node-kind based: a
// blocked node inside a parallel region would deadlock the barrier.
func checkParallelRemote(g *models.Graph) error {
	var joins []string
	for id, node := range g.Nodes {
		if node.Type == models.NodeKindParallelJoin {
			joins = append(joins, id)
		}
	}
	if len(joins) == 0 {
		return nil
	}

	for fanOut := range g.Nodes {
		if countPlainOutgoing(g, fanOut) < 2 {
			continue
		}
		reach := reachableFrom(g, fanOut)
		for _, join := range joins {
			if !reach[join] {
				continue
			}
			coreach := reachingTo(g, join)
			for id := range g.Nodes {
				if id == fanOut || id == join || !reach[id] || !coreach[id] {
					continue
				}
				if remoteCapable(g.Nodes[id]) {
					return errs.Newf(errs.CodeParallelRemote,
						"remote node %q may not run inside a parallel region", id)
				}
			}
		}
	}
	return nil
}

func countPlainOutgoing(g *models.Graph, id string) int {
	n := 0
	for _, e := range g.Edges {
		if e.From == id && e.Label == "" {
			n++
		}
	}
	return n
}

func reachableFrom(g *models.Graph, start string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Edges {
			if e.From == id && !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}

func reachingTo(g *models.Graph, end string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{end}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Edges {
			if e.To == id && !seen[e.From] {
				seen[e.From] = true
				stack = append(stack, e.From)
			}
		}
	}
	return seen
}

// executionMode extracts config.execution.mode, empty when absent.
func executionMode(node models.Node) string {
	var cfg struct {
		Execution struct {
			Mode string `json:"mode"`
		} `json:"execution"`
	}
	if len(node.Config) > 0 {
		_ = json.Unmarshal(node.Config, &cfg)
	}
	return cfg.Execution.Mode
}

// remoteCapable reports whether the node kind/mode can return blocked.
func remoteCapable(node models.Node) bool {
	switch node.Type {
	case models.NodeKindAgentExecute:
		return true
	case models.NodeKindConnectorAction:
		return executionMode(node) == models.ExecModeNode
	case models.NodeKindAgentRun:
		mode := executionMode(node)
		return mode == models.ExecModeNode || mode == models.ExecModeExecutor
	}
	return false
}

// sortedNodeIDs returns the graph's node ids in stable order.
func sortedNodeIDs(g *models.Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
