package workflow

import (
	"encoding/json"
	"sort"

	"github.com/vespid-ai/vespid/pkg/models"
)

// conditionOutput is the recorded output of a condition node; Branch picks
// the live outgoing edge.
type conditionOutput struct {
	Branch  string `json:"branch"`
	Matched bool   `json:"matched"`
}

// frontier is the interpreter's view of one evaluation step: nodes ready to
// execute and nodes decided skipped (dead branches, cancelled siblings).
type frontier struct {
	Ready   []string
	Skipped []string
}

// computeFrontier derives the ready set from the recorded steps. A node is
// ready when every predecessor carries a step and at least one incoming
// edge is live; it is skipped when all incoming edges are dead. Dead
// branches propagate: a skipped node deadens its outgoing edges, which is
// what marks a condition's losing branch and its descendants skipped.
func computeFrontier(g *models.Graph, out *models.RunOutput) frontier {
	var f frontier
	skippedSet := map[string]bool{}

	for _, id := range sortedNodeIDs(g) {
		if out.StepFor(id) != nil {
			continue
		}
		incoming := incomingEdges(g, id)
		if len(incoming) == 0 {
			f.Ready = append(f.Ready, id)
			continue
		}

		node := g.Nodes[id]
		anyJoin := node.Type == models.NodeKindParallelJoin && joinMode(node) == models.JoinModeAny

		stepped, live, succeededLive := 0, 0, 0
		for _, e := range incoming {
			pred := out.StepFor(e.From)
			if pred == nil {
				continue
			}
			stepped++
			if !edgeLive(g, e, pred) {
				continue
			}
			live++
			if !pred.Skipped {
				succeededLive++
			}
		}

		switch {
		case anyJoin && succeededLive > 0:
			f.Ready = append(f.Ready, id)
		case stepped < len(incoming):
			// waiting on predecessors
		case live == 0:
			f.Skipped = append(f.Skipped, id)
			skippedSet[id] = true
		default:
			f.Ready = append(f.Ready, id)
		}
	}

	// A fired any-mode join cancels its unexecuted siblings: everything that
	// only feeds the join is skipped, best-effort.
	for id, node := range g.Nodes {
		if node.Type != models.NodeKindParallelJoin || joinMode(node) != models.JoinModeAny {
			continue
		}
		if out.StepFor(id) == nil {
			continue
		}
		for pred := range reachingTo(g, id) {
			if out.StepFor(pred) == nil && !skippedSet[pred] {
				f.Skipped = append(f.Skipped, pred)
				skippedSet[pred] = true
			}
		}
	}

	// Cancelled siblings drop out of the ready set.
	if len(skippedSet) > 0 {
		ready := f.Ready[:0]
		for _, id := range f.Ready {
			if !skippedSet[id] {
				ready = append(ready, id)
			}
		}
		f.Ready = ready
	}

	sortReady(g, f.Ready)
	sort.Strings(f.Skipped)
	return f
}

// sortReady orders the ready set: parallel.join nodes first (an any-join
// must fire before its remaining siblings run), then stable by id.
func sortReady(g *models.Graph, ready []string) {
	sort.SliceStable(ready, func(i, j int) bool {
		iJoin := g.Nodes[ready[i]].Type == models.NodeKindParallelJoin
		jJoin := g.Nodes[ready[j]].Type == models.NodeKindParallelJoin
		if iJoin != jJoin {
			return iJoin
		}
		return ready[i] < ready[j]
	})
}

// edgeLive reports whether a completed predecessor activates the edge.
func edgeLive(g *models.Graph, e models.Edge, pred *models.StepResult) bool {
	if pred.Skipped {
		return false
	}
	if g.Nodes[e.From].Type == models.NodeKindCondition {
		var cond conditionOutput
		if len(pred.Output) > 0 {
			_ = json.Unmarshal(pred.Output, &cond)
		}
		return e.Label == cond.Branch
	}
	return e.Label == ""
}

func incomingEdges(g *models.Graph, id string) []models.Edge {
	var edges []models.Edge
	for _, e := range g.Edges {
		if e.To == id {
			edges = append(edges, e)
		}
	}
	return edges
}

func joinMode(node models.Node) string {
	var cfg models.JoinConfig
	if len(node.Config) > 0 {
		_ = json.Unmarshal(node.Config, &cfg)
	}
	if cfg.Mode == "" {
		return models.JoinModeAll
	}
	return cfg.Mode
}

// allResolved reports whether every graph node carries a step.
func allResolved(g *models.Graph, out *models.RunOutput) bool {
	for id := range g.Nodes {
		if out.StepFor(id) == nil {
			return false
		}
	}
	return true
}
