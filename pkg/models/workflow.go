package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the publication state of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPublished WorkflowStatus = "published"
)

// Workflow is an org-scoped workflow definition. Published workflows are
// immutable with respect to their DSL within a revision.
type Workflow struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	Name      string          `json:"name"`
	Status    WorkflowStatus  `json:"status"`
	Revision  int             `json:"revision"`
	DSL       json.RawMessage `json:"dsl"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DSL versions. v2 is an ordered node list; v3 is a nodes map plus edges.
const (
	DSLVersion2 = "v2"
	DSLVersion3 = "v3"
)

// Node kinds understood by the interpreter. condition and parallel.join are
// structural; the rest resolve through the node executor registry.
const (
	NodeKindHTTPRequest     = "http.request"
	NodeKindCondition       = "condition"
	NodeKindParallelJoin    = "parallel.join"
	NodeKindConnectorAction = "connector.action"
	NodeKindAgentExecute    = "agent.execute"
	NodeKindAgentRun        = "agent.run"
)

// Edge labels emitted by condition nodes.
const (
	EdgeCondTrue  = "cond_true"
	EdgeCondFalse = "cond_false"
)

// Join modes for parallel.join nodes.
const (
	JoinModeAll = "all"
	JoinModeAny = "any"
)

// Execution modes for connector.action and agent nodes.
const (
	ExecModeCloud    = "cloud"
	ExecModeNode     = "node"
	ExecModeExecutor = "executor"
)

// WorkflowDSL is the parsed workflow definition. Either Nodes (v2) or Graph
// (v3) is populated, never both.
type WorkflowDSL struct {
	Version string          `json:"version"`
	Trigger json.RawMessage `json:"trigger,omitempty"`
	Nodes   []Node          `json:"nodes,omitempty"`
	Graph   *Graph          `json:"graph,omitempty"`
}

// Graph is the v3 node/edge form.
type Graph struct {
	Nodes map[string]Node `json:"nodes"`
	Edges []Edge          `json:"edges"`
}

// Edge connects two graph nodes. Label is empty for plain edges and
// cond_true/cond_false on the two outgoing edges of a condition node.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Node is one unit of work in the graph.
type Node struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ConditionConfig is the config payload of a condition node. Path addresses
// a value in the run input/previous step outputs using dot notation.
type ConditionConfig struct {
	Path  string          `json:"path"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Condition operators.
const (
	CondOpEq     = "eq"
	CondOpNe     = "ne"
	CondOpExists = "exists"
	CondOpGt     = "gt"
	CondOpLt     = "lt"
)

// JoinConfig is the config payload of a parallel.join node.
type JoinConfig struct {
	Mode     string `json:"mode"` // all | any
	FailFast bool   `json:"failFast,omitempty"`
}

// ExecutorSelector constrains which executor may serve a remote payload.
type ExecutorSelector struct {
	Pool       string            `json:"pool,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Group      string            `json:"group,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	ExecutorID string            `json:"executorId,omitempty"`
}
