package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// Node result statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

// NodeInput is the executor contract input: the run context a node sees.
type NodeInput struct {
	OrgID    string
	Run      *models.WorkflowRun
	Node     models.Node
	Steps    []models.StepResult
	RunInput json.RawMessage
	Runtime  *models.RunRuntime

	// PendingRemoteResult is set when the engine resumes a node that
	// previously returned blocked.
	PendingRemoteResult *models.RemoteResult

	// Emit forwards loop progress events into the run event stream.
	Emit func(eventType string, payload json.RawMessage)
}

// BlockRequest is the remote dispatch a blocked node hands back to the
// engine.
type BlockRequest struct {
	Kind      string
	Payload   json.RawMessage
	Selector  *models.ExecutorSelector
	TimeoutMs int
}

// NodeResult is the executor contract output. Failures surface as errors
// instead; their code becomes the run error on exhaustion.
type NodeResult struct {
	Status string
	Output json.RawMessage
	Block  *BlockRequest
}

// Executor runs one node kind.
type Executor interface {
	Execute(ctx context.Context, in *NodeInput) (*NodeResult, error)
}

// Registry maps node kinds to executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a node kind.
func (r *Registry) Register(kind string, ex Executor) {
	r.executors[kind] = ex
}

// Get looks the executor for a node kind up.
func (r *Registry) Get(kind string) (Executor, bool) {
	ex, ok := r.executors[kind]
	return ex, ok
}

// ── http.request ───────────────────────────────────────────

const maxHTTPResponseBytes = 1 << 20

type httpRequestConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// HTTPRequestExecutor performs a synchronous outbound HTTP call.
type HTTPRequestExecutor struct {
	client *http.Client
}

// NewHTTPRequestExecutor creates the executor with the given per-node
// timeout.
func NewHTTPRequestExecutor(timeout time.Duration) *HTTPRequestExecutor {
	return &HTTPRequestExecutor{client: &http.Client{Timeout: timeout}}
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	var cfg httpRequestConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "http.request config: %v", err)
	}
	if cfg.URL == "" {
		return nil, errs.New(errs.CodeInvalidNodeConfig, "http.request requires a url")
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "http.request: %v", err)
	}
	if len(cfg.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.CodeNodeExecutionTimeout, "http.request deadline exceeded")
		}
		return nil, errs.Newf(errs.CodeNodeExecutionFailed, "http.request transport: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, errs.Newf(errs.CodeNodeExecutionFailed, "http.request read: %v", err)
	}

	var responseBody any
	if err := json.Unmarshal(raw, &responseBody); err != nil {
		responseBody = string(raw)
	}
	output, err := json.Marshal(map[string]any{
		"status": resp.StatusCode,
		"body":   responseBody,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal http.request output: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Newf(errs.CodeNodeExecutionFailed, "http.request returned %d", resp.StatusCode)
	}
	return &NodeResult{Status: StatusSucceeded, Output: output}, nil
}

// ── condition ──────────────────────────────────────────────

// ConditionExecutor evaluates a path expression against the run input and
// prior step outputs and selects one branch.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, in *NodeInput) (*NodeResult, error) {
	var cfg models.ConditionConfig
	if err := json.Unmarshal(in.Node.Config, &cfg); err != nil {
		return nil, errs.Newf(errs.CodeInvalidNodeConfig, "condition config: %v", err)
	}
	if cfg.Path == "" || cfg.Op == "" {
		return nil, errs.New(errs.CodeInvalidNodeConfig, "condition requires path and op")
	}

	doc := conditionDocument(in.RunInput, in.Steps)
	value, found := lookupPath(doc, cfg.Path)

	matched, err := evaluateCondition(cfg, value, found)
	if err != nil {
		return nil, err
	}
	branch := models.EdgeCondFalse
	if matched {
		branch = models.EdgeCondTrue
	}
	output, err := json.Marshal(conditionOutput{Branch: branch, Matched: matched})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal condition output: %w", err)
	}
	return &NodeResult{Status: StatusSucceeded, Output: output}, nil
}

// conditionDocument builds the lookup root: the run input's fields, plus a
// "steps" subtree holding each completed node's output by id.
func conditionDocument(input json.RawMessage, steps []models.StepResult) map[string]any {
	doc := map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &doc)
	}
	stepOutputs := map[string]any{}
	for _, s := range steps {
		var out any
		if len(s.Output) > 0 {
			_ = json.Unmarshal(s.Output, &out)
		}
		stepOutputs[s.NodeID] = out
	}
	doc["steps"] = stepOutputs
	return doc
}

// lookupPath walks dot-separated keys through nested objects.
func lookupPath(doc any, path string) (any, bool) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evaluateCondition(cfg models.ConditionConfig, value any, found bool) (bool, error) {
	var want any
	if len(cfg.Value) > 0 {
		if err := json.Unmarshal(cfg.Value, &want); err != nil {
			return false, errs.Newf(errs.CodeInvalidNodeConfig, "condition value: %v", err)
		}
	}
	switch cfg.Op {
	case models.CondOpExists:
		return found, nil
	case models.CondOpEq:
		return found && reflect.DeepEqual(value, want), nil
	case models.CondOpNe:
		return !found || !reflect.DeepEqual(value, want), nil
	case models.CondOpGt, models.CondOpLt:
		got, okGot := value.(float64)
		wantNum, okWant := want.(float64)
		if !found || !okGot || !okWant {
			return false, nil
		}
		if cfg.Op == models.CondOpGt {
			return got > wantNum, nil
		}
		return got < wantNum, nil
	default:
		return false, errs.Newf(errs.CodeInvalidNodeConfig, "unknown condition op %q", cfg.Op)
	}
}

// ── parallel.join ──────────────────────────────────────────

// JoinExecutor records barrier satisfaction. Readiness itself is decided by
// the frontier computation; by the time this runs the barrier has fired.
type JoinExecutor struct{}

func (e *JoinExecutor) Execute(_ context.Context, in *NodeInput) (*NodeResult, error) {
	mode := joinMode(in.Node)
	output, err := json.Marshal(map[string]string{"mode": mode})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal join output: %w", err)
	}
	return &NodeResult{Status: StatusSucceeded, Output: output}, nil
}
