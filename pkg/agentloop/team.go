package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// TeamConfig names the teammates a parent agent may delegate to.
type TeamConfig struct {
	Teammates   map[string]Teammate `json:"teammates"`
	MaxParallel int                 `json:"maxParallel,omitempty"`
}

// Teammate is one delegable sub-agent. An empty Model inherits the parent's.
type Teammate struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

type delegateInput struct {
	Teammate     string `json:"teammate"`
	Instructions string `json:"instructions"`
}

type mapInput struct {
	Teammate     string            `json:"teammate"`
	Instructions string            `json:"instructions"`
	Items        []json.RawMessage `json:"items"`
	MaxParallel  int               `json:"maxParallel,omitempty"`
}

// teamDelegate runs a single teammate loop. Teammate failures feed back to
// the parent as a failed tool_result rather than killing the parent loop.
func (l *Loop) teamDelegate(ctx context.Context, p *Params, limits Limits, input json.RawMessage) *ToolResult {
	var in delegateInput
	if err := json.Unmarshal(input, &in); err != nil || in.Teammate == "" {
		return &ToolResult{Status: StatusFailed, Error: errs.CodeInvalidToolInput}
	}
	output, err := l.runTeammate(ctx, p, limits, in.Teammate, in.Instructions, nil)
	if err != nil {
		return &ToolResult{Status: StatusFailed, Error: errs.CodeOf(err)}
	}
	return &ToolResult{Status: StatusSucceeded, Output: output}
}

// teamMap fans one teammate out over a list of items with bounded
// parallelism. Item results keep input order; the first failure is reported
// but remaining items still run to completion.
func (l *Loop) teamMap(ctx context.Context, p *Params, limits Limits, input json.RawMessage) *ToolResult {
	var in mapInput
	if err := json.Unmarshal(input, &in); err != nil || in.Teammate == "" || len(in.Items) == 0 {
		return &ToolResult{Status: StatusFailed, Error: errs.CodeInvalidToolInput}
	}

	parallel := l.cfg.TeamMaxParallel
	if in.MaxParallel > 0 && in.MaxParallel < parallel {
		parallel = in.MaxParallel
	}
	if parallel < 1 {
		parallel = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, parallel)
	outputs := make([]json.RawMessage, len(in.Items))

	for i, item := range in.Items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item json.RawMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			out, err := l.runTeammate(ctx, p, limits, in.Teammate, in.Instructions, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			outputs[i] = out
		}(i, item)
	}
	wg.Wait()

	if firstErr != nil {
		return &ToolResult{Status: StatusFailed, Error: errs.CodeOf(firstErr)}
	}
	combined, err := json.Marshal(outputs)
	if err != nil {
		return &ToolResult{Status: StatusFailed, Error: errs.CodeNodeExecutionFailed}
	}
	return &ToolResult{Status: StatusSucceeded, Output: combined}
}

// runTeammate executes a nested loop for one teammate under the parent's
// deadline. The teammate allowlist is the intersection with the parent's,
// with delegation tools excluded so delegation cannot recurse.
func (l *Loop) runTeammate(ctx context.Context, p *Params, limits Limits, name, instructions string, item json.RawMessage) (json.RawMessage, error) {
	if p.Team == nil {
		return nil, errs.New(errs.CodeInvalidToolInput, "node has no team configured")
	}
	tm, ok := p.Team.Teammates[name]
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidToolInput, "unknown teammate %q", name)
	}

	model := tm.Model
	if model == "" {
		model = p.Model
	}
	child := &Params{
		OrgID:        p.OrgID,
		Provider:     p.Provider,
		Model:        model,
		SystemPrompt: tm.SystemPrompt,
		Instructions: instructions,
		Input:        item,
		AllowedTools: intersectAllow(p.AllowedTools, tm.AllowedTools),
		Limits:       limits,
		Emit:         p.Emit,
	}

	state := &models.AgentRunState{}
	res, err := l.Run(ctx, child, state, nil)
	if err != nil {
		return nil, fmt.Errorf("teammate %s failed: %w", name, err)
	}
	if res.Status == StatusBlocked {
		return nil, errs.New(errs.CodeNodeExecutionFailed,
			"teammates cannot dispatch remote tools")
	}
	return res.Output, nil
}

// intersectAllow intersects the parent allowlist with the teammate's and
// strips the delegation tools. A parent wildcard yields the teammate list
// as-is (minus delegation).
func intersectAllow(parent, teammate []string) []string {
	var out []string
	for _, id := range teammate {
		if id == ToolTeamDelegate || id == ToolTeamMap {
			continue
		}
		if allowed(parent, id) {
			out = append(out, id)
		}
	}
	return out
}
