package agentloop

import (
	"encoding/json"
	"strings"

	"github.com/vespid-ai/vespid/pkg/errs"
)

// Envelope types. The model must answer with exactly one of these.
const (
	envelopeFinal    = "final"
	envelopeToolCall = "tool_call"
)

// envelope is the closed sum type the LLM replies with: a final answer or a
// tool call request, discriminated by Type.
type envelope struct {
	Type   string          `json:"type"`
	Output json.RawMessage `json:"output,omitempty"`
	ToolID string          `json:"toolId,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// parseEnvelope extracts the JSON envelope from a model reply. Replies
// wrapped in markdown code fences are unwrapped first; anything that does
// not decode to one of the two envelope shapes is INVALID_AGENT_OUTPUT.
func parseEnvelope(content string) (*envelope, error) {
	raw := stripFences(content)

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, errs.Newf(errs.CodeInvalidAgentOutput, "reply is not a JSON envelope: %v", err)
	}
	switch env.Type {
	case envelopeFinal:
		return &env, nil
	case envelopeToolCall:
		if env.ToolID == "" {
			return nil, errs.New(errs.CodeInvalidAgentOutput, "tool_call envelope missing toolId")
		}
		return &env, nil
	default:
		return nil, errs.Newf(errs.CodeInvalidAgentOutput, "unknown envelope type %q", env.Type)
	}
}

func stripFences(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
