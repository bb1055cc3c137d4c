package agentloop

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/vespid-ai/vespid/pkg/llm"
	"github.com/vespid-ai/vespid/pkg/models"
)

// plainEntry marks history entries not tied to a tool call.
const plainEntry = -1

// stateSize returns the serialized size of the runtime state in bytes. This
// is what the maxRuntimeChars bound applies to.
func stateSize(state *models.AgentRunState) int {
	b, err := json.Marshal(state)
	if err != nil {
		return 0
	}
	return len(b)
}

// trimHistory drops the oldest history entries until the serialized state
// fits maxChars. The leading system entry survives, as do entries tied to
// the pending tool call — they are the resume point.
func trimHistory(state *models.AgentRunState, maxChars int) {
	for len(state.History) > 1 && stateSize(state) > maxChars {
		dropped := false
		for i := 1; i < len(state.History); i++ {
			if state.PendingToolCall != nil &&
				state.History[i].CallIndex == state.PendingToolCall.CallIndex {
				continue
			}
			state.History = append(state.History[:i], state.History[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			return
		}
	}
}

// historyMessages converts persisted history into the provider message list.
func historyMessages(state *models.AgentRunState) []llm.Message {
	msgs := make([]llm.Message, 0, len(state.History))
	for _, e := range state.History {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// recordToolResult writes the result into the write-once map and appends the
// synthesized tool_result message the next LLM turn will see.
func recordToolResult(state *models.AgentRunState, callIndex int, res *ToolResult, summary string) {
	if state.ToolResultsByCallIdx == nil {
		state.ToolResultsByCallIdx = make(map[int]json.RawMessage)
	}
	if _, exists := state.ToolResultsByCallIdx[callIndex]; !exists {
		recorded, err := json.Marshal(res)
		if err == nil {
			state.ToolResultsByCallIdx[callIndex] = recorded
		}
	}
	state.History = append(state.History, models.HistoryEntry{
		Role:      models.RoleUser,
		Content:   fmt.Sprintf("tool_result (call %d, %s): %s", callIndex, res.Status, summary),
		CallIndex: callIndex,
	})
}

// summarize bounds raw JSON for inclusion in history and events. The cut
// backs up to a rune boundary so the summary stays valid UTF-8.
func summarize(raw json.RawMessage, maxChars int) string {
	s := string(raw)
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…(truncated)"
}

// toolResultSummary renders a size-bounded summary of a tool outcome.
func toolResultSummary(res *ToolResult, maxChars int) string {
	if res.Status == StatusFailed {
		return res.Error
	}
	return summarize(res.Output, maxChars)
}
