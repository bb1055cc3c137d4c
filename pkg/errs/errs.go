// Package errs defines the stable error codes shared by the engine, the
// agent loop, the gateway and the API surface. Codes are part of the public
// contract: they are persisted on failed runs and returned to API clients,
// so they must never change meaning.
package errs

import (
	"errors"
	"fmt"
)

// Validation codes.
const (
	CodeInvalidNodeConfig      = "INVALID_NODE_CONFIG"
	CodeInvalidActionInput     = "INVALID_ACTION_INPUT"
	CodeInvalidAgentOutput     = "INVALID_AGENT_OUTPUT"
	CodeInvalidAgentJSONOutput = "INVALID_AGENT_JSON_OUTPUT"
	CodeInvalidToolInput       = "INVALID_TOOL_INPUT"
	CodeGraphCycleDetected     = "GRAPH_CYCLE_DETECTED"
	CodeConditionEdges         = "CONDITION_EDGE_CONSTRAINTS"
	CodeParallelRemote         = "PARALLEL_REMOTE_NOT_SUPPORTED"
	CodeInvalidCronExpression  = "INVALID_CRON_EXPRESSION"
)

// Policy codes. TOOL_NOT_ALLOWED and TOOL_POLICY_DENIED carry the tool id as
// a suffix; use ToolNotAllowed / ToolPolicyDenied to build them.
const (
	CodeToolNotAllowed   = "TOOL_NOT_ALLOWED"
	CodeToolPolicyDenied = "TOOL_POLICY_DENIED"
	CodeCreditsExhausted = "CREDITS_EXHAUSTED"
	CodeOrgQuotaExceeded = "ORG_QUOTA_EXCEEDED"
)

// Transport / provider codes.
const (
	CodeLLMTimeout               = "LLM_TIMEOUT"
	CodeOpenAIRequestFailed      = "OPENAI_REQUEST_FAILED"
	CodeOpenAIResponseInvalid    = "OPENAI_RESPONSE_INVALID"
	CodeAnthropicRequestFailed   = "ANTHROPIC_REQUEST_FAILED"
	CodeAnthropicResponseInvalid = "ANTHROPIC_RESPONSE_INVALID"
	CodeGeminiRequestFailed      = "GEMINI_REQUEST_FAILED"
	CodeGeminiResponseInvalid    = "GEMINI_RESPONSE_INVALID"
	CodeVertexTokenFailed        = "VERTEX_TOKEN_FAILED"
)

// Dispatch codes.
const (
	CodeNoAgentAvailable      = "NO_AGENT_AVAILABLE"
	CodePinnedAgentOffline    = "PINNED_AGENT_OFFLINE"
	CodeAgentDisconnected     = "AGENT_DISCONNECTED"
	CodeExecutorOverCapacity  = "EXECUTOR_OVER_CAPACITY"
	CodeGatewayUnavailable    = "GATEWAY_UNAVAILABLE"
	CodeGatewayNotConfigured  = "GATEWAY_NOT_CONFIGURED"
	CodeGatewayDispatchFailed = "GATEWAY_DISPATCH_FAILED"
	CodeGatewayRespInvalid    = "GATEWAY_RESPONSE_INVALID"
	CodeNodeExecutionFailed   = "NODE_EXECUTION_FAILED"
	CodeNodeExecutionTimeout  = "NODE_EXECUTION_TIMEOUT"
	CodeRemoteResultInvalid   = "REMOTE_RESULT_INVALID"
)

// Infra codes.
const (
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	CodeCancelled        = "CANCELLED"
	CodeSessionClosed    = "SESSION_CLOSED"
)

// Coded is an error carrying a stable string code. The code is what gets
// persisted and surfaced; Message is human-readable detail and must never
// contain secrets or credentials.
type Coded struct {
	Code    string
	Message string
}

func (e *Coded) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// New creates a Coded error.
func New(code, message string) error {
	return &Coded{Code: code, Message: message}
}

// Newf creates a Coded error with a formatted message.
func Newf(code, format string, args ...any) error {
	return &Coded{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStatus appends an HTTP status suffix to a code, e.g.
// "OPENAI_REQUEST_FAILED:503".
func WithStatus(code string, status int) error {
	return &Coded{Code: fmt.Sprintf("%s:%d", code, status)}
}

// ToolNotAllowed builds the TOOL_NOT_ALLOWED:<id> policy error.
func ToolNotAllowed(toolID string) error {
	return &Coded{Code: CodeToolNotAllowed + ":" + toolID}
}

// ToolPolicyDenied builds the TOOL_POLICY_DENIED:<id> policy error.
func ToolPolicyDenied(toolID string) error {
	return &Coded{Code: CodeToolPolicyDenied + ":" + toolID}
}

// CodeOf extracts the stable code from an error. Non-Coded errors map to
// NODE_EXECUTION_FAILED, the engine's catch-all.
func CodeOf(err error) string {
	var coded *Coded
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeNodeExecutionFailed
}

// Is reports whether err carries the given code (ignoring any suffix after
// the first colon for suffixed codes like TOOL_NOT_ALLOWED:<id>).
func Is(err error, code string) bool {
	var coded *Coded
	if !errors.As(err, &coded) {
		return false
	}
	if coded.Code == code {
		return true
	}
	return len(coded.Code) > len(code) && coded.Code[:len(code)] == code && coded.Code[len(code)] == ':'
}

// Retryable reports whether the engine should retry a failed node. Policy
// denials, validation failures and quota exceedances fail immediately;
// transport-layer failures go through the queue's backoff.
func Retryable(err error) bool {
	var coded *Coded
	if !errors.As(err, &coded) {
		return true
	}
	switch {
	case Is(err, CodeToolNotAllowed),
		Is(err, CodeToolPolicyDenied):
		return false
	}
	switch coded.Code {
	case CodeInvalidNodeConfig, CodeInvalidActionInput, CodeInvalidAgentOutput,
		CodeInvalidAgentJSONOutput, CodeInvalidToolInput,
		CodeGraphCycleDetected, CodeConditionEdges, CodeParallelRemote,
		CodeCreditsExhausted, CodeOrgQuotaExceeded, CodeCancelled:
		return false
	}
	return true
}
