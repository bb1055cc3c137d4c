// Package llm provides uniform inference over the supported model providers.
// Adapters speak each provider's raw HTTP API so custom base URLs keep
// working. Retries apply only to 429 and 5xx responses, and a single
// deadline (the caller's context) governs transport and retries together.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Provider names accepted in Config.Provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderVertex    = "vertex"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is token accounting normalized across providers. Absent provider
// fields are zero-filled; TotalTokens falls back to input+output.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Request is a single inference call.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// Response is a completed inference.
type Response struct {
	Content string
	Usage   Usage
}

// Provider is the uniform inference interface the agent loop consumes.
type Provider interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// Config selects and authenticates a provider.
type Config struct {
	Provider string
	APIKey   string
	// BaseURL overrides the provider's default endpoint. Optional.
	BaseURL string

	// Vertex OAuth fields.
	Project      string
	Region       string
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Timeout bounds each transport attempt. The per-call context still
	// bounds the whole Infer, retries included.
	Timeout time.Duration
}

// New builds the provider adapter for cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	case ProviderGemini:
		return NewGemini(cfg), nil
	case ProviderVertex:
		return NewVertex(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func newHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func normalizeUsage(input, output, total int) Usage {
	if total == 0 {
		total = input + output
	}
	return Usage{InputTokens: input, OutputTokens: output, TotalTokens: total}
}
