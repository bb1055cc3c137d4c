package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vespid-ai/vespid/pkg/errs"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// The messages API requires max_tokens; used when the caller left it
	// unset.
	anthropicDefaultMaxTokens = 4096
)

// Anthropic speaks the Anthropic-compatible messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic creates the Anthropic-compatible adapter.
func NewAnthropic(cfg Config) *Anthropic {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &Anthropic{apiKey: cfg.APIKey, baseURL: baseURL, client: newHTTPClient(cfg)}
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Infer implements Provider. System messages are folded into the top-level
// system field; the messages array carries only user/assistant turns.
func (p *Anthropic) Infer(ctx context.Context, req Request) (*Response, error) {
	var system []string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	payload, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		System:    strings.Join(system, "\n\n"),
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	status, body, err := send(ctx, p.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.WithStatus(errs.CodeAnthropicRequestFailed, status)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Newf(errs.CodeAnthropicResponseInvalid, "malformed response body: %v", err)
	}
	if len(resp.Content) == 0 {
		return nil, errs.New(errs.CodeAnthropicResponseInvalid, "no content blocks in response")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Content: text.String(),
		Usage:   normalizeUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens, 0),
	}, nil
}
