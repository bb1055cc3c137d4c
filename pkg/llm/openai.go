package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vespid-ai/vespid/pkg/errs"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI speaks the OpenAI-compatible chat completions API. Any provider
// exposing the same shape (together, groq, local gateways) works through a
// custom BaseURL.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates the OpenAI-compatible adapter.
func NewOpenAI(cfg Config) *OpenAI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{apiKey: cfg.APIKey, baseURL: baseURL, client: newHTTPClient(cfg)}
}

type openAIRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Infer implements Provider.
func (p *OpenAI) Infer(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	status, body, err := send(ctx, p.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.WithStatus(errs.CodeOpenAIRequestFailed, status)
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Newf(errs.CodeOpenAIResponseInvalid, "malformed response body: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.CodeOpenAIResponseInvalid, "no choices in response")
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: normalizeUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
			resp.Usage.TotalTokens),
	}, nil
}
