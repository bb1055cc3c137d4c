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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini speaks the generateContent API with an API key.
type Gemini struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGemini creates the Gemini adapter.
func NewGemini(cfg Config) *Gemini {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &Gemini{apiKey: cfg.APIKey, baseURL: baseURL, client: newHTTPClient(cfg)}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  *struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// buildGeminiRequest maps chat messages onto the contents/systemInstruction
// shape. Assistant turns become role "model"; system turns collect into the
// system instruction.
func buildGeminiRequest(req Request) geminiRequest {
	var system []string
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	out := geminiRequest{Contents: contents}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.MaxTokens > 0 {
		out.GenerationConfig = &struct {
			MaxOutputTokens int `json:"maxOutputTokens"`
		}{MaxOutputTokens: req.MaxTokens}
	}
	return out
}

func parseGeminiResponse(body []byte) (*Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Newf(errs.CodeGeminiResponseInvalid, "malformed response body: %v", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errs.New(errs.CodeGeminiResponseInvalid, "no candidates in response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &Response{
		Content: text.String(),
		Usage: normalizeUsage(resp.UsageMetadata.PromptTokenCount,
			resp.UsageMetadata.CandidatesTokenCount, resp.UsageMetadata.TotalTokenCount),
	}, nil
}

// Infer implements Provider.
func (p *Gemini) Infer(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	status, body, err := send(ctx, p.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", p.apiKey)
		return httpReq, nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errs.WithStatus(errs.CodeGeminiRequestFailed, status)
	}

	return parseGeminiResponse(body)
}
