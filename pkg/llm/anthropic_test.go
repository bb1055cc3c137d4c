package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid/pkg/errs"
)

func TestAnthropicInfer(t *testing.T) {
	t.Run("system messages fold into system field", func(t *testing.T) {
		var captured anthropicRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
			assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			w.Write([]byte(`{
				"content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],
				"usage":{"input_tokens":8,"output_tokens":2}
			}`))
		}))
		defer srv.Close()

		p := NewAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL})
		resp, err := p.Infer(context.Background(), Request{
			Model: "claude-sonnet-4-5",
			Messages: []Message{
				{Role: "system", Content: "be terse"},
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "yes?"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "be terse", captured.System)
		require.Len(t, captured.Messages, 2)
		assert.Equal(t, "user", captured.Messages[0].Role)
		assert.Equal(t, anthropicDefaultMaxTokens, captured.MaxTokens)

		assert.Equal(t, "hi there", resp.Content)
		assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10}, resp.Usage)
	})

	t.Run("request failure carries status suffix", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		p := NewAnthropic(Config{BaseURL: srv.URL})
		_, err := p.Infer(context.Background(), Request{Model: "claude-sonnet-4-5"})
		require.Error(t, err)
		assert.Equal(t, "ANTHROPIC_REQUEST_FAILED:403", errs.CodeOf(err))
	})

	t.Run("missing content blocks", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"content":[]}`))
		}))
		defer srv.Close()

		p := NewAnthropic(Config{BaseURL: srv.URL})
		_, err := p.Infer(context.Background(), Request{Model: "claude-sonnet-4-5"})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeAnthropicResponseInvalid))
	})
}

func TestGeminiInfer(t *testing.T) {
	t.Run("assistant turns map to model role", func(t *testing.T) {
		var captured geminiRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.Path, "models/gemini-2.0-flash:generateContent")
			assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			w.Write([]byte(`{
				"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]}}],
				"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1,"totalTokenCount":5}
			}`))
		}))
		defer srv.Close()

		p := NewGemini(Config{APIKey: "g-key", BaseURL: srv.URL})
		resp, err := p.Infer(context.Background(), Request{
			Model: "gemini-2.0-flash",
			Messages: []Message{
				{Role: "system", Content: "rules"},
				{Role: "user", Content: "ping"},
				{Role: "assistant", Content: "..."},
			},
		})
		require.NoError(t, err)

		require.NotNil(t, captured.SystemInstruction)
		require.Len(t, captured.Contents, 2)
		assert.Equal(t, "user", captured.Contents[0].Role)
		assert.Equal(t, "model", captured.Contents[1].Role)

		assert.Equal(t, "pong", resp.Content)
		assert.Equal(t, 5, resp.Usage.TotalTokens)
	})

	t.Run("no candidates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[]}`))
		}))
		defer srv.Close()

		p := NewGemini(Config{BaseURL: srv.URL})
		_, err := p.Infer(context.Background(), Request{Model: "gemini-2.0-flash"})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeGeminiResponseInvalid))
	})
}
