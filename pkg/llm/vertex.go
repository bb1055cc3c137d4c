package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vespid-ai/vespid/pkg/errs"
)

const defaultVertexTokenURL = "https://oauth2.googleapis.com/token"

// Vertex speaks the Vertex AI generateContent API. Authentication goes
// through an OAuth refresh-token exchange; access tokens are cached until
// shortly before expiry.
type Vertex struct {
	project string
	region  string
	baseURL string
	client  *http.Client
	tokens  *tokenSource
}

// NewVertex creates the Vertex adapter.
func NewVertex(cfg Config) *Vertex {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Region)
	}
	return &Vertex{
		project: cfg.Project,
		region:  cfg.Region,
		baseURL: baseURL,
		client:  newHTTPClient(cfg),
		tokens: &tokenSource{
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			refreshToken: cfg.RefreshToken,
			tokenURL:     defaultVertexTokenURL,
			client:       newHTTPClient(cfg),
		},
	}
}

// Infer implements Provider. The wire shape matches Gemini; only endpoint
// and auth differ.
func (p *Vertex) Infer(ctx context.Context, req Request) (*Response, error) {
	token, err := p.tokens.token(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vertex request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		p.baseURL, p.project, p.region, req.Model)
	status, body, err := send(ctx, p.client, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+token)
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

// tokenSource exchanges a refresh token for access tokens and caches them.
type tokenSource struct {
	clientID     string
	clientSecret string
	refreshToken string
	tokenURL     string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

// token returns a valid access token, refreshing when the cached one is
// within a minute of expiry.
func (s *tokenSource) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Until(s.expiry) > time.Minute {
		return s.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {s.refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.WithStatus(errs.CodeVertexTokenFailed, resp.StatusCode)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		return "", errs.New(errs.CodeVertexTokenFailed, "token response missing access_token")
	}

	s.accessToken = parsed.AccessToken
	s.expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return s.accessToken, nil
}
