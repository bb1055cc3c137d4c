package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/errs"
	"github.com/vespid-ai/vespid/pkg/models"
)

// Client is the engine-side HTTP client for the gateway's internal dispatch
// endpoint. Engine workers use it to hand remote node payloads to the
// gateway; an unconfigured BaseURL disables remote dispatch entirely.
type Client struct {
	cfg  *config.GatewayConfig
	http *http.Client
}

// NewClient creates the dispatch client.
func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Dispatch posts one dispatch request. The response is a final result or a
// "dispatched" acknowledgement; a 503 from the gateway means no executor
// could take the task.
func (c *Client) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	if c.cfg.BaseURL == "" {
		return nil, errs.New(errs.CodeGatewayNotConfigured, "gateway base url not configured")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/internal/v1/dispatch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-gateway-token", c.cfg.Token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errs.Newf(errs.CodeGatewayUnavailable, "dispatch transport failed: %v", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Newf(errs.CodeGatewayUnavailable, "failed to read dispatch response: %v", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusServiceUnavailable:
		return nil, errs.New(errs.CodeNoAgentAvailable, "no executor available")
	default:
		return nil, errs.WithStatus(errs.CodeGatewayDispatchFailed, httpResp.StatusCode)
	}

	var resp models.DispatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errs.Newf(errs.CodeGatewayRespInvalid, "malformed dispatch response: %v", err)
	}
	switch resp.Status {
	case models.ResultSucceeded, models.ResultFailed, models.StatusDispatched:
	default:
		return nil, errs.Newf(errs.CodeGatewayRespInvalid, "unknown dispatch status %q", resp.Status)
	}
	return &resp, nil
}
