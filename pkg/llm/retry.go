package llm

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/vespid-ai/vespid/pkg/errs"
)

const (
	maxSendAttempts = 4
	retryBaseDelay  = 250 * time.Millisecond
	retryMaxDelay   = 2 * time.Second
)

// send performs an HTTP call with retries on 429/5xx. build is invoked per
// attempt so each retry carries a fresh body. The context deadline bounds
// transport and retries together; exceeding it yields LLM_TIMEOUT.
func send(ctx context.Context, client *http.Client, build func(ctx context.Context) (*http.Request, error)) (int, []byte, error) {
	for attempt := 1; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build llm request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, errs.New(errs.CodeLLMTimeout, "inference deadline exceeded")
			}
			return 0, nil, fmt.Errorf("llm request failed: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read llm response: %w", err)
		}

		if !retryableStatus(resp.StatusCode) || attempt >= maxSendAttempts {
			return resp.StatusCode, body, nil
		}

		select {
		case <-ctx.Done():
			return 0, nil, errs.New(errs.CodeLLMTimeout, "inference deadline exceeded")
		case <-time.After(backoffDelay(attempt)):
		}
	}
}

// retryableStatus limits retries to rate limiting and server errors. Other
// 4xx responses are the caller's problem and retrying would not help.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoffDelay is exponential with jitter, capped at retryMaxDelay.
// Half the delay is fixed and half randomized to spread concurrent retries.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}
