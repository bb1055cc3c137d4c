package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/vespid/pkg/models"
)

// Results stores completed remote results under gateway:results:{requestId}
// with a TTL. The continuation poller reads them; expiry after the TTL is
// the pending request's end of life.
type Results struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResults creates the result store.
func NewResults(rdb *redis.Client, ttl time.Duration) *Results {
	return &Results{rdb: rdb, ttl: ttl}
}

// Put stores a result envelope.
func (s *Results) Put(ctx context.Context, result *models.RemoteResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, resultKeyPrefix+result.RequestID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Get returns the stored result for a request id, or nil when not yet
// posted (or already expired).
func (s *Results) GetResult(ctx context.Context, requestID string) (*models.RemoteResult, error) {
	data, err := s.rdb.Get(ctx, resultKeyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	var result models.RemoteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}
