// Package gateway implements the session/tool dispatch core: the executor
// route registry, atomic capacity reservation, the result store, the
// executor and client WebSocket endpoints, and the internal dispatch API
// the workflow engine calls.
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

// Key layout in the key-value store.
const (
	routeKeyPrefix            = "executor:route:"
	executorInFlightKeyPrefix = "executor:inflight:"
	orgInFlightKeyPrefix      = "org:inflight:"
	resultKeyPrefix           = "gateway:results:"
)

// Registry tracks online executor routes in redis. A route is written on
// pairing and TTL-extended by heartbeats; expiry means the executor is
// offline.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRegistry creates a route registry with the given route TTL.
func NewRegistry(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

// Upsert writes a route and resets its TTL. Called on pair and on every
// heartbeat.
func (r *Registry) Upsert(ctx context.Context, route *models.ExecutorRoute) error {
	route.LastSeenAtMs = time.Now().UnixMilli()
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	if err := r.rdb.Set(ctx, routeKeyPrefix+route.ExecutorID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store route: %w", err)
	}
	return nil
}

// Get returns the route for an executor id, or nil when offline.
func (r *Registry) Get(ctx context.Context, executorID string) (*models.ExecutorRoute, error) {
	data, err := r.rdb.Get(ctx, routeKeyPrefix+executorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route: %w", err)
	}
	var route models.ExecutorRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("failed to unmarshal route: %w", err)
	}
	return &route, nil
}

// List returns every live route. Used by the selector; the scan is bounded
// by the number of online executors.
func (r *Registry) List(ctx context.Context) ([]*models.ExecutorRoute, error) {
	var routes []*models.ExecutorRoute
	iter := r.rdb.Scan(ctx, 0, routeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load route: %w", err)
		}
		var route models.ExecutorRoute
		if err := json.Unmarshal(data, &route); err != nil {
			continue
		}
		routes = append(routes, &route)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("route scan failed: %w", err)
	}
	return routes, nil
}

// Remove deletes a route immediately. Called on executor disconnect.
func (r *Registry) Remove(ctx context.Context, executorID string) error {
	if err := r.rdb.Del(ctx, routeKeyPrefix+executorID).Err(); err != nil {
		return fmt.Errorf("failed to remove route: %w", err)
	}
	return nil
}

// TouchUsed updates the route's lastUsedAt for LRU tie-breaking. Best
// effort: a lost update only skews the tie-break.
func (r *Registry) TouchUsed(ctx context.Context, executorID string) {
	route, err := r.Get(ctx, executorID)
	if err != nil || route == nil {
		return
	}
	route.LastUsedAtMs = time.Now().UnixMilli()
	_ = r.Upsert(ctx, route)
}
