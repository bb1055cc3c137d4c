package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults apply when the environment is empty", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, ":8090", cfg.Gateway.ListenAddr)
		assert.Equal(t, 3, cfg.Engine.DefaultMaxAttempts)
		assert.Positive(t, cfg.Queue.WorkerCount)
		assert.Positive(t, cfg.Scheduler.PollInterval)
	})

	t.Run("environment overrides win", func(t *testing.T) {
		t.Setenv("SERVER_ADDR", ":9999")
		t.Setenv("QUEUE_WORKER_COUNT", "7")
		t.Setenv("SCHEDULER_POLL_INTERVAL", "2s")
		t.Setenv("GATEWAY_ROUTE_TTL", "90s")
		t.Setenv("API_AUTH_TOKEN", "tok")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Addr)
		assert.Equal(t, 7, cfg.Queue.WorkerCount)
		assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
		assert.Equal(t, 90*time.Second, cfg.Gateway.RouteTTL)
		assert.Equal(t, "tok", cfg.Server.AuthToken)
	})

	t.Run("malformed values fail loading", func(t *testing.T) {
		t.Setenv("QUEUE_WORKER_COUNT", "many")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("invalid engine limits fail validation", func(t *testing.T) {
		t.Setenv("AGENT_MAX_TURNS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
}
