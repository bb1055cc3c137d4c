// Package config holds environment-driven configuration for every component.
// Each concern gets its own config struct with documented defaults; Load
// assembles them from the environment, applying defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates all component configuration.
type Config struct {
	Queue     *QueueConfig
	Engine    *EngineConfig
	Scheduler *SchedulerConfig
	Gateway   *GatewayConfig
	Server    *ServerConfig
}

// Load builds the full configuration from the environment on top of the
// built-in defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Queue:     DefaultQueueConfig(),
		Engine:    DefaultEngineConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Gateway:   DefaultGatewayConfig(),
		Server:    DefaultServerConfig(),
	}

	var err error
	if cfg.Queue.WorkerCount, err = intEnv("QUEUE_WORKER_COUNT", cfg.Queue.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.Queue.MaxConcurrentRuns, err = intEnv("QUEUE_MAX_CONCURRENT_RUNS", cfg.Queue.MaxConcurrentRuns); err != nil {
		return nil, err
	}
	if cfg.Queue.PollInterval, err = durEnv("QUEUE_POLL_INTERVAL", cfg.Queue.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Queue.SliceTimeout, err = durEnv("QUEUE_SLICE_TIMEOUT", cfg.Queue.SliceTimeout); err != nil {
		return nil, err
	}
	if cfg.Scheduler.PollInterval, err = durEnv("SCHEDULER_POLL_INTERVAL", cfg.Scheduler.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Engine.MaxTurns, err = intEnv("AGENT_MAX_TURNS", cfg.Engine.MaxTurns); err != nil {
		return nil, err
	}
	if cfg.Engine.MaxRuntimeChars, err = intEnv("AGENT_MAX_RUNTIME_CHARS", cfg.Engine.MaxRuntimeChars); err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	cfg.Server.AuthToken = os.Getenv("API_AUTH_TOKEN")

	cfg.Gateway.Token = os.Getenv("GATEWAY_TOKEN")
	cfg.Gateway.BaseURL = os.Getenv("GATEWAY_BASE_URL")
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if cfg.Gateway.RouteTTL, err = durEnv("GATEWAY_ROUTE_TTL", cfg.Gateway.RouteTTL); err != nil {
		return nil, err
	}
	if cfg.Gateway.ResultTTL, err = durEnv("GATEWAY_RESULT_TTL", cfg.Gateway.ResultTTL); err != nil {
		return nil, err
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
