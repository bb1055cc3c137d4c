package config

import (
	"fmt"
	"time"
)

// Agent loop limit domains. Values outside these ranges are rejected at
// workflow publish time and clamped for defaults.
const (
	MinTurns = 1
	MaxTurns = 64

	MinTimeout = 1 * time.Second
	MaxTimeout = 10 * time.Minute

	MinToolCalls = 1
	MaxToolCalls = 128
)

// EngineConfig contains workflow-engine and agent-loop defaults.
type EngineConfig struct {
	// DefaultMaxAttempts is the run retry budget when the workflow does
	// not specify one.
	DefaultMaxAttempts int

	// NodeTimeout bounds a single local node execution.
	NodeTimeout time.Duration

	// Agent loop defaults; per-node config may override within the
	// documented domains.
	MaxTurns        int
	MaxToolCalls    int
	LoopTimeout     time.Duration
	MaxOutputChars  int
	MaxRuntimeChars int

	// TeamMaxParallel bounds concurrent teammates in team.map.
	TeamMaxParallel int

	// ContinuationPollInterval is the delay between continuation polls for
	// a blocked run; ContinuationMaxAttempts bounds them.
	ContinuationPollInterval time.Duration
	ContinuationMaxAttempts  int
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		DefaultMaxAttempts:       3,
		NodeTimeout:              2 * time.Minute,
		MaxTurns:                 16,
		MaxToolCalls:             32,
		LoopTimeout:              5 * time.Minute,
		MaxOutputChars:           64_000,
		MaxRuntimeChars:          200_000,
		TeamMaxParallel:          4,
		ContinuationPollInterval: 3 * time.Second,
		ContinuationMaxAttempts:  200,
	}
}

// Validate checks the configured limits against their domains.
func (c *EngineConfig) Validate() error {
	if c.MaxTurns < MinTurns || c.MaxTurns > MaxTurns {
		return fmt.Errorf("max_turns must be in [%d, %d], got %d", MinTurns, MaxTurns, c.MaxTurns)
	}
	if c.MaxToolCalls < MinToolCalls || c.MaxToolCalls > MaxToolCalls {
		return fmt.Errorf("max_tool_calls must be in [%d, %d], got %d", MinToolCalls, MaxToolCalls, c.MaxToolCalls)
	}
	if c.LoopTimeout < MinTimeout || c.LoopTimeout > MaxTimeout {
		return fmt.Errorf("loop_timeout must be in [%v, %v], got %v", MinTimeout, MaxTimeout, c.LoopTimeout)
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default_max_attempts must be >= 1, got %d", c.DefaultMaxAttempts)
	}
	if c.MaxRuntimeChars < 1024 {
		return fmt.Errorf("max_runtime_chars must be >= 1024, got %d", c.MaxRuntimeChars)
	}
	return nil
}
