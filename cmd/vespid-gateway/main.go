// Vespid gateway — terminates executor and client WebSockets, routes
// dispatches to connected executors, and accounts per-org capacity in redis.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/vespid/pkg/agentloop"
	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/gateway"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/providers"
	"github.com/vespid-ai/vespid/pkg/secrets"
	"github.com/vespid-ai/vespid/pkg/session"
	"github.com/vespid-ai/vespid/pkg/store"
)

// wsWriteTimeout bounds a single frame write to a slow peer.
const wsWriteTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Load .env if present
	envPath := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting vespid gateway", "addr", cfg.Gateway.ListenAddr)

	// 2. Redis: routes, capacity counters, result envelopes
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "addr", redisAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	slog.Info("Redis connected", "addr", redisAddr)

	registry := gateway.NewRegistry(rdb, cfg.Gateway.RouteTTL)
	capacity := gateway.NewCapacity(rdb, cfg.Gateway.InFlightTTL, cfg.Gateway.DefaultOrgMaxInFlight)
	results := gateway.NewResults(rdb, cfg.Gateway.ResultTTL)

	// 3. Durable store for the interactive session core
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := store.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 4. Executor connections and the dispatcher that feeds them
	executors := gateway.NewExecutorManager(registry, wsWriteTimeout)
	dispatcher := gateway.NewDispatcher(cfg.Gateway, registry, capacity, results, executors)
	executors.SetSink(dispatcher)

	// 5. Interactive session core behind the client WebSocket. Sessions
	// dispatch remote tool calls through this pod's own dispatcher, so a
	// session sticks to the executors it can reach.
	keyring, err := secrets.KeyringFromEnv()
	if err != nil {
		slog.Error("Failed to load secrets keyring", "error", err)
		os.Exit(1)
	}
	providerFactory := providers.NewFactory(st, keyring)
	toolset := agentloop.NewToolset(
		agentloop.NewRemoteTool(agentloop.ToolConnectorAction, models.DispatchConnectorAction),
		agentloop.NewRemoteTool(agentloop.ToolShellRun, models.DispatchAgentExecute),
	)
	loop := agentloop.New(toolset, st, cfg.Engine)
	sessions := session.NewCore(st, loop, providerFactory, dispatcher)

	clients := gateway.NewClientManager(sessions, wsWriteTimeout)

	// 6. Start the gateway server (non-blocking)
	server := gateway.NewServer(cfg.Gateway, dispatcher, executors, clients, cfg.Gateway.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Gateway server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("vespid gateway started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown. Executor sockets close with the server; their
	// routes expire out of redis on their own TTL.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
