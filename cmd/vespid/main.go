// Vespid control plane — serves the HTTP API, runs the trigger scheduler,
// and processes workflow runs through the queue worker pool.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vespid-ai/vespid/pkg/agentloop"
	"github.com/vespid-ai/vespid/pkg/api"
	"github.com/vespid-ai/vespid/pkg/config"
	"github.com/vespid-ai/vespid/pkg/gateway"
	"github.com/vespid-ai/vespid/pkg/models"
	"github.com/vespid-ai/vespid/pkg/providers"
	"github.com/vespid-ai/vespid/pkg/queue"
	"github.com/vespid-ai/vespid/pkg/scheduler"
	"github.com/vespid-ai/vespid/pkg/secrets"
	"github.com/vespid-ai/vespid/pkg/session"
	"github.com/vespid-ai/vespid/pkg/store"
	"github.com/vespid-ai/vespid/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Load .env if present
	envPath := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting vespid",
		"addr", cfg.Server.Addr,
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 2. Initialize the durable store (runs migrations)
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

	// 3. One-time startup orphan cleanup
	if err := queue.CleanupStartupOrphans(ctx, dbClient.Pool(), podID); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal — continue
	}

	// 4. Job queue and result source
	q := queue.New(dbClient.Pool(), cfg.Queue)

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	results := gateway.NewResults(rdb, cfg.Gateway.ResultTTL)
	slog.Info("Redis connected", "addr", redisAddr)

	// 5. Gateway dispatch client (no-op when GATEWAY_BASE_URL is unset)
	gw := gateway.NewClient(cfg.Gateway)
	if cfg.Gateway.BaseURL == "" {
		slog.Warn("GATEWAY_BASE_URL not set, remote dispatch is disabled")
	}

	// 6. Secrets keyring and LLM provider factory
	keyring, err := secrets.KeyringFromEnv()
	if err != nil {
		slog.Error("Failed to load secrets keyring", "error", err)
		os.Exit(1)
	}
	providerFactory := providers.NewFactory(st, keyring)

	// 7. Agent loop with remote tools dispatched through the gateway
	toolset := agentloop.NewToolset(
		agentloop.NewRemoteTool(agentloop.ToolConnectorAction, models.DispatchConnectorAction),
		agentloop.NewRemoteTool(agentloop.ToolShellRun, models.DispatchAgentExecute),
	)
	loop := agentloop.New(toolset, st, cfg.Engine)

	// 8. Node executor registry and workflow engine
	registry := workflow.NewRegistry()
	registry.Register(models.NodeKindHTTPRequest, workflow.NewHTTPRequestExecutor(cfg.Engine.NodeTimeout))
	registry.Register(models.NodeKindCondition, &workflow.ConditionExecutor{})
	registry.Register(models.NodeKindParallelJoin, &workflow.JoinExecutor{})
	registry.Register(models.NodeKindConnectorAction, workflow.NewConnectorActionExecutor(nil))
	registry.Register(models.NodeKindAgentExecute, &workflow.AgentExecuteExecutor{})
	registry.Register(models.NodeKindAgentRun, workflow.NewAgentRunExecutor(loop, providerFactory))

	engine := workflow.NewEngine(st, registry, q, gw, results, cfg.Engine)

	// 9. Start worker pool (before HTTP server)
	handlers := map[string]queue.Handler{
		queue.KindWorkflowRun:  engine.HandleRunJob,
		queue.KindContinuation: engine.HandleContinuation,
	}
	workerPool := queue.NewWorkerPool(podID, q, cfg.Queue, handlers)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 10. Start trigger scheduler
	schedCtx, schedCancel := context.WithCancel(ctx)
	sched := scheduler.New(st, q, cfg.Scheduler, cfg.Engine.DefaultMaxAttempts)
	go sched.Run(schedCtx)

	// 11. Interactive session core
	sessions := session.NewCore(st, loop, providerFactory, gw)

	// 12. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg.Server, cfg.Engine, st, q, sessions, workerPool)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("vespid started successfully", "pod_id", podID)

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: scheduler, then workers, then HTTP
	schedCancel()

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, in-flight runs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
