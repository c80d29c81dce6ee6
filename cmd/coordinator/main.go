// Coordinator server — fronts the local AI stack with query routing and
// retrieval, runs the autonomous task loop and the continuous-learning
// pipeline, and exposes the tool surface over HTTP, WebSocket, and MCP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/api"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/database"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/health"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/kv"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/learning"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/masking"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/mcp"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/query"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/resilience"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/semcache"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/session"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/telemetry"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tools"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tracker"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadingGate queue sizing: waiters past the cap are rejected immediately
// so a cold model cannot pile up unbounded request goroutines.
const (
	gateMaxWaiters  = 64
	gateWaitTimeout = 2 * time.Minute
)

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", "./config.yaml"),
		"Path to YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting coordinator",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()
	// bgCtx governs background loops (janitor, secret watcher); cancelled
	// during shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Secrets and API key
	secrets := config.NewSecretStore()
	if cfg.SecretsDir != "" {
		if err := config.LoadSecretsDir(cfg.SecretsDir, secrets); err != nil {
			slog.Warn("Failed to load secrets directory", "dir", cfg.SecretsDir, "error", err)
		} else if err := config.WatchSecrets(bgCtx, cfg.SecretsDir, secrets); err != nil {
			slog.Warn("Secret rotation watcher unavailable", "dir", cfg.SecretsDir, "error", err)
		}
	}
	apiKey, err := config.ResolveAPIKey("API")
	if err != nil {
		slog.Error("Failed to resolve API key", "error", err)
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = secrets.Get("api_key")
	}
	if apiKey == "" {
		slog.Warn("No API key configured; authentication is disabled")
	}

	// 3. Observability
	m := metrics.New(version.AppName)
	breakers := resilience.NewRegistry()
	screener := masking.NewScreener()

	// 4. Database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
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

	// 5. Redis
	kvStore, err := kv.NewStore(ctx, cfg.Endpoints.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "url", cfg.Endpoints.RedisURL, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kvStore.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	// 6. Vector store
	vectors := vector.NewClient(cfg, breakers)
	if err := vectors.EnsureCollections(ctx, models.AllCollections); err != nil {
		slog.Error("Failed to ensure vector collections", "error", err)
		os.Exit(1)
	}
	slog.Info("Vector collections ready", "count", len(models.AllCollections))

	// 7. Inference client and loading gate
	llmClient := llm.NewClient(cfg, breakers)
	gate := llm.NewLoadingGate(llmClient, gateMaxWaiters, gateWaitTimeout)

	// 8. Telemetry writer and domain services
	tw, err := telemetry.NewWriter(cfg.Learning.TelemetryDir, version.AppName)
	if err != nil {
		slog.Error("Failed to open telemetry writer", "dir", cfg.Learning.TelemetryDir, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tw.Close(); err != nil {
			slog.Error("Error closing telemetry writer", "error", err)
		}
	}()

	issueService := services.NewIssueService(dbClient.DB)
	gapService := services.NewGapService(dbClient.DB)
	feedbackService := services.NewFeedbackService(dbClient.DB)
	experimentService := services.NewExperimentService(dbClient.DB)
	tw.SetArchive(services.NewTelemetryService(dbClient.DB))
	slog.Info("Services initialized")

	// 9. Semantic cache and query pipeline
	cache := semcache.New(cfg.Cache, m)
	go cache.RunJanitor(bgCtx, cfg.Cache.JanitorInterval)

	pipeline := query.New(cfg, llmClient, vectors, cache, tw, m,
		query.WithGapRecorder(gapService))
	sessions := session.NewManager(cfg.Session, kvStore, pipeline, llmClient)
	interactions := tracker.New(llmClient, vectors, tw, m)

	// 10. Autonomous loop engine
	backends := ralph.NewBackendRegistry()
	backends.Register("command", &ralph.CommandBackend{})
	backends.Register("llm", &ralph.LLMBackend{
		Client:          llmClient,
		BlockedExitCode: cfg.Ralph.BlockedExitCode,
	})
	engine := ralph.NewEngine(cfg.Ralph, backends, tw, m)

	// 11. Continuous-learning pipeline
	extractor := learning.NewExtractor(cfg.Learning, llmClient, vectors, issueService, m)
	var submitter learning.TaskSubmitter
	if cfg.Learning.SubmitProposals {
		submitter = engine
	}
	proposer := learning.NewProposer(cfg.Learning, submitter, m)
	learner, err := learning.NewPipeline(cfg.Learning, extractor, proposer, m)
	if err != nil {
		slog.Error("Failed to initialize learning pipeline", "error", err)
		os.Exit(1)
	}

	// 12. Tool registry, skills, federation, MCP
	audit, err := tools.NewAuditWriter(cfg.Tools.AuditLogPath)
	if err != nil {
		slog.Error("Failed to open tool audit log", "path", cfg.Tools.AuditLogPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := audit.Close(); err != nil {
			slog.Error("Error closing audit log", "error", err)
		}
	}()

	registry := tools.NewRegistry(cfg.Tools, kvStore, dbClient, audit)
	coordinator := mcp.NewCoordinator(mcp.CoordinatorDeps{
		Pipeline:    pipeline,
		Tracker:     interactions,
		Learner:     learner,
		Embedder:    llmClient,
		Vectors:     vectors,
		Memory:      kvStore,
		Experiments: experimentService,
		Feedback:    feedbackService,
	})
	mcpServer := mcp.NewServer(registry, coordinator)
	if err := registry.WarmCache(ctx); err != nil {
		slog.Warn("Tool warm cache unavailable, starting from curated set", "error", err)
	}

	skills := tools.NewSkillStore(cfg.Tools.SkillMaxBytes, dbClient)
	federation, err := tools.LoadFederation(cfg.Tools.FederationPath)
	if err != nil {
		slog.Warn("Failed to load federation snapshot", "path", cfg.Tools.FederationPath, "error", err)
	}

	// 13. Health checker
	checker := health.NewChecker(version.AppName, cfg.Health, m, breakers,
		[]string{llm.ServiceLlamaCpp})
	checker.Register(health.DependencyCheck{
		Name:     "postgres",
		Critical: true,
		Fn: func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.Raw())
			return err
		},
	})
	checker.Register(health.DependencyCheck{
		Name: "redis",
		Fn:   kvStore.Ping,
	})
	checker.Register(health.DependencyCheck{
		Name:     "qdrant",
		Critical: true,
		Fn:       vectors.Healthz,
	})
	checker.Register(health.DependencyCheck{
		Name: "llama-cpp",
		Fn: func(ctx context.Context) error {
			_, err := llmClient.Health(ctx)
			return err
		},
	})
	// Optional sibling services, probed only when configured.
	if url := cfg.Endpoints.AidbURL; url != "" {
		checker.Register(health.HTTPCheck("aidb", url+"/health"))
	}
	if url := cfg.Endpoints.RalphURL; url != "" {
		checker.Register(health.HTTPCheck("ralph-runner", url+"/health"))
	}

	// 14. HTTP server
	httpServer := api.NewServer(cfg.Server, apiKey, api.Deps{
		Metrics:     m,
		Checker:     checker,
		Breakers:    breakers,
		Screener:    screener,
		LLM:         llmClient,
		Gate:        gate,
		Vectors:     vectors,
		DB:          dbClient,
		Pipeline:    pipeline,
		Cache:       cache,
		Sessions:    sessions,
		Registry:    registry,
		Skills:      skills,
		Ralph:       engine,
		Learning:    learner,
		Proposer:    proposer,
		Feedback:    feedbackService,
		Experiments: experimentService,
		Federation:  federation,
		MCPHandler:  mcpServer.Handler(),
	})

	// Blocked tasks surface to WebSocket clients so an operator can approve
	// or stop them without polling.
	engine.SetHooks(
		func(ctx context.Context, task *models.Task) error {
			httpServer.Broadcast("task.blocked", task)
			return nil
		},
		func(ctx context.Context, task *models.Task) error {
			httpServer.Broadcast("task.recovery", task)
			return nil
		},
	)

	// 15. Start background engines, then HTTP
	engine.Start()
	learner.Start()

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.ListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Coordinator started successfully",
		"backends", backends.Names(),
		"learning_interval", cfg.Learning.Interval)

	// 16. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 17. Graceful shutdown: stop intake surfaces first, then drain the
	// loop engines, then persist warm state.
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	learnerDone := make(chan struct{})
	go func() {
		learner.Stop()
		close(learnerDone)
	}()
	select {
	case <-learnerDone:
		slog.Info("Learning pipeline stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Learning pipeline shutdown timeout exceeded")
	}

	engineDone := make(chan struct{})
	go func() {
		engine.Stop()
		close(engineDone)
	}()
	select {
	case <-engineDone:
		slog.Info("Task engine stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Task engine shutdown timeout exceeded — queued tasks are dropped")
	}

	if err := registry.PersistCache(shutdownCtx); err != nil {
		slog.Warn("Failed to persist tool cache snapshot", "error", err)
	}

	// HTTP server gets its own budget so a stuck drain above cannot
	// consume the whole window.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
