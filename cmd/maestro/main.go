// Maestro control plane server: HTTP/WebSocket API, task dispatch,
// sandbox orchestration, monitoring and cost accounting.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codelane/maestro/pkg/api"
	"github.com/codelane/maestro/pkg/config"
	"github.com/codelane/maestro/pkg/coordination"
	"github.com/codelane/maestro/pkg/cost"
	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/llm"
	"github.com/codelane/maestro/pkg/monitoring"
	"github.com/codelane/maestro/pkg/orchestrator"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/registry"
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/pkg/services"
	"github.com/codelane/maestro/pkg/validation"
)

// shutdownTimeout bounds the graceful drain of each component group.
const shutdownTimeout = 30 * time.Second

// resolvePodID determines the process identity used as the event origin.
// Priority: POD_ID env > HOSTNAME env > "local".
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
	ctx := context.Background()

	// 1. Configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	podID := resolvePodID()
	slog.Info("Starting maestro", "addr", cfg.ListenAddr(), "pod_id", podID,
		"sandbox_mode", cfg.SandboxMode)

	// 2. Database (migrations run inside NewClient).
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	pool := db.Pool()
	slog.Info("Connected to PostgreSQL")

	// 3. Event bus, with redis fan-out when configured.
	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		slog.Info("Connected to redis", "addr", cfg.RedisAddr)
	}
	bus := events.NewBus(podID, rdb)
	defer bus.Close()

	var listener *events.Listener
	if rdb != nil {
		listener = events.NewListener(rdb, bus)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start event listener", "error", err)
			os.Exit(1)
		}
		defer listener.Stop()
	}

	// 4. Core services.
	statusMgr := registry.NewStatusManager(pool, bus)
	reg := registry.New(pool, bus, statusMgr)
	taskQueue := queue.New(pool, bus)
	costEngine := cost.New(pool, bus)
	ticketService := services.NewTicketService(pool, bus, cfg.ApprovalTimeout)
	alertService := services.NewAlertService(pool, bus)
	commitService := services.NewCommitService(pool, taskQueue, bus)

	budgetAlerts := services.NewBudgetAlerts(alertService, bus)
	budgetAlerts.Start(ctx)
	defer budgetAlerts.Stop()

	// 5. Sandbox gateway.
	var gateway sandbox.Gateway
	if cfg.SandboxProviderURL != "" {
		gateway = sandbox.NewRemoteGateway(cfg.SandboxProviderURL, cfg.SandboxProviderToken)
		slog.Info("Sandbox gateway initialized", "provider", cfg.SandboxProviderURL)
	}

	// 6. LLM client for monitoring. Missing key degrades monitoring to
	// structural cycles only.
	var llmClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		llmClient, err = llm.NewAnthropicFromAPIKey(cfg.AnthropicAPIKey, cfg.GuardianModel)
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
		slog.Info("LLM client initialized", "model", cfg.GuardianModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, LLM-driven monitoring disabled")
	}

	// 7. Validation pipeline and coordination.
	pipeline := validation.NewPipeline(validation.Config{
		Enabled:       cfg.ValidationEnabled,
		MaxIterations: cfg.MaxValidationIterations,
	}, pool, taskQueue, bus)

	synthesis := coordination.NewSynthesis(pool, taskQueue, bus)
	synthesis.Start(ctx)
	defer synthesis.Stop()

	// 8. Orchestration loops.
	reaper := queue.NewReaper(taskQueue, cfg.TaskTimeoutSweep)
	reaper.Start(ctx)
	defer reaper.Stop()

	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		SandboxMode: cfg.SandboxMode,
		Concurrency: cfg.DispatchConcurrency,
		IdleSleep:   cfg.DispatchIdleSleep,
	}, pool, taskQueue, reg, gateway, costEngine, bus)
	dispatcher.Start(ctx)

	var idleMonitor *orchestrator.IdleMonitor
	var ingester *orchestrator.Ingester
	if gateway != nil {
		idleMonitor = orchestrator.NewIdleMonitor(orchestrator.IdleConfig{
			HeartbeatWindow: cfg.HeartbeatWindow,
			IdleThreshold:   cfg.IdleThreshold,
			Sweep:           cfg.IdleSweep,
		}, pool, taskQueue, gateway, bus)
		idleMonitor.Start(ctx)

		ingester = orchestrator.NewIngester(pool, bus, taskQueue, reg, costEngine, pipeline)
		ingester.Start(ctx)
	}

	// 9. Monitoring loop (guardian/conductor/watchdog cycles).
	var monitoringLoop *monitoring.Loop
	if llmClient != nil {
		trajectories := monitoring.NewTrajectoryBuilder(pool, 0)
		guardian := monitoring.NewGuardian(pool, llmClient, trajectories)
		conductor := monitoring.NewConductor(pool, llmClient, reg, guardian)
		monitoringLoop = monitoring.NewLoop(monitoring.LoopConfig{
			GuardianInterval:  cfg.GuardianInterval,
			ConductorInterval: cfg.ConductorInterval,
			WatchdogInterval:  cfg.WatchdogInterval,
			Workers:           cfg.MonitoringWorkers,
		}, pool, reg, guardian, conductor, bus)
		monitoringLoop.Start(ctx)
	}

	// 10. Approval deadline sweep.
	approvalStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-approvalStop:
				return
			case <-ticker.C:
				if _, err := ticketService.SweepApprovalDeadlines(ctx); err != nil {
					slog.Error("Approval deadline sweep failed", "error", err)
				}
			}
		}
	}()

	// 11. HTTP server.
	server := api.NewServer(api.Deps{
		Pool:          pool,
		Bus:           bus,
		Tickets:       ticketService,
		Alerts:        alertService,
		Commits:       commitService,
		Queue:         taskQueue,
		Gateway:       gateway,
		WebhookSecret: cfg.GitHubWebhookSecret,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Maestro started", "pod_id", podID)

	// 12. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error, shutting down", "error", err)
	}

	// 13. Graceful shutdown: stop intake first, then drain the loops.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	close(approvalStop)

	dispatcher.Stop()
	if idleMonitor != nil {
		idleMonitor.Stop()
	}
	if ingester != nil {
		ingester.Stop()
	}
	if monitoringLoop != nil {
		monitoringLoop.Stop(shutdownCtx)
	}

	slog.Info("Maestro stopped")
}
