package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/registry"
)

// LoopConfig tunes the monitoring loop intervals and analysis concurrency.
type LoopConfig struct {
	GuardianInterval  time.Duration // per-agent analyses, default 60s
	ConductorInterval time.Duration // system-wide analysis, default 300s
	WatchdogInterval  time.Duration // lightweight health check, default 30s
	Workers           int           // concurrent guardian analyses per cycle, default 5
}

// Loop schedules guardian and conductor analyses and exposes emergency
// analysis for operators.
type Loop struct {
	cfg       LoopConfig
	pool      *pgxpool.Pool
	registry  *registry.Registry
	guardian  *Guardian
	conductor *Conductor
	bus       events.Publisher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLoop creates a monitoring loop.
func NewLoop(cfg LoopConfig, pool *pgxpool.Pool, reg *registry.Registry, g *Guardian, c *Conductor, bus events.Publisher) *Loop {
	if cfg.GuardianInterval <= 0 {
		cfg.GuardianInterval = 60 * time.Second
	}
	if cfg.ConductorInterval <= 0 {
		cfg.ConductorInterval = 300 * time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Loop{cfg: cfg, pool: pool, registry: reg, guardian: g, conductor: c, bus: bus}
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	l.publish(ctx, events.Event{
		EventType:  events.MonitoringStarted,
		EntityType: "monitoring",
		Payload: map[string]any{
			"guardian_interval":  l.cfg.GuardianInterval.String(),
			"conductor_interval": l.cfg.ConductorInterval.String(),
		},
	})
	slog.Info("Monitoring loop started",
		"guardian_interval", l.cfg.GuardianInterval,
		"conductor_interval", l.cfg.ConductorInterval,
		"watchdog_interval", l.cfg.WatchdogInterval)

	l.spawnTicker(ctx, stopCh, l.cfg.GuardianInterval, func(ctx context.Context) {
		if err := l.guardianCycle(ctx); err != nil {
			slog.Error("Guardian cycle failed", "error", err)
		}
	})
	l.spawnTicker(ctx, stopCh, l.cfg.ConductorInterval, func(ctx context.Context) {
		if _, err := l.conductor.AnalyzeSystem(ctx); err != nil {
			slog.Error("Conductor cycle failed", "error", err)
		}
	})
	l.spawnTicker(ctx, stopCh, l.cfg.WatchdogInterval, func(ctx context.Context) {
		if err := l.watchdogCycle(ctx); err != nil {
			slog.Error("Watchdog cycle failed", "error", err)
		}
	})
}

// Stop terminates the loop and waits for in-flight analyses. Idempotent.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	l.publish(ctx, events.Event{
		EventType:  events.MonitoringStopped,
		EntityType: "monitoring",
		Payload:    map[string]any{},
	})
	slog.Info("Monitoring loop stopped")
}

func (l *Loop) spawnTicker(ctx context.Context, stopCh chan struct{}, interval time.Duration, fn func(context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RunSingleCycle performs one guardian pass and one conductor pass
// synchronously.
func (l *Loop) RunSingleCycle(ctx context.Context) error {
	if err := l.guardianCycle(ctx); err != nil {
		return err
	}
	_, err := l.conductor.AnalyzeSystem(ctx)
	return err
}

// guardianCycle analyzes every active agent with bounded concurrency and
// emits aggregate metrics.
func (l *Loop) guardianCycle(ctx context.Context) error {
	agents, err := l.registry.ListActiveAgents(ctx, activeAgentWindow)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var analyzed, steering int

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(l.cfg.Workers)
	for _, agent := range agents {
		grp.Go(func() error {
			a, err := l.guardian.AnalyzeAgent(gctx, agent.ID)
			if err != nil {
				slog.Error("Guardian analysis failed", "agent_id", agent.ID, "error", err)
				return nil // one bad agent must not abort the cycle
			}
			if a == nil {
				return nil
			}
			mu.Lock()
			analyzed++
			if a.NeedsSteering {
				steering++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	l.publish(ctx, events.Event{
		EventType:  events.MonitoringSystemUpdated,
		EntityType: "monitoring",
		Payload: map[string]any{
			"cycle":          "guardian",
			"active_agents":  len(agents),
			"analyzed":       analyzed,
			"needs_steering": steering,
		},
	})
	return nil
}

// watchdogCycle is the lightweight health check: counts of running work,
// persisted to the audit log and broadcast.
func (l *Loop) watchdogCycle(ctx context.Context) error {
	var runningTasks, pendingTasks, activeAgents int
	err := l.pool.QueryRow(ctx, `
		SELECT
		  (SELECT count(*) FROM tasks WHERE status = 'running'),
		  (SELECT count(*) FROM tasks WHERE status = 'pending'),
		  (SELECT count(*) FROM agents
		   WHERE last_heartbeat > now() - $1::interval
		     AND status NOT IN ('TERMINATED', 'QUARANTINED', 'FAILED'))`,
		activeAgentWindow,
	).Scan(&runningTasks, &pendingTasks, &activeAgents)
	if err != nil {
		return fmt.Errorf("failed to collect watchdog counts: %w", err)
	}

	detail := map[string]any{
		"running_tasks": runningTasks,
		"pending_tasks": pendingTasks,
		"active_agents": activeAgents,
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO monitoring_audit_log (id, cycle_type, detail) VALUES ($1, 'watchdog', $2)`,
		uuid.New().String(), detail,
	); err != nil {
		return fmt.Errorf("failed to record watchdog cycle: %w", err)
	}

	payload := map[string]any{"cycle": "watchdog"}
	for k, v := range detail {
		payload[k] = v
	}
	l.publish(ctx, events.Event{
		EventType:  events.MonitoringSystemUpdated,
		EntityType: "monitoring",
		Payload:    payload,
	})
	return nil
}

// TriggerEmergencyAnalysis force-analyzes the given agents immediately,
// bypassing the schedule, and returns any analyses that flagged steering.
func (l *Loop) TriggerEmergencyAnalysis(ctx context.Context, agentIDs []string) ([]*models.GuardianAnalysis, error) {
	var mu sync.Mutex
	var flagged []*models.GuardianAnalysis

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(l.cfg.Workers)
	for _, id := range agentIDs {
		grp.Go(func() error {
			l.guardian.trajectory.ClearCache(id)
			a, err := l.guardian.AnalyzeAgent(gctx, id)
			if err != nil {
				return fmt.Errorf("emergency analysis of agent %s failed: %w", id, err)
			}
			if a != nil && a.NeedsSteering {
				mu.Lock()
				flagged = append(flagged, a)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return flagged, nil
}

func (l *Loop) publish(ctx context.Context, evt events.Event) {
	if err := l.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish monitoring event",
			"event_type", evt.EventType, "error", err)
	}
}
