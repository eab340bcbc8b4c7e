package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/sandbox"
)

// IdleConfig tunes idle detection.
type IdleConfig struct {
	// HeartbeatWindow bounds how stale the last signal may be for a sandbox
	// to count as alive.
	HeartbeatWindow time.Duration
	// IdleThreshold is how long a sandbox may go without a work event before
	// it is reclaimed.
	IdleThreshold time.Duration
	// Sweep is the check interval.
	Sweep time.Duration
}

// IdleMonitor reclaims sandboxes that are alive but no longer making
// progress: transcript extracted, sandbox terminated, task failed.
type IdleMonitor struct {
	cfg     IdleConfig
	pool    *pgxpool.Pool
	queue   *queue.Queue
	gateway sandbox.Gateway
	bus     events.Publisher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIdleMonitor creates an idle monitor.
func NewIdleMonitor(cfg IdleConfig, pool *pgxpool.Pool, q *queue.Queue, gw sandbox.Gateway, bus events.Publisher) *IdleMonitor {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 90 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 3 * time.Minute
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = 5 * time.Second
	}
	return &IdleMonitor{
		cfg: cfg, pool: pool, queue: q, gateway: gw, bus: bus,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *IdleMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Sweep)
		defer ticker.Stop()

		slog.Info("Idle monitor started",
			"heartbeat_window", m.cfg.HeartbeatWindow, "idle_threshold", m.cfg.IdleThreshold)
		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight sweep.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Idle monitor stopped")
}

// idleCandidate is one active sandbox-backed task with its signal times.
type idleCandidate struct {
	TaskID      string
	SandboxID   string
	StartedAt   *time.Time
	FirstSignal *time.Time
	LastSignal  *time.Time
	LastWork    *time.Time
}

func (m *IdleMonitor) sweep(ctx context.Context) {
	candidates, err := m.activeCandidates(ctx)
	if err != nil {
		slog.Error("Idle sweep failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, c := range candidates {
		if !m.alive(c, now) {
			continue // dead sandboxes belong to the timeout reaper
		}
		idleFor, idle := m.idleDuration(c, now)
		if !idle {
			continue
		}
		m.reclaim(ctx, c, idleFor)
	}
}

// alive reports whether the sandbox has signaled within the heartbeat
// window. A sandbox with no events at all is treated as alive until its task
// start crosses the idle threshold, so slow boots are not reclaimed early.
func (m *IdleMonitor) alive(c idleCandidate, now time.Time) bool {
	if c.LastSignal == nil {
		return true
	}
	return now.Sub(*c.LastSignal) < m.cfg.HeartbeatWindow
}

// idleDuration returns how long the sandbox has gone without a work event
// and whether that exceeds the threshold. The reference point is the last
// work event, falling back to the task start and then to the sandbox's first
// signal, so a sandbox that only ever heartbeats still crosses the threshold
// and gets reclaimed.
func (m *IdleMonitor) idleDuration(c idleCandidate, now time.Time) (time.Duration, bool) {
	ref := c.LastWork
	if ref == nil {
		ref = c.StartedAt
	}
	if ref == nil {
		ref = c.FirstSignal
	}
	if ref == nil {
		return 0, false
	}
	idleFor := now.Sub(*ref)
	return idleFor, idleFor >= m.cfg.IdleThreshold
}

// reclaim extracts the transcript, terminates the sandbox and fails the
// task. Extraction and termination failures are logged but never block the
// task from being failed.
func (m *IdleMonitor) reclaim(ctx context.Context, c idleCandidate, idleFor time.Duration) {
	if transcript, err := m.gateway.ExtractSessionTranscript(ctx, c.SandboxID); err != nil {
		slog.Warn("Transcript extraction failed", "sandbox_id", c.SandboxID, "error", err)
	} else if err := m.saveTranscript(ctx, c, transcript); err != nil {
		slog.Warn("Transcript save failed", "sandbox_id", c.SandboxID, "error", err)
	}

	if err := m.gateway.TerminateSandbox(ctx, c.SandboxID, "idle_timeout"); err != nil {
		slog.Warn("Sandbox termination failed", "sandbox_id", c.SandboxID, "error", err)
	}

	minutes := int(idleFor.Minutes())
	msg := fmt.Sprintf("Sandbox terminated: idle_timeout. Idle for %d minutes with no work progress.", minutes)
	if _, err := m.queue.UpdateTaskStatus(ctx, c.TaskID, models.TaskFailed, queue.StatusUpdate{
		ErrorMessage: msg,
	}); err != nil {
		slog.Error("Failed to fail idle task", "task_id", c.TaskID, "error", err)
		return
	}

	if pubErr := m.bus.Publish(ctx, events.Event{
		EventType:  events.SandboxTerminatedIdle,
		EntityType: "task",
		EntityID:   c.TaskID,
		Payload: map[string]any{
			"sandbox_id":   c.SandboxID,
			"idle_minutes": minutes,
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish idle termination", "task_id", c.TaskID, "error", pubErr)
	}

	slog.Warn("Idle sandbox reclaimed",
		"task_id", c.TaskID, "sandbox_id", c.SandboxID, "idle_minutes", minutes)
}

func (m *IdleMonitor) saveTranscript(ctx context.Context, c idleCandidate, t *sandbox.Transcript) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(t.Content))
	_, err := m.pool.Exec(ctx, `
		INSERT INTO sandbox_transcripts (sandbox_id, task_id, transcript_b64, saved_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sandbox_id) DO UPDATE SET transcript_b64 = $3, saved_at = now()`,
		c.SandboxID, c.TaskID, encoded)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

// workEventTypes lists the sandbox event types that count as progress.
func workEventTypes() []string {
	return []string{
		sandbox.EventAssistantMessage, sandbox.EventToolUse, sandbox.EventToolResult,
		sandbox.EventFileEdited, sandbox.EventToolCompleted,
		sandbox.EventSubagentCompleted, sandbox.EventSkillCompleted, sandbox.EventCompleted,
	}
}

func (m *IdleMonitor) activeCandidates(ctx context.Context) ([]idleCandidate, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT t.id, t.sandbox_id, t.started_at,
		       (SELECT min(e.created_at) FROM sandbox_events e
		        WHERE e.sandbox_id = t.sandbox_id),
		       (SELECT max(e.created_at) FROM sandbox_events e
		        WHERE e.sandbox_id = t.sandbox_id),
		       (SELECT max(e.created_at) FROM sandbox_events e
		        WHERE e.sandbox_id = t.sandbox_id AND e.event_type = ANY($1))
		FROM tasks t
		WHERE t.status IN ('assigned', 'running') AND t.sandbox_id <> ''`,
		workEventTypes(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sandboxes: %w", err)
	}
	defer rows.Close()

	var out []idleCandidate
	for rows.Next() {
		var c idleCandidate
		if err := rows.Scan(&c.TaskID, &c.SandboxID, &c.StartedAt, &c.FirstSignal, &c.LastSignal, &c.LastWork); err != nil {
			return nil, fmt.Errorf("failed to scan idle candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate idle candidates: %w", err)
	}
	return out, nil
}
