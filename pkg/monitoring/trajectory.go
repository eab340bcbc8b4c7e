// Package monitoring implements the intelligent oversight layer: per-agent
// trajectory context, LLM-driven guardian and conductor analyses, the
// monitoring loop that schedules them, and authority-checked interventions.
package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/models"
)

// defaultTrajectoryTTL bounds how long a built trajectory is served from
// cache before the event log is re-read.
const defaultTrajectoryTTL = 30 * time.Second

// Trajectory is the accumulated narrative of one agent's session, built from
// its event log and shaped for an LLM prompt.
type Trajectory struct {
	AgentID            string
	Phase              string
	OverallGoal        string
	CurrentFocus       string
	Constraints        []string
	DiscoveredBlockers []string
	ConversationLength int
	SessionDuration    time.Duration
	LastEventAt        time.Time
	Summary            string
}

type cachedTrajectory struct {
	trajectory *Trajectory
	builtAt    time.Time
}

// TrajectoryBuilder assembles trajectories from agent logs. The id passed in
// may be a registry agent id or a sandbox id; routing is automatic. Built
// trajectories are cached with a short TTL.
type TrajectoryBuilder struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cachedTrajectory
}

// NewTrajectoryBuilder creates a builder. A non-positive ttl uses the
// default.
func NewTrajectoryBuilder(pool *pgxpool.Pool, ttl time.Duration) *TrajectoryBuilder {
	if ttl <= 0 {
		ttl = defaultTrajectoryTTL
	}
	return &TrajectoryBuilder{pool: pool, ttl: ttl, cache: make(map[string]cachedTrajectory)}
}

// Build returns the trajectory for an agent or sandbox id. Returns nil when
// the id has no logged events at all.
func (b *TrajectoryBuilder) Build(ctx context.Context, id string) (*Trajectory, error) {
	b.mu.Lock()
	if entry, ok := b.cache[id]; ok && time.Since(entry.builtAt) < b.ttl {
		b.mu.Unlock()
		return entry.trajectory, nil
	}
	b.mu.Unlock()

	logs, err := b.loadLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	t := buildTrajectory(id, logs, time.Now().UTC())

	b.mu.Lock()
	b.cache[id] = cachedTrajectory{trajectory: t, builtAt: time.Now()}
	b.mu.Unlock()
	return t, nil
}

// ClearCache invalidates the cache for one id, or for everything when id is
// empty.
func (b *TrajectoryBuilder) ClearCache(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		b.cache = make(map[string]cachedTrajectory)
		return
	}
	delete(b.cache, id)
}

// loadLogs fetches the session event log. Matching on either column routes
// registry agent ids and sandbox ids to the same log without the caller
// knowing which kind it holds.
func (b *TrajectoryBuilder) loadLogs(ctx context.Context, id string) ([]models.AgentLog, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, agent_id, sandbox_id, direction, phase, summary, detail, created_at
		FROM agent_logs
		WHERE agent_id = $1 OR sandbox_id = $1
		ORDER BY created_at`,
		id)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AgentLog
	for rows.Next() {
		var l models.AgentLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.SandboxID, &l.Direction, &l.Phase,
			&l.Summary, &l.Detail, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent logs: %w", err)
	}
	return logs, nil
}

// buildTrajectory folds the ordered event log into a trajectory. The overall
// goal accumulates deduplicated input-event summaries; the current focus is
// the latest output-event summary.
func buildTrajectory(id string, logs []models.AgentLog, now time.Time) *Trajectory {
	t := &Trajectory{
		AgentID:            id,
		ConversationLength: len(logs),
		SessionDuration:    now.Sub(logs[0].CreatedAt),
		LastEventAt:        logs[len(logs)-1].CreatedAt,
	}

	var goals []string
	seenGoals := make(map[string]bool)
	seenConstraints := make(map[string]bool)
	seenBlockers := make(map[string]bool)

	for _, l := range logs {
		if t.Phase == "" && l.Phase != "" {
			t.Phase = l.Phase
		}

		switch l.Direction {
		case models.LogDirectionInput:
			if l.Summary != "" && !seenGoals[l.Summary] {
				seenGoals[l.Summary] = true
				goals = append(goals, l.Summary)
			}
		case models.LogDirectionOutput:
			if l.Summary != "" {
				t.CurrentFocus = l.Summary
			}
		}

		if c, ok := l.Detail["constraint"].(string); ok && c != "" && !seenConstraints[c] {
			seenConstraints[c] = true
			t.Constraints = append(t.Constraints, c)
		}
		if bl, ok := l.Detail["blocker"].(string); ok && bl != "" && !seenBlockers[bl] {
			seenBlockers[bl] = true
			t.DiscoveredBlockers = append(t.DiscoveredBlockers, bl)
		}
	}
	t.OverallGoal = strings.Join(goals, "; ")
	t.Summary = summarize(t)
	return t
}

func summarize(t *Trajectory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent %s", t.AgentID)
	if t.Phase != "" {
		fmt.Fprintf(&sb, " (phase %s)", t.Phase)
	}
	fmt.Fprintf(&sb, " has been working for %s across %d events.\n",
		t.SessionDuration.Round(time.Second), t.ConversationLength)
	if t.OverallGoal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", t.OverallGoal)
	}
	if t.CurrentFocus != "" {
		fmt.Fprintf(&sb, "Current focus: %s\n", t.CurrentFocus)
	}
	if len(t.Constraints) > 0 {
		fmt.Fprintf(&sb, "Constraints: %s\n", strings.Join(t.Constraints, "; "))
	}
	if len(t.DiscoveredBlockers) > 0 {
		fmt.Fprintf(&sb, "Blockers: %s\n", strings.Join(t.DiscoveredBlockers, "; "))
	}
	return sb.String()
}
