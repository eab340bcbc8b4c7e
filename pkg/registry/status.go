package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
)

// allowedTransitions is the agent status state machine:
//
//	SPAWNING → IDLE → RUNNING → IDLE
//	                ↘ DEGRADED ↗
//	SPAWNING, IDLE, RUNNING, DEGRADED → TERMINATED
//	any → FAILED
//	any → QUARANTINED (force only)
//
// TERMINATED, QUARANTINED and FAILED are terminal.
var allowedTransitions = map[models.AgentStatus][]models.AgentStatus{
	models.AgentSpawning: {models.AgentIdle, models.AgentTerminated, models.AgentFailed},
	models.AgentIdle:     {models.AgentRunning, models.AgentDegraded, models.AgentTerminated, models.AgentFailed},
	models.AgentRunning:  {models.AgentIdle, models.AgentDegraded, models.AgentTerminated, models.AgentFailed},
	models.AgentDegraded: {models.AgentIdle, models.AgentRunning, models.AgentTerminated, models.AgentFailed},
}

// transitionAllowed reports whether from → to is in the state machine table.
func transitionAllowed(from, to models.AgentStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOptions qualifies a status transition request.
type TransitionOptions struct {
	// Force applies a transition outside the state machine table. Forced
	// transitions are audited.
	Force       bool
	InitiatedBy string
	Reason      string
}

// StatusManager enforces the agent status state machine and emits a bus
// event for every applied transition.
type StatusManager struct {
	pool *pgxpool.Pool
	bus  events.Publisher
}

// NewStatusManager creates a status manager.
func NewStatusManager(pool *pgxpool.Pool, bus events.Publisher) *StatusManager {
	return &StatusManager{pool: pool, bus: bus}
}

// Transition moves an agent to a new status. Transitions not in the state
// machine table return *InvalidTransitionError unless opts.Force is set, in
// which case the transition is audited and applied. Terminal statuses accept
// no further transitions without force.
func (m *StatusManager) Transition(ctx context.Context, agentID string, to models.AgentStatus, opts TransitionOptions) error {
	var from models.AgentStatus

	err := database.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, agentID)
		if err := row.Scan(&from); err != nil {
			if err == pgx.ErrNoRows {
				return ErrAgentNotFound
			}
			return fmt.Errorf("failed to load agent status: %w", err)
		}

		if from == to {
			return nil // idempotent
		}
		if !transitionAllowed(from, to) && !opts.Force {
			return &InvalidTransitionError{AgentID: agentID, From: from, To: to}
		}
		if to == models.AgentQuarantined && !opts.Force {
			return &InvalidTransitionError{AgentID: agentID, From: from, To: to}
		}

		health := healthFor(to)
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET status = $2, health = $3, updated_at = now() WHERE id = $1`,
			agentID, to, health,
		); err != nil {
			return fmt.Errorf("failed to update agent status: %w", err)
		}

		if opts.Force && !transitionAllowed(from, to) {
			if _, err := tx.Exec(ctx, `
				INSERT INTO guardian_actions
					(id, action_type, target_type, target_id, authority, initiated_by, reason, executed, before_snapshot, after_snapshot)
				VALUES ($1, 'agent.status.force', 'agent', $2, $3, $4, $5, true, $6, $7)`,
				uuid.New().String(), agentID, models.AuthorityGuardian.String(),
				opts.InitiatedBy, opts.Reason,
				map[string]any{"status": string(from)},
				map[string]any{"status": string(to)},
			); err != nil {
				return fmt.Errorf("failed to audit forced transition: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	if pubErr := m.bus.Publish(ctx, events.Event{
		EventType:  events.AgentEvent,
		EntityType: "agent",
		EntityID:   agentID,
		Payload: map[string]any{
			"kind":         "status_transition",
			"from":         string(from),
			"to":           string(to),
			"initiated_by": opts.InitiatedBy,
			"reason":       opts.Reason,
			"forced":       opts.Force,
			"at":           time.Now().UTC().Format(time.RFC3339Nano),
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish agent status transition",
			"agent_id", agentID, "to", to, "error", pubErr)
	}
	return nil
}

// healthFor derives the health field from the new status.
func healthFor(s models.AgentStatus) models.AgentHealth {
	switch s {
	case models.AgentDegraded:
		return models.HealthDegraded
	case models.AgentTerminated, models.AgentQuarantined, models.AgentFailed:
		return models.HealthTerminated
	}
	return models.HealthHealthy
}
