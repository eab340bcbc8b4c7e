package monitoring

import (
	"context"
	"errors"
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

// Intervention errors.
var (
	// ErrInsufficientAuthority means the caller's authority level does not
	// permit the action.
	ErrInsufficientAuthority = errors.New("insufficient authority")

	// ErrActionNotFound means the audit row to revert does not exist.
	ErrActionNotFound = errors.New("intervention action not found")
)

// InterventionRequest qualifies every intervention call.
type InterventionRequest struct {
	Authority   models.Authority
	InitiatedBy string
	Reason      string
	// Manual bypasses the project's auto-steering setting.
	Manual bool
}

// Intervenor executes authority-checked guardian interventions. Every action
// is audited append-only with before/after snapshots; suppressed actions are
// audited with executed=false.
type Intervenor struct {
	pool *pgxpool.Pool
	bus  events.Publisher
}

// NewIntervenor creates an intervenor.
func NewIntervenor(pool *pgxpool.Pool, bus events.Publisher) *Intervenor {
	return &Intervenor{pool: pool, bus: bus}
}

// EmergencyCancelTask fails a task immediately. Requires GUARDIAN authority.
func (iv *Intervenor) EmergencyCancelTask(ctx context.Context, taskID string, req InterventionRequest) error {
	if req.Authority < models.AuthorityGuardian {
		return fmt.Errorf("%w: emergency cancel requires GUARDIAN, got %s",
			ErrInsufficientAuthority, req.Authority)
	}

	var executed bool
	err := database.WithTx(ctx, iv.pool, func(tx pgx.Tx) error {
		var status models.TaskStatus
		var ticketID string
		err := tx.QueryRow(ctx,
			`SELECT status, ticket_id FROM tasks WHERE id = $1 FOR UPDATE`, taskID,
		).Scan(&status, &ticketID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("task %s not found", taskID)
			}
			return fmt.Errorf("failed to load task: %w", err)
		}

		allowed, err := iv.steeringAllowed(ctx, tx, ticketID, req.Manual)
		if err != nil {
			return err
		}

		before := map[string]any{"status": string(status)}
		after := map[string]any{"status": string(models.TaskFailed)}
		if allowed {
			msg := fmt.Sprintf("EMERGENCY CANCELLATION: %s", req.Reason)
			if _, err := tx.Exec(ctx, `
				UPDATE tasks
				SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
				WHERE id = $1`,
				taskID, msg,
			); err != nil {
				return fmt.Errorf("failed to cancel task: %w", err)
			}
			after["error_message"] = msg
			executed = true
		}
		return iv.audit(ctx, tx, auditRow{
			ActionType: "emergency_cancel_task", TargetType: "task", TargetID: taskID,
			Req: req, Executed: executed, Before: before, After: after,
		})
	})
	if err != nil {
		return err
	}

	if executed {
		iv.publish(ctx, events.Event{
			EventType:  events.InterventionStarted,
			EntityType: "task",
			EntityID:   taskID,
			Payload: map[string]any{
				"action":       "emergency_cancel_task",
				"reason":       req.Reason,
				"initiated_by": req.InitiatedBy,
			},
		})
	}
	return nil
}

// ReallocateAgentCapacity moves n capacity units from one agent to another,
// transactionally. Requires GUARDIAN authority; n must be positive and fully
// covered by the source agent.
func (iv *Intervenor) ReallocateAgentCapacity(ctx context.Context, fromID, toID string, n int, req InterventionRequest) error {
	if req.Authority < models.AuthorityGuardian {
		return fmt.Errorf("%w: capacity reallocation requires GUARDIAN, got %s",
			ErrInsufficientAuthority, req.Authority)
	}
	if n <= 0 {
		return fmt.Errorf("reallocation amount must be positive, got %d", n)
	}

	var executed bool
	err := database.WithTx(ctx, iv.pool, func(tx pgx.Tx) error {
		var fromCap, toCap int
		// Lock both rows in a stable order to avoid deadlock between
		// concurrent reallocations.
		first, second := fromID, toID
		if second < first {
			first, second = second, first
		}
		for _, id := range []string{first, second} {
			var c int
			err := tx.QueryRow(ctx, `SELECT capacity FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&c)
			if err != nil {
				if err == pgx.ErrNoRows {
					return fmt.Errorf("agent %s not found", id)
				}
				return fmt.Errorf("failed to load agent: %w", err)
			}
			if id == fromID {
				fromCap = c
			} else {
				toCap = c
			}
		}
		if fromCap < n {
			return fmt.Errorf("agent %s has capacity %d, cannot release %d", fromID, fromCap, n)
		}

		before := map[string]any{"from_capacity": fromCap, "to_capacity": toCap}
		after := map[string]any{"from_capacity": fromCap - n, "to_capacity": toCap + n}

		// No project is resolvable from agents, so only the manual flag and
		// authority gate apply.
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET capacity = capacity - $2, updated_at = now() WHERE id = $1`,
			fromID, n); err != nil {
			return fmt.Errorf("failed to release capacity: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET capacity = capacity + $2, updated_at = now() WHERE id = $1`,
			toID, n); err != nil {
			return fmt.Errorf("failed to grant capacity: %w", err)
		}
		executed = true

		return iv.audit(ctx, tx, auditRow{
			ActionType: "reallocate_agent_capacity", TargetType: "agent", TargetID: fromID,
			Req: req, Executed: true, Before: before, After: after,
		})
	})
	if err != nil {
		return err
	}

	if executed {
		iv.publish(ctx, events.Event{
			EventType:  events.ResourceReallocated,
			EntityType: "agent",
			EntityID:   fromID,
			Payload: map[string]any{
				"from_agent": fromID,
				"to_agent":   toID,
				"amount":     n,
				"reason":     req.Reason,
			},
		})
	}
	return nil
}

// OverrideTaskPriority sets a task's priority. Requires GUARDIAN authority.
func (iv *Intervenor) OverrideTaskPriority(ctx context.Context, taskID string, priority models.Priority, req InterventionRequest) error {
	if req.Authority < models.AuthorityGuardian {
		return fmt.Errorf("%w: priority override requires GUARDIAN, got %s",
			ErrInsufficientAuthority, req.Authority)
	}
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %q", priority)
	}

	var executed bool
	err := database.WithTx(ctx, iv.pool, func(tx pgx.Tx) error {
		var current models.Priority
		var ticketID string
		err := tx.QueryRow(ctx,
			`SELECT priority, ticket_id FROM tasks WHERE id = $1 FOR UPDATE`, taskID,
		).Scan(&current, &ticketID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("task %s not found", taskID)
			}
			return fmt.Errorf("failed to load task: %w", err)
		}

		allowed, err := iv.steeringAllowed(ctx, tx, ticketID, req.Manual)
		if err != nil {
			return err
		}
		if allowed {
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET priority = $2, updated_at = now() WHERE id = $1`,
				taskID, priority); err != nil {
				return fmt.Errorf("failed to override priority: %w", err)
			}
			executed = true
		}
		return iv.audit(ctx, tx, auditRow{
			ActionType: "override_task_priority", TargetType: "task", TargetID: taskID,
			Req: req, Executed: executed,
			Before: map[string]any{"priority": string(current)},
			After:  map[string]any{"priority": string(priority)},
		})
	})
	if err != nil {
		return err
	}

	if executed {
		iv.publish(ctx, events.Event{
			EventType:  events.InterventionCompleted,
			EntityType: "task",
			EntityID:   taskID,
			Payload: map[string]any{
				"action":   "override_task_priority",
				"priority": string(priority),
				"reason":   req.Reason,
			},
		})
	}
	return nil
}

// RevertIntervention flags a prior audited action as reverted. The business
// state change is not undone automatically; reversal semantics belong to a
// follow-up action.
func (iv *Intervenor) RevertIntervention(ctx context.Context, actionID, reason, initiatedBy string) error {
	tag, err := iv.pool.Exec(ctx, `
		UPDATE guardian_actions
		SET reverted = true, reverted_by = $2
		WHERE id = $1 AND reverted = false`,
		actionID, initiatedBy)
	if err != nil {
		return fmt.Errorf("failed to revert intervention: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}

	iv.publish(ctx, events.Event{
		EventType:  events.InterventionReverted,
		EntityType: "guardian_action",
		EntityID:   actionID,
		Payload: map[string]any{
			"reason":       reason,
			"initiated_by": initiatedBy,
		},
	})
	return nil
}

// steeringAllowed consults the owning project's guardian_auto_steering
// setting. Manual interventions and targets without a resolvable project are
// always allowed.
func (iv *Intervenor) steeringAllowed(ctx context.Context, tx pgx.Tx, ticketID string, manual bool) (bool, error) {
	if manual || ticketID == "" {
		return true, nil
	}
	var settings map[string]any
	err := tx.QueryRow(ctx, `
		SELECT p.settings FROM projects p
		JOIN tickets t ON t.project_id = p.id
		WHERE t.id = $1`,
		ticketID,
	).Scan(&settings)
	if err != nil {
		if err == pgx.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("failed to load project settings: %w", err)
	}
	if enabled, ok := settings["guardian_auto_steering"].(bool); ok && !enabled {
		slog.Info("Intervention suppressed by project setting", "ticket_id", ticketID)
		return false, nil
	}
	return true, nil
}

type auditRow struct {
	ActionType string
	TargetType string
	TargetID   string
	Req        InterventionRequest
	Executed   bool
	Before     map[string]any
	After      map[string]any
}

func (iv *Intervenor) audit(ctx context.Context, tx pgx.Tx, row auditRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO guardian_actions
			(id, action_type, target_type, target_id, authority, initiated_by, reason,
			 executed, before_snapshot, after_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), row.ActionType, row.TargetType, row.TargetID,
		row.Req.Authority.String(), row.Req.InitiatedBy, row.Req.Reason,
		row.Executed, row.Before, row.After, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to audit intervention: %w", err)
	}
	return nil
}

func (iv *Intervenor) publish(ctx context.Context, evt events.Event) {
	if err := iv.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish intervention event",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "error", err)
	}
}
