// Package queue implements the persistent task queue: priority-ordered,
// dependency-aware claims backed by row locks so concurrent dispatchers never
// hand the same task to two agents.
package queue

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

// taskColumns is the canonical select list for task scans.
const taskColumns = `id, ticket_id, phase, task_type, title, description, priority, status,
	assigned_agent, sandbox_id, required_capabilities, dependencies, timeout_seconds,
	started_at, completed_at, error_message, result, synthesis_context, conversation_id,
	created_at, updated_at`

// Queue is the task queue over the tasks table.
type Queue struct {
	pool *pgxpool.Pool
	bus  events.Publisher
}

// New creates a queue.
func New(pool *pgxpool.Pool, bus events.Publisher) *Queue {
	return &Queue{pool: pool, bus: bus}
}

// EnqueueRequest carries the inputs for creating a task.
type EnqueueRequest struct {
	TicketID             string
	Phase                string
	TaskType             string
	Title                string
	Description          string
	Priority             models.Priority // empty inherits the ticket's priority
	RequiredCapabilities []string
	DependsOn            []string
	TimeoutSeconds       int
}

// Enqueue creates a pending task. An empty priority inherits the ticket's;
// an unknown priority is rejected.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Task, error) {
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, req.Priority)
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = models.DefaultTaskTimeoutSeconds
	}

	var task *models.Task
	err := database.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		priority := req.Priority
		if priority == "" {
			err := tx.QueryRow(ctx, `SELECT priority FROM tickets WHERE id = $1`, req.TicketID).Scan(&priority)
			if err != nil {
				if err == pgx.ErrNoRows {
					return fmt.Errorf("ticket %s not found", req.TicketID)
				}
				return fmt.Errorf("failed to load ticket priority: %w", err)
			}
			if !priority.Valid() {
				priority = models.PriorityMedium
			}
		}

		deps := models.TaskDependencies{DependsOn: req.DependsOn}
		if deps.DependsOn == nil {
			deps.DependsOn = []string{}
		}
		now := time.Now().UTC()
		task = &models.Task{
			ID:                   uuid.New().String(),
			TicketID:             req.TicketID,
			Phase:                req.Phase,
			TaskType:             req.TaskType,
			Title:                req.Title,
			Description:          req.Description,
			Priority:             priority,
			Status:               models.TaskPending,
			RequiredCapabilities: models.NormalizeCapabilities(req.RequiredCapabilities),
			Dependencies:         deps,
			TimeoutSeconds:       req.TimeoutSeconds,
			CreatedAt:            now,
			UpdatedAt:            now,
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO tasks
				(id, ticket_id, phase, task_type, title, description, priority, status,
				 required_capabilities, dependencies, timeout_seconds, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			task.ID, task.TicketID, task.Phase, task.TaskType, task.Title, task.Description,
			task.Priority, task.Status, task.RequiredCapabilities, task.Dependencies,
			task.TimeoutSeconds, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ClaimFilter narrows a claim to a phase and the claiming agent's
// capabilities. Empty fields match everything.
type ClaimFilter struct {
	Phase        string
	Capabilities []string
}

// GetNextTask atomically claims the highest-priority dependency-ready pending
// task on an approved ticket, marking it assigned to agentID. The claim uses
// FOR UPDATE SKIP LOCKED so concurrent dispatchers step over each other's
// candidates instead of blocking. Returns ErrNoTasksAvailable when nothing
// matches.
func (q *Queue) GetNextTask(ctx context.Context, agentID string, filter ClaimFilter) (*models.Task, error) {
	return q.claim(ctx, agentID, models.TaskPending, models.TaskAssigned, filter)
}

// GetNextValidationTask claims the next task awaiting validation. Validator
// claims mirror worker claims but draw from pending_validation.
func (q *Queue) GetNextValidationTask(ctx context.Context, agentID string, filter ClaimFilter) (*models.Task, error) {
	return q.claim(ctx, agentID, models.TaskPendingValidation, models.TaskClaiming, filter)
}

func (q *Queue) claim(ctx context.Context, agentID string, from, to models.TaskStatus, filter ClaimFilter) (*models.Task, error) {
	// A nil capability set matches every task (sandbox-mode claims, where the
	// executor is provisioned after the claim). An empty non-nil set only
	// matches tasks with no required capabilities.
	var caps []string
	if filter.Capabilities != nil {
		caps = models.NormalizeCapabilities(filter.Capabilities)
	}

	// Worker claims skip tasks already bound to a sandbox; validation claims
	// keep the implementation sandbox attached.
	sandboxGuard := ``
	if from == models.TaskPending {
		sandboxGuard = `AND t.sandbox_id = ''`
	}

	var task *models.Task
	err := database.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		// Dependency readiness: every id in dependencies->depends_on must be
		// a completed task.
		row := tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM tasks t
			WHERE t.status = $1
			  `+sandboxGuard+`
			  AND ($2 = '' OR t.phase = $2)
			  AND ($3::text[] IS NULL OR t.required_capabilities <@ $3::text[])
			  AND EXISTS (
			      SELECT 1 FROM tickets k
			      WHERE k.id = t.ticket_id AND k.approval_status = 'approved'
			  )
			  AND NOT EXISTS (
			      SELECT 1 FROM jsonb_array_elements_text(t.dependencies->'depends_on') AS dep(id)
			      WHERE NOT EXISTS (
			          SELECT 1 FROM tasks d WHERE d.id = dep.id AND d.status = 'completed'
			      )
			  )
			ORDER BY
			  CASE t.priority
			    WHEN 'CRITICAL' THEN 4
			    WHEN 'HIGH' THEN 3
			    WHEN 'MEDIUM' THEN 2
			    WHEN 'LOW' THEN 1
			    ELSE 0
			  END DESC,
			  t.created_at ASC
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED`,
			from, filter.Phase, caps,
		)

		claimed, err := scanTask(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrNoTasksAvailable
			}
			return fmt.Errorf("failed to claim task: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $2, assigned_agent = $3, updated_at = now()
			WHERE id = $1`,
			claimed.ID, to, agentID,
		); err != nil {
			return fmt.Errorf("failed to mark task claimed: %w", err)
		}
		claimed.Status = to
		claimed.AssignedAgent = agentID
		task = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.publish(ctx, events.Event{
		EventType:  events.TaskAssigned,
		EntityType: "task",
		EntityID:   task.ID,
		Payload: map[string]any{
			"agent_id":  agentID,
			"ticket_id": task.TicketID,
			"phase":     task.Phase,
			"priority":  string(task.Priority),
		},
	})
	return task, nil
}

// AssignTask directly assigns a pending task to an agent, bypassing the
// claim ordering. Re-assigning to the same agent is idempotent.
func (q *Queue) AssignTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	var task *models.Task
	var already bool

	err := database.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.Status.Assigned() && t.AssignedAgent == agentID {
			already = true
			task = t
			return nil
		}
		if t.Status != models.TaskPending {
			return fmt.Errorf("%w: task %s is %s", ErrTaskNotAssignable, taskID, t.Status)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'assigned', assigned_agent = $2, updated_at = now()
			WHERE id = $1`,
			taskID, agentID,
		); err != nil {
			return fmt.Errorf("failed to assign task: %w", err)
		}
		t.Status = models.TaskAssigned
		t.AssignedAgent = agentID
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !already {
		q.publish(ctx, events.Event{
			EventType:  events.TaskAssigned,
			EntityType: "task",
			EntityID:   task.ID,
			Payload: map[string]any{
				"agent_id":  agentID,
				"ticket_id": task.TicketID,
				"phase":     task.Phase,
				"priority":  string(task.Priority),
			},
		})
	}
	return task, nil
}

// StatusUpdate carries the optional fields of a status change.
type StatusUpdate struct {
	Result       map[string]any
	ErrorMessage string
}

// allowedTaskTransitions is the task status state machine:
//
//	pending → assigned → running → pending_validation → claiming
//	needs_revision ⇄ pending_validation
//	any non-terminal → completed | failed
//
// completed and failed are terminal. The direct-completion edges (pending or
// assigned straight to completed) cover synthesis continuations and PR-merge
// completion, which settle tasks that never executed.
var allowedTaskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending:           {models.TaskAssigned, models.TaskRunning, models.TaskCompleted, models.TaskFailed},
	models.TaskAssigned:          {models.TaskPending, models.TaskRunning, models.TaskPendingValidation, models.TaskCompleted, models.TaskFailed},
	models.TaskClaiming:          {models.TaskPendingValidation, models.TaskNeedsRevision, models.TaskCompleted, models.TaskFailed},
	models.TaskRunning:           {models.TaskPendingValidation, models.TaskCompleted, models.TaskFailed},
	models.TaskPendingValidation: {models.TaskClaiming, models.TaskNeedsRevision, models.TaskCompleted, models.TaskFailed},
	models.TaskNeedsRevision:     {models.TaskRunning, models.TaskPendingValidation, models.TaskCompleted, models.TaskFailed},
}

// taskTransitionAllowed reports whether from → to is in the state machine
// table.
func taskTransitionAllowed(from, to models.TaskStatus) bool {
	for _, s := range allowedTaskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateTaskStatus transitions a task and emits TASK_STATUS_CHANGED plus the
// status-specific event when one exists. Transitions outside the state
// machine table return *InvalidTransitionError. started_at is stamped on the
// first transition to running; completed_at on any terminal transition.
func (q *Queue) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, upd StatusUpdate) (*models.Task, error) {
	var task *models.Task
	var previous models.TaskStatus

	err := database.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		previous = t.Status
		if previous != status && !taskTransitionAllowed(previous, status) {
			return &InvalidTransitionError{TaskID: taskID, From: previous, To: status}
		}

		now := time.Now().UTC()
		if status == models.TaskRunning && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if status.Terminal() && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if upd.Result != nil {
			t.Result = upd.Result
		}
		if upd.ErrorMessage != "" {
			t.ErrorMessage = upd.ErrorMessage
		}
		t.Status = status

		if _, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = $2, started_at = $3, completed_at = $4, result = $5,
			    error_message = $6, updated_at = now()
			WHERE id = $1`,
			taskID, t.Status, t.StartedAt, t.CompletedAt, t.Result, t.ErrorMessage,
		); err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"status":          string(status),
		"previous_status": string(previous),
	}
	if upd.Result != nil {
		payload["result"] = upd.Result
	}
	if upd.ErrorMessage != "" {
		payload["error_message"] = upd.ErrorMessage
	}
	q.publish(ctx, events.Event{
		EventType: events.TaskStatusChanged, EntityType: "task", EntityID: taskID,
		Payload: payload,
	})
	if specific := specificEventFor(status); specific != "" {
		q.publish(ctx, events.Event{
			EventType: specific, EntityType: "task", EntityID: taskID,
			Payload: payload,
		})
	}
	return task, nil
}

// specificEventFor maps terminal and validation statuses to their dedicated
// event types.
func specificEventFor(status models.TaskStatus) string {
	switch status {
	case models.TaskCompleted:
		return events.TaskCompleted
	case models.TaskFailed:
		return events.TaskFailed
	case models.TaskPendingValidation:
		return events.TaskValidationRequested
	}
	return ""
}

// CheckTaskTimeout reports whether a task has exceeded its wall-clock budget.
func (q *Queue) CheckTaskTimeout(ctx context.Context, taskID string) (bool, error) {
	t, err := q.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.TimedOut(time.Now().UTC()), nil
}

// MarkTaskTimeout fails a task as timed out. The error message format is
// stable; downstream consumers parse its prefix.
func (q *Queue) MarkTaskTimeout(ctx context.Context, taskID, reason string) (*models.Task, error) {
	task, err := q.UpdateTaskStatus(ctx, taskID, models.TaskFailed, StatusUpdate{
		ErrorMessage: fmt.Sprintf("Task timed out: %s", reason),
	})
	if err != nil {
		return nil, err
	}
	q.publish(ctx, events.Event{
		EventType: events.TaskTimedOut, EntityType: "task", EntityID: taskID,
		Payload: map[string]any{"reason": reason},
	})
	return task, nil
}

// CancelTask fails a cancellable task (pending, assigned or running) with a
// stable cancellation message. Returns false without error when the task is
// in any other state.
func (q *Queue) CancelTask(ctx context.Context, taskID, reason string) (bool, error) {
	var cancelled bool
	var previous models.TaskStatus

	err := database.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		switch t.Status {
		case models.TaskPending, models.TaskAssigned, models.TaskRunning:
		default:
			return nil
		}
		previous = t.Status

		if _, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
			WHERE id = $1`,
			taskID, fmt.Sprintf("Task cancelled: %s", reason),
		); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	payload := map[string]any{
		"status":          string(models.TaskFailed),
		"previous_status": string(previous),
		"error_message":   fmt.Sprintf("Task cancelled: %s", reason),
	}
	q.publish(ctx, events.Event{
		EventType: events.TaskStatusChanged, EntityType: "task", EntityID: taskID,
		Payload: payload,
	})
	q.publish(ctx, events.Event{
		EventType: events.TaskFailed, EntityType: "task", EntityID: taskID,
		Payload: payload,
	})
	return true, nil
}

// GetTimedOutTasks lists running tasks past their timeout budget.
func (q *Queue) GetTimedOutTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'running'
		  AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_seconds) < now()
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list timed-out tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetCancellableTasks lists tasks for a ticket that CancelTask would act on.
func (q *Queue) GetCancellableTasks(ctx context.Context, ticketID string) ([]*models.Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ticket_id = $1 AND status IN ('pending', 'assigned', 'running')
		ORDER BY created_at`,
		ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancellable tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask loads one task by id.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return getTask(ctx, q.pool, taskID, false)
}

// ListTasksByTicket returns a ticket's tasks in creation order.
func (q *Queue) ListTasksByTicket(ctx context.Context, ticketID string) ([]*models.Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE ticket_id = $1 ORDER BY created_at`,
		ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	TicketID string
	Status   models.TaskStatus
	Phase    string
	Limit    int
}

// ListTasks returns tasks matching the filter, newest first.
func (q *Queue) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR ticket_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR phase = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		filter.TicketID, string(filter.Status), filter.Phase, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RebindAgent repoints an already-claimed task at a different agent. Used by
// the sandbox dispatcher, which provisions the executing agent after the
// claim.
func (q *Queue) RebindAgent(ctx context.Context, taskID, agentID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks SET assigned_agent = $2, updated_at = now()
		WHERE id = $1 AND status IN ('assigned', 'claiming')`,
		taskID, agentID)
	if err != nil {
		return fmt.Errorf("failed to rebind agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ReleaseTask puts a claimed task back in the queue, clearing the
// assignment. Only assigned and claiming tasks can be released; anything
// further along has already started executing.
func (q *Queue) ReleaseTask(ctx context.Context, taskID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks
		SET status = CASE status WHEN 'claiming' THEN 'pending_validation' ELSE 'pending' END,
		    assigned_agent = '', updated_at = now()
		WHERE id = $1 AND status IN ('assigned', 'claiming')`,
		taskID)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetSandbox attaches a sandbox id to a task.
func (q *Queue) SetSandbox(ctx context.Context, taskID, sandboxID string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks SET sandbox_id = $2, updated_at = now() WHERE id = $1`,
		taskID, sandboxID)
	if err != nil {
		return fmt.Errorf("failed to set sandbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *Queue) publish(ctx context.Context, evt events.Event) {
	if err := q.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish task event",
			"event_type", evt.EventType, "task_id", evt.EntityID, "error", err)
	}
}

func getTask(ctx context.Context, qr database.Querier, taskID string, forUpdate bool) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	task, err := scanTask(qr.QueryRow(ctx, query, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID, &t.TicketID, &t.Phase, &t.TaskType, &t.Title, &t.Description,
		&t.Priority, &t.Status, &t.AssignedAgent, &t.SandboxID,
		&t.RequiredCapabilities, &t.Dependencies, &t.TimeoutSeconds,
		&t.StartedAt, &t.CompletedAt, &t.ErrorMessage, &t.Result,
		&t.SynthesisContext, &t.ConversationID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}
