package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
)

// ErrDependencyCycle means a join registration would make a task depend on
// itself, directly or transitively.
var ErrDependencyCycle = errors.New("dependency cycle")

// Coordinator exposes the coordination primitives over the task queue.
type Coordinator struct {
	pool  *pgxpool.Pool
	queue *queue.Queue
	bus   events.Publisher
}

// NewCoordinator creates a coordinator.
func NewCoordinator(pool *pgxpool.Pool, q *queue.Queue, bus events.Publisher) *Coordinator {
	return &Coordinator{pool: pool, queue: q, bus: bus}
}

// Sync reports whether a sync point is ready: requiredCount (default: all)
// of the waiting tasks are completed. Readiness emits
// coordination.sync.ready.
func (c *Coordinator) Sync(ctx context.Context, pointID string, waitingTaskIDs []string, requiredCount int) (bool, error) {
	if requiredCount <= 0 || requiredCount > len(waitingTaskIDs) {
		requiredCount = len(waitingTaskIDs)
	}
	if len(waitingTaskIDs) == 0 {
		return true, nil
	}

	var completed int
	err := c.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE id = ANY($1) AND status = 'completed'`,
		waitingTaskIDs,
	).Scan(&completed)
	if err != nil {
		return false, fmt.Errorf("failed to count completed tasks: %w", err)
	}

	if completed < requiredCount {
		return false, nil
	}
	c.publish(ctx, events.Event{
		EventType:  events.CoordinationSyncReady,
		EntityType: "sync_point",
		EntityID:   pointID,
		Payload: map[string]any{
			"waiting_task_ids": waitingTaskIDs,
			"completed":        completed,
			"required":         requiredCount,
		},
	})
	return true, nil
}

// SplitTarget describes one fan-out task of a split.
type SplitTarget struct {
	Phase                string
	TaskType             string
	Title                string
	Description          string
	RequiredCapabilities []string
}

// Split fans a source task out into parallel targets, each depending on the
// source.
func (c *Coordinator) Split(ctx context.Context, splitID, sourceTaskID string, targets []SplitTarget) ([]*models.Task, error) {
	source, err := c.queue.GetTask(ctx, sourceTaskID)
	if err != nil {
		return nil, err
	}

	created := make([]*models.Task, 0, len(targets))
	for _, t := range targets {
		task, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
			TicketID:             source.TicketID,
			Phase:                t.Phase,
			TaskType:             t.TaskType,
			Title:                t.Title,
			Description:          t.Description,
			Priority:             source.Priority,
			RequiredCapabilities: t.RequiredCapabilities,
			DependsOn:            []string{sourceTaskID},
		})
		if err != nil {
			return created, fmt.Errorf("failed to enqueue split target %q: %w", t.Title, err)
		}
		created = append(created, task)
	}

	targetIDs := make([]string, len(created))
	for i, t := range created {
		targetIDs[i] = t.ID
	}
	c.publish(ctx, events.Event{
		EventType:  events.CoordinationSplitCreated,
		EntityType: "split",
		EntityID:   splitID,
		Payload: map[string]any{
			"source_task_id":  sourceTaskID,
			"target_task_ids": targetIDs,
		},
	})
	return created, nil
}

// ContinuationConfig describes the continuation task a join creates.
type ContinuationConfig struct {
	Phase                string
	TaskType             string
	Title                string
	Description          string
	Priority             models.Priority
	RequiredCapabilities []string
}

// JoinTasks enqueues a continuation task depending on all sources, registers
// the join, and emits coordination.join.created.
func (c *Coordinator) JoinTasks(ctx context.Context, joinID string, sourceTaskIDs []string, cfg ContinuationConfig, mergeStrategy string) (*models.Task, error) {
	if len(sourceTaskIDs) == 0 {
		return nil, errors.New("join requires at least one source task")
	}
	source, err := c.queue.GetTask(ctx, sourceTaskIDs[0])
	if err != nil {
		return nil, err
	}

	continuation, err := c.queue.Enqueue(ctx, queue.EnqueueRequest{
		TicketID:             source.TicketID,
		Phase:                cfg.Phase,
		TaskType:             cfg.TaskType,
		Title:                cfg.Title,
		Description:          cfg.Description,
		Priority:             cfg.Priority,
		RequiredCapabilities: cfg.RequiredCapabilities,
		DependsOn:            sourceTaskIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue continuation: %w", err)
	}

	if err := c.registerJoin(ctx, joinID, sourceTaskIDs, continuation.ID, mergeStrategy); err != nil {
		return nil, err
	}
	c.publishJoinCreated(ctx, joinID, sourceTaskIDs, continuation.ID, mergeStrategy)
	return continuation, nil
}

// RegisterJoin wires an already-created continuation task into a join: its
// depends_on is augmented with the source ids (no new task is created), the
// join is registered, and coordination.join.created is emitted. Registrations
// that would create a dependency cycle are rejected.
func (c *Coordinator) RegisterJoin(ctx context.Context, joinID string, sourceTaskIDs []string, continuationTaskID, mergeStrategy string) error {
	if len(sourceTaskIDs) == 0 {
		return errors.New("join requires at least one source task")
	}
	for _, id := range sourceTaskIDs {
		if id == continuationTaskID {
			return fmt.Errorf("%w: task %s cannot join onto itself", ErrDependencyCycle, id)
		}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin join registration: %w", err)
	}
	defer tx.Rollback(ctx)

	var deps models.TaskDependencies
	err = tx.QueryRow(ctx,
		`SELECT dependencies FROM tasks WHERE id = $1 FOR UPDATE`, continuationTaskID,
	).Scan(&deps)
	if err != nil {
		if err == pgx.ErrNoRows {
			return queue.ErrTaskNotFound
		}
		return fmt.Errorf("failed to load continuation dependencies: %w", err)
	}

	for _, src := range sourceTaskIDs {
		reachable, err := c.dependsOnTransitively(ctx, tx, src, continuationTaskID)
		if err != nil {
			return err
		}
		if reachable {
			return fmt.Errorf("%w: task %s already depends on %s",
				ErrDependencyCycle, src, continuationTaskID)
		}
	}

	have := make(map[string]bool, len(deps.DependsOn))
	for _, d := range deps.DependsOn {
		have[d] = true
	}
	for _, src := range sourceTaskIDs {
		if !have[src] {
			deps.DependsOn = append(deps.DependsOn, src)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET dependencies = $2, updated_at = now() WHERE id = $1`,
		continuationTaskID, deps,
	); err != nil {
		return fmt.Errorf("failed to augment continuation dependencies: %w", err)
	}
	if err := c.insertJoin(ctx, tx, joinID, sourceTaskIDs, continuationTaskID, mergeStrategy); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit join registration: %w", err)
	}

	c.publishJoinCreated(ctx, joinID, sourceTaskIDs, continuationTaskID, mergeStrategy)
	return nil
}

// dependsOnTransitively walks the depends_on graph from start looking for
// target.
func (c *Coordinator) dependsOnTransitively(ctx context.Context, tx pgx.Tx, start, target string) (bool, error) {
	visited := map[string]bool{}
	frontier := []string{start}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		var deps models.TaskDependencies
		err := tx.QueryRow(ctx, `SELECT dependencies FROM tasks WHERE id = $1`, id).Scan(&deps)
		if err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return false, fmt.Errorf("failed to walk dependencies: %w", err)
		}
		for _, d := range deps.DependsOn {
			if d == target {
				return true, nil
			}
			frontier = append(frontier, d)
		}
	}
	return false, nil
}

func (c *Coordinator) registerJoin(ctx context.Context, joinID string, sourceTaskIDs []string, continuationTaskID, mergeStrategy string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin join insert: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := c.insertJoin(ctx, tx, joinID, sourceTaskIDs, continuationTaskID, mergeStrategy); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) insertJoin(ctx context.Context, tx pgx.Tx, joinID string, sourceTaskIDs []string, continuationTaskID, mergeStrategy string) error {
	if mergeStrategy == "" {
		mergeStrategy = MergeCombine
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO join_registrations
			(join_id, source_task_ids, continuation_task_id, merge_strategy, completed)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (join_id) DO UPDATE SET
			source_task_ids = $2, continuation_task_id = $3, merge_strategy = $4`,
		joinID, sourceTaskIDs, continuationTaskID, mergeStrategy,
	)
	if err != nil {
		return fmt.Errorf("failed to register join: %w", err)
	}
	return nil
}

func (c *Coordinator) publishJoinCreated(ctx context.Context, joinID string, sourceTaskIDs []string, continuationTaskID, mergeStrategy string) {
	if mergeStrategy == "" {
		mergeStrategy = MergeCombine
	}
	c.publish(ctx, events.Event{
		EventType:  events.CoordinationJoinCreated,
		EntityType: "join",
		EntityID:   joinID,
		Payload: map[string]any{
			"join_id":              joinID,
			"source_task_ids":      sourceTaskIDs,
			"continuation_task_id": continuationTaskID,
			"merge_strategy":       mergeStrategy,
		},
	})
}

func (c *Coordinator) publish(ctx context.Context, evt events.Event) {
	if err := c.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish coordination event",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "error", err)
	}
}
