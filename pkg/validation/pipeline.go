// Package validation wraps task completion in a validator loop: completed
// work is re-checked by a validator sandbox, iterating on failure up to a
// configured cap.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
)

// Config tunes the pipeline.
type Config struct {
	// Enabled gates the whole pipeline; disabled, completions pass through
	// untouched.
	Enabled bool
	// MaxIterations caps validator rounds per task, default 3.
	MaxIterations int
}

// Pipeline routes completed tasks through validation. It never spawns
// validator sandboxes itself: the dispatcher polls pending_validation, which
// keeps exactly one producer of validator sandboxes.
type Pipeline struct {
	cfg   Config
	pool  *pgxpool.Pool
	queue *queue.Queue
	bus   events.Publisher
}

// NewPipeline creates a validation pipeline.
func NewPipeline(cfg Config, pool *pgxpool.Pool, q *queue.Queue, bus events.Publisher) *Pipeline {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	return &Pipeline{cfg: cfg, pool: pool, queue: q, bus: bus}
}

// HandleCompletion intercepts an implementation completion. The task either
// moves to pending_validation for iteration k, or fails outright when the
// iteration cap is exhausted. With validation disabled the task completes
// directly.
func (p *Pipeline) HandleCompletion(ctx context.Context, taskID string, implResult map[string]any) error {
	if !p.cfg.Enabled {
		_, err := p.queue.UpdateTaskStatus(ctx, taskID, models.TaskCompleted, queue.StatusUpdate{
			Result: implResult,
		})
		return err
	}

	iteration, err := p.nextIteration(ctx, taskID)
	if err != nil {
		return err
	}
	if iteration > p.cfg.MaxIterations {
		msg := fmt.Sprintf("Failed validation after %d iterations", p.cfg.MaxIterations)
		_, err := p.queue.UpdateTaskStatus(ctx, taskID, models.TaskFailed, queue.StatusUpdate{
			ErrorMessage: msg,
		})
		return err
	}

	result := map[string]any{}
	for k, v := range implResult {
		result[k] = v
	}
	result["validation_iteration"] = iteration

	if _, err := p.queue.UpdateTaskStatus(ctx, taskID, models.TaskPendingValidation, queue.StatusUpdate{
		Result: result,
	}); err != nil {
		return err
	}
	slog.Info("Task queued for validation", "task_id", taskID, "iteration", iteration)
	return nil
}

// nextIteration counts existing reviews; the next round is count + 1.
func (p *Pipeline) nextIteration(ctx context.Context, taskID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM validation_reviews WHERE task_id = $1`, taskID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count validation reviews: %w", err)
	}
	return count + 1, nil
}

// ValidationResult carries a validator's verdict.
type ValidationResult struct {
	ValidatorAgent  string
	Passed          bool
	Feedback        string
	Evidence        map[string]any
	Recommendations []string
}

// HandleValidationResult records the validator's review and settles the
// task: completed on pass, needs_revision on fail.
func (p *Pipeline) HandleValidationResult(ctx context.Context, taskID string, res ValidationResult) error {
	var task *models.Task
	var iteration int

	err := database.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM validation_reviews WHERE task_id = $1`, taskID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count validation reviews: %w", err)
		}
		iteration = count + 1

		evidence := res.Evidence
		if evidence == nil {
			evidence = map[string]any{}
		}
		recommendations := res.Recommendations
		if recommendations == nil {
			recommendations = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO validation_reviews
				(id, task_id, validator_agent, iteration_number, passed, feedback,
				 evidence, recommendations, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.New().String(), taskID, res.ValidatorAgent, iteration, res.Passed,
			res.Feedback, evidence, recommendations, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to record validation review: %w", err)
		}

		var err error
		task, err = p.loadTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return err
	}

	result := map[string]any{}
	for k, v := range task.Result {
		result[k] = v
	}

	if res.Passed {
		result["validation_passed"] = true
		result["validated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		result["validation_iteration"] = iteration

		if _, err := p.queue.UpdateTaskStatus(ctx, taskID, models.TaskCompleted, queue.StatusUpdate{
			Result: result,
		}); err != nil {
			return err
		}
		p.publish(ctx, events.Event{
			EventType:  events.TaskValidationPassed,
			EntityType: "task",
			EntityID:   taskID,
			Payload: map[string]any{
				"iteration": iteration,
				"validator": res.ValidatorAgent,
			},
		})
		slog.Info("Validation passed", "task_id", taskID, "iteration", iteration)
		return nil
	}

	result["revision_feedback"] = res.Feedback
	result["revision_recommendations"] = res.Recommendations

	if _, err := p.queue.UpdateTaskStatus(ctx, taskID, models.TaskNeedsRevision, queue.StatusUpdate{
		Result: result,
	}); err != nil {
		return err
	}
	p.publish(ctx, events.Event{
		EventType:  events.TaskValidationFailed,
		EntityType: "task",
		EntityID:   taskID,
		Payload: map[string]any{
			"iteration": iteration,
			"validator": res.ValidatorAgent,
			"feedback":  res.Feedback,
		},
	})
	slog.Info("Validation failed, revision requested",
		"task_id", taskID, "iteration", iteration)
	return nil
}

func (p *Pipeline) loadTask(ctx context.Context, tx pgx.Tx, taskID string) (*models.Task, error) {
	var t models.Task
	err := tx.QueryRow(ctx,
		`SELECT id, sandbox_id, COALESCE(result, '{}'::jsonb) FROM tasks WHERE id = $1`, taskID,
	).Scan(&t.ID, &t.SandboxID, &t.Result)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, queue.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &t, nil
}

func (p *Pipeline) publish(ctx context.Context, evt events.Event) {
	if err := p.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish validation event",
			"event_type", evt.EventType, "task_id", evt.EntityID, "error", err)
	}
}

// ValidatorEnvInput collects what is known about the original task when a
// validator sandbox is spawned.
type ValidatorEnvInput struct {
	TaskID            string
	Iteration         int
	OriginalSandboxID string
	GitHubRepo        string
	GitHubRepoOwner   string
	GitHubRepoName    string
	GitHubToken       string
	BranchName        string
	UserID            string
}

// ValidatorEnv builds the environment injected into a validator sandbox.
// Optional fields are omitted when empty.
func ValidatorEnv(in ValidatorEnvInput) map[string]string {
	env := map[string]string{
		"VALIDATION_MODE":      "true",
		"ORIGINAL_TASK_ID":     in.TaskID,
		"VALIDATION_ITERATION": strconv.Itoa(in.Iteration),
	}
	optional := map[string]string{
		"ORIGINAL_SANDBOX_ID": in.OriginalSandboxID,
		"GITHUB_REPO":         in.GitHubRepo,
		"GITHUB_REPO_OWNER":   in.GitHubRepoOwner,
		"GITHUB_REPO_NAME":    in.GitHubRepoName,
		"GITHUB_TOKEN":        in.GitHubToken,
		"BRANCH_NAME":         in.BranchName,
		"USER_ID":             in.UserID,
	}
	for k, v := range optional {
		if v != "" {
			env[k] = v
		}
	}
	return env
}
