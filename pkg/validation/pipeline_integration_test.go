package validation_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/validation"
	"github.com/codelane/maestro/test/util"
)

func setupPipeline(t *testing.T, maxIterations int) (*pgxpool.Pool, *queue.Queue, *validation.Pipeline) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	bus := events.NewBus("test", nil)
	q := queue.New(pool, bus)
	p := validation.NewPipeline(validation.Config{
		Enabled:       true,
		MaxIterations: maxIterations,
	}, pool, q, bus)
	return pool, q, p
}

func seedRunningTask(t *testing.T, pool *pgxpool.Pool, q *queue.Queue) *models.Task {
	t.Helper()
	ctx := context.Background()
	ticketID := uuid.New().String()
	_, err := pool.Exec(ctx,
		`INSERT INTO tickets (id, title) VALUES ($1, 'validation ticket')`, ticketID)
	require.NoError(t, err)

	task, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "impl"})
	require.NoError(t, err)
	_, err = q.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, queue.StatusUpdate{})
	require.NoError(t, err)
	return task
}

func TestValidationFailThenPass(t *testing.T) {
	pool, q, p := setupPipeline(t, 3)
	ctx := context.Background()
	task := seedRunningTask(t, pool, q)

	require.NoError(t, p.HandleCompletion(ctx, task.ID, map[string]any{"summary": "done"}))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPendingValidation, got.Status)
	assert.EqualValues(t, 1, got.Result["validation_iteration"])
	assert.Equal(t, "done", got.Result["summary"])

	// First round fails: the task goes back for revision with feedback.
	require.NoError(t, p.HandleValidationResult(ctx, task.ID, validation.ValidationResult{
		ValidatorAgent: "validator-1",
		Passed:         false,
		Feedback:       "tests missing",
	}))
	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskNeedsRevision, got.Status)
	assert.Equal(t, "tests missing", got.Result["revision_feedback"])

	// The revised work comes back as a second completion.
	require.NoError(t, p.HandleCompletion(ctx, task.ID, map[string]any{"summary": "done v2"}))
	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPendingValidation, got.Status)
	assert.EqualValues(t, 2, got.Result["validation_iteration"])

	require.NoError(t, p.HandleValidationResult(ctx, task.ID, validation.ValidationResult{
		ValidatorAgent: "validator-1",
		Passed:         true,
	}))
	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, true, got.Result["validation_passed"])
	assert.EqualValues(t, 2, got.Result["validation_iteration"])
	assert.NotEmpty(t, got.Result["validated_at"])

	// Exactly two reviews exist, one per round.
	rows, err := pool.Query(ctx, `
		SELECT iteration_number, passed FROM validation_reviews
		WHERE task_id = $1 ORDER BY iteration_number`, task.ID)
	require.NoError(t, err)
	defer rows.Close()
	var iterations []int
	var verdicts []bool
	for rows.Next() {
		var n int
		var passed bool
		require.NoError(t, rows.Scan(&n, &passed))
		iterations = append(iterations, n)
		verdicts = append(verdicts, passed)
	}
	assert.Equal(t, []int{1, 2}, iterations)
	assert.Equal(t, []bool{false, true}, verdicts)
}

func TestValidationIterationCap(t *testing.T) {
	pool, q, p := setupPipeline(t, 1)
	ctx := context.Background()
	task := seedRunningTask(t, pool, q)

	require.NoError(t, p.HandleCompletion(ctx, task.ID, nil))
	require.NoError(t, p.HandleValidationResult(ctx, task.ID, validation.ValidationResult{
		Passed:   false,
		Feedback: "still broken",
	}))

	// The cap is spent; the next completion fails the task for good.
	require.NoError(t, p.HandleCompletion(ctx, task.ID, nil))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "Failed validation after 1 iterations", got.ErrorMessage)
}

func TestValidationDisabledPassThrough(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	bus := events.NewBus("test", nil)
	q := queue.New(pool, bus)
	p := validation.NewPipeline(validation.Config{Enabled: false}, pool, q, bus)
	ctx := context.Background()
	task := seedRunningTask(t, pool, q)

	require.NoError(t, p.HandleCompletion(ctx, task.ID, map[string]any{"summary": "done"}))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	_, reviewed := got.Result["validation_iteration"]
	assert.False(t, reviewed)
}
