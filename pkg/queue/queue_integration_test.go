package queue_test

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
	"github.com/codelane/maestro/test/util"
)

func setupQueue(t *testing.T) (*pgxpool.Pool, *queue.Queue) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	return pool, queue.New(pool, events.NewBus("test", nil))
}

func seedTicket(t *testing.T, pool *pgxpool.Pool, approval models.ApprovalStatus) string {
	t.Helper()
	id := uuid.New().String()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO tickets (id, title, priority, approval_status)
		VALUES ($1, 'test ticket', 'MEDIUM', $2)`,
		id, approval)
	require.NoError(t, err)
	return id
}

func TestClaimOrdering(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	low, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "low", Priority: models.PriorityLow,
	})
	require.NoError(t, err)
	critical, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "critical", Priority: models.PriorityCritical,
	})
	require.NoError(t, err)

	first, err := q.GetNextTask(ctx, "agent-1", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, critical.ID, first.ID)
	assert.Equal(t, models.TaskAssigned, first.Status)
	assert.Equal(t, "agent-1", first.AssignedAgent)

	second, err := q.GetNextTask(ctx, "agent-2", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	_, err = q.GetNextTask(ctx, "agent-3", queue.ClaimFilter{})
	assert.ErrorIs(t, err, queue.ErrNoTasksAvailable)
}

func TestClaimSkipsUnapprovedTickets(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalPendingReview)

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "gated"})
	require.NoError(t, err)

	_, err = q.GetNextTask(ctx, "agent-1", queue.ClaimFilter{})
	assert.ErrorIs(t, err, queue.ErrNoTasksAvailable)

	// Approving the ticket releases the task.
	_, err = pool.Exec(ctx,
		`UPDATE tickets SET approval_status = 'approved' WHERE id = $1`, ticketID)
	require.NoError(t, err)

	task, err := q.GetNextTask(ctx, "agent-1", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "gated", task.Title)
}

func TestClaimHonorsDependencies(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	parent, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "parent"})
	require.NoError(t, err)
	child, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "child", DependsOn: []string{parent.ID},
	})
	require.NoError(t, err)

	first, err := q.GetNextTask(ctx, "agent-1", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, first.ID)

	// Child stays blocked until the parent completes.
	_, err = q.GetNextTask(ctx, "agent-2", queue.ClaimFilter{})
	assert.ErrorIs(t, err, queue.ErrNoTasksAvailable)

	_, err = q.UpdateTaskStatus(ctx, parent.ID, models.TaskCompleted, queue.StatusUpdate{})
	require.NoError(t, err)

	unblocked, err := q.GetNextTask(ctx, "agent-2", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, child.ID, unblocked.ID)
}

func TestClaimCapabilityFilter(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "needs go",
		RequiredCapabilities: []string{"golang"},
	})
	require.NoError(t, err)

	// An agent without the capability cannot claim it.
	_, err = q.GetNextTask(ctx, "agent-1", queue.ClaimFilter{Capabilities: []string{"python"}})
	assert.ErrorIs(t, err, queue.ErrNoTasksAvailable)

	// A nil capability set (sandbox mode) matches everything.
	task, err := q.GetNextTask(ctx, "", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "needs go", task.Title)
}

func TestValidationClaimKeepsSandbox(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	task, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "impl"})
	require.NoError(t, err)

	claimed, err := q.GetNextTask(ctx, "impl-agent", queue.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, q.SetSandbox(ctx, claimed.ID, "sbx-1"))

	_, err = q.UpdateTaskStatus(ctx, task.ID, models.TaskPendingValidation, queue.StatusUpdate{
		Result: map[string]any{"validation_iteration": 1},
	})
	require.NoError(t, err)

	// The implementation sandbox stays attached through the validation claim.
	vtask, err := q.GetNextValidationTask(ctx, "validator", queue.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, task.ID, vtask.ID)
	assert.Equal(t, models.TaskClaiming, vtask.Status)
	assert.Equal(t, "sbx-1", vtask.SandboxID)

	// A pending claim must not pick up the sandbox-attached task.
	_, err = q.GetNextTask(ctx, "agent-2", queue.ClaimFilter{})
	assert.ErrorIs(t, err, queue.ErrNoTasksAvailable)
}

func TestUpdateTaskStatusRejectsIllegalTransition(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	task, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "settled"})
	require.NoError(t, err)
	_, err = q.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted, queue.StatusUpdate{})
	require.NoError(t, err)

	// Terminal statuses accept no further transitions.
	_, err = q.UpdateTaskStatus(ctx, task.ID, models.TaskRunning, queue.StatusUpdate{})
	var transition *queue.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.TaskCompleted, transition.From)
	assert.Equal(t, models.TaskRunning, transition.To)

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	// Skipping the state machine sideways is rejected too.
	other, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "fresh"})
	require.NoError(t, err)
	_, err = q.UpdateTaskStatus(ctx, other.ID, models.TaskNeedsRevision, queue.StatusUpdate{})
	assert.ErrorAs(t, err, &transition)
}

func TestCancelTask(t *testing.T) {
	pool, q := setupQueue(t)
	ctx := context.Background()
	ticketID := seedTicket(t, pool, models.ApprovalApproved)

	task, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "doomed"})
	require.NoError(t, err)

	cancelled, err := q.CancelTask(ctx, task.ID, "user request")
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "Task cancelled: user request", got.ErrorMessage)

	// Terminal tasks are not cancellable again.
	cancelled, err = q.CancelTask(ctx, task.ID, "again")
	require.NoError(t, err)
	assert.False(t, cancelled)
}
