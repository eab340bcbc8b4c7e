package orchestrator

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
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/test/util"
)

func setupIngester(t *testing.T) (*pgxpool.Pool, *queue.Queue, *Ingester) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	bus := events.NewBus("test", nil)
	q := queue.New(pool, bus)
	return pool, q, NewIngester(pool, bus, q, nil, nil, nil)
}

// seedClaimedSandboxTask creates an approved ticket with one task, claims it
// and attaches a sandbox, mirroring what the sandbox dispatcher does.
func seedClaimedSandboxTask(t *testing.T, pool *pgxpool.Pool, q *queue.Queue, sandboxID string) *models.Task {
	t.Helper()
	ctx := context.Background()
	ticketID := uuid.New().String()
	_, err := pool.Exec(ctx, `
		INSERT INTO tickets (id, title, priority, approval_status)
		VALUES ($1, 'sandbox ticket', 'MEDIUM', 'approved')`, ticketID)
	require.NoError(t, err)

	task, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "impl"})
	require.NoError(t, err)
	claimed, err := q.GetNextTask(ctx, "", queue.ClaimFilter{})
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	require.NoError(t, q.SetSandbox(ctx, task.ID, sandboxID))
	return claimed
}

func TestIngesterMarksTaskRunningOnStart(t *testing.T) {
	pool, q, ing := setupIngester(t)
	ctx := context.Background()
	task := seedClaimedSandboxTask(t, pool, q, "sbx-start")

	ing.handle(ctx, events.Event{
		EventType:  sandbox.EventStarted,
		EntityType: "sandbox",
		EntityID:   "sbx-start",
		Payload:    map[string]any{"task_id": task.ID},
	})

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	require.NotNil(t, got.StartedAt, "started_at must be stamped once execution begins")
	started := *got.StartedAt

	// Redelivery is a no-op; the start timestamp does not move.
	ing.handle(ctx, events.Event{
		EventType:  sandbox.EventStarted,
		EntityType: "sandbox",
		EntityID:   "sbx-start",
		Payload:    map[string]any{"task_id": task.ID},
	})
	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	assert.Equal(t, started, *got.StartedAt)
}

func TestIngesterWorkEventStartsTask(t *testing.T) {
	pool, q, ing := setupIngester(t)
	ctx := context.Background()
	task := seedClaimedSandboxTask(t, pool, q, "sbx-work")

	// Heartbeats alone do not prove execution started.
	ing.handle(ctx, events.Event{
		EventType:  sandbox.EventHeartbeat,
		EntityType: "sandbox",
		EntityID:   "sbx-work",
		Payload:    map[string]any{"task_id": task.ID},
	})
	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.Status)

	// A work event does, even when agent.started never arrived.
	ing.handle(ctx, events.Event{
		EventType:  sandbox.EventToolUse,
		EntityType: "sandbox",
		EntityID:   "sbx-work",
		Payload:    map[string]any{"task_id": task.ID, "tool": "bash"},
	})
	got, err = q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	// Both events were persisted for idle detection and trajectories.
	var n int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM sandbox_events WHERE sandbox_id = 'sbx-work'`).Scan(&n))
	assert.Equal(t, 2, n)
}
