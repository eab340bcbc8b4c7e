package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/maestro/pkg/coordination"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/test/util"
)

func setupSynthesis(t *testing.T) (*pgxpool.Pool, *queue.Queue, *coordination.Coordinator, *coordination.Synthesis) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	bus := events.NewBus("test", nil)
	t.Cleanup(bus.Close)
	q := queue.New(pool, bus)
	coord := coordination.NewCoordinator(pool, q, bus)
	synth := coordination.NewSynthesis(pool, q, bus)
	synth.Start(context.Background())
	t.Cleanup(synth.Stop)
	return pool, q, coord, synth
}

// waitForSynthesisContext polls the continuation task until its synthesis
// context is written; bus delivery is asynchronous.
func waitForSynthesisContext(t *testing.T, pool *pgxpool.Pool, taskID string) map[string]any {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var sc map[string]any
		err := pool.QueryRow(ctx,
			`SELECT synthesis_context FROM tasks WHERE id = $1 AND synthesis_context IS NOT NULL`,
			taskID).Scan(&sc)
		if err == nil {
			return sc
		}
		require.ErrorIs(t, err, pgx.ErrNoRows)
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for synthesis context on task %s", taskID)
	return nil
}

func TestSynthesisMergesParallelResults(t *testing.T) {
	pool, q, coord, synth := setupSynthesis(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	s1, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s1"})
	require.NoError(t, err)
	s2, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s2"})
	require.NoError(t, err)
	cont, err := coord.JoinTasks(ctx, "j1", []string{s1.ID, s2.ID},
		coordination.ContinuationConfig{Title: "synthesize", Phase: "synthesis"}, "combine")
	require.NoError(t, err)

	_, err = q.UpdateTaskStatus(ctx, s1.ID, models.TaskCompleted, queue.StatusUpdate{
		Result: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	_, err = q.UpdateTaskStatus(ctx, s2.ID, models.TaskCompleted, queue.StatusUpdate{
		Result: map[string]any{"b": 2},
	})
	require.NoError(t, err)

	sc := waitForSynthesisContext(t, pool, cont.ID)
	assert.EqualValues(t, 1, sc["a"])
	assert.EqualValues(t, 2, sc["b"])
	assert.Equal(t, "j1", sc["_join_id"])
	assert.ElementsMatch(t, []any{s1.ID, s2.ID}, sc["_source_task_ids"])
	assert.NotEmpty(t, sc["_injected_at"])

	assert.Eventually(t, func() bool {
		var completed bool
		if err := pool.QueryRow(ctx,
			`SELECT completed FROM join_registrations WHERE join_id = 'j1'`,
		).Scan(&completed); err != nil {
			return false
		}
		return completed && synth.PendingCount() == 0
	}, 5*time.Second, 20*time.Millisecond, "join registration never completed")
}

func TestSynthesisBackfillsEarlyCompletions(t *testing.T) {
	pool, q, coord, _ := setupSynthesis(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	s1, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s1"})
	require.NoError(t, err)
	s2, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s2"})
	require.NoError(t, err)

	// Both sources finish before the join exists; the registration must
	// back-fill them and synthesize immediately.
	_, err = q.UpdateTaskStatus(ctx, s1.ID, models.TaskCompleted, queue.StatusUpdate{
		Result: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	_, err = q.UpdateTaskStatus(ctx, s2.ID, models.TaskCompleted, queue.StatusUpdate{
		Result: map[string]any{"b": 2},
	})
	require.NoError(t, err)

	cont, err := coord.JoinTasks(ctx, "j2", []string{s1.ID, s2.ID},
		coordination.ContinuationConfig{Title: "late join", Phase: "synthesis"}, "")
	require.NoError(t, err)

	sc := waitForSynthesisContext(t, pool, cont.ID)
	assert.EqualValues(t, 1, sc["a"])
	assert.EqualValues(t, 2, sc["b"])
	assert.Equal(t, "j2", sc["_join_id"])
}
