package coordination_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/maestro/pkg/coordination"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/test/util"
)

func setupCoordinator(t *testing.T) (*pgxpool.Pool, *queue.Queue, *coordination.Coordinator) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestDatabase(t)
	q := queue.New(pool, events.NewBus("test", nil))
	return pool, q, coordination.NewCoordinator(pool, q, events.NewBus("test", nil))
}

func seedApprovedTicket(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := uuid.New().String()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO tickets (id, title) VALUES ($1, 'coordination ticket')`, id)
	require.NoError(t, err)
	return id
}

func TestSync(t *testing.T) {
	pool, q, coord := setupCoordinator(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	t1, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "t1"})
	require.NoError(t, err)
	t2, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "t2"})
	require.NoError(t, err)
	waiting := []string{t1.ID, t2.ID}

	ready, err := coord.Sync(ctx, "sp-1", waiting, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = q.UpdateTaskStatus(ctx, t1.ID, models.TaskCompleted, queue.StatusUpdate{})
	require.NoError(t, err)

	// requiredCount=1 is satisfied by a single completion; the default
	// (all) is not.
	ready, err = coord.Sync(ctx, "sp-1", waiting, 1)
	require.NoError(t, err)
	assert.True(t, ready)
	ready, err = coord.Sync(ctx, "sp-1", waiting, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = q.UpdateTaskStatus(ctx, t2.ID, models.TaskCompleted, queue.StatusUpdate{})
	require.NoError(t, err)
	ready, err = coord.Sync(ctx, "sp-1", waiting, 0)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestSplit(t *testing.T) {
	pool, q, coord := setupCoordinator(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	source, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "source", Priority: models.PriorityHigh,
	})
	require.NoError(t, err)

	created, err := coord.Split(ctx, "split-1", source.ID, []coordination.SplitTarget{
		{Title: "frontend", Phase: "development"},
		{Title: "backend", Phase: "development"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	for _, task := range created {
		assert.Equal(t, ticketID, task.TicketID)
		assert.Equal(t, models.PriorityHigh, task.Priority, "targets inherit source priority")
		assert.Equal(t, []string{source.ID}, task.Dependencies.DependsOn)
	}
}

func TestJoinTasks(t *testing.T) {
	pool, q, coord := setupCoordinator(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	s1, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s1"})
	require.NoError(t, err)
	s2, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s2"})
	require.NoError(t, err)

	continuation, err := coord.JoinTasks(ctx, "join-1", []string{s1.ID, s2.ID},
		coordination.ContinuationConfig{Title: "synthesize", Phase: "synthesis"}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{s1.ID, s2.ID}, continuation.Dependencies.DependsOn)

	var strategy string
	var completed bool
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT merge_strategy, completed FROM join_registrations WHERE join_id = 'join-1'`,
	).Scan(&strategy, &completed))
	assert.Equal(t, coordination.MergeCombine, strategy, "empty strategy defaults to combine")
	assert.False(t, completed)
}

func TestRegisterJoinAugmentsDependencies(t *testing.T) {
	pool, q, coord := setupCoordinator(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	s1, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s1"})
	require.NoError(t, err)
	s2, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "s2"})
	require.NoError(t, err)
	cont, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "cont", DependsOn: []string{s1.ID},
	})
	require.NoError(t, err)

	err = coord.RegisterJoin(ctx, "join-2", []string{s1.ID, s2.ID}, cont.ID, "union")
	require.NoError(t, err)

	got, err := q.GetTask(ctx, cont.ID)
	require.NoError(t, err)
	// s1 was already a dependency and must not be duplicated.
	assert.ElementsMatch(t, []string{s1.ID, s2.ID}, got.Dependencies.DependsOn)
}

func TestRegisterJoinRejectsCycles(t *testing.T) {
	pool, q, coord := setupCoordinator(t)
	ctx := context.Background()
	ticketID := seedApprovedTicket(t, pool)

	a, err := q.Enqueue(ctx, queue.EnqueueRequest{TicketID: ticketID, Title: "a"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "b", DependsOn: []string{a.ID},
	})
	require.NoError(t, err)
	c, err := q.Enqueue(ctx, queue.EnqueueRequest{
		TicketID: ticketID, Title: "c", DependsOn: []string{b.ID},
	})
	require.NoError(t, err)

	// Self-join.
	err = coord.RegisterJoin(ctx, "join-self", []string{a.ID}, a.ID, "")
	assert.ErrorIs(t, err, coordination.ErrDependencyCycle)

	// c already depends on a transitively; joining c into a would cycle.
	err = coord.RegisterJoin(ctx, "join-cycle", []string{c.ID}, a.ID, "")
	assert.ErrorIs(t, err, coordination.ErrDependencyCycle)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM join_registrations`).Scan(&count))
	assert.Zero(t, count, "rejected registrations must not persist")
}
