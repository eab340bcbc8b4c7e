package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
)

func TestSpecificEventFor(t *testing.T) {
	assert.Equal(t, events.TaskCompleted, specificEventFor(models.TaskCompleted))
	assert.Equal(t, events.TaskFailed, specificEventFor(models.TaskFailed))
	assert.Equal(t, events.TaskValidationRequested, specificEventFor(models.TaskPendingValidation))
	assert.Empty(t, specificEventFor(models.TaskRunning))
	assert.Empty(t, specificEventFor(models.TaskAssigned))
	assert.Empty(t, specificEventFor(models.TaskPending))
}

func TestTaskTimedOut(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-2 * time.Hour)

	running := &models.Task{Status: models.TaskRunning, StartedAt: &started, TimeoutSeconds: 3600}
	assert.True(t, running.TimedOut(now))

	within := now.Add(-10 * time.Minute)
	fresh := &models.Task{Status: models.TaskRunning, StartedAt: &within, TimeoutSeconds: 3600}
	assert.False(t, fresh.TimedOut(now))

	// Only running tasks with a start time can time out.
	pending := &models.Task{Status: models.TaskPending, TimeoutSeconds: 1}
	assert.False(t, pending.TimedOut(now))
	noStart := &models.Task{Status: models.TaskRunning, TimeoutSeconds: 1}
	assert.False(t, noStart.TimedOut(now))
}

func TestPriorityRankOrdering(t *testing.T) {
	// The claim query's CASE expression must agree with Priority.Rank.
	assert.Equal(t, 4, models.PriorityCritical.Rank())
	assert.Equal(t, 3, models.PriorityHigh.Rank())
	assert.Equal(t, 2, models.PriorityMedium.Rank())
	assert.Equal(t, 1, models.PriorityLow.Rank())
	assert.Equal(t, 0, models.Priority("URGENT").Rank())
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	q := New(nil, nil)
	_, err := q.Enqueue(t.Context(), EnqueueRequest{
		TicketID: "t1",
		Title:    "build the thing",
		Priority: models.Priority("URGENT"),
	})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestReaperStopIdempotent(t *testing.T) {
	r := NewReaper(New(nil, nil), time.Hour)
	// Never started; Stop must not block or panic, even twice.
	r.Stop()
	r.Stop()
}
