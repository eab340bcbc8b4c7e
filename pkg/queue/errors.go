package queue

import (
	"errors"
	"fmt"

	"github.com/codelane/maestro/pkg/models"
)

// Sentinel errors returned by queue operations.
var (
	// ErrNoTasksAvailable means no dependency-ready task matched the claim
	// filters. Not a failure; callers back off and retry.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrTaskNotFound means the task id resolves to nothing.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotAssignable means the task is not in a state that accepts an
	// assignment.
	ErrTaskNotAssignable = errors.New("task not assignable")

	// ErrInvalidPriority means an enqueue supplied a priority outside the
	// known set.
	ErrInvalidPriority = errors.New("invalid priority")
)

// InvalidTransitionError reports a status change not allowed by the task
// state machine.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s → %s (task %s)", e.From, e.To, e.TaskID)
}
