package models

import "time"

// TaskDependencies is the structured shape of the task dependencies blob.
type TaskDependencies struct {
	DependsOn []string `json:"depends_on"`
}

// Task is the unit of scheduling. It always belongs to a ticket; the task's
// AssignedAgent field is the source of truth for assignment, not any reverse
// pointer on the agent.
type Task struct {
	ID                   string
	TicketID             string
	Phase                string
	TaskType             string
	Title                string
	Description          string
	Priority             Priority
	Status               TaskStatus
	AssignedAgent        string // empty when unassigned
	SandboxID            string // empty when no sandbox attached
	RequiredCapabilities []string
	Dependencies         TaskDependencies
	TimeoutSeconds       int
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         string
	Result               map[string]any
	SynthesisContext     map[string]any
	ConversationID       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DefaultTaskTimeoutSeconds applies when a task is enqueued without an
// explicit timeout.
const DefaultTaskTimeoutSeconds = 3600

// TimedOut reports whether a running task has exceeded its wall-clock budget.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != TaskRunning || t.StartedAt == nil {
		return false
	}
	return now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSeconds)*time.Second
}

// ValidationReview records one validator iteration for a task.
type ValidationReview struct {
	ID              string
	TaskID          string
	ValidatorAgent  string
	IterationNumber int
	Passed          bool
	Feedback        string
	Evidence        map[string]any
	Recommendations []string
	CreatedAt       time.Time
}
