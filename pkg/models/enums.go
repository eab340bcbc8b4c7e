// Package models holds the shared entity types and enums used across the
// control plane. Entities are plain structs; relations are id handles, never
// embedded pointers — reverse lookups go through the store.
package models

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

// Ticket statuses.
const (
	TicketPending  TicketStatus = "pending"
	TicketBuilding TicketStatus = "building"
	TicketDone     TicketStatus = "done"
	TicketBlocked  TicketStatus = "blocked"
	TicketFailed   TicketStatus = "failed"
)

// ApprovalStatus is the approval-gate status of a ticket.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
	ApprovalTimedOut      ApprovalStatus = "timed_out"
)

// TaskStatus is the scheduling status of a task.
type TaskStatus string

// Task statuses. Terminal statuses are TaskCompleted and TaskFailed.
const (
	TaskPending           TaskStatus = "pending"
	TaskAssigned          TaskStatus = "assigned"
	TaskClaiming          TaskStatus = "claiming"
	TaskRunning           TaskStatus = "running"
	TaskPendingValidation TaskStatus = "pending_validation"
	TaskNeedsRevision     TaskStatus = "needs_revision"
	TaskCompleted         TaskStatus = "completed"
	TaskFailed            TaskStatus = "failed"
)

// Terminal reports whether the status is terminal.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Assigned reports whether the status implies an agent assignment.
// Invariant: assigned_agent is set iff the task is in one of these states.
func (s TaskStatus) Assigned() bool {
	switch s {
	case TaskAssigned, TaskRunning, TaskClaiming, TaskPendingValidation, TaskNeedsRevision:
		return true
	}
	return false
}

// Priority orders tasks and tickets for scheduling.
type Priority string

// Priorities, highest first.
const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank returns the numeric scheduling rank (higher runs first).
// Unknown priorities rank 0, below LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// AgentStatus is the registry status of an agent.
type AgentStatus string

// Agent statuses. TERMINATED, QUARANTINED and FAILED are terminal.
const (
	AgentSpawning    AgentStatus = "SPAWNING"
	AgentIdle        AgentStatus = "IDLE"
	AgentRunning     AgentStatus = "RUNNING"
	AgentDegraded    AgentStatus = "DEGRADED"
	AgentTerminated  AgentStatus = "TERMINATED"
	AgentQuarantined AgentStatus = "QUARANTINED"
	AgentFailed      AgentStatus = "FAILED"
)

// Terminal reports whether the status is terminal.
func (s AgentStatus) Terminal() bool {
	return s == AgentTerminated || s == AgentQuarantined || s == AgentFailed
}

// AgentHealth is the heartbeat-derived health of an agent.
type AgentHealth string

// Agent health values.
const (
	HealthHealthy    AgentHealth = "healthy"
	HealthDegraded   AgentHealth = "degraded"
	HealthTerminated AgentHealth = "terminated"
)

// Authority ranks intervention permission levels.
type Authority int

// Authority levels, lowest to highest.
const (
	AuthorityWorker Authority = iota
	AuthorityWatchdog
	AuthorityMonitor
	AuthorityGuardian
)

// String returns the canonical name for the authority level.
func (a Authority) String() string {
	switch a {
	case AuthorityWorker:
		return "WORKER"
	case AuthorityWatchdog:
		return "WATCHDOG"
	case AuthorityMonitor:
		return "MONITOR"
	case AuthorityGuardian:
		return "GUARDIAN"
	}
	return "UNKNOWN"
}

// BudgetScope identifies the aggregation scope of a budget.
type BudgetScope string

// Budget scopes.
const (
	ScopeGlobal BudgetScope = "global"
	ScopeTicket BudgetScope = "ticket"
	ScopeAgent  BudgetScope = "agent"
	ScopePhase  BudgetScope = "phase"
)

// AlertStatus is the lifecycle status of an alert.
type AlertStatus string

// Alert statuses.
const (
	AlertTriggered    AlertStatus = "triggered"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)
