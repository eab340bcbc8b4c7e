// Package events provides the typed event bus: process-local fan-out with
// per-subscriber ordering plus cross-process delivery over redis pub/sub
// channels named "events.<event_type>".
//
// Delivery semantics are at-least-once. Subscribers must be idempotent.
// Within a single subscriber on a single topic, messages arrive in publish
// order from the same publisher process; across topics and publishers there
// is no ordering guarantee.
package events

// Task lifecycle events.
const (
	TaskAssigned            = "TASK_ASSIGNED"
	TaskCompleted           = "TASK_COMPLETED"
	TaskFailed              = "TASK_FAILED"
	TaskValidationRequested = "TASK_VALIDATION_REQUESTED"
	TaskValidationPassed    = "TASK_VALIDATION_PASSED"
	TaskValidationFailed    = "TASK_VALIDATION_FAILED"
	TaskStatusChanged       = "TASK_STATUS_CHANGED"
	TaskTimedOut            = "TASK_TIMED_OUT"
)

// Ticket lifecycle events.
const (
	TicketCreated         = "TICKET_CREATED"
	TicketApprovalPending = "TICKET_APPROVAL_PENDING"
	TicketApproved        = "TICKET_APPROVED"
	TicketRejected        = "TICKET_REJECTED"
	TicketStatusChanged   = "TICKET_STATUS_CHANGED"
)

// Agent and sandbox lifecycle events.
const (
	AgentRegistered        = "AGENT_REGISTERED"
	AgentRestarted         = "AGENT_RESTARTED"
	AgentCapabilityUpdated = "agent.capability.updated"
	AgentEvent             = "agent.event"
	SandboxSpawned         = "SANDBOX_SPAWNED"
	SandboxTerminatedIdle  = "SANDBOX_TERMINATED_IDLE"
)

// Coordination and synthesis events.
const (
	CoordinationSyncCreated       = "coordination.sync.created"
	CoordinationSyncReady         = "coordination.sync.ready"
	CoordinationSplitCreated      = "coordination.split.created"
	CoordinationJoinCreated       = "coordination.join.created"
	CoordinationSynthesisComplete = "coordination.synthesis.completed"
	CoordinationSynthesisFailed   = "coordination.synthesis.failed"
	CoordinationMergeCompleted    = "coordination.merge.completed"
)

// Cost and budget events.
const (
	CostRecorded   = "cost.recorded"
	BudgetWarning  = "cost.budget.warning"
	BudgetExceeded = "cost.budget.exceeded"
	BudgetCreated  = "budget.created"
)

// Alert events.
const (
	AlertTriggered    = "alert.triggered"
	AlertAcknowledged = "alert.acknowledged"
	AlertResolved     = "alert.resolved"
)

// Guardian intervention events.
const (
	InterventionStarted   = "guardian.intervention.started"
	InterventionCompleted = "guardian.intervention.completed"
	InterventionReverted  = "guardian.intervention.reverted"
	ResourceReallocated   = "guardian.resource.reallocated"
)

// VCS and preview events.
const (
	PreviewReady       = "PREVIEW_READY"
	PROpened           = "PR_OPENED"
	PRMerged           = "PR_MERGED"
	PRClosed           = "PR_CLOSED"
	CommitLinked       = "COMMIT_LINKED"
	SpecExecutionStart = "SPEC_EXECUTION_STARTED"
)

// Monitoring events.
const (
	MonitoringStarted       = "monitoring.loop.started"
	MonitoringStopped       = "monitoring.loop.stopped"
	MonitoringSystemUpdated = "monitoring.system.updated"
)

// ChannelPrefix is the redis channel namespace. A publish for event type T
// goes to channel "events.T"; pattern subscribers use "events.*".
const ChannelPrefix = "events."

// Channel returns the redis channel name for an event type.
func Channel(eventType string) string {
	return ChannelPrefix + eventType
}

// Event is the envelope carried on every topic. Payload must be
// JSON-serializable. Origin identifies the publishing process so a listener
// can skip its own redis echoes; it is additive to the wire format and
// absent from locally dispatched events' contract.
type Event struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	Origin     string         `json:"origin,omitempty"`
}
