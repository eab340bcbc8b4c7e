package models

import "time"

// GuardianAnalysis is the persisted result of one per-agent trajectory
// analysis. Degraded analyses (LLM failure) carry AlignmentScore 0 and
// NeedsSteering false.
type GuardianAnalysis struct {
	ID                     string
	AgentID                string
	TrajectoryAligned      bool
	AlignmentScore         float64
	NeedsSteering          bool
	SteeringType           string
	SteeringRecommendation string
	TrajectorySummary      string
	CurrentFocus           string
	ConversationLength     int
	SessionDuration        string
	Degraded               bool
	CreatedAt              time.Time
}

// ConductorAnalysis is the persisted result of one system-wide coherence
// analysis.
type ConductorAnalysis struct {
	ID             string
	CoherenceScore float64
	SystemStatus   string
	AgentCount     int
	DuplicateCount int
	Detail         map[string]any
	CreatedAt      time.Time
}

// System status values produced by the conductor.
const (
	SystemNoAgents    = "no_agents"
	SystemCritical    = "critical"
	SystemWarning     = "warning"
	SystemInefficient = "inefficient"
	SystemOptimal     = "optimal"
	SystemNormal      = "normal"
)

// DetectedDuplicate records a pair of agents judged to be working the same
// task. SimilarityScore above the detection threshold counted as duplicate.
type DetectedDuplicate struct {
	ID              string
	AnalysisID      string
	AgentA          string
	AgentB          string
	Phase           string
	SimilarityScore float64
	Explanation     string
	CreatedAt       time.Time
}

// SteeringIntervention is a recommended or applied nudge for one agent,
// produced when a guardian analysis flags needs_steering.
type SteeringIntervention struct {
	ID             string
	AgentID        string
	AnalysisID     string
	SteeringType   string
	Recommendation string
	Applied        bool
	CreatedAt      time.Time
}

// GuardianAction is an append-only audit row for an intervention. Before and
// After hold JSON snapshots of the touched entity. Executed is false when the
// project's auto-steering setting suppressed the action. Reverted only flags
// the row; business state is not undone automatically.
type GuardianAction struct {
	ID          string
	ActionType  string
	TargetType  string
	TargetID    string
	Authority   Authority
	InitiatedBy string
	Reason      string
	Executed    bool
	Reverted    bool
	RevertedBy  string
	Before      map[string]any
	After       map[string]any
	CreatedAt   time.Time
}

// Alert is a raised operational alert (budget warnings, monitoring findings).
// Acknowledge and resolve are idempotent: repeated calls update the last
// actor without corrupting history.
type Alert struct {
	ID             string
	RuleID         string
	Severity       string
	Title          string
	Message        string
	EntityType     string
	EntityID       string
	Status         AlertStatus
	AcknowledgedBy string
	ResolvedBy     string
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// AlertRule declares a condition that raises alerts.
type AlertRule struct {
	ID        string
	Name      string
	Severity  string
	Condition map[string]any
	Enabled   bool
	CreatedAt time.Time
}
