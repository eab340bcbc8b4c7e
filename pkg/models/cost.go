package models

import "time"

// CostRecord is an immutable per-invocation cost entry. TotalTokens is always
// PromptTokens + CompletionTokens; TotalCost is authoritative even when the
// prompt/completion split is a convention (sandbox-reported cost).
type CostRecord struct {
	ID               string
	TaskID           string
	AgentID          string
	SandboxID        string
	BillingAccountID string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	PromptCost       float64
	CompletionCost   float64
	TotalCost        float64
	SessionID        string // idempotency: (task, session, turn)
	TurnIndex        int
	RecordedAt       time.Time
}

// Budget caps spend for one scope over an optional period. ScopeID is empty
// iff Scope is global. Invariant: Spent + Remaining = Limit modulo clamping
// of Remaining at zero.
type Budget struct {
	ID             string
	Scope          BudgetScope
	ScopeID        string
	LimitAmount    float64
	SpentAmount    float64
	Remaining      float64
	PeriodStart    time.Time
	PeriodEnd      *time.Time // nil = indefinite
	AlertThreshold float64    // fraction of limit, default 0.8
	AlertTriggered bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the budget covers the given instant.
func (b *Budget) Active(now time.Time) bool {
	if now.Before(b.PeriodStart) {
		return false
	}
	return b.PeriodEnd == nil || now.Before(*b.PeriodEnd)
}
