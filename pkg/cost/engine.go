// Package cost implements the cost and budget engine: immutable per-call
// cost records, budget accounting with threshold alerts, and spend
// forecasting.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
)

// Sandbox-reported costs arrive as a single USD figure; the token split is a
// bookkeeping convention, not a measurement.
const (
	sandboxPromptShare     = 0.3
	sandboxCompletionShare = 0.7
)

// Forecast defaults.
const (
	// DefaultAvgTokensPerTask is the planning assumption for one task's
	// token usage, split evenly between prompt and completion.
	DefaultAvgTokensPerTask = 5000
	// DefaultBufferMultiplier pads forecasts for retries and validation.
	DefaultBufferMultiplier = 1.2
)

// Engine records costs and maintains budgets.
type Engine struct {
	pool *pgxpool.Pool
	bus  events.Publisher

	avgTokensPerTask int
	bufferMultiplier float64
	forecastProvider string
	forecastModel    string
}

// New creates an engine with default forecast parameters.
func New(pool *pgxpool.Pool, bus events.Publisher) *Engine {
	return &Engine{
		pool:             pool,
		bus:              bus,
		avgTokensPerTask: DefaultAvgTokensPerTask,
		bufferMultiplier: DefaultBufferMultiplier,
		forecastProvider: "anthropic",
		forecastModel:    "claude-sonnet-4.5",
	}
}

// RecordRequest carries the inputs for a model-call cost record.
type RecordRequest struct {
	TaskID           string
	AgentID          string
	SandboxID        string
	BillingAccountID string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	SessionID        string
	TurnIndex        int
}

// RecordCost prices the usage, inserts an immutable cost record and charges
// every matching active budget, all in one transaction. Budget threshold
// crossings emit alerts after commit.
func (e *Engine) RecordCost(ctx context.Context, req RecordRequest) (*models.CostRecord, error) {
	promptCost, completionCost, totalCost := CalculateCost(
		req.Provider, req.Model, req.PromptTokens, req.CompletionTokens)

	rec := &models.CostRecord{
		ID:               uuid.New().String(),
		TaskID:           req.TaskID,
		AgentID:          req.AgentID,
		SandboxID:        req.SandboxID,
		BillingAccountID: req.BillingAccountID,
		Provider:         req.Provider,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.PromptTokens + req.CompletionTokens,
		PromptCost:       promptCost,
		CompletionCost:   completionCost,
		TotalCost:        totalCost,
		SessionID:        req.SessionID,
		TurnIndex:        req.TurnIndex,
		RecordedAt:       time.Now().UTC(),
	}
	return e.insertAndCharge(ctx, rec)
}

// RecordSandboxCost records a cost already priced by the sandbox provider.
// The USD figure is authoritative; prompt/completion costs are derived by the
// 30/70 convention. Duplicate (task, session, turn) reports are absorbed.
func (e *Engine) RecordSandboxCost(ctx context.Context, taskID, sandboxID string, costUSD float64, totalTokens int, sessionID string, turnIndex int) (*models.CostRecord, error) {
	rec := &models.CostRecord{
		ID:               uuid.New().String(),
		TaskID:           taskID,
		SandboxID:        sandboxID,
		Provider:         "sandbox",
		Model:            "sandbox",
		PromptTokens:     totalTokens / 2,
		CompletionTokens: totalTokens - totalTokens/2,
		TotalTokens:      totalTokens,
		PromptCost:       costUSD * sandboxPromptShare,
		CompletionCost:   costUSD * sandboxCompletionShare,
		TotalCost:        costUSD,
		SessionID:        sessionID,
		TurnIndex:        turnIndex,
		RecordedAt:       time.Now().UTC(),
	}
	return e.insertAndCharge(ctx, rec)
}

// budgetAlert is a threshold crossing detected inside the charge transaction
// and published after commit.
type budgetAlert struct {
	eventType string
	budget    models.Budget
}

func (e *Engine) insertAndCharge(ctx context.Context, rec *models.CostRecord) (*models.CostRecord, error) {
	var alerts []budgetAlert
	var duplicate bool

	err := database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO cost_records
				(id, task_id, agent_id, sandbox_id, billing_account_id, provider, model,
				 prompt_tokens, completion_tokens, total_tokens,
				 prompt_cost, completion_cost, total_cost,
				 session_id, turn_index, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (task_id, session_id, turn_index) WHERE session_id <> '' DO NOTHING`,
			rec.ID, nullable(rec.TaskID), rec.AgentID, rec.SandboxID, rec.BillingAccountID,
			rec.Provider, rec.Model,
			rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
			rec.PromptCost, rec.CompletionCost, rec.TotalCost,
			rec.SessionID, rec.TurnIndex, rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert cost record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			duplicate = true
			return nil
		}

		alerts, err = e.chargeBudgets(ctx, tx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		slog.Debug("Duplicate cost report absorbed",
			"task_id", rec.TaskID, "session_id", rec.SessionID, "turn_index", rec.TurnIndex)
		return nil, nil
	}

	e.publish(ctx, events.Event{
		EventType:  events.CostRecorded,
		EntityType: "cost_record",
		EntityID:   rec.ID,
		Payload: map[string]any{
			"task_id":      rec.TaskID,
			"agent_id":     rec.AgentID,
			"provider":     rec.Provider,
			"model":        rec.Model,
			"total_tokens": rec.TotalTokens,
			"total_cost":   rec.TotalCost,
		},
	})
	for _, a := range alerts {
		e.publish(ctx, events.Event{
			EventType:  a.eventType,
			EntityType: "budget",
			EntityID:   a.budget.ID,
			Payload: map[string]any{
				"scope":     string(a.budget.Scope),
				"scope_id":  a.budget.ScopeID,
				"limit":     a.budget.LimitAmount,
				"spent":     a.budget.SpentAmount,
				"remaining": a.budget.Remaining,
			},
		})
	}
	return rec, nil
}

// chargeBudgets applies the record's cost to every matching active budget,
// holding each budget row locked for the update. Warning fires once per
// budget period (latched by alert_triggered); exceeded fires on every update
// that leaves the budget over its limit.
func (e *Engine) chargeBudgets(ctx context.Context, tx pgx.Tx, rec *models.CostRecord) ([]budgetAlert, error) {
	var ticketID, phase string
	if rec.TaskID != "" {
		err := tx.QueryRow(ctx,
			`SELECT ticket_id, phase FROM tasks WHERE id = $1`, rec.TaskID,
		).Scan(&ticketID, &phase)
		if err != nil && err != pgx.ErrNoRows {
			return nil, fmt.Errorf("failed to resolve task scope: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id, scope_type, COALESCE(scope_id, ''), limit_amount, spent_amount,
		       remaining_amount, period_start, period_end, alert_threshold, alert_triggered,
		       created_at, updated_at
		FROM budgets
		WHERE period_start <= now() AND (period_end IS NULL OR period_end > now())
		  AND (
		      scope_type = 'global'
		      OR (scope_type = 'ticket' AND scope_id = $1)
		      OR (scope_type = 'agent' AND scope_id = $2)
		      OR (scope_type = 'phase' AND scope_id = $3)
		  )
		FOR UPDATE`,
		ticketID, rec.AgentID, phase,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock budgets: %w", err)
	}
	budgets, err := scanBudgets(rows)
	if err != nil {
		return nil, err
	}

	var alerts []budgetAlert
	for _, b := range budgets {
		warning, exceeded := applyCharge(b, rec.TotalCost)

		if _, err := tx.Exec(ctx, `
			UPDATE budgets
			SET spent_amount = $2, remaining_amount = $3, alert_triggered = $4, updated_at = now()
			WHERE id = $1`,
			b.ID, b.SpentAmount, b.Remaining, b.AlertTriggered,
		); err != nil {
			return nil, fmt.Errorf("failed to charge budget: %w", err)
		}

		if warning {
			alerts = append(alerts, budgetAlert{eventType: events.BudgetWarning, budget: *b})
		}
		if exceeded {
			alerts = append(alerts, budgetAlert{eventType: events.BudgetExceeded, budget: *b})
		}
	}
	return alerts, nil
}

// applyCharge adds cost to a budget in place, clamping Remaining at zero.
// warning is true on the first threshold crossing of the period (latched by
// AlertTriggered); exceeded is true on every charge that leaves the budget
// strictly over its limit.
func applyCharge(b *models.Budget, cost float64) (warning, exceeded bool) {
	b.SpentAmount += cost
	b.Remaining = b.LimitAmount - b.SpentAmount
	if b.Remaining < 0 {
		b.Remaining = 0
	}

	if !b.AlertTriggered && b.SpentAmount >= b.LimitAmount*b.AlertThreshold {
		b.AlertTriggered = true
		warning = true
	}
	return warning, b.SpentAmount > b.LimitAmount
}

// CreateBudgetRequest carries the inputs for a new budget.
type CreateBudgetRequest struct {
	Scope          models.BudgetScope
	ScopeID        string // empty iff Scope is global
	LimitAmount    float64
	PeriodStart    time.Time // zero = now
	PeriodEnd      *time.Time
	AlertThreshold float64 // zero = 0.8
}

// CreateBudget creates a budget and emits budget.created.
func (e *Engine) CreateBudget(ctx context.Context, req CreateBudgetRequest) (*models.Budget, error) {
	if req.LimitAmount <= 0 {
		return nil, fmt.Errorf("budget limit must be positive, got %v", req.LimitAmount)
	}
	if (req.Scope == models.ScopeGlobal) != (req.ScopeID == "") {
		return nil, fmt.Errorf("scope_id must be set exactly when scope is not global")
	}
	if req.AlertThreshold <= 0 || req.AlertThreshold > 1 {
		req.AlertThreshold = 0.8
	}
	if req.PeriodStart.IsZero() {
		req.PeriodStart = time.Now().UTC()
	}

	b := &models.Budget{
		ID:             uuid.New().String(),
		Scope:          req.Scope,
		ScopeID:        req.ScopeID,
		LimitAmount:    req.LimitAmount,
		Remaining:      req.LimitAmount,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		AlertThreshold: req.AlertThreshold,
	}
	_, err := e.pool.Exec(ctx, `
		INSERT INTO budgets
			(id, scope_type, scope_id, limit_amount, spent_amount, remaining_amount,
			 period_start, period_end, alert_threshold, alert_triggered)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, false)`,
		b.ID, b.Scope, nullable(b.ScopeID), b.LimitAmount, b.Remaining,
		b.PeriodStart, b.PeriodEnd, b.AlertThreshold,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget: %w", err)
	}

	e.publish(ctx, events.Event{
		EventType:  events.BudgetCreated,
		EntityType: "budget",
		EntityID:   b.ID,
		Payload: map[string]any{
			"scope":    string(b.Scope),
			"scope_id": b.ScopeID,
			"limit":    b.LimitAmount,
		},
	})
	return b, nil
}

// IsBudgetAvailable reports whether every active budget for the scope can
// absorb estimatedCost without going over its limit. A scope with no budgets
// is unconstrained.
func (e *Engine) IsBudgetAvailable(ctx context.Context, scope models.BudgetScope, scopeID string, estimatedCost float64) (bool, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, scope_type, COALESCE(scope_id, ''), limit_amount, spent_amount,
		       remaining_amount, period_start, period_end, alert_threshold, alert_triggered,
		       created_at, updated_at
		FROM budgets
		WHERE scope_type = $1 AND ($2 = '' OR scope_id = $2)
		  AND period_start <= now() AND (period_end IS NULL OR period_end > now())`,
		scope, scopeID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to load budgets: %w", err)
	}
	budgets, err := scanBudgets(rows)
	if err != nil {
		return false, err
	}
	for _, b := range budgets {
		if b.SpentAmount+estimatedCost > b.LimitAmount {
			return false, nil
		}
	}
	return true, nil
}

// Forecast estimates the cost of running taskCount tasks: per-task cost from
// the planning token assumption, padded by the buffer multiplier. Zero tasks
// forecast zero.
func (e *Engine) Forecast(taskCount int) float64 {
	if taskCount <= 0 {
		return 0
	}
	half := e.avgTokensPerTask / 2
	_, _, perTask := CalculateCost(e.forecastProvider, e.forecastModel, half, e.avgTokensPerTask-half)
	return float64(taskCount) * perTask * e.bufferMultiplier
}

// TotalCostForTicket sums recorded spend across a ticket's tasks.
func (e *Engine) TotalCostForTicket(ctx context.Context, ticketID string) (float64, error) {
	var total float64
	err := e.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(c.total_cost), 0)
		FROM cost_records c
		JOIN tasks t ON t.id = c.task_id
		WHERE t.ticket_id = $1`,
		ticketID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ticket cost: %w", err)
	}
	return total, nil
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if err := e.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish cost event",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "error", err)
	}
}

// nullable maps "" to NULL for nullable text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanBudgets(rows pgx.Rows) ([]*models.Budget, error) {
	defer rows.Close()
	var out []*models.Budget
	for rows.Next() {
		var b models.Budget
		err := rows.Scan(
			&b.ID, &b.Scope, &b.ScopeID, &b.LimitAmount, &b.SpentAmount,
			&b.Remaining, &b.PeriodStart, &b.PeriodEnd, &b.AlertThreshold,
			&b.AlertTriggered, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate budgets: %w", err)
	}
	return out, nil
}
