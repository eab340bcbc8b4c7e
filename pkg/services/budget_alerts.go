package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codelane/maestro/pkg/events"
)

// BudgetAlerts turns budget threshold events emitted by the cost engine into
// operational alert records. Warning crossings are latched per budget period
// upstream, so each warning produces at most one alert row; exceeded events
// repeat on every further charge and are deduplicated here against an open
// alert for the same budget.
type BudgetAlerts struct {
	alerts *AlertService
	bus    *events.Bus

	unsubscribe []func()
	stopOnce    sync.Once
}

// NewBudgetAlerts creates the budget-to-alert bridge.
func NewBudgetAlerts(alerts *AlertService, bus *events.Bus) *BudgetAlerts {
	return &BudgetAlerts{alerts: alerts, bus: bus}
}

// Start subscribes to budget threshold events.
func (b *BudgetAlerts) Start(ctx context.Context) {
	b.unsubscribe = append(b.unsubscribe,
		b.bus.Subscribe(events.BudgetWarning, b.handle),
		b.bus.Subscribe(events.BudgetExceeded, b.handle),
	)
	slog.Info("Budget alert bridge started")
}

// Stop detaches from the bus.
func (b *BudgetAlerts) Stop() {
	b.stopOnce.Do(func() {
		for _, u := range b.unsubscribe {
			u()
		}
	})
}

func (b *BudgetAlerts) handle(ctx context.Context, evt events.Event) {
	severity := "warning"
	verb := "approaching"
	if evt.EventType == events.BudgetExceeded {
		severity = "critical"
		verb = "exceeded"

		open, err := b.hasOpenAlert(ctx, evt.EntityID)
		if err != nil {
			slog.Warn("Budget alert dedup check failed",
				"budget_id", evt.EntityID, "error", err)
		} else if open {
			return
		}
	}

	scope, _ := evt.Payload["scope"].(string)
	scopeID, _ := evt.Payload["scope_id"].(string)
	spent, _ := evt.Payload["spent"].(float64)
	limit, _ := evt.Payload["limit"].(float64)

	scopeLabel := scope
	if scopeID != "" {
		scopeLabel = fmt.Sprintf("%s %s", scope, scopeID)
	}

	_, err := b.alerts.RaiseAlert(ctx, RaiseAlertRequest{
		Severity:   severity,
		Title:      fmt.Sprintf("Budget %s for %s", verb, scopeLabel),
		Message:    fmt.Sprintf("Spent $%.2f of $%.2f", spent, limit),
		EntityType: "budget",
		EntityID:   evt.EntityID,
	})
	if err != nil {
		slog.Error("Failed to raise budget alert",
			"budget_id", evt.EntityID, "error", err)
	}
}

// hasOpenAlert reports whether an unresolved alert already exists for the
// budget.
func (b *BudgetAlerts) hasOpenAlert(ctx context.Context, budgetID string) (bool, error) {
	var exists bool
	err := b.alerts.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE entity_type = 'budget' AND entity_id = $1 AND status <> 'resolved'
		)`,
		budgetID).Scan(&exists)
	return exists, err
}
