package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
)

const alertColumns = `id, COALESCE(rule_id, ''), severity, title, message,
	entity_type, entity_id, status, acknowledged_by, resolved_by,
	acknowledged_at, resolved_at, created_at`

// AlertService raises and settles operational alerts. Acknowledge and
// resolve are idempotent: a repeat call updates the last actor.
type AlertService struct {
	pool *pgxpool.Pool
	bus  events.Publisher
}

// NewAlertService creates an alert service.
func NewAlertService(pool *pgxpool.Pool, bus events.Publisher) *AlertService {
	return &AlertService{pool: pool, bus: bus}
}

// RaiseAlertRequest carries the fields of a new alert.
type RaiseAlertRequest struct {
	RuleID     string
	Severity   string
	Title      string
	Message    string
	EntityType string
	EntityID   string
}

// RaiseAlert inserts a triggered alert and emits alert.triggered.
func (s *AlertService) RaiseAlert(ctx context.Context, req RaiseAlertRequest) (*models.Alert, error) {
	if req.Title == "" {
		return nil, ErrMissingTitle
	}
	if req.Severity == "" {
		req.Severity = "warning"
	}

	a := &models.Alert{
		ID:         uuid.New().String(),
		RuleID:     req.RuleID,
		Severity:   req.Severity,
		Title:      req.Title,
		Message:    req.Message,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Status:     models.AlertTriggered,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(id, rule_id, severity, title, message, entity_type, entity_id, status, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.RuleID, a.Severity, a.Title, a.Message, a.EntityType, a.EntityID,
		a.Status, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to raise alert: %w", err)
	}

	s.publish(ctx, events.Event{
		EventType: events.AlertTriggered, EntityType: "alert", EntityID: a.ID,
		Payload: map[string]any{
			"severity":    a.Severity,
			"title":       a.Title,
			"entity_type": a.EntityType,
			"entity_id":   a.EntityID,
		},
	})
	slog.Info("Alert raised", "alert_id", a.ID, "severity", a.Severity, "title", a.Title)
	return a, nil
}

// AcknowledgeAlert marks an alert acknowledged. Re-acknowledging updates the
// acknowledging actor; resolved alerts cannot be acknowledged.
func (s *AlertService) AcknowledgeAlert(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE alerts
		SET status = 'acknowledged', acknowledged_by = $2,
		    acknowledged_at = COALESCE(acknowledged_at, now())
		WHERE id = $1 AND status <> 'resolved'
		RETURNING `+alertColumns,
		alertID, actor,
	)
	a, err := scanAlert(row)
	if err == ErrAlertNotFound {
		if _, getErr := s.GetAlert(ctx, alertID); getErr == nil {
			return nil, ErrAlertResolved
		}
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		EventType: events.AlertAcknowledged, EntityType: "alert", EntityID: alertID,
		Payload: map[string]any{"acknowledged_by": actor},
	})
	return a, nil
}

// ResolveAlert marks an alert resolved. Re-resolving updates the resolving
// actor.
func (s *AlertService) ResolveAlert(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE alerts
		SET status = 'resolved', resolved_by = $2,
		    resolved_at = COALESCE(resolved_at, now())
		WHERE id = $1
		RETURNING `+alertColumns,
		alertID, actor,
	)
	a, err := scanAlert(row)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		EventType: events.AlertResolved, EntityType: "alert", EntityID: alertID,
		Payload: map[string]any{"resolved_by": actor},
	})
	return a, nil
}

// GetAlert loads an alert by id.
func (s *AlertService) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, alertID)
	return scanAlert(row)
}

// ListAlerts returns alerts newest first, optionally filtered by status.
func (s *AlertService) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(
		&a.ID, &a.RuleID, &a.Severity, &a.Title, &a.Message,
		&a.EntityType, &a.EntityID, &a.Status, &a.AcknowledgedBy, &a.ResolvedBy,
		&a.AcknowledgedAt, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return &a, nil
}

func (s *AlertService) publish(ctx context.Context, evt events.Event) {
	if err := s.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish alert event",
			"event_type", evt.EventType, "alert_id", evt.EntityID, "error", err)
	}
}
