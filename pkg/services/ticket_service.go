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

const ticketColumns = `id, title, description, phase, status, priority,
	COALESCE(project_id, ''), COALESCE(user_id, ''), context,
	approval_status, approval_deadline, created_at, updated_at`

// TicketService manages tickets and their approval gate. Tickets whose
// approval status is not approved never yield runnable tasks; the claim
// query enforces that, this service only moves the approval state.
type TicketService struct {
	pool            *pgxpool.Pool
	bus             events.Publisher
	approvalTimeout time.Duration
}

// NewTicketService creates a ticket service. approvalTimeout bounds how long
// a ticket may sit in pending_review before it times out.
func NewTicketService(pool *pgxpool.Pool, bus events.Publisher, approvalTimeout time.Duration) *TicketService {
	if approvalTimeout <= 0 {
		approvalTimeout = 24 * time.Hour
	}
	return &TicketService{pool: pool, bus: bus, approvalTimeout: approvalTimeout}
}

// CreateTicketRequest carries the fields of a new ticket.
type CreateTicketRequest struct {
	Title           string
	Description     string
	Phase           string
	Priority        models.Priority
	ProjectID       string
	UserID          string
	Context         map[string]any
	RequireApproval bool
}

// CreateTicket inserts a ticket. With RequireApproval the ticket enters the
// approval gate: pending_review with a deadline this service later sweeps.
func (s *TicketService) CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.Ticket, error) {
	if req.Title == "" {
		return nil, ErrMissingTitle
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", req.Priority)
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	now := time.Now().UTC()
	t := &models.Ticket{
		ID:             uuid.New().String(),
		Title:          req.Title,
		Description:    req.Description,
		Phase:          req.Phase,
		Status:         models.TicketPending,
		Priority:       priority,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		Context:        req.Context,
		ApprovalStatus: models.ApprovalApproved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.RequireApproval {
		deadline := now.Add(s.approvalTimeout)
		t.ApprovalStatus = models.ApprovalPendingReview
		t.ApprovalDeadline = &deadline
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets
			(id, title, description, phase, status, priority, project_id, user_id,
			 context, approval_status, approval_deadline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $12)`,
		t.ID, t.Title, t.Description, t.Phase, t.Status, t.Priority,
		t.ProjectID, t.UserID, t.Context, t.ApprovalStatus, t.ApprovalDeadline, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.publish(ctx, events.Event{
		EventType: events.TicketCreated, EntityType: "ticket", EntityID: t.ID,
		Payload: map[string]any{
			"title":    t.Title,
			"priority": string(t.Priority),
			"phase":    t.Phase,
		},
	})
	if req.RequireApproval {
		s.publish(ctx, events.Event{
			EventType: events.TicketApprovalPending, EntityType: "ticket", EntityID: t.ID,
			Payload: map[string]any{
				"approval_deadline": t.ApprovalDeadline.Format(time.RFC3339Nano),
			},
		})
	}
	slog.Info("Ticket created",
		"ticket_id", t.ID, "priority", t.Priority, "requires_approval", req.RequireApproval)
	return t, nil
}

// GetTicket loads a ticket by id.
func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID)
	return scanTicket(row)
}

// ApproveTicket moves a pending_review ticket to approved, clearing its
// deadline. Any other approval state is rejected.
func (s *TicketService) ApproveTicket(ctx context.Context, ticketID, approvedBy string) (*models.Ticket, error) {
	t, err := s.settleApproval(ctx, ticketID, models.ApprovalApproved, models.TicketPending)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		EventType: events.TicketApproved, EntityType: "ticket", EntityID: ticketID,
		Payload: map[string]any{"approved_by": approvedBy},
	})
	slog.Info("Ticket approved", "ticket_id", ticketID, "approved_by", approvedBy)
	return t, nil
}

// RejectTicket moves a pending_review ticket to rejected and blocks it.
func (s *TicketService) RejectTicket(ctx context.Context, ticketID, rejectedBy, reason string) (*models.Ticket, error) {
	t, err := s.settleApproval(ctx, ticketID, models.ApprovalRejected, models.TicketBlocked)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		EventType: events.TicketRejected, EntityType: "ticket", EntityID: ticketID,
		Payload: map[string]any{"rejected_by": rejectedBy, "reason": reason},
	})
	slog.Info("Ticket rejected", "ticket_id", ticketID, "rejected_by", rejectedBy)
	return t, nil
}

// settleApproval applies an approval decision; only pending_review tickets
// can be settled.
func (s *TicketService) settleApproval(ctx context.Context, ticketID string, approval models.ApprovalStatus, status models.TicketStatus) (*models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET approval_status = $2, status = $3, approval_deadline = NULL, updated_at = now()
		WHERE id = $1 AND approval_status = 'pending_review'
		RETURNING `+ticketColumns,
		ticketID, approval, status,
	)
	t, err := scanTicket(row)
	if err == ErrTicketNotFound {
		// Distinguish a missing ticket from one in the wrong state.
		if _, getErr := s.GetTicket(ctx, ticketID); getErr == nil {
			return nil, ErrInvalidApprovalState
		}
		return nil, ErrTicketNotFound
	}
	return t, err
}

// SetTicketStatus updates the lifecycle status and emits
// TICKET_STATUS_CHANGED.
func (s *TicketService) SetTicketStatus(ctx context.Context, ticketID string, status models.TicketStatus) (*models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+ticketColumns,
		ticketID, status,
	)
	t, err := scanTicket(row)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		EventType: events.TicketStatusChanged, EntityType: "ticket", EntityID: ticketID,
		Payload: map[string]any{"status": string(status)},
	})
	return t, nil
}

// SweepApprovalDeadlines times out overdue pending_review tickets: approval
// becomes timed_out and the ticket is blocked. Returns the affected ids.
func (s *TicketService) SweepApprovalDeadlines(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tickets
		SET approval_status = 'timed_out', status = 'blocked', updated_at = now()
		WHERE approval_status = 'pending_review' AND approval_deadline < now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep approval deadlines: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return ids, err
	}

	for _, id := range ids {
		s.publish(ctx, events.Event{
			EventType: events.TicketStatusChanged, EntityType: "ticket", EntityID: id,
			Payload: map[string]any{
				"status":          string(models.TicketBlocked),
				"approval_status": string(models.ApprovalTimedOut),
			},
		})
		slog.Warn("Ticket approval timed out", "ticket_id", id)
	}
	return ids, nil
}

func scanTicket(row pgx.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Phase, &t.Status, &t.Priority,
		&t.ProjectID, &t.UserID, &t.Context,
		&t.ApprovalStatus, &t.ApprovalDeadline, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	return &t, nil
}

func (s *TicketService) publish(ctx context.Context, evt events.Event) {
	if err := s.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish ticket event",
			"event_type", evt.EventType, "ticket_id", evt.EntityID, "error", err)
	}
}
