package models

import "time"

// Ticket is the user-visible unit of requested work. A ticket owns its tasks
// (cascade-delete at the store level).
type Ticket struct {
	ID               string
	Title            string
	Description      string
	Phase            string
	Status           TicketStatus
	Priority         Priority
	ProjectID        string
	UserID           string
	Context          map[string]any
	ApprovalStatus   ApprovalStatus
	ApprovalDeadline *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Runnable reports whether the ticket may yield runnable tasks.
// A ticket whose approval status is not approved never does.
func (t *Ticket) Runnable() bool {
	return t.ApprovalStatus == ApprovalApproved
}

// Commit links a VCS commit to a ticket. Populated by the webhook ingester
// or by the manual link endpoint.
type Commit struct {
	SHA       string
	TicketID  string
	Message   string
	AuthorID  string
	Branch    string
	LinkedBy  string // "webhook" or user id for manual links
	CreatedAt time.Time
}

// PreviewSession records a live preview exposed from a sandbox.
type PreviewSession struct {
	ID        string
	SandboxID string
	TaskID    string
	URL       string
	Token     string
	Port      int
	CreatedAt time.Time
}
