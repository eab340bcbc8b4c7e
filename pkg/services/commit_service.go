package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
)

// Ticket reference tokens recognized in commit messages, PR titles and
// branch names: ticket-<uuid>, #<id>, TICKET-<id>.
var (
	ticketUUIDPattern = regexp.MustCompile(`(?i)\bticket-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\b`)
	ticketHashPattern = regexp.MustCompile(`#([A-Za-z0-9][A-Za-z0-9_-]*)`)
	ticketSlugPattern = regexp.MustCompile(`\bTICKET-([A-Za-z0-9][A-Za-z0-9_-]*)\b`)
)

// ExtractTicketRefs scans text for ticket reference tokens and returns the
// candidate ticket ids in order of appearance, deduplicated. Candidates are
// unverified; callers resolve them against the store.
func ExtractTicketRefs(text string) []string {
	var refs []string
	seen := map[string]bool{}
	add := func(matches [][]string) {
		for _, m := range matches {
			if id := m[1]; !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
	}
	add(ticketUUIDPattern.FindAllStringSubmatch(text, -1))
	add(ticketHashPattern.FindAllStringSubmatch(text, -1))
	add(ticketSlugPattern.FindAllStringSubmatch(text, -1))
	return refs
}

// CommitService links VCS commits to tickets and applies pull-request state
// to the linked ticket's lifecycle.
type CommitService struct {
	pool  *pgxpool.Pool
	queue *queue.Queue
	bus   events.Publisher
}

// NewCommitService creates a commit service.
func NewCommitService(pool *pgxpool.Pool, q *queue.Queue, bus events.Publisher) *CommitService {
	return &CommitService{pool: pool, queue: q, bus: bus}
}

// LinkCommit links a commit to a ticket. Re-linking the same sha updates the
// link. linkedBy is "webhook" for ingested commits or a user id for manual
// links.
func (s *CommitService) LinkCommit(ctx context.Context, c models.Commit) (*models.Commit, error) {
	if c.SHA == "" || c.TicketID == "" {
		return nil, fmt.Errorf("commit sha and ticket id are required")
	}
	if c.LinkedBy == "" {
		c.LinkedBy = "webhook"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, c.TicketID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to resolve ticket: %w", err)
	}
	if !exists {
		return nil, ErrTicketNotFound
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO commits (sha, ticket_id, message, author_id, branch, linked_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sha) DO UPDATE SET
			ticket_id = $2, message = $3, author_id = $4, branch = $5, linked_by = $6`,
		c.SHA, c.TicketID, c.Message, c.AuthorID, c.Branch, c.LinkedBy, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to link commit: %w", err)
	}

	s.publish(ctx, events.Event{
		EventType: events.CommitLinked, EntityType: "commit", EntityID: c.SHA,
		Payload: map[string]any{
			"ticket_id": c.TicketID,
			"branch":    c.Branch,
			"linked_by": c.LinkedBy,
		},
	})
	slog.Info("Commit linked", "sha", c.SHA, "ticket_id", c.TicketID, "linked_by", c.LinkedBy)
	return &c, nil
}

// GetCommit loads a commit by sha.
func (s *CommitService) GetCommit(ctx context.Context, sha string) (*models.Commit, error) {
	var c models.Commit
	err := s.pool.QueryRow(ctx, `
		SELECT sha, ticket_id, message, author_id, branch, linked_by, created_at
		FROM commits WHERE sha = $1`, sha,
	).Scan(&c.SHA, &c.TicketID, &c.Message, &c.AuthorID, &c.Branch, &c.LinkedBy, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCommitNotFound
		}
		return nil, fmt.Errorf("failed to load commit: %w", err)
	}
	return &c, nil
}

// ListCommitsByTicket returns a ticket's commits, newest first.
func (s *CommitService) ListCommitsByTicket(ctx context.Context, ticketID string) ([]*models.Commit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sha, ticket_id, message, author_id, branch, linked_by, created_at
		FROM commits WHERE ticket_id = $1
		ORDER BY created_at DESC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	var commits []*models.Commit
	for rows.Next() {
		var c models.Commit
		if err := rows.Scan(&c.SHA, &c.TicketID, &c.Message, &c.AuthorID,
			&c.Branch, &c.LinkedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		commits = append(commits, &c)
	}
	return commits, rows.Err()
}

// PushCommit is one commit from a push webhook payload.
type PushCommit struct {
	SHA      string
	Message  string
	AuthorID string
}

// HandlePush scans pushed commits for ticket reference tokens and links each
// commit to the first referenced ticket that exists. Commits without a
// resolvable reference are skipped.
func (s *CommitService) HandlePush(ctx context.Context, branch string, commits []PushCommit) (int, error) {
	linked := 0
	for _, pc := range commits {
		ticketID, err := s.resolveRef(ctx, pc.Message)
		if err != nil {
			return linked, err
		}
		if ticketID == "" {
			continue
		}
		if _, err := s.LinkCommit(ctx, models.Commit{
			SHA:      pc.SHA,
			TicketID: ticketID,
			Message:  pc.Message,
			AuthorID: pc.AuthorID,
			Branch:   branch,
			LinkedBy: "webhook",
		}); err != nil {
			return linked, err
		}
		linked++
	}
	return linked, nil
}

// PullRequestEvent is the subset of a pull_request webhook payload the
// control plane consumes.
type PullRequestEvent struct {
	Action string // opened|closed|synchronize|reopened
	Merged bool
	Number int
	Title  string
	Branch string // head branch
}

// HandlePullRequest applies a pull_request webhook. A merged PR marks the
// linked ticket done and completes its in-progress tasks.
func (s *CommitService) HandlePullRequest(ctx context.Context, pr PullRequestEvent) error {
	ticketID, err := s.resolveRef(ctx, pr.Title+" "+pr.Branch)
	if err != nil {
		return err
	}

	eventType := ""
	switch pr.Action {
	case "opened", "reopened":
		eventType = events.PROpened
	case "closed":
		eventType = events.PRClosed
		if pr.Merged {
			eventType = events.PRMerged
		}
	}
	if eventType != "" {
		s.publish(ctx, events.Event{
			EventType: eventType, EntityType: "pull_request",
			EntityID: fmt.Sprintf("%d", pr.Number),
			Payload: map[string]any{
				"ticket_id": ticketID,
				"title":     pr.Title,
				"branch":    pr.Branch,
			},
		})
	}

	if pr.Action != "closed" || !pr.Merged || ticketID == "" {
		return nil
	}
	return s.completeTicketFromMerge(ctx, ticketID)
}

// completeTicketFromMerge marks the ticket done and completes its
// in-progress tasks with completed_by "pr_merge".
func (s *CommitService) completeTicketFromMerge(ctx context.Context, ticketID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET status = 'done', updated_at = now() WHERE id = $1`, ticketID)
	if err != nil {
		return fmt.Errorf("failed to mark ticket done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	s.publish(ctx, events.Event{
		EventType: events.TicketStatusChanged, EntityType: "ticket", EntityID: ticketID,
		Payload: map[string]any{"status": string(models.TicketDone), "completed_by": "pr_merge"},
	})

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM tasks
		WHERE ticket_id = $1
		  AND status IN ('assigned', 'claiming', 'running', 'pending_validation', 'needs_revision')`,
		ticketID)
	if err != nil {
		return fmt.Errorf("failed to list in-progress tasks: %w", err)
	}
	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range taskIDs {
		if _, err := s.queue.UpdateTaskStatus(ctx, id, models.TaskCompleted, queue.StatusUpdate{
			Result: map[string]any{"completed_by": "pr_merge"},
		}); err != nil {
			return fmt.Errorf("failed to complete task %s on merge: %w", id, err)
		}
	}
	slog.Info("Ticket completed by merged PR", "ticket_id", ticketID, "tasks_completed", len(taskIDs))
	return nil
}

// resolveRef returns the first referenced ticket id that exists in the
// store, or "" when none resolve.
func (s *CommitService) resolveRef(ctx context.Context, text string) (string, error) {
	for _, ref := range ExtractTicketRefs(text) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, ref,
		).Scan(&exists); err != nil {
			return "", fmt.Errorf("failed to resolve ticket reference: %w", err)
		}
		if exists {
			return ref, nil
		}
	}
	return "", nil
}

func (s *CommitService) publish(ctx context.Context, evt events.Event) {
	if err := s.bus.Publish(ctx, evt); err != nil {
		slog.Warn("Failed to publish commit event",
			"event_type", evt.EventType, "entity_id", evt.EntityID, "error", err)
	}
}
