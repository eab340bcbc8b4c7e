package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/pkg/services"
)

// nullableParam maps "" to NULL for nullable text columns.
func nullableParam(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTicketRequest is the body of POST /api/v1/tickets.
type CreateTicketRequest struct {
	Title           string         `json:"title" binding:"required"`
	Description     string         `json:"description"`
	Phase           string         `json:"phase"`
	Priority        string         `json:"priority"`
	ProjectID       string         `json:"project_id"`
	UserID          string         `json:"user_id"`
	Context         map[string]any `json:"context"`
	RequireApproval bool           `json:"require_approval"`
}

// CreateTicket handles POST /api/v1/tickets.
func (s *Server) CreateTicket(c *gin.Context) {
	var req CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.tickets.CreateTicket(c.Request.Context(), services.CreateTicketRequest{
		Title:           req.Title,
		Description:     req.Description,
		Phase:           req.Phase,
		Priority:        models.Priority(req.Priority),
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		Context:         req.Context,
		RequireApproval: req.RequireApproval,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticketJSON(t))
}

// GetTicket handles GET /api/v1/tickets/:id.
func (s *Server) GetTicket(c *gin.Context) {
	t, err := s.tickets.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketJSON(t))
}

type approvalRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// ApproveTicket handles POST /api/v1/tickets/:id/approve.
func (s *Server) ApproveTicket(c *gin.Context) {
	var req approvalRequest
	_ = c.ShouldBindJSON(&req)

	t, err := s.tickets.ApproveTicket(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketJSON(t))
}

// RejectTicket handles POST /api/v1/tickets/:id/reject.
func (s *Server) RejectTicket(c *gin.Context) {
	var req approvalRequest
	_ = c.ShouldBindJSON(&req)

	t, err := s.tickets.RejectTicket(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketJSON(t))
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	TicketID             string   `json:"ticket_id" binding:"required"`
	Phase                string   `json:"phase"`
	TaskType             string   `json:"task_type"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Priority             string   `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities"`
	DependsOn            []string `json:"depends_on"`
	TimeoutSeconds       int      `json:"timeout_seconds"`
}

// CreateTask handles POST /api/v1/tasks.
func (s *Server) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		TicketID:             req.TicketID,
		Phase:                req.Phase,
		TaskType:             req.TaskType,
		Title:                req.Title,
		Description:          req.Description,
		Priority:             models.Priority(req.Priority),
		RequiredCapabilities: req.RequiredCapabilities,
		DependsOn:            req.DependsOn,
		TimeoutSeconds:       req.TimeoutSeconds,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, taskJSON(task))
}

// ListTasks handles GET /api/v1/tasks with ticket_id/status/phase filters.
func (s *Server) ListTasks(c *gin.Context) {
	tasks, err := s.queue.ListTasks(c.Request.Context(), queue.TaskFilter{
		TicketID: c.Query("ticket_id"),
		Status:   models.TaskStatus(c.Query("status")),
		Phase:    c.Query("phase"),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// GetTask handles GET /api/v1/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.queue.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskJSON(task))
}

// PatchTaskRequest is the body of PATCH /api/v1/tasks/:id. Status changes
// drive the task lifecycle; cancellation is a status of "cancelled" with an
// optional reason.
type PatchTaskRequest struct {
	Status       string         `json:"status" binding:"required"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	Reason       string         `json:"reason"`
}

// PatchTask handles PATCH /api/v1/tasks/:id.
func (s *Server) PatchTask(c *gin.Context) {
	var req PatchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := c.Param("id")

	if req.Status == "cancelled" {
		reason := req.Reason
		if reason == "" {
			reason = "cancelled via API"
		}
		cancelled, err := s.queue.CancelTask(c.Request.Context(), taskID, reason)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !cancelled {
			c.JSON(http.StatusConflict, gin.H{"error": "task is not cancellable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	}

	status := models.TaskStatus(req.Status)
	switch status {
	case models.TaskPending, models.TaskAssigned, models.TaskClaiming, models.TaskRunning,
		models.TaskPendingValidation, models.TaskNeedsRevision,
		models.TaskCompleted, models.TaskFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	task, err := s.queue.UpdateTaskStatus(c.Request.Context(), taskID, status, queue.StatusUpdate{
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskJSON(task))
}

// SpawnSandboxRequest is the body of POST /api/v1/sandboxes/spawn.
type SpawnSandboxRequest struct {
	TaskID   string            `json:"task_id" binding:"required"`
	Runtime  string            `json:"runtime"`
	ExtraEnv map[string]string `json:"extra_env"`
}

// SpawnSandbox handles POST /api/v1/sandboxes/spawn: spawns a sandbox for an
// existing task and attaches it.
func (s *Server) SpawnSandbox(c *gin.Context) {
	var req SpawnSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	task, err := s.queue.GetTask(ctx, req.TaskID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	template := req.Runtime
	if template == "" {
		template = sandbox.TemplateForPhase(task.Phase)
	}
	res, err := s.gateway.SpawnForTask(ctx, sandbox.SpawnRequest{
		TaskID:      task.ID,
		TicketID:    task.TicketID,
		Template:    template,
		Prompt:      task.Description,
		Env:         req.ExtraEnv,
		TimeoutSecs: task.TimeoutSeconds,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.queue.SetSandbox(ctx, task.ID, res.SandboxID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandbox_id": res.SandboxID})
}

// ListSandboxEvents handles GET /api/v1/sandboxes/:id/events.
func (s *Server) ListSandboxEvents(c *gin.Context) {
	rows, err := s.pool.Query(c.Request.Context(), `
		SELECT id, COALESCE(task_id, ''), event_type, payload, created_at
		FROM sandbox_events
		WHERE sandbox_id = $1
		ORDER BY created_at`,
		c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer rows.Close()

	evts := make([]gin.H, 0)
	for rows.Next() {
		var id, taskID, eventType string
		var payload map[string]any
		var createdAt time.Time
		if err := rows.Scan(&id, &taskID, &eventType, &payload, &createdAt); err != nil {
			abortWithError(c, err)
			return
		}
		evts = append(evts, gin.H{
			"id":         id,
			"task_id":    taskID,
			"event_type": eventType,
			"payload":    payload,
			"created_at": createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// SandboxMessageRequest is the body of POST /api/v1/sandboxes/:id/messages.
type SandboxMessageRequest struct {
	Content     string `json:"content" binding:"required"`
	MessageType string `json:"message_type"`
}

// SendSandboxMessage handles POST /api/v1/sandboxes/:id/messages.
func (s *Server) SendSandboxMessage(c *gin.Context) {
	var req SandboxMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sandboxID := c.Param("id")
	if err := s.gateway.SendMessage(c.Request.Context(), sandboxID, req.Content, req.MessageType); err != nil {
		abortWithError(c, err)
		return
	}

	// Record the steering message alongside the sandbox's own events.
	if _, err := s.pool.Exec(c.Request.Context(), `
		INSERT INTO sandbox_events (id, sandbox_id, event_type, payload)
		VALUES ($1, $2, 'agent.message', $3)`,
		uuid.New().String(), sandboxID,
		map[string]any{"content": req.Content, "message_type": req.MessageType, "direction": "inbound"},
	); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// GetSandboxPreview handles GET /api/v1/sandboxes/:id/preview. The preview
// URL comes from the sandbox provider; each resolved link is recorded and
// announced as PREVIEW_READY.
func (s *Server) GetSandboxPreview(c *gin.Context) {
	sandboxID := c.Param("id")
	port, err := strconv.Atoi(c.DefaultQuery("port", "3000"))
	if err != nil || port <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	link, err := s.gateway.GetPreviewLink(c.Request.Context(), sandboxID, port)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var taskID string
	if err := s.pool.QueryRow(c.Request.Context(),
		`SELECT id FROM tasks WHERE sandbox_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sandboxID,
	).Scan(&taskID); err != nil && err != pgx.ErrNoRows {
		abortWithError(c, err)
		return
	}

	if _, err := s.pool.Exec(c.Request.Context(), `
		INSERT INTO preview_sessions (id, sandbox_id, task_id, url, token, port)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), sandboxID, nullableParam(taskID), link.URL, link.Token, port,
	); err != nil {
		abortWithError(c, err)
		return
	}

	if err := s.bus.Publish(c.Request.Context(), events.Event{
		EventType:  events.PreviewReady,
		EntityType: "sandbox",
		EntityID:   sandboxID,
		Payload:    map[string]any{"url": link.URL, "port": port, "task_id": taskID},
	}); err != nil {
		slog.Warn("Failed to publish preview event", "sandbox_id", sandboxID, "error", err)
	}

	resp := gin.H{"sandbox_id": sandboxID, "task_id": taskID, "url": link.URL, "port": port}
	if link.Token != "" {
		resp["token"] = link.Token
	}
	c.JSON(http.StatusOK, resp)
}

// GetCommit handles GET /api/v1/commits/:sha.
func (s *Server) GetCommit(c *gin.Context) {
	commit, err := s.commits.GetCommit(c.Request.Context(), c.Param("sha"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, commitJSON(commit))
}

// ListTicketCommits handles GET /api/v1/commits/ticket/:id.
func (s *Server) ListTicketCommits(c *gin.Context) {
	commits, err := s.commits.ListCommitsByTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]gin.H, 0, len(commits))
	for _, commit := range commits {
		out = append(out, commitJSON(commit))
	}
	c.JSON(http.StatusOK, gin.H{"commits": out})
}

// LinkCommitRequest is the body of POST /api/v1/commits/ticket/:id/link.
type LinkCommitRequest struct {
	SHA      string `json:"sha" binding:"required"`
	Message  string `json:"message"`
	AuthorID string `json:"author_id"`
	Branch   string `json:"branch"`
	LinkedBy string `json:"linked_by"`
}

// LinkCommit handles POST /api/v1/commits/ticket/:id/link.
func (s *Server) LinkCommit(c *gin.Context) {
	var req LinkCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	commit, err := s.commits.LinkCommit(c.Request.Context(), models.Commit{
		SHA:      req.SHA,
		TicketID: c.Param("id"),
		Message:  req.Message,
		AuthorID: req.AuthorID,
		Branch:   req.Branch,
		LinkedBy: req.LinkedBy,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commitJSON(commit))
}

// ListAlerts handles GET /api/v1/alerts with an optional status filter.
func (s *Server) ListAlerts(c *gin.Context) {
	alerts, err := s.alerts.ListAlerts(c.Request.Context(), models.AlertStatus(c.Query("status")), 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]gin.H, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertJSON(a))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

type alertActorRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeAlert handles POST /api/v1/alerts/:id/acknowledge.
func (s *Server) AcknowledgeAlert(c *gin.Context) {
	var req alertActorRequest
	_ = c.ShouldBindJSON(&req)

	a, err := s.alerts.AcknowledgeAlert(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alertJSON(a))
}

// ResolveAlert handles POST /api/v1/alerts/:id/resolve.
func (s *Server) ResolveAlert(c *gin.Context) {
	var req alertActorRequest
	_ = c.ShouldBindJSON(&req)

	a, err := s.alerts.ResolveAlert(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alertJSON(a))
}

func ticketJSON(t *models.Ticket) gin.H {
	out := gin.H{
		"id":              t.ID,
		"title":           t.Title,
		"description":     t.Description,
		"phase":           t.Phase,
		"status":          t.Status,
		"priority":        t.Priority,
		"project_id":      t.ProjectID,
		"user_id":         t.UserID,
		"context":         t.Context,
		"approval_status": t.ApprovalStatus,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
	}
	if t.ApprovalDeadline != nil {
		out["approval_deadline"] = t.ApprovalDeadline
	}
	return out
}

func taskJSON(t *models.Task) gin.H {
	return gin.H{
		"id":                    t.ID,
		"ticket_id":             t.TicketID,
		"phase":                 t.Phase,
		"task_type":             t.TaskType,
		"title":                 t.Title,
		"description":           t.Description,
		"priority":              t.Priority,
		"status":                t.Status,
		"assigned_agent":        t.AssignedAgent,
		"sandbox_id":            t.SandboxID,
		"required_capabilities": t.RequiredCapabilities,
		"dependencies":          t.Dependencies,
		"timeout_seconds":       t.TimeoutSeconds,
		"started_at":            t.StartedAt,
		"completed_at":          t.CompletedAt,
		"error_message":         t.ErrorMessage,
		"result":                t.Result,
		"created_at":            t.CreatedAt,
		"updated_at":            t.UpdatedAt,
	}
}

func commitJSON(c *models.Commit) gin.H {
	return gin.H{
		"sha":        c.SHA,
		"ticket_id":  c.TicketID,
		"message":    c.Message,
		"author_id":  c.AuthorID,
		"branch":     c.Branch,
		"linked_by":  c.LinkedBy,
		"created_at": c.CreatedAt,
	}
}

func alertJSON(a *models.Alert) gin.H {
	return gin.H{
		"id":              a.ID,
		"rule_id":         a.RuleID,
		"severity":        a.Severity,
		"title":           a.Title,
		"message":         a.Message,
		"entity_type":     a.EntityType,
		"entity_id":       a.EntityID,
		"status":          a.Status,
		"acknowledged_by": a.AcknowledgedBy,
		"resolved_by":     a.ResolvedBy,
		"acknowledged_at": a.AcknowledgedAt,
		"resolved_at":     a.ResolvedAt,
		"created_at":      a.CreatedAt,
	}
}
