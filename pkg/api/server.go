package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/pkg/services"
)

// healthTimeout bounds the store ping on the liveness endpoint.
const healthTimeout = 5 * time.Second

// Server is the HTTP adapter. All business rules live in the services it
// fronts; handlers only bind, delegate and map errors.
type Server struct {
	pool     *pgxpool.Pool
	bus      *events.Bus
	tickets  *services.TicketService
	alerts   *services.AlertService
	commits  *services.CommitService
	queue    *queue.Queue
	gateway  sandbox.Gateway
	webhooks *WebhookHandler
}

// Deps collects the server's constructor dependencies.
type Deps struct {
	Pool          *pgxpool.Pool
	Bus           *events.Bus
	Tickets       *services.TicketService
	Alerts        *services.AlertService
	Commits       *services.CommitService
	Queue         *queue.Queue
	Gateway       sandbox.Gateway
	WebhookSecret string
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	return &Server{
		pool:     d.Pool,
		bus:      d.Bus,
		tickets:  d.Tickets,
		alerts:   d.Alerts,
		commits:  d.Commits,
		queue:    d.Queue,
		gateway:  d.Gateway,
		webhooks: NewWebhookHandler(d.WebhookSecret, d.Commits),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")

	v1.GET("/health", s.Health)

	v1.POST("/tickets", s.CreateTicket)
	v1.GET("/tickets/:id", s.GetTicket)
	v1.POST("/tickets/:id/approve", s.ApproveTicket)
	v1.POST("/tickets/:id/reject", s.RejectTicket)

	v1.GET("/tasks", s.ListTasks)
	v1.POST("/tasks", s.CreateTask)
	v1.GET("/tasks/:id", s.GetTask)
	v1.PATCH("/tasks/:id", s.PatchTask)

	v1.POST("/sandboxes/spawn", s.SpawnSandbox)
	v1.GET("/sandboxes/:id/events", s.ListSandboxEvents)
	v1.POST("/sandboxes/:id/messages", s.SendSandboxMessage)
	v1.GET("/sandboxes/:id/preview", s.GetSandboxPreview)

	v1.GET("/commits/:sha", s.GetCommit)
	v1.GET("/commits/ticket/:id", s.ListTicketCommits)
	v1.POST("/commits/ticket/:id/link", s.LinkCommit)

	v1.GET("/alerts", s.ListAlerts)
	v1.POST("/alerts/:id/acknowledge", s.AcknowledgeAlert)
	v1.POST("/alerts/:id/resolve", s.ResolveAlert)

	v1.GET("/ws/events", s.EventStream)

	v1.POST("/webhooks/github", s.webhooks.Handle)

	return r
}

// Health handles GET /api/v1/health. Unauthenticated liveness with a store
// ping.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.pool)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
