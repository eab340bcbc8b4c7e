package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/cost"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/registry"
	"github.com/codelane/maestro/pkg/sandbox"
	"github.com/codelane/maestro/pkg/validation"
)

// ingestedEventTypes are the sandbox progress topics the ingester persists.
var ingestedEventTypes = []string{
	sandbox.EventHeartbeat,
	sandbox.EventStarted,
	sandbox.EventThinking,
	sandbox.EventAssistantMessage,
	sandbox.EventToolUse,
	sandbox.EventToolResult,
	sandbox.EventFileEdited,
	sandbox.EventToolCompleted,
	sandbox.EventSubagentCompleted,
	sandbox.EventSkillCompleted,
	sandbox.EventError,
	sandbox.EventCompleted,
}

// Ingester consumes agent.* events published by running sandboxes and turns
// them into control-plane state: every event is persisted to sandbox_events
// (feeding idle detection and trajectories), heartbeats refresh the agent
// registry, the first start or work event moves the task to running, and
// completions record provider cost and enter the validation pipeline.
type Ingester struct {
	pool       *pgxpool.Pool
	bus        *events.Bus
	queue      *queue.Queue
	registry   *registry.Registry
	cost       *cost.Engine
	validation *validation.Pipeline

	unsubscribe []func()
	stopOnce    sync.Once
}

// NewIngester creates a sandbox event ingester.
func NewIngester(pool *pgxpool.Pool, bus *events.Bus, q *queue.Queue, reg *registry.Registry, costEngine *cost.Engine, pipeline *validation.Pipeline) *Ingester {
	return &Ingester{
		pool:       pool,
		bus:        bus,
		queue:      q,
		registry:   reg,
		cost:       costEngine,
		validation: pipeline,
	}
}

// Start subscribes to every sandbox progress topic.
func (i *Ingester) Start(ctx context.Context) {
	for _, eventType := range ingestedEventTypes {
		i.unsubscribe = append(i.unsubscribe, i.bus.Subscribe(eventType, i.handle))
	}
	slog.Info("Sandbox event ingester started", "topics", len(ingestedEventTypes))
}

// Stop detaches from the bus.
func (i *Ingester) Stop() {
	i.stopOnce.Do(func() {
		for _, u := range i.unsubscribe {
			u()
		}
	})
	slog.Info("Sandbox event ingester stopped")
}

// handle persists one sandbox event and applies its side effects. Handlers
// must be idempotent: delivery is at-least-once.
func (i *Ingester) handle(ctx context.Context, evt events.Event) {
	sandboxID := evt.EntityID
	taskID := payloadString(evt.Payload, "task_id")

	if _, err := i.pool.Exec(ctx, `
		INSERT INTO sandbox_events (id, sandbox_id, task_id, event_type, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		uuid.New().String(), sandboxID, taskID, evt.EventType, evt.Payload,
	); err != nil {
		slog.Error("Failed to persist sandbox event",
			"sandbox_id", sandboxID, "event_type", evt.EventType, "error", err)
		return
	}

	switch evt.EventType {
	case sandbox.EventHeartbeat:
		i.heartbeat(ctx, evt.Payload)
	case sandbox.EventStarted:
		i.heartbeat(ctx, evt.Payload)
		i.markRunning(ctx, taskID)
	case sandbox.EventCompleted:
		i.markRunning(ctx, taskID)
		i.handleCompleted(ctx, sandboxID, taskID, evt.Payload)
	default:
		// A work event from a sandbox whose agent.started got lost still
		// proves execution began.
		if sandbox.IsWorkEvent(evt.EventType) {
			i.markRunning(ctx, taskID)
		}
	}
}

func (i *Ingester) heartbeat(ctx context.Context, payload map[string]any) {
	agentID := payloadString(payload, "agent_id")
	if agentID == "" {
		return
	}
	if err := i.registry.Heartbeat(ctx, agentID); err != nil {
		slog.Warn("Heartbeat update failed", "agent_id", agentID, "error", err)
	}
}

// markRunning moves an assigned task to running, stamping started_at. Tasks
// already past assigned (running, or claiming during a validator run) are
// left alone, so at-least-once delivery stays safe.
func (i *Ingester) markRunning(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	t, err := i.queue.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("Failed to load task for start transition", "task_id", taskID, "error", err)
		return
	}
	if t.Status != models.TaskAssigned {
		return
	}
	if _, err := i.queue.UpdateTaskStatus(ctx, taskID, models.TaskRunning, queue.StatusUpdate{}); err != nil {
		slog.Warn("Failed to mark task running", "task_id", taskID, "error", err)
	}
}

// handleCompleted records the provider-reported session cost and routes the
// implementation result into the validation pipeline.
func (i *Ingester) handleCompleted(ctx context.Context, sandboxID, taskID string, payload map[string]any) {
	if taskID == "" {
		slog.Warn("Completion event without task id", "sandbox_id", sandboxID)
		return
	}

	if costUSD := payloadFloat(payload, "cost_usd"); costUSD > 0 {
		_, err := i.cost.RecordSandboxCost(ctx, taskID, sandboxID,
			costUSD,
			payloadInt(payload, "total_tokens"),
			payloadString(payload, "session_id"),
			payloadInt(payload, "turn_index"),
		)
		if err != nil {
			slog.Error("Failed to record sandbox cost",
				"task_id", taskID, "sandbox_id", sandboxID, "error", err)
		}
	}

	// Validator sandboxes run with VALIDATION_MODE=true and report their
	// verdict in the completion payload; everything else is an
	// implementation completion entering the pipeline.
	if payloadBool(payload, "validation_mode") {
		evidence, _ := payload["evidence"].(map[string]any)
		if err := i.validation.HandleValidationResult(ctx, taskID, validation.ValidationResult{
			ValidatorAgent:  payloadString(payload, "agent_id"),
			Passed:          payloadBool(payload, "passed"),
			Feedback:        payloadString(payload, "feedback"),
			Evidence:        evidence,
			Recommendations: payloadStrings(payload, "recommendations"),
		}); err != nil {
			slog.Error("Failed to apply validation result", "task_id", taskID, "error", err)
		}
		return
	}

	result, _ := payload["result"].(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	if err := i.validation.HandleCompletion(ctx, taskID, result); err != nil {
		slog.Error("Failed to route completion into validation",
			"task_id", taskID, "error", err)
	}
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadFloat reads a numeric payload field. Values that crossed redis
// decode as float64.
func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func payloadInt(payload map[string]any, key string) int {
	return int(payloadFloat(payload, key))
}

func payloadBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

// payloadStrings reads a string-list payload field, tolerating the []any
// shape redis delivery produces.
func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
