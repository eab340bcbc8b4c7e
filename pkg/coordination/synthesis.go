package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/queue"
)

// PendingJoin tracks one registered join until all its sources complete.
type PendingJoin struct {
	JoinID         string
	SourceIDs      []string
	CompletedIDs   map[string]bool
	ContinuationID string
	Strategy       string
	RegisteredAt   time.Time
}

func (p *PendingJoin) ready() bool {
	for _, id := range p.SourceIDs {
		if !p.CompletedIDs[id] {
			return false
		}
	}
	return true
}

// Synthesis watches join registrations and completed tasks; once every
// source of a join has completed, it merges their results into the
// continuation task's synthesis context. Pending joins are in-memory,
// single-process state.
type Synthesis struct {
	pool  *pgxpool.Pool
	queue *queue.Queue
	bus   *events.Bus

	mu      sync.Mutex
	pending map[string]*PendingJoin

	unsubscribe []func()
	stopOnce    sync.Once
}

// NewSynthesis creates the synthesis service.
func NewSynthesis(pool *pgxpool.Pool, q *queue.Queue, bus *events.Bus) *Synthesis {
	return &Synthesis{
		pool: pool, queue: q, bus: bus,
		pending: make(map[string]*PendingJoin),
	}
}

// Start subscribes to join registrations and task completions.
func (s *Synthesis) Start(ctx context.Context) {
	s.unsubscribe = append(s.unsubscribe,
		s.bus.Subscribe(events.CoordinationJoinCreated, s.onJoinCreated),
		s.bus.Subscribe(events.TaskCompleted, s.onTaskCompleted),
	)
	slog.Info("Synthesis service started")
}

// Stop detaches from the bus. Pending joins are dropped; they re-register on
// the next join.created replay or restart reconciliation.
func (s *Synthesis) Stop() {
	s.stopOnce.Do(func() {
		for _, u := range s.unsubscribe {
			u()
		}
	})
	slog.Info("Synthesis service stopped")
}

// onJoinCreated registers a pending join and back-fills sources that
// completed before the registration arrived.
func (s *Synthesis) onJoinCreated(ctx context.Context, evt events.Event) {
	joinID, _ := evt.Payload["join_id"].(string)
	continuationID, _ := evt.Payload["continuation_task_id"].(string)
	strategy, _ := evt.Payload["merge_strategy"].(string)
	sourceIDs := stringSlice(evt.Payload["source_task_ids"])
	if joinID == "" || continuationID == "" || len(sourceIDs) == 0 {
		slog.Warn("Malformed join registration event", "payload", evt.Payload)
		return
	}

	p := &PendingJoin{
		JoinID:         joinID,
		SourceIDs:      sourceIDs,
		CompletedIDs:   make(map[string]bool),
		ContinuationID: continuationID,
		Strategy:       strategy,
		RegisteredAt:   time.Now().UTC(),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM tasks WHERE id = ANY($1) AND status = 'completed'`, sourceIDs)
	if err != nil {
		slog.Error("Join back-fill query failed", "join_id", joinID, "error", err)
	} else {
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				break
			}
			p.CompletedIDs[id] = true
		}
		rows.Close()
	}

	s.mu.Lock()
	s.pending[joinID] = p
	ready := p.ready()
	s.mu.Unlock()

	slog.Info("Join registered",
		"join_id", joinID, "sources", len(sourceIDs), "already_completed", len(p.CompletedIDs))
	if ready {
		s.synthesize(ctx, p)
	}
}

// onTaskCompleted marks the task completed in every pending join that waits
// on it and synthesizes the joins that became ready.
func (s *Synthesis) onTaskCompleted(ctx context.Context, evt events.Event) {
	taskID := evt.EntityID

	var ready []*PendingJoin
	s.mu.Lock()
	for _, p := range s.pending {
		for _, src := range p.SourceIDs {
			if src == taskID && !p.CompletedIDs[taskID] {
				p.CompletedIDs[taskID] = true
				if p.ready() {
					ready = append(ready, p)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, p := range ready {
		s.synthesize(ctx, p)
	}
}

// synthesize merges the source results into the continuation task. On any
// failure the pending join is kept so a later completion event or manual
// retry can finish the job.
func (s *Synthesis) synthesize(ctx context.Context, p *PendingJoin) {
	if err := s.trySynthesize(ctx, p); err != nil {
		slog.Error("Synthesis failed", "join_id", p.JoinID, "error", err)
		if pubErr := s.bus.Publish(ctx, events.Event{
			EventType:  events.CoordinationSynthesisFailed,
			EntityType: "join",
			EntityID:   p.JoinID,
			Payload: map[string]any{
				"continuation_task_id": p.ContinuationID,
				"error":                err.Error(),
			},
		}); pubErr != nil {
			slog.Warn("Failed to publish synthesis failure", "join_id", p.JoinID, "error", pubErr)
		}
		return
	}

	s.mu.Lock()
	delete(s.pending, p.JoinID)
	s.mu.Unlock()
}

func (s *Synthesis) trySynthesize(ctx context.Context, p *PendingJoin) error {
	sources := make([]SourceResult, 0, len(p.SourceIDs))
	for _, id := range p.SourceIDs {
		task, err := s.queue.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load source task %s: %w", id, err)
		}
		result := task.Result
		if result == nil {
			result = map[string]any{}
		}
		sources = append(sources, SourceResult{TaskID: id, Result: result})
	}

	merged := MergeTaskResults(p.Strategy, sources)
	merged["_injected_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	merged["_join_id"] = p.JoinID
	merged["_source_task_ids"] = p.SourceIDs

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET synthesis_context = $2, updated_at = now() WHERE id = $1`,
		p.ContinuationID, merged)
	if err != nil {
		return fmt.Errorf("failed to write synthesis context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("continuation task %s not found", p.ContinuationID)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE join_registrations SET completed = true WHERE join_id = $1`, p.JoinID); err != nil {
		return fmt.Errorf("failed to complete join registration: %w", err)
	}

	if pubErr := s.bus.Publish(ctx, events.Event{
		EventType:  events.CoordinationSynthesisComplete,
		EntityType: "join",
		EntityID:   p.JoinID,
		Payload: map[string]any{
			"continuation_task_id": p.ContinuationID,
			"source_task_ids":      p.SourceIDs,
			"merge_strategy":       p.Strategy,
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish synthesis completion", "join_id", p.JoinID, "error", pubErr)
	}

	slog.Info("Synthesis complete",
		"join_id", p.JoinID, "continuation_task_id", p.ContinuationID, "sources", len(p.SourceIDs))
	return nil
}

// PendingCount reports how many joins are waiting. Exposed for health
// reporting.
func (s *Synthesis) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// stringSlice coerces an event payload value into []string; payloads that
// crossed redis arrive as []any.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
