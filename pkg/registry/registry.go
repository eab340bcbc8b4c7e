// Package registry owns agent identity, capability search and the agent
// status state machine.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/database"
	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/models"
)

// Registry manages agents: registration, mutation, capability search and
// heartbeats. Status changes go through the StatusManager.
type Registry struct {
	pool   *pgxpool.Pool
	bus    events.Publisher
	status *StatusManager
}

// New creates a registry.
func New(pool *pgxpool.Pool, bus events.Publisher, status *StatusManager) *Registry {
	return &Registry{pool: pool, bus: bus, status: status}
}

// Status exposes the status manager for callers that transition agents
// directly.
func (r *Registry) Status() *StatusManager {
	return r.status
}

// RegisterRequest carries the inputs of the registration protocol.
type RegisterRequest struct {
	AgentType            string
	Phase                string
	Capabilities         []string
	Capacity             int
	Tags                 []string
	Version              string
	Config               any // must be a map when present
	ResourceRequirements any // must be a map when present
	BinaryPath           string
	BinaryChecksum       string // expected hex sha256 of the binary at BinaryPath
	Metadata             map[string]any
	RequestedStatus      models.AgentStatus // default IDLE
}

// RegisterResult is returned to the caller on success. PrivateKeyPEM is
// transmitted to the agent and never persisted.
type RegisterResult struct {
	Agent         *models.Agent
	PrivateKeyPEM string
	// Channels the agent must subscribe to: task assignment for its phase,
	// system broadcasts and shutdown signals.
	Subscriptions []string
}

// RegisterAgent runs the multi-step registration protocol: validation,
// identity issuance, entry insert, bus subscription handoff and heartbeat
// seeding. Any violated step invariant fails with
// *RegistrationRejectedError.
func (r *Registry) RegisterAgent(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	// Step 1: validation.
	if req.AgentType == "" {
		return nil, &RegistrationRejectedError{Reason: "agent_type is required"}
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	if err := validateShape("config", req.Config); err != nil {
		return nil, err
	}
	if err := validateShape("resource_requirements", req.ResourceRequirements); err != nil {
		return nil, err
	}
	if req.BinaryPath != "" {
		if err := verifyBinaryChecksum(req.BinaryPath, req.BinaryChecksum); err != nil {
			return nil, err
		}
	}

	// Step 2: identity.
	id := uuid.New().String()
	keys, err := generateIdentityKeys()
	if err != nil {
		return nil, &RegistrationRejectedError{
			Reason:  "identity key generation failed",
			Details: map[string]any{"error": err.Error()},
		}
	}

	caps := models.NormalizeCapabilities(req.Capabilities)
	tags := models.NormalizeCapabilities(req.Tags)
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["version"] = req.Version

	var agent *models.Agent

	// Step 3: entry, inserted SPAWNING with a seeded heartbeat (step 5 — no
	// blocking wait).
	err = database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		seq, err := nextNameSequence(ctx, tx, req.AgentType, req.Phase)
		if err != nil {
			return err
		}
		name := agentName(req.AgentType, req.Phase, seq)
		now := time.Now().UTC()

		_, err = tx.Exec(ctx, `
			INSERT INTO agents
				(id, name, agent_type, phase, capabilities, capacity, status, tags,
				 health, last_heartbeat, public_key_pem, version, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
			id, name, req.AgentType, req.Phase, caps, req.Capacity,
			models.AgentSpawning, tags, models.HealthHealthy, now,
			keys.PublicPEM, req.Version, metadata, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}

		agent = &models.Agent{
			ID: id, Name: name, AgentType: req.AgentType, Phase: req.Phase,
			Capabilities: caps, Capacity: req.Capacity, Status: models.AgentSpawning,
			Tags: tags, Health: models.HealthHealthy, LastHeartbeat: &now,
			PublicKeyPEM: keys.PublicPEM, Version: req.Version, Metadata: metadata,
			CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Lift to the requested status (default IDLE).
	target := req.RequestedStatus
	if target == "" {
		target = models.AgentIdle
	}
	if err := r.status.Transition(ctx, id, target, TransitionOptions{
		InitiatedBy: "registry",
		Reason:      "registration complete",
	}); err != nil {
		return nil, err
	}
	agent.Status = target

	if pubErr := r.bus.Publish(ctx, events.Event{
		EventType:  events.AgentRegistered,
		EntityType: "agent",
		EntityID:   id,
		Payload: map[string]any{
			"name":         agent.Name,
			"agent_type":   agent.AgentType,
			"phase":        agent.Phase,
			"capabilities": agent.Capabilities,
		},
	}); pubErr != nil {
		slog.Warn("Failed to publish agent registration", "agent_id", id, "error", pubErr)
	}

	// Step 4: subscription handoff — the agent subscribes on its side.
	subs := []string{
		"task.assignment." + req.Phase,
		"system.broadcast",
		"system.shutdown",
	}

	return &RegisterResult{Agent: agent, PrivateKeyPEM: keys.PrivatePEM, Subscriptions: subs}, nil
}

// validateShape enforces the "must be a map" invariant for optional
// open-ended config blobs.
func validateShape(field string, v any) error {
	if v == nil {
		return nil
	}
	if _, ok := v.(map[string]any); !ok {
		return &RegistrationRejectedError{
			Reason:  field + " must be a map",
			Details: map[string]any{"got": fmt.Sprintf("%T", v)},
		}
	}
	return nil
}

// verifyBinaryChecksum hashes the binary at path and compares it with the
// expected checksum when one is supplied.
func verifyBinaryChecksum(path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &RegistrationRejectedError{
			Reason:  "binary not readable",
			Details: map[string]any{"path": path, "error": err.Error()},
		}
	}
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if expected != "" && actual != expected {
		return &RegistrationRejectedError{
			Reason:  "binary checksum mismatch",
			Details: map[string]any{"expected": expected, "actual": actual},
		}
	}
	return nil
}

// UpdateRequest mutates the mutable agent fields. Nil fields are left
// untouched.
type UpdateRequest struct {
	Capabilities *[]string
	Capacity     *int
	Tags         *[]string
	Metadata     map[string]any
}

// UpdateAgent applies an update. Capability changes emit
// agent.capability.updated.
func (r *Registry) UpdateAgent(ctx context.Context, agentID string, req UpdateRequest) (*models.Agent, error) {
	capsChanged := false

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		agent, err := getAgent(ctx, tx, agentID, true)
		if err != nil {
			return err
		}

		if req.Capabilities != nil {
			agent.Capabilities = models.NormalizeCapabilities(*req.Capabilities)
			capsChanged = true
		}
		if req.Capacity != nil && *req.Capacity > 0 {
			agent.Capacity = *req.Capacity
		}
		if req.Tags != nil {
			agent.Tags = models.NormalizeCapabilities(*req.Tags)
		}
		if req.Metadata != nil {
			for k, v := range req.Metadata {
				agent.Metadata[k] = v
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE agents
			SET capabilities = $2, capacity = $3, tags = $4, metadata = $5, updated_at = now()
			WHERE id = $1`,
			agentID, agent.Capabilities, agent.Capacity, agent.Tags, agent.Metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to update agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if capsChanged {
		if pubErr := r.bus.Publish(ctx, events.Event{
			EventType:  events.AgentCapabilityUpdated,
			EntityType: "agent",
			EntityID:   agentID,
			Payload:    map[string]any{"capabilities": req.Capabilities},
		}); pubErr != nil {
			slog.Warn("Failed to publish capability update", "agent_id", agentID, "error", pubErr)
		}
	}

	return r.GetAgent(ctx, agentID)
}

// ToggleAvailability flips an agent between IDLE and DEGRADED, used by
// operators to drain an agent without terminating it.
func (r *Registry) ToggleAvailability(ctx context.Context, agentID string, available bool, initiatedBy string) error {
	target := models.AgentDegraded
	reason := "availability toggled off"
	if available {
		target = models.AgentIdle
		reason = "availability toggled on"
	}
	return r.status.Transition(ctx, agentID, target, TransitionOptions{
		InitiatedBy: initiatedBy,
		Reason:      reason,
	})
}

// Heartbeat records a liveness signal from an agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// RestartAgent force-resets a non-terminal agent back to IDLE and emits
// AGENT_RESTARTED. Used by the orchestrator when a backing process is
// replaced.
func (r *Registry) RestartAgent(ctx context.Context, agentID, reason string) error {
	if err := r.status.Transition(ctx, agentID, models.AgentIdle, TransitionOptions{
		Force:       true,
		InitiatedBy: "orchestrator",
		Reason:      reason,
	}); err != nil {
		return err
	}
	if pubErr := r.bus.Publish(ctx, events.Event{
		EventType:  events.AgentRestarted,
		EntityType: "agent",
		EntityID:   agentID,
		Payload:    map[string]any{"reason": reason},
	}); pubErr != nil {
		slog.Warn("Failed to publish agent restart", "agent_id", agentID, "error", pubErr)
	}
	return nil
}

// GetAgent loads one agent by id.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return getAgent(ctx, r.pool, agentID, false)
}

// SearchRequest filters and ranks agents by capability coverage.
type SearchRequest struct {
	RequiredCapabilities []string
	Phase                string
	AgentType            string
	Limit                int
	IncludeDegraded      bool
}

// ScoredAgent pairs an agent with its search score.
type ScoredAgent struct {
	Agent *models.Agent
	Score float64
}

// SearchAgents returns up to Limit agents ranked by
// coverage + 0.2·is_IDLE + 0.2·is_healthy + 0.05·min(capacity,5),
// where coverage is the fraction of required capabilities the agent has.
// Ties break on created_at ascending. Terminal agents are excluded unless
// IncludeDegraded.
func (r *Registry) SearchAgents(ctx context.Context, req SearchRequest) ([]ScoredAgent, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}

	query := `
		SELECT id, name, agent_type, phase, capabilities, capacity, status, tags,
		       health, last_heartbeat, public_key_pem, version, metadata, created_at, updated_at
		FROM agents
		WHERE ($1 = '' OR phase = $1)
		  AND ($2 = '' OR agent_type = $2)`
	if !req.IncludeDegraded {
		query += ` AND status NOT IN ('TERMINATED', 'QUARANTINED', 'FAILED')`
	}

	rows, err := r.pool.Query(ctx, query, req.Phase, req.AgentType)
	if err != nil {
		return nil, fmt.Errorf("failed to search agents: %w", err)
	}
	defer rows.Close()

	required := models.NormalizeCapabilities(req.RequiredCapabilities)
	var scored []ScoredAgent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, ScoredAgent{Agent: agent, Score: scoreAgent(required, agent)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Agent.CreatedAt.Before(scored[j].Agent.CreatedAt)
	})
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}
	return scored, nil
}

// scoreAgent computes the capability-match score for one agent.
func scoreAgent(required []string, a *models.Agent) float64 {
	coverage := 0.0
	if len(required) > 0 {
		have := make(map[string]bool, len(a.Capabilities))
		for _, c := range a.Capabilities {
			have[c] = true
		}
		matched := 0
		for _, c := range required {
			if have[c] {
				matched++
			}
		}
		coverage = float64(matched) / float64(len(required))
	}

	score := coverage
	if a.Status == models.AgentIdle {
		score += 0.2
	}
	if a.Health == models.HealthHealthy {
		score += 0.2
	}
	capacity := a.Capacity
	if capacity > 5 {
		capacity = 5
	}
	score += 0.05 * float64(capacity)
	return score
}

// ListActiveAgents returns agents with a heartbeat within the window,
// excluding terminal statuses. Used by the conductor.
func (r *Registry) ListActiveAgents(ctx context.Context, window time.Duration) ([]*models.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, agent_type, phase, capabilities, capacity, status, tags,
		       health, last_heartbeat, public_key_pem, version, metadata, created_at, updated_at
		FROM agents
		WHERE last_heartbeat > now() - $1::interval
		  AND status NOT IN ('TERMINATED', 'QUARANTINED', 'FAILED')
		ORDER BY created_at`,
		window,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// FindIdleAgent returns the oldest IDLE agent for a phase, or nil when none
// exists. Used by the orchestrator's legacy execution mode.
func (r *Registry) FindIdleAgent(ctx context.Context, phase string) (*models.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, agent_type, phase, capabilities, capacity, status, tags,
		       health, last_heartbeat, public_key_pem, version, metadata, created_at, updated_at
		FROM agents
		WHERE status = 'IDLE' AND ($1 = '' OR phase = $1)
		ORDER BY created_at
		LIMIT 1`,
		phase,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find idle agent: %w", err)
	}
	defer rows.Close()

	agents, err := scanAgents(rows)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return agents[0], nil
}

// getAgent loads one agent, optionally locking the row.
func getAgent(ctx context.Context, q database.Querier, agentID string, forUpdate bool) (*models.Agent, error) {
	query := `
		SELECT id, name, agent_type, phase, capabilities, capacity, status, tags,
		       health, last_heartbeat, public_key_pem, version, metadata, created_at, updated_at
		FROM agents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	agent, err := scanAgent(q.QueryRow(ctx, query, agentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return agent, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.AgentType, &a.Phase, &a.Capabilities, &a.Capacity,
		&a.Status, &a.Tags, &a.Health, &a.LastHeartbeat, &a.PublicKeyPEM,
		&a.Version, &a.Metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgents(rows pgx.Rows) ([]*models.Agent, error) {
	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}
	return out, nil
}
