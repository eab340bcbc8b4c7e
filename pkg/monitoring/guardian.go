package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codelane/maestro/pkg/llm"
	"github.com/codelane/maestro/pkg/models"
)

const guardianSystemPrompt = `You are a trajectory guardian overseeing an autonomous software agent.
Given the agent's session narrative, judge whether it is on-track toward its goal.
Reply with ONLY a JSON object:
{"trajectory_aligned": bool, "alignment_score": float between 0 and 1,
 "needs_steering": bool, "steering_type": string, "steering_recommendation": string,
 "trajectory_summary": string, "current_focus": string,
 "conversation_length": int, "session_duration": string}`

// Guardian runs per-agent alignment analyses.
type Guardian struct {
	pool       *pgxpool.Pool
	llm        llm.Client
	trajectory *TrajectoryBuilder

	// recentWindow bounds how stale the agent's last event may be for an
	// analysis to run at all.
	recentWindow time.Duration
}

// NewGuardian creates a guardian analyzer.
func NewGuardian(pool *pgxpool.Pool, client llm.Client, tb *TrajectoryBuilder) *Guardian {
	return &Guardian{pool: pool, llm: client, trajectory: tb, recentWindow: 10 * time.Minute}
}

// AnalyzeAgent builds the agent's trajectory, asks the model whether it is
// on-track, and persists the result. Agents with no recent events produce no
// analysis (nil, nil). A model failure persists a degraded analysis instead
// of propagating: the monitoring loop must never stall on the LLM.
func (g *Guardian) AnalyzeAgent(ctx context.Context, agentID string) (*models.GuardianAnalysis, error) {
	t, err := g.trajectory.Build(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if t == nil || time.Since(t.LastEventAt) > g.recentWindow {
		return nil, nil
	}

	analysis := g.analyze(ctx, agentID, t)
	if err := g.persist(ctx, analysis); err != nil {
		return nil, err
	}
	if analysis.NeedsSteering {
		if err := g.recordIntervention(ctx, analysis); err != nil {
			return nil, err
		}
	}
	return analysis, nil
}

func (g *Guardian) analyze(ctx context.Context, agentID string, t *Trajectory) *models.GuardianAnalysis {
	analysis := &models.GuardianAnalysis{
		ID:                 uuid.New().String(),
		AgentID:            agentID,
		ConversationLength: t.ConversationLength,
		SessionDuration:    t.SessionDuration.Round(time.Second).String(),
		CreatedAt:          time.Now().UTC(),
	}

	resp, err := g.llm.Complete(ctx, llm.Request{
		System: guardianSystemPrompt,
		Prompt: t.Summary,
	})
	if err != nil {
		slog.Warn("Guardian analysis degraded: model call failed",
			"agent_id", agentID, "error", err)
		analysis.Degraded = true
		return analysis
	}

	verdict, err := decodeGuardianVerdict(resp.Text)
	if err != nil {
		slog.Warn("Guardian analysis degraded: unparseable verdict",
			"agent_id", agentID, "error", err)
		analysis.Degraded = true
		return analysis
	}

	analysis.TrajectoryAligned = verdict.TrajectoryAligned
	analysis.AlignmentScore = verdict.AlignmentScore
	analysis.NeedsSteering = verdict.NeedsSteering
	analysis.SteeringType = verdict.SteeringType
	analysis.SteeringRecommendation = verdict.SteeringRecommendation
	analysis.TrajectorySummary = verdict.TrajectorySummary
	analysis.CurrentFocus = verdict.CurrentFocus
	return analysis
}

func (g *Guardian) persist(ctx context.Context, a *models.GuardianAnalysis) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO guardian_analyses
			(id, agent_id, trajectory_aligned, alignment_score, needs_steering,
			 steering_type, steering_recommendation, trajectory_summary, current_focus,
			 conversation_length, session_duration, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.AgentID, a.TrajectoryAligned, a.AlignmentScore, a.NeedsSteering,
		a.SteeringType, a.SteeringRecommendation, a.TrajectorySummary, a.CurrentFocus,
		a.ConversationLength, a.SessionDuration, a.Degraded, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist guardian analysis: %w", err)
	}
	return nil
}

func (g *Guardian) recordIntervention(ctx context.Context, a *models.GuardianAnalysis) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO steering_interventions
			(id, agent_id, analysis_id, steering_type, recommendation, applied)
		VALUES ($1, $2, $3, $4, $5, false)`,
		uuid.New().String(), a.AgentID, a.ID, a.SteeringType, a.SteeringRecommendation,
	)
	if err != nil {
		return fmt.Errorf("failed to record steering intervention: %w", err)
	}
	slog.Info("Steering intervention recorded",
		"agent_id", a.AgentID, "steering_type", a.SteeringType)
	return nil
}

// RecentAnalyses returns the freshest analysis per agent within the window,
// keyed by agent id. Used by the conductor.
func (g *Guardian) RecentAnalyses(ctx context.Context, window time.Duration) (map[string]*models.GuardianAnalysis, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT DISTINCT ON (agent_id)
		       id, agent_id, trajectory_aligned, alignment_score, needs_steering,
		       steering_type, steering_recommendation, trajectory_summary, current_focus,
		       conversation_length, session_duration, degraded, created_at
		FROM guardian_analyses
		WHERE created_at > now() - $1::interval
		ORDER BY agent_id, created_at DESC`,
		window,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent analyses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.GuardianAnalysis)
	for rows.Next() {
		var a models.GuardianAnalysis
		if err := rows.Scan(&a.ID, &a.AgentID, &a.TrajectoryAligned, &a.AlignmentScore,
			&a.NeedsSteering, &a.SteeringType, &a.SteeringRecommendation,
			&a.TrajectorySummary, &a.CurrentFocus, &a.ConversationLength,
			&a.SessionDuration, &a.Degraded, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guardian analysis: %w", err)
		}
		out[a.AgentID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guardian analyses: %w", err)
	}
	return out, nil
}
