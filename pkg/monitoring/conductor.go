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
	"github.com/codelane/maestro/pkg/registry"
)

// Conductor thresholds.
const (
	activeAgentWindow    = 2 * time.Minute
	recentAnalysisWindow = 10 * time.Minute
	duplicateThreshold   = 0.7
)

const duplicateSystemPrompt = `You compare the working trajectories of two autonomous software agents
in the same phase and judge whether they are doing the same task.
Reply with ONLY a JSON object:
{"same_task": bool, "similarity_score": float between 0 and 1, "explanation": string}`

// Conductor runs system-wide coherence analyses over the guardians' output.
type Conductor struct {
	pool     *pgxpool.Pool
	llm      llm.Client
	registry *registry.Registry
	guardian *Guardian
}

// NewConductor creates a conductor analyzer.
func NewConductor(pool *pgxpool.Pool, client llm.Client, reg *registry.Registry, g *Guardian) *Conductor {
	return &Conductor{pool: pool, llm: client, registry: reg, guardian: g}
}

// AnalyzeSystem computes the coherence score across active agents, runs
// duplicate-work detection, and persists the result.
func (c *Conductor) AnalyzeSystem(ctx context.Context) (*models.ConductorAnalysis, error) {
	agents, err := c.registry.ListActiveAgents(ctx, activeAgentWindow)
	if err != nil {
		return nil, err
	}
	analyses, err := c.guardian.RecentAnalyses(ctx, recentAnalysisWindow)
	if err != nil {
		return nil, err
	}

	analysis := &models.ConductorAnalysis{
		ID:         uuid.New().String(),
		AgentCount: len(agents),
		CreatedAt:  time.Now().UTC(),
	}

	var duplicates []models.DetectedDuplicate
	if len(agents) == 0 {
		analysis.SystemStatus = models.SystemNoAgents
	} else {
		analysis.CoherenceScore = coherenceScore(agents, analyses)
		duplicates = c.detectDuplicates(ctx, analysis.ID, agents, analyses)
		analysis.DuplicateCount = len(duplicates)
		analysis.SystemStatus = systemStatus(analysis.CoherenceScore, len(duplicates), len(agents))
	}
	analysis.Detail = map[string]any{
		"analyzed_agents": len(analyses),
		"active_agents":   len(agents),
	}

	if err := c.persist(ctx, analysis, duplicates); err != nil {
		return nil, err
	}
	slog.Info("Conductor analysis complete",
		"coherence", analysis.CoherenceScore, "status", analysis.SystemStatus,
		"agents", analysis.AgentCount, "duplicates", analysis.DuplicateCount)
	return analysis, nil
}

// coherenceScore folds per-agent alignment into one scalar:
//
//	mean_alignment − 0.2·unaligned − 0.3·steering + 0.1·phase_coherence + 0.1·load_balance
//
// clamped to [0,1]. Agents without a recent analysis contribute only to the
// phase terms.
func coherenceScore(agents []*models.Agent, analyses map[string]*models.GuardianAnalysis) float64 {
	var sum float64
	var unaligned, steering, analyzed int
	for _, a := range agents {
		ga, ok := analyses[a.ID]
		if !ok {
			continue
		}
		analyzed++
		sum += ga.AlignmentScore
		if !ga.TrajectoryAligned {
			unaligned++
		}
		if ga.NeedsSteering {
			steering++
		}
	}

	var mean, unalignedFrac, steeringFrac float64
	if analyzed > 0 {
		mean = sum / float64(analyzed)
		unalignedFrac = float64(unaligned) / float64(analyzed)
		steeringFrac = float64(steering) / float64(analyzed)
	}

	score := mean - 0.2*unalignedFrac - 0.3*steeringFrac +
		0.1*phaseCoherence(agents) + 0.1*loadBalance(agents)
	return clamp01(score)
}

// phaseCoherence is the ratio of distinct phases to agents.
func phaseCoherence(agents []*models.Agent) float64 {
	if len(agents) == 0 {
		return 0
	}
	phases := make(map[string]bool)
	for _, a := range agents {
		phases[a.Phase] = true
	}
	return float64(len(phases)) / float64(len(agents))
}

// loadBalance is 1 − variance/mean² of per-phase agent counts, clamped.
// Perfectly even distribution scores 1.
func loadBalance(agents []*models.Agent) float64 {
	if len(agents) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, a := range agents {
		counts[a.Phase]++
	}

	var sum float64
	for _, n := range counts {
		sum += float64(n)
	}
	mean := sum / float64(len(counts))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, n := range counts {
		d := float64(n) - mean
		variance += d * d
	}
	variance /= float64(len(counts))

	return clamp01(1 - variance/(mean*mean))
}

func systemStatus(coherence float64, duplicates, agents int) string {
	switch {
	case coherence < 0.3:
		return models.SystemCritical
	case coherence < 0.5:
		return models.SystemWarning
	case float64(duplicates) > 0.3*float64(agents):
		return models.SystemInefficient
	case coherence > 0.8:
		return models.SystemOptimal
	}
	return models.SystemNormal
}

// detectDuplicates asks the model, for each same-phase pair of analyzed
// agents, whether they are on the same task. A failed check skips the pair;
// duplicate detection is advisory and must not fail the cycle.
func (c *Conductor) detectDuplicates(ctx context.Context, analysisID string, agents []*models.Agent, analyses map[string]*models.GuardianAnalysis) []models.DetectedDuplicate {
	byPhase := make(map[string][]*models.Agent)
	for _, a := range agents {
		if _, ok := analyses[a.ID]; ok {
			byPhase[a.Phase] = append(byPhase[a.Phase], a)
		}
	}

	var out []models.DetectedDuplicate
	for phase, group := range byPhase {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				verdict := c.comparePair(ctx, analyses[a.ID], analyses[b.ID])
				if verdict == nil || verdict.SimilarityScore <= duplicateThreshold {
					continue
				}
				out = append(out, models.DetectedDuplicate{
					ID:              uuid.New().String(),
					AnalysisID:      analysisID,
					AgentA:          a.ID,
					AgentB:          b.ID,
					Phase:           phase,
					SimilarityScore: verdict.SimilarityScore,
					Explanation:     verdict.Explanation,
					CreatedAt:       time.Now().UTC(),
				})
			}
		}
	}
	return out
}

func (c *Conductor) comparePair(ctx context.Context, a, b *models.GuardianAnalysis) *duplicateVerdict {
	prompt := fmt.Sprintf("Agent A trajectory:\n%s\nCurrent focus: %s\n\nAgent B trajectory:\n%s\nCurrent focus: %s",
		a.TrajectorySummary, a.CurrentFocus, b.TrajectorySummary, b.CurrentFocus)

	resp, err := c.llm.Complete(ctx, llm.Request{System: duplicateSystemPrompt, Prompt: prompt})
	if err != nil {
		slog.Warn("Duplicate check skipped: model call failed",
			"agent_a", a.AgentID, "agent_b", b.AgentID, "error", err)
		return nil
	}
	verdict, err := decodeDuplicateVerdict(resp.Text)
	if err != nil {
		slog.Warn("Duplicate check skipped: unparseable verdict",
			"agent_a", a.AgentID, "agent_b", b.AgentID, "error", err)
		return nil
	}
	return verdict
}

func (c *Conductor) persist(ctx context.Context, a *models.ConductorAnalysis, dups []models.DetectedDuplicate) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO conductor_analyses
			(id, coherence_score, system_status, agent_count, duplicate_count, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.CoherenceScore, a.SystemStatus, a.AgentCount, a.DuplicateCount, a.Detail, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist conductor analysis: %w", err)
	}
	for _, d := range dups {
		_, err := c.pool.Exec(ctx, `
			INSERT INTO detected_duplicates
				(id, analysis_id, agent_a, agent_b, phase, similarity_score, explanation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.AnalysisID, d.AgentA, d.AgentB, d.Phase, d.SimilarityScore, d.Explanation, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to persist detected duplicate: %w", err)
		}
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
