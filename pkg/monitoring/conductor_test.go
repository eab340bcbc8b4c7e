package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/models"
)

func activeAgent(id, phase string) *models.Agent {
	return &models.Agent{ID: id, Phase: phase, Status: models.AgentRunning}
}

func analysisFor(agentID string, score float64, aligned, steering bool) *models.GuardianAnalysis {
	return &models.GuardianAnalysis{
		AgentID:           agentID,
		AlignmentScore:    score,
		TrajectoryAligned: aligned,
		NeedsSteering:     steering,
	}
}

func TestCoherenceScoreAllAligned(t *testing.T) {
	agents := []*models.Agent{
		activeAgent("a", "backend"),
		activeAgent("b", "frontend"),
	}
	analyses := map[string]*models.GuardianAnalysis{
		"a": analysisFor("a", 0.9, true, false),
		"b": analysisFor("b", 0.8, true, false),
	}

	// mean 0.85, no penalties, phase_coherence 2/2 = 1, load_balance 1
	// (one agent per phase): 0.85 + 0.1 + 0.1 = 1.05, clamped to 1.
	assert.InDelta(t, 1.0, coherenceScore(agents, analyses), 1e-9)
}

func TestCoherenceScorePenalties(t *testing.T) {
	agents := []*models.Agent{
		activeAgent("a", "backend"),
		activeAgent("b", "backend"),
	}
	analyses := map[string]*models.GuardianAnalysis{
		"a": analysisFor("a", 0.4, false, true),
		"b": analysisFor("b", 0.6, true, false),
	}

	// mean 0.5, unaligned 1/2, steering 1/2, phase_coherence 1/2,
	// load_balance 1 (single phase, zero variance):
	// 0.5 - 0.1 - 0.15 + 0.05 + 0.1 = 0.4.
	assert.InDelta(t, 0.4, coherenceScore(agents, analyses), 1e-9)
}

func TestCoherenceScoreClampsAtZero(t *testing.T) {
	agents := []*models.Agent{activeAgent("a", "backend")}
	analyses := map[string]*models.GuardianAnalysis{
		"a": analysisFor("a", 0.0, false, true),
	}
	score := coherenceScore(agents, analyses)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestPhaseCoherence(t *testing.T) {
	assert.Zero(t, phaseCoherence(nil))
	assert.InDelta(t, 1.0, phaseCoherence([]*models.Agent{
		activeAgent("a", "backend"), activeAgent("b", "frontend"),
	}), 1e-9)
	assert.InDelta(t, 0.5, phaseCoherence([]*models.Agent{
		activeAgent("a", "backend"), activeAgent("b", "backend"),
	}), 1e-9)
}

func TestLoadBalance(t *testing.T) {
	// Even distribution: variance 0, balance 1.
	even := []*models.Agent{
		activeAgent("a", "backend"), activeAgent("b", "backend"),
		activeAgent("c", "frontend"), activeAgent("d", "frontend"),
	}
	assert.InDelta(t, 1.0, loadBalance(even), 1e-9)

	// Skewed distribution: 3 vs 1, mean 2, variance 1, balance 0.75.
	skewed := []*models.Agent{
		activeAgent("a", "backend"), activeAgent("b", "backend"),
		activeAgent("c", "backend"), activeAgent("d", "frontend"),
	}
	assert.InDelta(t, 0.75, loadBalance(skewed), 1e-9)

	assert.Zero(t, loadBalance(nil))
}

func TestSystemStatus(t *testing.T) {
	assert.Equal(t, models.SystemCritical, systemStatus(0.2, 0, 5))
	assert.Equal(t, models.SystemWarning, systemStatus(0.4, 0, 5))
	// Duplicates above 0.3·n dominate mid-range coherence.
	assert.Equal(t, models.SystemInefficient, systemStatus(0.6, 2, 5))
	assert.Equal(t, models.SystemOptimal, systemStatus(0.9, 0, 5))
	assert.Equal(t, models.SystemNormal, systemStatus(0.6, 1, 5))
	// Critical wins over duplicates.
	assert.Equal(t, models.SystemCritical, systemStatus(0.1, 5, 5))
}

func TestClamp01(t *testing.T) {
	assert.Zero(t, clamp01(-0.5))
	assert.Equal(t, 1.0, clamp01(1.5))
	assert.InDelta(t, 0.42, clamp01(0.42), 1e-9)
}
