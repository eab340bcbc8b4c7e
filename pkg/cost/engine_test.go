package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/models"
)

func TestCalculateCost(t *testing.T) {
	// 5000 tokens split evenly on claude-sonnet-4.5 prices out to $0.045.
	prompt, completion, total := CalculateCost("anthropic", "claude-sonnet-4.5", 2500, 2500)
	assert.InDelta(t, 0.0075, prompt, 1e-9)
	assert.InDelta(t, 0.0375, completion, 1e-9)
	assert.InDelta(t, 0.045, total, 1e-9)
}

func TestCalculateCostZeroUsage(t *testing.T) {
	prompt, completion, total := CalculateCost("anthropic", "claude-sonnet-4.5", 0, 0)
	assert.Zero(t, prompt)
	assert.Zero(t, completion)
	assert.Zero(t, total)
}

func TestRatesForFallbacks(t *testing.T) {
	// Unknown model within a known provider uses the provider default.
	assert.Equal(t, pricing["anthropic"]["*"], ratesFor("anthropic", "claude-future"))
	// Unknown provider uses the global default.
	assert.Equal(t, defaultRates, ratesFor("acme", "whatever"))
	// Exact match wins.
	assert.Equal(t, pricing["openai"]["gpt-4o-mini"], ratesFor("openai", "gpt-4o-mini"))
}

func TestForecast(t *testing.T) {
	e := New(nil, nil)

	// 10 tasks at $0.045/task with the 1.2x buffer.
	assert.InDelta(t, 0.54, e.Forecast(10), 1e-9)
	assert.Zero(t, e.Forecast(0))
	assert.Zero(t, e.Forecast(-3))
}

func TestApplyChargeThresholdLatch(t *testing.T) {
	b := &models.Budget{LimitAmount: 1.0, AlertThreshold: 0.8}

	// First charge crosses the 80% threshold: one warning, not exceeded.
	warning, exceeded := applyCharge(b, 0.85)
	assert.True(t, warning)
	assert.False(t, exceeded)
	assert.InDelta(t, 0.85, b.SpentAmount, 1e-9)
	assert.InDelta(t, 0.15, b.Remaining, 1e-9)
	assert.True(t, b.AlertTriggered)

	// Second charge pushes past the limit: no second warning, exceeded fires.
	warning, exceeded = applyCharge(b, 0.20)
	assert.False(t, warning)
	assert.True(t, exceeded)
	assert.InDelta(t, 1.05, b.SpentAmount, 1e-9)
	assert.Zero(t, b.Remaining)
}

func TestApplyChargeExactLimitNotExceeded(t *testing.T) {
	b := &models.Budget{LimitAmount: 1.0, AlertThreshold: 0.8}

	// Landing exactly on the limit warns but does not exceed.
	warning, exceeded := applyCharge(b, 1.0)
	assert.True(t, warning)
	assert.False(t, exceeded)
	assert.Zero(t, b.Remaining)
}

func TestApplyChargeExceededRepeats(t *testing.T) {
	b := &models.Budget{LimitAmount: 1.0, AlertThreshold: 0.8}
	applyCharge(b, 1.2)

	// Every further charge on an exceeded budget reports exceeded again.
	warning, exceeded := applyCharge(b, 0.01)
	assert.False(t, warning)
	assert.True(t, exceeded)
}

func TestApplyChargeBelowThreshold(t *testing.T) {
	b := &models.Budget{LimitAmount: 10.0, AlertThreshold: 0.8}
	warning, exceeded := applyCharge(b, 2.5)
	assert.False(t, warning)
	assert.False(t, exceeded)
	assert.InDelta(t, 7.5, b.Remaining, 1e-9)
	assert.False(t, b.AlertTriggered)
}

func TestSandboxCostShares(t *testing.T) {
	// The split is a convention; the shares must sum to the reported figure.
	assert.InDelta(t, 1.0, sandboxPromptShare+sandboxCompletionShare, 1e-9)
	assert.InDelta(t, 0.3, sandboxPromptShare, 1e-9)
}
