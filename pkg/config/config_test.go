package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Sandbox mode requires a provider URL; point it somewhere so defaults load.
	t.Setenv("SANDBOX_PROVIDER_URL", "http://provider.local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.True(t, cfg.SandboxMode)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatWindow)
	assert.Equal(t, 3*time.Minute, cfg.IdleThreshold)
	assert.Equal(t, 60*time.Second, cfg.GuardianInterval)
	assert.Equal(t, 300*time.Second, cfg.ConductorInterval)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 5, cfg.MonitoringWorkers)
	assert.True(t, cfg.ValidationEnabled)
	assert.Equal(t, 3, cfg.MaxValidationIterations)
	assert.InDelta(t, 0.8, cfg.BudgetAlertThreshold, 1e-9)
	assert.InDelta(t, 1.2, cfg.ForecastBuffer, 1e-9)
	assert.Equal(t, 5000, cfg.AvgTokensPerTask)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SANDBOX_MODE", "false")
	t.Setenv("IDLE_THRESHOLD", "10m")
	t.Setenv("MAX_VALIDATION_ITERATIONS", "5")
	t.Setenv("TASK_VALIDATION_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.False(t, cfg.SandboxMode)
	assert.Equal(t, 10*time.Minute, cfg.IdleThreshold)
	assert.Equal(t, 5, cfg.MaxValidationIterations)
	assert.False(t, cfg.ValidationEnabled)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "PORT", "70000"},
		{"threshold over one", "BUDGET_ALERT_THRESHOLD", "1.5"},
		{"buffer under one", "FORECAST_BUFFER", "0.5"},
		{"heartbeat window too long", "HEARTBEAT_WINDOW", "10m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SANDBOX_MODE", "false")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSandboxModeRequiresProviderURL(t *testing.T) {
	t.Setenv("SANDBOX_MODE", "true")
	t.Setenv("SANDBOX_PROVIDER_URL", "")
	_, err := Load()
	assert.ErrorContains(t, err, "SANDBOX_PROVIDER_URL")
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SANDBOX_MODE", "false")
	t.Setenv("PORT", "not-a-number")
	t.Setenv("GUARDIAN_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.GuardianInterval)
}
