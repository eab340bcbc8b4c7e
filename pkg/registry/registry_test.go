package registry

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/maestro/pkg/models"
)

func TestScoreAgent(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		agent    *models.Agent
		expected float64
	}{
		{
			name:     "full coverage idle healthy",
			required: []string{"go", "postgres"},
			agent: &models.Agent{
				Capabilities: []string{"go", "postgres", "redis"},
				Status:       models.AgentIdle,
				Health:       models.HealthHealthy,
				Capacity:     2,
			},
			expected: 1.0 + 0.2 + 0.2 + 0.05*2,
		},
		{
			name:     "half coverage running",
			required: []string{"go", "rust"},
			agent: &models.Agent{
				Capabilities: []string{"go"},
				Status:       models.AgentRunning,
				Health:       models.HealthHealthy,
				Capacity:     1,
			},
			expected: 0.5 + 0.2 + 0.05,
		},
		{
			name:     "capacity capped at five",
			required: nil,
			agent: &models.Agent{
				Status:   models.AgentIdle,
				Health:   models.HealthHealthy,
				Capacity: 20,
			},
			expected: 0.2 + 0.2 + 0.05*5,
		},
		{
			name:     "degraded unhealthy scores coverage only",
			required: []string{"go"},
			agent: &models.Agent{
				Capabilities: []string{"go"},
				Status:       models.AgentDegraded,
				Health:       models.HealthDegraded,
				Capacity:     0,
			},
			expected: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, scoreAgent(tt.required, tt.agent), 1e-9)
		})
	}
}

func TestScoreAgentTieBreakByAge(t *testing.T) {
	older := &models.Agent{
		Capabilities: []string{"go"},
		Status:       models.AgentIdle,
		Health:       models.HealthHealthy,
		Capacity:     1,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	newer := &models.Agent{
		Capabilities: []string{"go"},
		Status:       models.AgentIdle,
		Health:       models.HealthHealthy,
		Capacity:     1,
		CreatedAt:    time.Now(),
	}
	assert.Equal(t, scoreAgent([]string{"go"}, older), scoreAgent([]string{"go"}, newer))
	assert.True(t, older.CreatedAt.Before(newer.CreatedAt))
}

func TestValidateShape(t *testing.T) {
	assert.NoError(t, validateShape("config", nil))
	assert.NoError(t, validateShape("config", map[string]any{"k": "v"}))

	err := validateShape("config", "not a map")
	require.Error(t, err)
	var rejected *RegistrationRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "config must be a map")

	err = validateShape("resource_requirements", []string{"cpu"})
	require.Error(t, err)
}

func TestAgentName(t *testing.T) {
	assert.Equal(t, "implementer-backend-001", agentName("implementer", "backend", 1))
	assert.Equal(t, "reviewer-frontend-042", agentName("reviewer", "frontend", 42))
	assert.Equal(t, "validator-infra-123", agentName("validator", "infra", 123))
}

func TestGenerateIdentityKeys(t *testing.T) {
	keys, err := generateIdentityKeys()
	require.NoError(t, err)

	pubBlock, _ := pem.Decode([]byte(keys.PublicPEM))
	require.NotNil(t, pubBlock)
	assert.Equal(t, "PUBLIC KEY", pubBlock.Type)
	_, err = x509.ParsePKIXPublicKey(pubBlock.Bytes)
	require.NoError(t, err)

	privBlock, _ := pem.Decode([]byte(keys.PrivatePEM))
	require.NotNil(t, privBlock)
	assert.Equal(t, "RSA PRIVATE KEY", privBlock.Type)
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	require.NoError(t, err)
	assert.Equal(t, keyBits, priv.N.BitLen())
}

func TestRegistrationRejectedErrorMessage(t *testing.T) {
	err := &RegistrationRejectedError{Reason: "binary checksum mismatch"}
	assert.Equal(t, "registration rejected: binary checksum mismatch", err.Error())
}
