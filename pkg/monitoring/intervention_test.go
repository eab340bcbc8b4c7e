package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/models"
)

func TestAuthorityOrdering(t *testing.T) {
	assert.Less(t, models.AuthorityWorker, models.AuthorityWatchdog)
	assert.Less(t, models.AuthorityWatchdog, models.AuthorityMonitor)
	assert.Less(t, models.AuthorityMonitor, models.AuthorityGuardian)
}

func TestEmergencyCancelRequiresGuardian(t *testing.T) {
	iv := NewIntervenor(nil, nil)
	for _, a := range []models.Authority{
		models.AuthorityWorker, models.AuthorityWatchdog, models.AuthorityMonitor,
	} {
		err := iv.EmergencyCancelTask(t.Context(), "task-1", InterventionRequest{Authority: a})
		assert.ErrorIs(t, err, ErrInsufficientAuthority, a.String())
	}
}

func TestReallocationValidation(t *testing.T) {
	iv := NewIntervenor(nil, nil)

	err := iv.ReallocateAgentCapacity(t.Context(), "a", "b", 2,
		InterventionRequest{Authority: models.AuthorityMonitor})
	assert.ErrorIs(t, err, ErrInsufficientAuthority)

	err = iv.ReallocateAgentCapacity(t.Context(), "a", "b", 0,
		InterventionRequest{Authority: models.AuthorityGuardian})
	assert.ErrorContains(t, err, "must be positive")

	err = iv.ReallocateAgentCapacity(t.Context(), "a", "b", -3,
		InterventionRequest{Authority: models.AuthorityGuardian})
	assert.ErrorContains(t, err, "must be positive")
}

func TestPriorityOverrideValidation(t *testing.T) {
	iv := NewIntervenor(nil, nil)

	err := iv.OverrideTaskPriority(t.Context(), "task-1", models.PriorityHigh,
		InterventionRequest{Authority: models.AuthorityWatchdog})
	assert.ErrorIs(t, err, ErrInsufficientAuthority)

	err = iv.OverrideTaskPriority(t.Context(), "task-1", models.Priority("URGENT"),
		InterventionRequest{Authority: models.AuthorityGuardian})
	assert.ErrorContains(t, err, "invalid priority")
}
