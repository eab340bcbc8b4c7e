package registry

import (
	"errors"
	"fmt"

	"github.com/codelane/maestro/pkg/models"
)

// ErrAgentNotFound is returned when an agent id resolves to nothing.
var ErrAgentNotFound = errors.New("agent not found")

// RegistrationRejectedError reports a failed step of the registration
// protocol.
type RegistrationRejectedError struct {
	Reason  string
	Details map[string]any
}

func (e *RegistrationRejectedError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Reason)
}

// InvalidTransitionError reports a status transition not allowed by the
// agent state machine.
type InvalidTransitionError struct {
	AgentID string
	From    models.AgentStatus
	To      models.AgentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid agent status transition %s → %s (agent %s)", e.From, e.To, e.AgentID)
}
