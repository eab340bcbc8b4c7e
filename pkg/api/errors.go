// Package api is the thin HTTP/WebSocket adapter over the control plane:
// REST endpoints, the event stream socket, and VCS webhook ingestion.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelane/maestro/pkg/monitoring"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/registry"
	"github.com/codelane/maestro/pkg/services"
)

// mapServiceError translates core sentinel and typed errors to HTTP status
// codes. Unknown errors are 500s.
func mapServiceError(err error) int {
	var rejected *registry.RegistrationRejectedError
	var transition *registry.InvalidTransitionError
	var taskTransition *queue.InvalidTransitionError

	switch {
	case errors.Is(err, services.ErrTicketNotFound),
		errors.Is(err, services.ErrAlertNotFound),
		errors.Is(err, services.ErrCommitNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, monitoring.ErrActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidApprovalState),
		errors.Is(err, services.ErrAlertResolved),
		errors.Is(err, queue.ErrTaskNotAssignable),
		errors.As(err, &transition),
		errors.As(err, &taskTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrMissingTitle),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.As(err, &rejected):
		return http.StatusBadRequest
	case errors.Is(err, monitoring.ErrInsufficientAuthority):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// abortWithError writes the uniform error body.
func abortWithError(c *gin.Context, err error) {
	c.JSON(mapServiceError(err), gin.H{"error": err.Error()})
}
