package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/events"
	"github.com/codelane/maestro/pkg/monitoring"
	"github.com/codelane/maestro/pkg/queue"
	"github.com/codelane/maestro/pkg/registry"
	"github.com/codelane/maestro/pkg/services"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	secret := "hush"

	assert.True(t, VerifySignature(secret, body, signBody(secret, body)))
	assert.False(t, VerifySignature(secret, body, signBody("wrong", body)))
	assert.False(t, VerifySignature(secret, []byte("tampered"), signBody(secret, body)))
	assert.False(t, VerifySignature(secret, body, "sha1=abc"))
	assert.False(t, VerifySignature(secret, body, ""))
}

func TestWSFiltersMatch(t *testing.T) {
	evt := events.Event{EventType: "TASK_COMPLETED", EntityType: "task", EntityID: "t1"}

	// Empty filters match everything.
	assert.True(t, wsFilters{}.match(evt))

	assert.True(t, wsFilters{EventTypes: map[string]bool{"TASK_COMPLETED": true}}.match(evt))
	assert.False(t, wsFilters{EventTypes: map[string]bool{"TASK_FAILED": true}}.match(evt))

	assert.True(t, wsFilters{
		EventTypes: map[string]bool{"TASK_COMPLETED": true},
		EntityIDs:  map[string]bool{"t1": true, "t2": true},
	}.match(evt))
	assert.False(t, wsFilters{
		EventTypes: map[string]bool{"TASK_COMPLETED": true},
		EntityIDs:  map[string]bool{"t2": true},
	}.match(evt))

	assert.False(t, wsFilters{EntityTypes: map[string]bool{"ticket": true}}.match(evt))
}

func TestParseFilterSet(t *testing.T) {
	assert.Equal(t, map[string]bool{"A": true, "B": true}, parseFilterSet("A, B"))
	assert.Empty(t, parseFilterSet(""))
	assert.Equal(t, map[string]bool{"A": true}, parseFilterSet("A,,"))
}

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{services.ErrTicketNotFound, http.StatusNotFound},
		{queue.ErrTaskNotFound, http.StatusNotFound},
		{registry.ErrAgentNotFound, http.StatusNotFound},
		{services.ErrInvalidApprovalState, http.StatusConflict},
		{services.ErrAlertResolved, http.StatusConflict},
		{&registry.InvalidTransitionError{}, http.StatusConflict},
		{&queue.InvalidTransitionError{}, http.StatusConflict},
		{queue.ErrInvalidPriority, http.StatusBadRequest},
		{&registry.RegistrationRejectedError{Reason: "bad checksum"}, http.StatusBadRequest},
		{monitoring.ErrInsufficientAuthority, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, mapServiceError(tt.err), "error %v", tt.err)
	}
}
