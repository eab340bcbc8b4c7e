// Package services holds the entity services that sit between the HTTP
// adapter and the store: tickets with their approval gate, alerts, and
// VCS commit linking.
package services

import "errors"

var (
	// ErrTicketNotFound means no ticket exists with the given id.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrInvalidApprovalState means the requested approval action does not
	// apply to the ticket's current approval status.
	ErrInvalidApprovalState = errors.New("invalid approval state")
	// ErrAlertNotFound means no alert exists with the given id.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertResolved means the alert is resolved and can no longer be
	// acknowledged.
	ErrAlertResolved = errors.New("alert already resolved")
	// ErrCommitNotFound means no commit exists with the given sha.
	ErrCommitNotFound = errors.New("commit not found")
	// ErrMissingTitle means a create request had no title.
	ErrMissingTitle = errors.New("title is required")
)
