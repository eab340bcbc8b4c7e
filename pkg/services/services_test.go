package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelane/maestro/pkg/models"
)

func TestExtractTicketRefs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "uuid token",
			text: "fix login flow, refs ticket-4f9c2a1e-83d0-4a61-9b7e-2d5a6c1f0e33",
			want: []string{"4f9c2a1e-83d0-4a61-9b7e-2d5a6c1f0e33"},
		},
		{
			name: "hash token",
			text: "closes #abc-123",
			want: []string{"abc-123"},
		},
		{
			name: "slug token",
			text: "TICKET-42 part two",
			want: []string{"42"},
		},
		{
			name: "mixed and deduplicated",
			text: "ticket-4f9c2a1e-83d0-4a61-9b7e-2d5a6c1f0e33 and #4f9c2a1e-83d0-4a61-9b7e-2d5a6c1f0e33 plus #other",
			want: []string{"4f9c2a1e-83d0-4a61-9b7e-2d5a6c1f0e33", "other"},
		},
		{
			name: "uuid token is case-insensitive",
			text: "Ticket-4F9C2A1E-83D0-4A61-9B7E-2D5A6C1F0E33",
			want: []string{"4F9C2A1E-83D0-4A61-9B7E-2D5A6C1F0E33"},
		},
		{
			name: "no tokens",
			text: "chore: bump deps",
			want: nil,
		},
		{
			name: "lowercase slug not matched",
			text: "see docs/ticket-handling.md",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTicketRefs(tt.text))
		})
	}
}

func TestCreateTicketValidation(t *testing.T) {
	svc := NewTicketService(nil, nil, time.Hour)

	_, err := svc.CreateTicket(context.Background(), CreateTicketRequest{})
	assert.ErrorIs(t, err, ErrMissingTitle)

	_, err = svc.CreateTicket(context.Background(), CreateTicketRequest{
		Title:    "x",
		Priority: "URGENT",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown priority")
}

func TestRaiseAlertValidation(t *testing.T) {
	svc := NewAlertService(nil, nil)

	_, err := svc.RaiseAlert(context.Background(), RaiseAlertRequest{})
	assert.ErrorIs(t, err, ErrMissingTitle)
}

func TestLinkCommitValidation(t *testing.T) {
	svc := NewCommitService(nil, nil, nil)

	_, err := svc.LinkCommit(context.Background(), models.Commit{})
	assert.Error(t, err)
}
