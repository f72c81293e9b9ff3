package storage

import (
	"context"
	"errors"

	"github.com/terra-clan/research-engine/internal/models"
)

var (
	// ErrDuplicateResult is returned when a trial result for the same
	// participant, phase and index is already stored
	ErrDuplicateResult = errors.New("trial result already stored")

	// ErrParticipantNotFound is returned when a write references an unknown participant
	ErrParticipantNotFound = errors.New("participant not found")
)

// Repository defines the interface for research data persistence.
// Getters return nil, nil when the record does not exist.
type Repository interface {
	// Participants
	CreateParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id int64) (*models.Participant, error)

	// Demographics (one per participant)
	UpsertDemographic(ctx context.Context, d *models.Demographic) error
	GetDemographic(ctx context.Context, participantID int64) (*models.Demographic, error)

	// Trial results
	SaveTrialResult(ctx context.Context, r *models.TrialResult) error
	ListTrialResults(ctx context.Context, participantID int64) ([]*models.TrialResult, error)

	// Questionnaires (one per participant)
	UpsertQuestionnaire(ctx context.Context, q *models.Questionnaire) error
	GetQuestionnaire(ctx context.Context, participantID int64) (*models.Questionnaire, error)

	// API Clients
	CreateApiClient(ctx context.Context, c *models.ApiClient) error
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
