package submit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/persistence"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/pkg/client"
)

func toRequest(participantID int64, trials []models.TrialResult) models.SaveResultsRequest {
	req := models.SaveResultsRequest{
		ParticipantID: participantID,
		Results:       make([]models.TrialResultItem, len(trials)),
	}
	for i, t := range trials {
		req.Results[i] = models.TrialResultItem{
			Phase:         t.Phase,
			Index:         t.Index,
			SelectedItems: t.SelectedItems,
			TimedOut:      t.TimedOut,
		}
	}
	return req
}

func checkResponse(resp *models.SaveResultsResponse, size int) error {
	if resp.ErrorCount > 0 {
		return Permanent(fmt.Errorf("%d of %d results rejected: %s",
			resp.ErrorCount, size, strings.Join(resp.Errors, "; ")))
	}
	if resp.SavedCount == 0 && resp.DuplicateCount == size {
		return ErrDuplicateSubmission
	}
	return nil
}

// RepositorySubmitter writes chunks straight into the local database
type RepositorySubmitter struct {
	service *persistence.Service
}

// NewRepositorySubmitter creates a submitter backed by the persistence service
func NewRepositorySubmitter(service *persistence.Service) *RepositorySubmitter {
	return &RepositorySubmitter{service: service}
}

func (s *RepositorySubmitter) SubmitChunk(ctx context.Context, participantID int64, trials []models.TrialResult) error {
	resp, err := s.service.SaveResults(ctx, toRequest(participantID, trials))
	if err != nil {
		if errors.Is(err, persistence.ErrValidation) || errors.Is(err, storage.ErrParticipantNotFound) {
			return Permanent(err)
		}
		return Transient(err)
	}
	return checkResponse(resp, len(trials))
}

// RemoteSubmitter posts chunks to another research-engine server
type RemoteSubmitter struct {
	client *client.Client
}

// NewRemoteSubmitter creates a submitter that uses the HTTP SDK
func NewRemoteSubmitter(c *client.Client) *RemoteSubmitter {
	return &RemoteSubmitter{client: c}
}

func (s *RemoteSubmitter) SubmitChunk(ctx context.Context, participantID int64, trials []models.TrialResult) error {
	resp, err := s.client.SaveResults(ctx, toRequest(participantID, trials))
	if err != nil {
		return classifyRemote(err)
	}
	return checkResponse(resp, len(trials))
}

func classifyRemote(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		// Network failure or cancelled context
		return Transient(err)
	}

	switch {
	case apiErr.StatusCode == http.StatusConflict:
		return ErrDuplicateSubmission
	case apiErr.Temporary():
		return Transient(err)
	default:
		return Permanent(err)
	}
}
