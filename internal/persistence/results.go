package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/internal/study"
)

// ValidateResult checks a trial record against the study it was collected under
func ValidateResult(st *study.Study, item models.TrialResultItem) error {
	if !item.Phase.IsTrialPhase() {
		return invalid("unknown phase %q", item.Phase)
	}

	items := st.Items(item.Phase, item.Index)
	if items == nil {
		return invalid("%s index %d is out of range", item.Phase, item.Index)
	}

	if len(item.SelectedItems) > st.MaxSelections {
		return invalid("at most %d items may be selected", st.MaxSelections)
	}

	presented := make(map[string]bool, len(items))
	for _, it := range items {
		presented[it] = true
	}

	seen := make(map[string]bool, len(item.SelectedItems))
	for _, sel := range item.SelectedItems {
		if !presented[sel] {
			return invalid("item %q was not presented in %s:%d", sel, item.Phase, item.Index)
		}
		if seen[sel] {
			return invalid("item %q selected twice", sel)
		}
		seen[sel] = true
	}

	return nil
}

// SaveTrialResult validates and stores one finalized trial. A result already
// stored for the same key is reported as storage.ErrDuplicateResult.
func (s *Service) SaveTrialResult(ctx context.Context, participantID int64, item models.TrialResultItem) (*models.TrialResult, error) {
	if participantID <= 0 {
		return nil, invalid("participant_id is required")
	}

	st, err := s.study()
	if err != nil {
		return nil, err
	}

	if err := ValidateResult(st, item); err != nil {
		return nil, err
	}

	res := &models.TrialResult{
		ParticipantID: &participantID,
		Phase:         item.Phase,
		Index:         item.Index,
		SelectedItems: append([]string(nil), item.SelectedItems...),
		TimedOut:      item.TimedOut,
	}

	if err := s.repo.SaveTrialResult(ctx, res); err != nil {
		return nil, err
	}

	return res, nil
}

// SaveResults stores a batch of trials. Invalid items and duplicates are counted
// and reported; a storage failure aborts the batch so the caller can retry it.
func (s *Service) SaveResults(ctx context.Context, req models.SaveResultsRequest) (*models.SaveResultsResponse, error) {
	if req.ParticipantID <= 0 {
		return nil, invalid("participant_id is required")
	}
	if len(req.Results) == 0 {
		return nil, invalid("results must not be empty")
	}

	p, err := s.repo.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, storage.ErrParticipantNotFound
	}

	resp := &models.SaveResultsResponse{}
	for _, item := range req.Results {
		_, err := s.SaveTrialResult(ctx, req.ParticipantID, item)
		switch {
		case err == nil:
			resp.SavedCount++
		case errors.Is(err, storage.ErrDuplicateResult):
			resp.DuplicateCount++
		case errors.Is(err, ErrValidation):
			resp.ErrorCount++
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s:%d: %v", item.Phase, item.Index, err))
		default:
			return nil, fmt.Errorf("failed to save results batch: %w", err)
		}
	}

	slog.Info("results batch stored",
		"participant_id", req.ParticipantID,
		"saved", resp.SavedCount,
		"duplicates", resp.DuplicateCount,
		"errors", resp.ErrorCount,
	)

	return resp, nil
}
