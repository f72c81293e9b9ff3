// Package persistence is the application-facing facade over storage.
// It trims and validates typed requests before they reach a Repository.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/internal/study"
)

// ErrValidation marks a request that was rejected before reaching storage
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const maxAge = 120

// Service validates and stores participant data
type Service struct {
	repo    storage.Repository
	studies *study.Loader
}

// NewService creates a persistence service
func NewService(repo storage.Repository, studies *study.Loader) *Service {
	return &Service{repo: repo, studies: studies}
}

// Repository returns the underlying repository
func (s *Service) Repository() storage.Repository {
	return s.repo
}

func (s *Service) study() (*study.Study, error) {
	st := s.studies.Current()
	if st == nil {
		return nil, fmt.Errorf("study is not loaded")
	}
	return st, nil
}

// CreateParticipant registers a participant; every field is optional
func (s *Service) CreateParticipant(ctx context.Context, req models.CreateParticipantRequest) (*models.Participant, error) {
	p := &models.Participant{
		School:        strings.TrimSpace(req.School),
		StudentNumber: strings.TrimSpace(req.StudentNumber),
		Course:        strings.TrimSpace(req.Course),
	}

	if err := s.repo.CreateParticipant(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("participant registered", "participant_id", p.ID)
	return p, nil
}

// GetParticipant returns the participant or nil when unknown
func (s *Service) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	return s.repo.GetParticipant(ctx, id)
}

// SaveDemographic stores the demographic form, replacing an earlier submission
func (s *Service) SaveDemographic(ctx context.Context, req models.SaveDemographicRequest) (*models.Demographic, error) {
	if req.ParticipantID <= 0 {
		return nil, invalid("participant_id is required")
	}
	if req.Age != nil && (*req.Age <= 0 || *req.Age > maxAge) {
		return nil, invalid("age must be between 1 and %d", maxAge)
	}

	var livingWith []string
	for _, v := range req.LivingWith {
		if v = strings.TrimSpace(v); v != "" {
			livingWith = append(livingWith, v)
		}
	}

	d := &models.Demographic{
		ParticipantID:         req.ParticipantID,
		Gender:                strings.TrimSpace(req.Gender),
		Age:                   req.Age,
		Education:             strings.TrimSpace(req.Education),
		Department:            strings.TrimSpace(req.Department),
		Year:                  strings.TrimSpace(req.Year),
		MaritalStatus:         strings.TrimSpace(req.MaritalStatus),
		EmploymentStatus:      strings.TrimSpace(req.EmploymentStatus),
		LivingWith:            livingWith,
		LongestResidence:      strings.TrimSpace(req.LongestResidence),
		CurrentSocialStatus:   strings.TrimSpace(req.CurrentSocialStatus),
		ChildhoodSocialStatus: strings.TrimSpace(req.ChildhoodSocialStatus),
		MonthlyIncome:         strings.TrimSpace(req.MonthlyIncome),
	}

	if err := s.repo.UpsertDemographic(ctx, d); err != nil {
		return nil, err
	}

	slog.Info("demographic saved", "participant_id", d.ParticipantID)
	return d, nil
}

// GetDemographic returns the stored form or nil
func (s *Service) GetDemographic(ctx context.Context, participantID int64) (*models.Demographic, error) {
	return s.repo.GetDemographic(ctx, participantID)
}

// SaveQuestionnaire validates section arrays against the study layout and stores
// them keyed per question
func (s *Service) SaveQuestionnaire(ctx context.Context, req models.SaveQuestionnaireRequest) (*models.Questionnaire, error) {
	if req.ParticipantID <= 0 {
		return nil, invalid("participant_id is required")
	}

	st, err := s.study()
	if err != nil {
		return nil, err
	}

	answers, err := st.Questionnaire.Answers(req.Sections)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	q := &models.Questionnaire{ParticipantID: req.ParticipantID, Answers: answers}
	if err := s.repo.UpsertQuestionnaire(ctx, q); err != nil {
		return nil, err
	}

	slog.Info("questionnaire saved", "participant_id", q.ParticipantID, "answers", len(answers))
	return q, nil
}

// GetQuestionnaire returns the stored answers as section arrays, or nil
func (s *Service) GetQuestionnaire(ctx context.Context, participantID int64) (*models.QuestionnaireResponse, error) {
	q, err := s.repo.GetQuestionnaire(ctx, participantID)
	if err != nil || q == nil {
		return nil, err
	}

	st, err := s.study()
	if err != nil {
		return nil, err
	}

	if unknown := st.Questionnaire.UnknownKeys(q.Answers); len(unknown) > 0 {
		slog.Warn("stored questionnaire has keys outside the current layout",
			"participant_id", participantID,
			"keys", unknown,
		)
	}

	return &models.QuestionnaireResponse{
		ParticipantID: q.ParticipantID,
		Sections:      st.Questionnaire.ToSections(q.Answers),
		UpdatedAt:     q.UpdatedAt,
	}, nil
}

// ListResults returns a participant's stored trial results
func (s *Service) ListResults(ctx context.Context, participantID int64) ([]*models.TrialResult, error) {
	return s.repo.ListTrialResults(ctx, participantID)
}
