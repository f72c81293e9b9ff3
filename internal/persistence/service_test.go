package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/storage"
	"github.com/terra-clan/research-engine/internal/study"
)

const testStudyYAML = `
name: test
max_selections: 5
practice:
  - [P1, P2, P3, P4, P5, P6]
main:
  - [M1, M2, M3, M4, M5, M6]
  - [N1, N2, N3, N4, N5, N6]
questionnaire:
  sections:
    - {name: a, questions: 2, scale_min: 1, scale_max: 5}
    - {name: b, questions: 3, scale_min: 1, scale_max: 7}
`

func newTestService(t *testing.T) *Service {
	t.Helper()

	loader := study.NewLoader()
	require.NoError(t, loader.LoadBytes([]byte(testStudyYAML), "test"))

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return NewService(repo, loader)
}

func registerParticipant(t *testing.T, svc *Service) int64 {
	t.Helper()
	p, err := svc.CreateParticipant(context.Background(), models.CreateParticipantRequest{
		School: "  Boğaziçi ", StudentNumber: "17", Course: "PSY",
	})
	require.NoError(t, err)
	return p.ID
}

func TestCreateParticipantTrims(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id := registerParticipant(t, svc)

	p, err := svc.GetParticipant(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Boğaziçi", p.School)

	empty, err := svc.CreateParticipant(ctx, models.CreateParticipantRequest{})
	require.NoError(t, err)
	assert.NotEqual(t, id, empty.ID)
}

func TestSaveDemographicValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	pid := registerParticipant(t, svc)

	_, err := svc.SaveDemographic(ctx, models.SaveDemographicRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	age := 0
	_, err = svc.SaveDemographic(ctx, models.SaveDemographicRequest{ParticipantID: pid, Age: &age})
	assert.ErrorIs(t, err, ErrValidation)

	age = 22
	d, err := svc.SaveDemographic(ctx, models.SaveDemographicRequest{
		ParticipantID: pid,
		Age:           &age,
		Gender:        " male ",
		LivingWith:    []string{"family", " ", "friends"},
	})
	require.NoError(t, err)
	assert.Equal(t, "male", d.Gender)
	assert.Equal(t, []string{"family", "friends"}, d.LivingWith)

	_, err = svc.SaveDemographic(ctx, models.SaveDemographicRequest{ParticipantID: pid + 50})
	assert.ErrorIs(t, err, storage.ErrParticipantNotFound)
}

func TestQuestionnaireRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	pid := registerParticipant(t, svc)

	_, err := svc.SaveQuestionnaire(ctx, models.SaveQuestionnaireRequest{
		ParticipantID: pid,
		Sections:      map[string][]int{"a": {1, 2}, "b": {7, 7, 8}},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, study.ErrInvalidAnswers)

	q, err := svc.SaveQuestionnaire(ctx, models.SaveQuestionnaireRequest{
		ParticipantID: pid,
		Sections:      map[string][]int{"a": {1, 2}, "b": {7, 6, 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, q.Answers["b.2"])

	got, err := svc.GetQuestionnaire(ctx, pid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, map[string][]int{"a": {1, 2}, "b": {7, 6, 5}}, got.Sections)

	none, err := svc.GetQuestionnaire(ctx, pid+1)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestValidateResult(t *testing.T) {
	loader := study.NewLoader()
	require.NoError(t, loader.LoadBytes([]byte(testStudyYAML), "test"))
	st := loader.Current()

	tests := []struct {
		name  string
		item  models.TrialResultItem
		valid bool
	}{
		{"timed out empty", models.TrialResultItem{Phase: models.PhaseMain, Index: 1, TimedOut: true}, true},
		{"full quota", models.TrialResultItem{Phase: models.PhasePractice, SelectedItems: []string{"P1", "P2", "P3", "P4", "P5"}}, true},
		{"completed phase", models.TrialResultItem{Phase: models.PhaseCompleted}, false},
		{"index out of range", models.TrialResultItem{Phase: models.PhaseMain, Index: 2}, false},
		{"negative index", models.TrialResultItem{Phase: models.PhaseMain, Index: -1}, false},
		{"over quota", models.TrialResultItem{Phase: models.PhasePractice, SelectedItems: []string{"P1", "P2", "P3", "P4", "P5", "P6"}}, false},
		{"not presented", models.TrialResultItem{Phase: models.PhaseMain, SelectedItems: []string{"N1"}}, false},
		{"selected twice", models.TrialResultItem{Phase: models.PhaseMain, SelectedItems: []string{"M1", "M1"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResult(st, tt.item)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestSaveResultsCountsOutcomes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	pid := registerParticipant(t, svc)

	req := models.SaveResultsRequest{
		ParticipantID: pid,
		Results: []models.TrialResultItem{
			{Phase: models.PhasePractice, Index: 0, SelectedItems: []string{"P1"}},
			{Phase: models.PhaseMain, Index: 0, TimedOut: true},
			{Phase: models.PhaseMain, Index: 9},
		},
	}

	resp, err := svc.SaveResults(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.SavedCount)
	assert.Equal(t, 0, resp.DuplicateCount)
	assert.Equal(t, 1, resp.ErrorCount)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "Main:9")

	// Resubmitting is idempotent
	resp, err = svc.SaveResults(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.SavedCount)
	assert.Equal(t, 2, resp.DuplicateCount)

	stored, err := svc.ListResults(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	_, err = svc.SaveResults(ctx, models.SaveResultsRequest{ParticipantID: pid + 9, Results: req.Results})
	assert.ErrorIs(t, err, storage.ErrParticipantNotFound)

	_, err = svc.SaveResults(ctx, models.SaveResultsRequest{ParticipantID: pid})
	assert.ErrorIs(t, err, ErrValidation)
}
