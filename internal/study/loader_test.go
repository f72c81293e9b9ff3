package study

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
)

func TestLoadBuiltInStudy(t *testing.T) {
	loader := NewLoader()
	require.NoError(t, loader.Load(""))

	st := loader.Current()
	require.NotNil(t, st)

	assert.Equal(t, 12*time.Second, st.TrialDuration)
	assert.Equal(t, 5, st.MaxSelections)
	assert.Equal(t, 10, st.TrialCount(models.PhasePractice))
	assert.Equal(t, 25, st.TrialCount(models.PhaseMain))
	assert.Equal(t, 0, st.TrialCount(models.PhaseCompleted))

	for _, g := range append(append([][]string{}, st.Practice...), st.Main...) {
		assert.Len(t, g, 6)
	}

	// stray whitespace in the source words is trimmed
	assert.Equal(t, []string{"TEK", "BAŞINA", "EĞLENCELİDİR", "BİLGİSAYAR", "OYNAMAK", "SIKICIDIR"},
		st.Items(models.PhasePractice, 0))

	var counts []int
	for _, sec := range st.Questionnaire.Sections {
		counts = append(counts, sec.Questions)
	}
	assert.Equal(t, []int{9, 37, 14, 29}, counts)

	sec3, ok := st.Questionnaire.Lookup("section3")
	require.True(t, ok)
	assert.Equal(t, 7, sec3.ScaleMax)
}

func TestItemsReturnsCopy(t *testing.T) {
	st, err := Default()
	require.NoError(t, err)

	items := st.Items(models.PhaseMain, 0)
	items[0] = "CHANGED"
	assert.NotEqual(t, "CHANGED", st.Main[0][0])
	assert.Nil(t, st.Items(models.PhaseMain, 99))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study.yaml")
	content := `
name: pilot
trial_seconds: 8
max_selections: 2
practice:
  - [A, B, C]
main:
  - [D, E, F]
  - [G, H, I]
questionnaire:
  sections:
    - {name: mood, questions: 2, scale_min: 1, scale_max: 3}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader()
	require.NoError(t, loader.Load(path))

	st := loader.Current()
	assert.Equal(t, "pilot", st.Name)
	assert.Equal(t, 8*time.Second, st.TrialDuration)
	assert.Equal(t, 2, st.TrialCount(models.PhaseMain))
}

func TestLoadRejectsInvalidStudies(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no main block", "practice:\n  - [A, B, C, D, E, F]\n"},
		{"duplicate item", "main:\n  - [A, A, B, C, D, E]\n"},
		{"too few items", "main:\n  - [A, B, C]\n"},
		{"blank item", "main:\n  - [A, ' ', B, C, D, E]\n"},
		{"empty scale", "main:\n  - [A, B, C, D, E, F]\nquestionnaire:\n  sections:\n    - {name: s, questions: 1, scale_min: 3, scale_max: 3}\n"},
		{"dotted section", "main:\n  - [A, B, C, D, E, F]\nquestionnaire:\n  sections:\n    - {name: s.1, questions: 1, scale_min: 1, scale_max: 3}\n"},
		{"bad yaml", "main: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader()
			assert.Error(t, loader.LoadBytes([]byte(tt.content), tt.name))
			assert.Nil(t, loader.Current())
		})
	}
}
