// Package study describes the word-selection task and questionnaire a participant runs through.
package study

import (
	"time"

	"github.com/terra-clan/research-engine/internal/models"
)

// Study is a loaded, validated study definition
type Study struct {
	Name          string        `json:"name"`
	TrialDuration time.Duration `json:"-"`
	TrialSeconds  int           `json:"trial_seconds"`
	MaxSelections int           `json:"max_selections"`
	Practice      [][]string    `json:"practice"`
	Main          [][]string    `json:"main"`
	Questionnaire Layout        `json:"questionnaire"`
}

// Groups returns the item groups of a trial phase
func (s *Study) Groups(phase models.Phase) [][]string {
	switch phase {
	case models.PhasePractice:
		return s.Practice
	case models.PhaseMain:
		return s.Main
	}
	return nil
}

// TrialCount returns how many trials the phase holds
func (s *Study) TrialCount(phase models.Phase) int {
	return len(s.Groups(phase))
}

// Items returns a copy of the fixed item set of a trial
func (s *Study) Items(phase models.Phase, index int) []string {
	groups := s.Groups(phase)
	if index < 0 || index >= len(groups) {
		return nil
	}
	return append([]string(nil), groups[index]...)
}
