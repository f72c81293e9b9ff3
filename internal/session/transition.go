package session

import (
	"log/slog"

	"github.com/terra-clan/research-engine/internal/models"
)

// startLocked positions the session at its first trial behind the instructions
func (s *Session) startLocked() {
	s.phase = models.PhasePractice
	s.interstitial = InterstitialPracticeInstructions
	s.completed = nil

	if s.study.TrialCount(models.PhasePractice) == 0 {
		s.phase = models.PhaseMain
		s.interstitial = InterstitialMainInstructions
	}
	s.trial = s.newTrialLocked(s.phase, 0)
}

// finalizeLocked records the current trial and moves on. Only the first
// finalization of a trial has any effect.
func (s *Session) finalizeLocked(timedOut bool) []Event {
	t := s.trial
	if t == nil || t.finalized {
		return nil
	}
	t.finalized = true
	t.TimedOut = timedOut

	rec := t.result(s.participantID)
	s.completed = append(s.completed, rec)

	stored := rec.Clone()
	events := []Event{{Type: EventTrialFinalized, Phase: t.Phase, Result: &stored}}
	return append(events, s.advanceLocked()...)
}

// advanceLocked presents the next trial, switching phase when the current one is exhausted
func (s *Session) advanceLocked() []Event {
	next := s.trial.Index + 1
	if next < s.study.TrialCount(s.phase) {
		s.trial = s.newTrialLocked(s.phase, next)
		return nil
	}

	done := s.phase
	var results []models.TrialResult
	for _, r := range s.completed {
		if r.Phase == done {
			results = append(results, r.Clone())
		}
	}

	switch done {
	case models.PhasePractice:
		s.transitionLocked(models.PhaseMain)
		s.trial = s.newTrialLocked(models.PhaseMain, 0)
		s.interstitial = InterstitialMainInstructions
	case models.PhaseMain:
		s.transitionLocked(models.PhaseCompleted)
		s.trial = nil
	}

	return []Event{{
		Type:      EventPhaseCompleted,
		Phase:     done,
		Results:   results,
		Completed: s.phase.IsTerminal(),
	}}
}

func (s *Session) transitionLocked(target models.Phase) {
	if !s.phase.CanTransitionTo(target) {
		slog.Error("invalid phase transition", "session_id", s.id, "from", s.phase, "to", target)
		return
	}
	s.phase = target
}

// newTrialLocked presents a fresh permutation of the trial's item set
func (s *Session) newTrialLocked(phase models.Phase, index int) *Trial {
	items := s.study.Items(phase, index)
	s.shuffler.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})

	s.generation++
	return &Trial{
		Phase:          phase,
		Index:          index,
		PresentedItems: items,
		SelectedItems:  []string{},
		Remaining:      s.study.TrialSeconds,
	}
}
