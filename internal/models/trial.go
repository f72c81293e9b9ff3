package models

import (
	"fmt"
	"time"
)

// Phase is a block of the word-selection task
type Phase string

const (
	PhasePractice  Phase = "Practice"
	PhaseMain      Phase = "Main"
	PhaseCompleted Phase = "Completed"
)

// String returns the string representation of the phase
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true once no more trials will be presented
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted
}

// IsTrialPhase reports whether trials are recorded under this phase
func (p Phase) IsTrialPhase() bool {
	return p == PhasePractice || p == PhaseMain
}

// CanTransitionTo checks if a transition from the current phase to target is valid.
// Phases only move forward.
func (p Phase) CanTransitionTo(target Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhasePractice: {PhaseMain},
		PhaseMain:     {PhaseCompleted},
	}

	for _, phase := range validTransitions[p] {
		if phase == target {
			return true
		}
	}
	return false
}

// ParsePhase converts a wire value into a trial phase
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhasePractice, PhaseMain:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// TrialKey identifies a trial within a participant's session
type TrialKey struct {
	Phase Phase `json:"phase"`
	Index int   `json:"index"`
}

// String renders the key as "Phase:index"
func (k TrialKey) String() string {
	return fmt.Sprintf("%s:%d", k.Phase, k.Index)
}

// TrialResult is the durable record of one finalized trial
type TrialResult struct {
	ID            int64     `json:"id,omitempty"`
	ParticipantID *int64    `json:"participant_id,omitempty"`
	Phase         Phase     `json:"phase"`
	Index         int       `json:"index"`
	SelectedItems []string  `json:"selected_items"`
	TimedOut      bool      `json:"timed_out"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// Key returns the trial's identity
func (r TrialResult) Key() TrialKey {
	return TrialKey{Phase: r.Phase, Index: r.Index}
}

// Clone returns a deep copy safe to hand to another goroutine
func (r TrialResult) Clone() TrialResult {
	out := r
	out.SelectedItems = append([]string(nil), r.SelectedItems...)
	if r.ParticipantID != nil {
		id := *r.ParticipantID
		out.ParticipantID = &id
	}
	return out
}

// SaveResultsRequest is the body of a batch result submission
type SaveResultsRequest struct {
	ParticipantID int64             `json:"participant_id"`
	Results       []TrialResultItem `json:"results"`
}

// TrialResultItem is one trial inside a batch submission
type TrialResultItem struct {
	Phase         Phase    `json:"phase"`
	Index         int      `json:"index"`
	SelectedItems []string `json:"selected_items"`
	TimedOut      bool     `json:"timed_out"`
}

// SaveResultsResponse summarizes a batch submission
type SaveResultsResponse struct {
	SavedCount     int      `json:"saved_count"`
	DuplicateCount int      `json:"duplicate_count"`
	ErrorCount     int      `json:"error_count"`
	Errors         []string `json:"errors,omitempty"`
}
