// Package session runs the timed word-selection task for one participant at a time.
//
// A Session is the state store: every mutation (selection, tick, acknowledgment,
// forced advance, reset) is serialized on the session mutex. Mutations that change
// state produce Events which are delivered to observers in order, outside the
// state lock.
package session

import (
	"math/rand/v2"
	"time"

	"github.com/terra-clan/research-engine/internal/models"
)

// Interstitial is a blocking instructions screen shown before a block
type Interstitial string

const (
	InterstitialNone                 Interstitial = ""
	InterstitialPracticeInstructions Interstitial = "practice_instructions"
	InterstitialMainInstructions     Interstitial = "main_instructions"
)

// TrialState is the per-trial lifecycle: presented, selecting, finalized
type TrialState string

const (
	TrialPresented TrialState = "presented"
	TrialSelecting TrialState = "selecting"
	TrialFinalized TrialState = "finalized"
)

// Trial is the current, mutable trial of a session
type Trial struct {
	Phase          models.Phase
	Index          int
	PresentedItems []string
	SelectedItems  []string
	TimedOut       bool
	Remaining      int

	finalized bool
}

// State returns where the trial is in its lifecycle
func (t *Trial) State() TrialState {
	switch {
	case t.finalized:
		return TrialFinalized
	case len(t.SelectedItems) > 0:
		return TrialSelecting
	default:
		return TrialPresented
	}
}

func (t *Trial) presents(item string) bool {
	for _, p := range t.PresentedItems {
		if p == item {
			return true
		}
	}
	return false
}

func (t *Trial) selected(item string) int {
	for i, s := range t.SelectedItems {
		if s == item {
			return i
		}
	}
	return -1
}

// result copies the trial into a durable record
func (t *Trial) result(participantID *int64) models.TrialResult {
	r := models.TrialResult{
		ParticipantID: participantID,
		Phase:         t.Phase,
		Index:         t.Index,
		SelectedItems: t.SelectedItems,
		TimedOut:      t.TimedOut,
	}
	return r.Clone()
}

// Snapshot is a read-only view of a session
type Snapshot struct {
	ID               string       `json:"id"`
	ParticipantID    *int64       `json:"participant_id,omitempty"`
	Offline          bool         `json:"offline"`
	Phase            models.Phase `json:"phase"`
	Index            int          `json:"index"`
	TrialCount       int          `json:"trial_count"`
	TrialState       TrialState   `json:"trial_state,omitempty"`
	PresentedItems   []string     `json:"presented_items"`
	SelectedItems    []string     `json:"selected_items"`
	MaxSelections    int          `json:"max_selections"`
	RemainingSeconds int          `json:"remaining_seconds"`
	Interstitial     Interstitial `json:"interstitial,omitempty"`
	Completed        bool         `json:"completed"`
	CompletedTrials  int          `json:"completed_trials"`
	Version          uint64       `json:"version"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// EventType names a session event
type EventType string

const (
	EventChanged        EventType = "changed"
	EventTrialFinalized EventType = "trial_finalized"
	EventPhaseCompleted EventType = "phase_completed"
	EventReset          EventType = "reset"
	EventClosed         EventType = "closed"
)

// Event is emitted after a state change. Result and Results are copies owned by the receiver.
type Event struct {
	Type          EventType
	SessionID     string
	ParticipantID *int64
	Phase         models.Phase
	Result        *models.TrialResult
	Results       []models.TrialResult
	Completed     bool
	Snapshot      Snapshot
}

// Observer receives session events. Notify must not call back into the session.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev Event)

// Notify calls f(ev)
func (f ObserverFunc) Notify(ev Event) { f(ev) }

// Shuffler permutes n elements, matching rand.Shuffle
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// ShuffleFunc adapts a function to Shuffler
type ShuffleFunc func(n int, swap func(i, j int))

// Shuffle calls f(n, swap)
func (f ShuffleFunc) Shuffle(n int, swap func(i, j int)) { f(n, swap) }

// DefaultShuffler draws uniform permutations from the global generator
var DefaultShuffler Shuffler = ShuffleFunc(rand.Shuffle)
