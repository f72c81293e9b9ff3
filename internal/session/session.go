package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/study"
)

// Session holds the task state of one participant
type Session struct {
	id            string
	participantID *int64
	study         *study.Study
	shuffler      Shuffler
	clock         clockwork.Clock
	notify        func([]Event)

	mu           sync.Mutex
	phase        models.Phase
	trial        *Trial
	completed    []models.TrialResult
	interstitial Interstitial
	generation   uint64
	version      uint64
	lastActivity time.Time

	// dispatchMu keeps event batches in mutation order
	dispatchMu sync.Mutex
	restart    chan struct{}
}

// New creates a session positioned at the first Practice trial behind the
// practice instructions. A nil participantID runs the session offline.
func New(id string, participantID *int64, st *study.Study, clock clockwork.Clock, shuffler Shuffler, notify func([]Event)) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if shuffler == nil {
		shuffler = DefaultShuffler
	}

	s := &Session{
		id:            id,
		participantID: participantID,
		study:         st,
		shuffler:      shuffler,
		clock:         clock,
		notify:        notify,
		restart:       make(chan struct{}, 1),
	}
	s.startLocked()
	s.lastActivity = clock.Now()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// ParticipantID returns the participant, nil in offline mode
func (s *Session) ParticipantID() *int64 {
	if s.participantID == nil {
		return nil
	}
	id := *s.participantID
	return &id
}

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CompletedTrials returns copies of all finalized trials in order
func (s *Session) CompletedTrials() []models.TrialResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneResults(s.completed)
}

// LastActivity returns when the session last changed
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SelectItem adds item to the current selection. It is a no-op when the item
// is not presented, already selected, the quota is full, or the trial cannot
// take input. Filling the quota finalizes the trial immediately.
func (s *Session) SelectItem(item string) bool {
	return s.mutate(func() []Event {
		t := s.activeTrialLocked()
		if t == nil || !t.presents(item) || t.selected(item) >= 0 {
			return nil
		}
		if len(t.SelectedItems) >= s.study.MaxSelections {
			return nil
		}

		t.SelectedItems = append(t.SelectedItems, item)
		if len(t.SelectedItems) == s.study.MaxSelections {
			return s.finalizeLocked(false)
		}
		return []Event{}
	})
}

// DeselectItem removes item from the current selection
func (s *Session) DeselectItem(item string) bool {
	return s.mutate(func() []Event {
		t := s.activeTrialLocked()
		if t == nil {
			return nil
		}
		i := t.selected(item)
		if i < 0 {
			return nil
		}
		t.SelectedItems = append(t.SelectedItems[:i], t.SelectedItems[i+1:]...)
		return []Event{}
	})
}

// Tick counts down one second of the current trial. At zero the trial is
// finalized as timed out. Ticks are ignored while an interstitial is shown.
func (s *Session) Tick() bool {
	return s.mutate(s.tickLocked)
}

// tickGeneration ticks only if no new trial started since gen was read
func (s *Session) tickGeneration(gen uint64) bool {
	return s.mutate(func() []Event {
		if gen != s.generation {
			return nil
		}
		return s.tickLocked()
	})
}

func (s *Session) tickLocked() []Event {
	t := s.activeTrialLocked()
	if t == nil {
		return nil
	}
	if t.Remaining > 0 {
		t.Remaining--
	}
	if t.Remaining == 0 {
		return s.finalizeLocked(true)
	}
	return []Event{}
}

// ExpireTrial finalizes the given trial as timed out. Signals for a trial that
// is no longer current, or already finalized, are ignored.
func (s *Session) ExpireTrial(phase models.Phase, index int) bool {
	return s.mutate(func() []Event {
		t := s.activeTrialLocked()
		if t == nil || t.Phase != phase || t.Index != index {
			return nil
		}
		t.Remaining = 0
		return s.finalizeLocked(true)
	})
}

// ForceAdvance finalizes the current trial with its current selection
func (s *Session) ForceAdvance() bool {
	return s.mutate(func() []Event {
		if s.activeTrialLocked() == nil {
			return nil
		}
		return s.finalizeLocked(false)
	})
}

// Acknowledge dismisses the current interstitial and starts the trial countdown
func (s *Session) Acknowledge() bool {
	return s.mutate(func() []Event {
		if s.interstitial == InterstitialNone {
			return nil
		}
		s.interstitial = InterstitialNone
		if s.trial != nil {
			s.trial.Remaining = s.study.TrialSeconds
		}
		s.generation++
		return []Event{}
	})
}

// Reset discards all progress and returns to the first Practice trial
func (s *Session) Reset() bool {
	return s.mutate(func() []Event {
		s.startLocked()
		return []Event{{Type: EventReset}}
	})
}

// mutate runs fn under the state lock. A nil result means nothing changed; a
// non-nil result is completed with a change notification and dispatched.
func (s *Session) mutate(fn func() []Event) bool {
	s.mu.Lock()
	gen := s.generation
	events := fn()
	if events == nil {
		s.mu.Unlock()
		return false
	}

	s.version++
	s.lastActivity = s.clock.Now()
	snap := s.snapshotLocked()
	events = append(events, Event{Type: EventChanged})
	for i := range events {
		events[i].SessionID = s.id
		events[i].ParticipantID = s.ParticipantID()
		events[i].Snapshot = snap
	}
	restarted := gen != s.generation

	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()

	if restarted {
		select {
		case s.restart <- struct{}{}:
		default:
		}
	}
	if s.notify != nil {
		s.notify(events)
	}
	return true
}

// activeTrialLocked returns the trial accepting input, or nil
func (s *Session) activeTrialLocked() *Trial {
	if s.phase.IsTerminal() || s.interstitial != InterstitialNone {
		return nil
	}
	if s.trial == nil || s.trial.finalized {
		return nil
	}
	return s.trial
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:              s.id,
		ParticipantID:   s.ParticipantID(),
		Offline:         s.participantID == nil,
		Phase:           s.phase,
		TrialCount:      s.study.TrialCount(s.phase),
		MaxSelections:   s.study.MaxSelections,
		Interstitial:    s.interstitial,
		Completed:       s.phase.IsTerminal(),
		CompletedTrials: len(s.completed),
		Version:         s.version,
		UpdatedAt:       s.lastActivity,
		PresentedItems:  []string{},
		SelectedItems:   []string{},
	}
	if t := s.trial; t != nil {
		snap.Index = t.Index
		snap.TrialState = t.State()
		snap.PresentedItems = append(snap.PresentedItems, t.PresentedItems...)
		snap.SelectedItems = append(snap.SelectedItems, t.SelectedItems...)
		snap.RemainingSeconds = t.Remaining
	}
	return snap
}

func cloneResults(in []models.TrialResult) []models.TrialResult {
	out := make([]models.TrialResult, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
