package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/terra-clan/research-engine/internal/study"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStudyNotLoaded  = errors.New("study not loaded")
)

// Manager owns the live sessions of this process and their timers
type Manager struct {
	studies   *study.Loader
	clock     clockwork.Clock
	shuffler  Shuffler
	observers []Observer

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	session *Session
	timer   *Timer
}

// Option configures the manager
type Option func(*Manager)

// WithClock sets the clock used for countdowns and activity stamps
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithShuffler sets the permutation source for presented items
func WithShuffler(shuffler Shuffler) Option {
	return func(m *Manager) {
		m.shuffler = shuffler
	}
}

// WithObserver registers an observer for the events of every session
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

// NewManager creates a session manager running the loader's current study
func NewManager(studies *study.Loader, opts ...Option) *Manager {
	m := &Manager{
		studies:  studies,
		clock:    clockwork.NewRealClock(),
		shuffler: DefaultShuffler,
		sessions: make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Create starts a new session. A nil participantID runs it offline.
func (m *Manager) Create(participantID *int64) (*Session, error) {
	st := m.studies.Current()
	if st == nil {
		return nil, ErrStudyNotLoaded
	}

	s := New(uuid.New().String(), participantID, st, m.clock, m.shuffler, m.dispatch)
	timer := StartTimer(s, m.clock)

	m.mu.Lock()
	m.sessions[s.ID()] = &entry{session: s, timer: timer}
	m.mu.Unlock()

	slog.Info("session created",
		"session_id", s.ID(),
		"participant_id", participantID,
		"offline", participantID == nil,
	)
	return s, nil
}

// Get returns a live session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// Delete stops a session's timer and forgets it
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	e.timer.Stop()
	m.dispatch([]Event{{
		Type:          EventClosed,
		SessionID:     id,
		ParticipantID: e.session.ParticipantID(),
		Snapshot:      e.session.Snapshot(),
	}})

	slog.Info("session closed", "session_id", id)
	return nil
}

// Idle returns the ids of sessions without activity for at least ttl
func (m *Manager) Idle(ttl time.Duration) []string {
	cutoff := m.clock.Now().Add(-ttl)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, e := range m.sessions {
		if !e.session.LastActivity().After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops every session
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Delete(id)
	}
}

func (m *Manager) dispatch(events []Event) {
	for _, ev := range events {
		for _, o := range m.observers {
			o.Notify(ev)
		}
	}
}
