package session

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/research-engine/internal/models"
	"github.com/terra-clan/research-engine/internal/study"
)

const testStudyYAML = `
name: test
trial_seconds: 12
max_selections: 5
practice:
  - [P1, P2, P3, P4, P5, P6]
  - [Q1, Q2, Q3, Q4, Q5, Q6]
main:
  - [M1, M2, M3, M4, M5, M6]
  - [N1, N2, N3, N4, N5, N6]
  - [O1, O2, O3, O4, O5, O6]
`

func testStudy(t *testing.T) *study.Study {
	t.Helper()
	loader := study.NewLoader()
	require.NoError(t, loader.LoadBytes([]byte(testStudyYAML), "test"))
	return loader.Current()
}

// reverseShuffler makes permutations predictable
var reverseShuffler = ShuffleFunc(func(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
})

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) notify(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events...)
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSession(t *testing.T, pid *int64) (*Session, *eventLog) {
	t.Helper()
	log := &eventLog{}
	s := New("s-1", pid, testStudy(t), clockwork.NewFakeClock(), reverseShuffler, log.notify)
	return s, log
}

func reversed(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}

func TestNewSessionStartsBehindPracticeInstructions(t *testing.T) {
	s, _ := newTestSession(t, nil)

	snap := s.Snapshot()
	assert.Equal(t, models.PhasePractice, snap.Phase)
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, 2, snap.TrialCount)
	assert.Equal(t, InterstitialPracticeInstructions, snap.Interstitial)
	assert.True(t, snap.Offline)
	assert.Equal(t, []string{"P6", "P5", "P4", "P3", "P2", "P1"}, snap.PresentedItems)
	assert.Equal(t, 12, snap.RemainingSeconds)

	// input is blocked until the instructions are acknowledged
	assert.False(t, s.SelectItem("P1"))
	assert.False(t, s.Tick())
	assert.False(t, s.ForceAdvance())
	assert.Equal(t, 12, s.Snapshot().RemainingSeconds)

	assert.True(t, s.Acknowledge())
	assert.False(t, s.Acknowledge())
	assert.Equal(t, InterstitialNone, s.Snapshot().Interstitial)
}

func TestFiveSelectionsFinalizeImmediately(t *testing.T) {
	pid := int64(42)
	s, log := newTestSession(t, &pid)
	s.Acknowledge()

	for _, item := range []string{"P1", "P2", "P3", "P4"} {
		require.True(t, s.SelectItem(item))
	}
	assert.Equal(t, 0, s.Snapshot().Index)
	assert.Equal(t, TrialSelecting, s.Snapshot().TrialState)

	require.True(t, s.SelectItem("P5"))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Index)
	assert.Equal(t, TrialPresented, snap.TrialState)
	assert.Empty(t, snap.SelectedItems)
	assert.Equal(t, 12, snap.RemainingSeconds)

	done := s.CompletedTrials()
	require.Len(t, done, 1)
	assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5"}, done[0].SelectedItems)
	assert.False(t, done[0].TimedOut)
	require.NotNil(t, done[0].ParticipantID)
	assert.Equal(t, int64(42), *done[0].ParticipantID)

	finalized := log.ofType(EventTrialFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, models.TrialKey{Phase: models.PhasePractice, Index: 0}, finalized[0].Result.Key())
}

func TestSelectItemNoOps(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Acknowledge()

	assert.False(t, s.SelectItem("M1"), "item not presented")
	assert.True(t, s.SelectItem("P1"))
	assert.False(t, s.SelectItem("P1"), "already selected")
	assert.Equal(t, []string{"P1"}, s.Snapshot().SelectedItems)
}

func TestDeselectItem(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Acknowledge()

	s.SelectItem("P1")
	s.SelectItem("P2")
	s.SelectItem("P3")

	assert.True(t, s.DeselectItem("P2"))
	assert.False(t, s.DeselectItem("P2"))
	assert.False(t, s.DeselectItem("P6"))
	assert.Equal(t, []string{"P1", "P3"}, s.Snapshot().SelectedItems)

	// a freed slot can be filled again
	assert.True(t, s.SelectItem("P2"))
	assert.Equal(t, []string{"P1", "P3", "P2"}, s.Snapshot().SelectedItems)
}

func TestTimeoutFinalizesWithPartialSelection(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Acknowledge()

	s.SelectItem("P3")
	s.SelectItem("P4")

	for i := 0; i < 11; i++ {
		require.True(t, s.Tick())
	}
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, 1, snap.RemainingSeconds)

	require.True(t, s.Tick())

	done := s.CompletedTrials()
	require.Len(t, done, 1)
	assert.True(t, done[0].TimedOut)
	assert.Equal(t, []string{"P3", "P4"}, done[0].SelectedItems)
	assert.Equal(t, 1, s.Snapshot().Index)
}

func TestExpireTrialIsIdempotent(t *testing.T) {
	s, log := newTestSession(t, nil)
	s.Acknowledge()
	s.SelectItem("P1")

	assert.True(t, s.ExpireTrial(models.PhasePractice, 0))
	assert.False(t, s.ExpireTrial(models.PhasePractice, 0))
	assert.False(t, s.ExpireTrial(models.PhaseMain, 1), "not the current trial")

	assert.Len(t, s.CompletedTrials(), 1)
	assert.Len(t, log.ofType(EventTrialFinalized), 1)
}

func TestQuotaAndExpiryRaceFinalizesOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		s, log := newTestSession(t, nil)
		s.Acknowledge()
		for _, item := range []string{"P1", "P2", "P3", "P4"} {
			s.SelectItem(item)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SelectItem("P5")
		}()
		go func() {
			defer wg.Done()
			s.ExpireTrial(models.PhasePractice, 0)
		}()
		wg.Wait()

		var first []models.TrialResult
		for _, r := range s.CompletedTrials() {
			if r.Key() == (models.TrialKey{Phase: models.PhasePractice, Index: 0}) {
				first = append(first, r)
			}
		}
		require.Len(t, first, 1, "round %d", round)
		require.Len(t, log.ofType(EventTrialFinalized), 1, "round %d", round)
	}
}

func TestPracticeExhaustionSwitchesToMain(t *testing.T) {
	calls := 0
	counting := ShuffleFunc(func(n int, swap func(i, j int)) {
		calls++
		reverseShuffler(n, swap)
	})
	log := &eventLog{}
	st := testStudy(t)
	s := New("s-2", nil, st, clockwork.NewFakeClock(), counting, log.notify)
	s.Acknowledge()

	s.ForceAdvance()
	require.Equal(t, 2, calls)
	s.ForceAdvance()

	snap := s.Snapshot()
	assert.Equal(t, models.PhaseMain, snap.Phase)
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, 3, snap.TrialCount)
	assert.Equal(t, InterstitialMainInstructions, snap.Interstitial)
	assert.Equal(t, reversed(st.Main[0]), snap.PresentedItems)
	assert.Equal(t, 3, calls, "fresh permutation for the first main trial")

	// the first main trial waits for the interstitial
	assert.False(t, s.Tick())
	assert.False(t, s.SelectItem("M1"))
	assert.Equal(t, 12, s.Snapshot().RemainingSeconds)

	completed := log.ofType(EventPhaseCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, models.PhasePractice, completed[0].Phase)
	assert.False(t, completed[0].Completed)
	require.Len(t, completed[0].Results, 2)
	assert.Equal(t, 0, completed[0].Results[0].Index)
	assert.Equal(t, 1, completed[0].Results[1].Index)
}

func TestFullRunIsMonotonicAndTerminal(t *testing.T) {
	s, log := newTestSession(t, nil)

	for !s.Snapshot().Completed {
		snap := s.Snapshot()
		if snap.Interstitial != InterstitialNone {
			require.True(t, s.Acknowledge())
			continue
		}
		require.True(t, s.ForceAdvance())
	}

	var keys []string
	for _, r := range s.CompletedTrials() {
		keys = append(keys, r.Key().String())
	}
	assert.Equal(t, []string{"Practice:0", "Practice:1", "Main:0", "Main:1", "Main:2"}, keys)

	snap := s.Snapshot()
	assert.Equal(t, models.PhaseCompleted, snap.Phase)
	assert.Empty(t, snap.PresentedItems)

	assert.False(t, s.ForceAdvance())
	assert.False(t, s.Tick())
	assert.False(t, s.SelectItem("O1"))
	assert.False(t, s.ExpireTrial(models.PhaseMain, 2))

	completed := log.ofType(EventPhaseCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, models.PhaseMain, completed[1].Phase)
	assert.True(t, completed[1].Completed)
	assert.Len(t, completed[1].Results, 3)
}

func TestResetReturnsToFirstPracticeTrial(t *testing.T) {
	s, log := newTestSession(t, nil)
	s.Acknowledge()
	s.ForceAdvance()
	s.ForceAdvance()
	require.Equal(t, models.PhaseMain, s.Snapshot().Phase)

	require.True(t, s.Reset())

	snap := s.Snapshot()
	assert.Equal(t, models.PhasePractice, snap.Phase)
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, 0, snap.CompletedTrials)
	assert.Equal(t, InterstitialPracticeInstructions, snap.Interstitial)
	assert.Empty(t, s.CompletedTrials())
	assert.Len(t, log.ofType(EventReset), 1)
}

func TestEventResultsAreCopies(t *testing.T) {
	s, log := newTestSession(t, nil)
	s.Acknowledge()
	s.SelectItem("P1")
	s.ForceAdvance()

	ev := log.ofType(EventTrialFinalized)[0]
	ev.Result.SelectedItems[0] = "MUTATED"

	assert.Equal(t, "P1", s.CompletedTrials()[0].SelectedItems[0])
}

func TestSelectionInvariantsUnderRandomEvents(t *testing.T) {
	s, _ := newTestSession(t, nil)
	items := []string{"P1", "P2", "P3", "P4", "P5", "P6", "Q1", "Q2", "M1", "M4", "N2", "O6", "X"}

	rng := rand.New(rand.NewPCG(1, 2))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		seed := rng.Uint64()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < 400; i++ {
				switch r.IntN(6) {
				case 0, 1:
					s.SelectItem(items[r.IntN(len(items))])
				case 2:
					s.DeselectItem(items[r.IntN(len(items))])
				case 3:
					s.Tick()
				case 4:
					s.Acknowledge()
				case 5:
					snap := s.Snapshot()
					s.ExpireTrial(snap.Phase, snap.Index)
				}

				snap := s.Snapshot()
				if len(snap.SelectedItems) > 5 {
					panic(fmt.Sprintf("selection overflow: %v", snap.SelectedItems))
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[models.TrialKey]bool)
	lastIndex := map[models.Phase]int{models.PhasePractice: -1, models.PhaseMain: -1}
	for _, r := range s.CompletedTrials() {
		assert.False(t, seen[r.Key()], "trial %s recorded twice", r.Key())
		seen[r.Key()] = true

		assert.LessOrEqual(t, len(r.SelectedItems), 5)
		unique := make(map[string]bool)
		for _, it := range r.SelectedItems {
			assert.False(t, unique[it], "duplicate selection %s", it)
			unique[it] = true
		}

		assert.Greater(t, r.Index, lastIndex[r.Phase])
		lastIndex[r.Phase] = r.Index
	}
}
