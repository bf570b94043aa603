package timer

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/circuits/internal/models"
)

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// manualClock fires callbacks only when the test advances it.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) active() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out
}

// tick advances one second, firing a due callback if one is pending.
func (c *manualClock) tick() {
	c.mu.Lock()
	c.now = c.now.Add(time.Second)
	var due *manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			due = t
			break
		}
	}
	if due != nil {
		due.fired = true
	}
	c.mu.Unlock()
	if due != nil {
		due.f()
	}
}

func (c *manualClock) ticks(n int) {
	for i := 0; i < n; i++ {
		c.tick()
	}
}

type alertRecorder struct {
	mu         sync.Mutex
	countdowns int
	finishes   []models.FinishAction
	sounds     int
	vibrations int
}

func (a *alertRecorder) Countdown(sound, vibrate bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.countdowns++
	if sound {
		a.sounds++
	}
	if vibrate {
		a.vibrations++
	}
}

func (a *alertRecorder) Finish(action models.FinishAction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishes = append(a.finishes, action)
}

func circuitOf(durations ...int) models.Circuit {
	c := models.Circuit{ID: 1, Name: "test"}
	for i, d := range durations {
		c.Tasks = append(c.Tasks, models.Task{Name: string(rune('A' + i)), Duration: d})
	}
	return c
}

func newTestScheduler(c models.Circuit) (*Scheduler, *manualClock, *alertRecorder) {
	clock := newManualClock()
	alerts := &alertRecorder{}
	s := New(c, WithClock(clock), WithAlerter(alerts))
	return s, clock, alerts
}

func forceTick(s *Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
}

func assertState(t *testing.T, s *Scheduler, step, remaining int, phase models.Phase) {
	t.Helper()
	st := s.State()
	if st.StepIndex != step || st.RemainingSeconds != remaining || st.Phase != phase {
		t.Fatalf("state = (%d, %d, %s), want (%d, %d, %s)",
			st.StepIndex, st.RemainingSeconds, st.Phase, step, remaining, phase)
	}
}

func TestNewIsIdleAtFirstTask(t *testing.T) {
	s, _, _ := newTestScheduler(circuitOf(5, 3))
	assertState(t, s, 0, 5, models.PhaseIdle)
}

func TestTwoTaskCircuitAdvancesThenFinishes(t *testing.T) {
	s, clock, alerts := newTestScheduler(circuitOf(5, 3))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.ticks(5)
	assertState(t, s, 1, 3, models.PhaseRunning)
	if len(alerts.finishes) != 1 {
		t.Errorf("finish alerts = %d, want 1", len(alerts.finishes))
	}
	if alerts.countdowns != 4 {
		t.Errorf("countdown alerts = %d, want 4 (at 4,3,2,1)", alerts.countdowns)
	}

	clock.ticks(3)
	assertState(t, s, 2, 0, models.PhaseFinished)
	if len(alerts.finishes) != 2 {
		t.Errorf("finish alerts = %d, want 2", len(alerts.finishes))
	}
	if n := len(clock.active()); n != 0 {
		t.Errorf("pending callbacks after finish = %d, want 0", n)
	}
}

func TestTotalDurationTickCount(t *testing.T) {
	durations := []int{3, 1, 7, 2}
	s, clock, _ := newTestScheduler(circuitOf(durations...))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	total := 0
	for _, d := range durations {
		total += d
	}
	for i := 0; i < total-1; i++ {
		clock.tick()
		if s.State().Phase == models.PhaseFinished {
			t.Fatalf("finished after %d ticks, want %d", i+1, total)
		}
	}
	clock.tick()
	assertState(t, s, len(durations), 0, models.PhaseFinished)
}

func TestPauseFreezesTime(t *testing.T) {
	s, clock, alerts := newTestScheduler(circuitOf(10))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.ticks(2)
	assertState(t, s, 0, 8, models.PhaseRunning)

	s.TogglePause()
	if n := len(clock.active()); n != 0 {
		t.Errorf("pending callbacks while paused = %d, want 0", n)
	}
	clock.ticks(5)
	forceTick(s)
	assertState(t, s, 0, 8, models.PhasePaused)
	if alerts.countdowns != 0 {
		t.Errorf("countdown alerts while paused = %d, want 0", alerts.countdowns)
	}

	s.TogglePause()
	assertState(t, s, 0, 8, models.PhaseRunning)
	clock.ticks(8)
	assertState(t, s, 1, 0, models.PhaseFinished)
}

func TestStopResetsFromAnyState(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(5, 3))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.ticks(6)
	assertState(t, s, 1, 2, models.PhaseRunning)

	s.Stop()
	assertState(t, s, 0, 5, models.PhaseIdle)
	if n := len(clock.active()); n != 0 {
		t.Errorf("pending callbacks after stop = %d, want 0", n)
	}
	clock.ticks(3)
	assertState(t, s, 0, 5, models.PhaseIdle)

	// Paused and Finished also reset.
	s.Start()
	clock.ticks(1)
	s.Pause()
	s.Stop()
	assertState(t, s, 0, 5, models.PhaseIdle)

	s.Start()
	clock.ticks(8)
	assertState(t, s, 2, 0, models.PhaseFinished)
	s.Stop()
	assertState(t, s, 0, 5, models.PhaseIdle)
}

func TestStartIsIdempotent(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(5))
	for i := 0; i < 3; i++ {
		if err := s.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}
	if n := len(clock.active()); n != 1 {
		t.Fatalf("pending callbacks = %d, want exactly 1", n)
	}
	clock.ticks(1)
	assertState(t, s, 0, 4, models.PhaseRunning)
}

func TestStartRestartsFromFinished(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(2))
	s.Start()
	clock.ticks(2)
	assertState(t, s, 1, 0, models.PhaseFinished)

	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	assertState(t, s, 0, 2, models.PhaseRunning)
}

func TestPauseResumeNoOpOutsideRunning(t *testing.T) {
	s, _, _ := newTestScheduler(circuitOf(5))
	s.Pause()
	s.Resume()
	s.TogglePause()
	assertState(t, s, 0, 5, models.PhaseIdle)
}

func TestFinishedIgnoresStrayTicks(t *testing.T) {
	s, clock, alerts := newTestScheduler(circuitOf(1))
	s.Start()
	clock.ticks(1)
	before := s.State()

	forceTick(s)
	forceTick(s)
	after := s.State()
	if after != before {
		t.Errorf("state changed after finish: %+v -> %+v", before, after)
	}
	if len(alerts.finishes) != 1 {
		t.Errorf("finish alerts = %d, want 1", len(alerts.finishes))
	}
}

func TestStaleCallbackIsNoOp(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(5))
	s.Start()
	stale := clock.active()[0]

	s.Pause()
	s.Resume()
	// The callback captured before the pause fires late.
	stale.f()
	assertState(t, s, 0, 5, models.PhaseRunning)
	if n := len(clock.active()); n != 1 {
		t.Errorf("pending callbacks = %d, want 1", n)
	}
}

func TestCountdownWindow(t *testing.T) {
	tests := []struct {
		name       string
		duration   int
		countdowns int
	}{
		{"long step beeps five times", 12, 5},
		{"exactly six", 6, 5},
		{"five second step", 5, 4},
		{"one second step", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock, alerts := newTestScheduler(circuitOf(tt.duration))
			s.Start()
			clock.ticks(tt.duration)
			if alerts.countdowns != tt.countdowns {
				t.Errorf("countdowns = %d, want %d", alerts.countdowns, tt.countdowns)
			}
			if len(alerts.finishes) != 1 {
				t.Errorf("finishes = %d, want 1", len(alerts.finishes))
			}
		})
	}
}

func TestCountdownRemainingValues(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(8))
	var seen []int
	alerts := &countdownProbe{}
	s.alerts = alerts
	s.Subscribe(func(c Change) {
		if alerts.pending {
			seen = append(seen, c.State.RemainingSeconds)
			alerts.pending = false
		}
	})
	s.Start()
	clock.ticks(8)

	want := []int{5, 4, 3, 2, 1}
	if len(seen) != len(want) {
		t.Fatalf("countdown at %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("countdown[%d] at %d, want %d", i, seen[i], want[i])
		}
	}
}

type countdownProbe struct {
	pending bool
}

func (p *countdownProbe) Countdown(bool, bool) { p.pending = true }

func (p *countdownProbe) Finish(models.FinishAction) {}

func TestCountdownTogglesAreIndependent(t *testing.T) {
	s, clock, alerts := newTestScheduler(circuitOf(3))
	s.SetAlerts(AlertSettings{CountdownVibration: true, FinishAction: models.FinishNone})
	s.Start()
	clock.ticks(3)
	if alerts.sounds != 0 || alerts.vibrations != 2 {
		t.Errorf("sounds=%d vibrations=%d, want 0 and 2", alerts.sounds, alerts.vibrations)
	}
	if len(alerts.finishes) != 1 || alerts.finishes[0] != models.FinishNone {
		t.Errorf("finishes = %v, want [none]", alerts.finishes)
	}

	s2, clock2, alerts2 := newTestScheduler(circuitOf(3))
	s2.SetAlerts(AlertSettings{FinishAction: models.FinishBoth})
	s2.Start()
	clock2.ticks(3)
	if alerts2.countdowns != 0 {
		t.Errorf("countdowns with both toggles off = %d, want 0", alerts2.countdowns)
	}
}

func TestStepIndexNeverDecreases(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(2, 2, 2))
	last := 0
	s.Subscribe(func(c Change) {
		if c.State.StepIndex < last {
			t.Errorf("step went from %d to %d on %s", last, c.State.StepIndex, c.Kind)
		}
		last = c.State.StepIndex
	})
	s.Start()
	for i := 0; i < 6; i++ {
		clock.tick()
		if i == 2 {
			s.TogglePause()
			clock.ticks(2)
			s.TogglePause()
		}
	}
	assertState(t, s, 3, 0, models.PhaseFinished)
}

func TestEmptyCircuitIsInert(t *testing.T) {
	s, clock, _ := newTestScheduler(models.Circuit{ID: 9})
	assertState(t, s, 0, 0, models.PhaseFinished)

	if err := s.Start(); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("Start err = %v, want ErrNoTasks", err)
	}
	s.Stop()
	s.TogglePause()
	clock.ticks(3)
	assertState(t, s, 0, 0, models.PhaseFinished)
	if n := len(clock.active()); n != 0 {
		t.Errorf("pending callbacks = %d, want 0", n)
	}
}

func TestHydrateResumesPaused(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(20, 15))
	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := s.Hydrate(models.RunState{StepIndex: 1, RemainingSeconds: 10, Phase: models.PhaseRunning, StartedAt: started, Version: 40}); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	assertState(t, s, 1, 10, models.PhasePaused)
	if v := s.State().Version; v != 41 {
		t.Errorf("Version = %d, want 41", v)
	}
	if got := s.State().StartedAt; !got.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got, started)
	}
	if n := len(clock.active()); n != 0 {
		t.Errorf("hydration scheduled %d callbacks, want 0", n)
	}

	// Start does not override a hydrated session.
	s.Start()
	assertState(t, s, 1, 10, models.PhasePaused)

	s.TogglePause()
	clock.ticks(10)
	assertState(t, s, 2, 0, models.PhaseFinished)
}

func TestHydrateRejectsInvalidState(t *testing.T) {
	tests := []struct {
		name  string
		state models.RunState
	}{
		{"negative step", models.RunState{StepIndex: -1, RemainingSeconds: 3}},
		{"step past end", models.RunState{StepIndex: 2, RemainingSeconds: 3}},
		{"remaining over duration", models.RunState{StepIndex: 0, RemainingSeconds: 21}},
		{"zero remaining", models.RunState{StepIndex: 1, RemainingSeconds: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestScheduler(circuitOf(20, 15))
			if err := s.Hydrate(tt.state); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("Hydrate err = %v, want ErrInvalidState", err)
			}
			assertState(t, s, 0, 20, models.PhaseIdle)
		})
	}
}

func TestHydrateAfterStartRejected(t *testing.T) {
	s, _, _ := newTestScheduler(circuitOf(5))
	s.Start()
	if err := s.Hydrate(models.RunState{StepIndex: 0, RemainingSeconds: 2}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Hydrate err = %v, want ErrInvalidState", err)
	}
}

func TestCloseCancelsPendingTick(t *testing.T) {
	s, clock, alerts := newTestScheduler(circuitOf(6))
	s.Start()
	clock.ticks(1)
	s.Close()
	s.Close()

	if n := len(clock.active()); n != 0 {
		t.Fatalf("pending callbacks after close = %d, want 0", n)
	}
	clock.ticks(10)
	assertState(t, s, 0, 5, models.PhaseRunning)
	if alerts.countdowns != 1 {
		t.Errorf("countdowns = %d, want 1 (before close only)", alerts.countdowns)
	}
	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after close err = %v, want ErrClosed", err)
	}
}

func TestObserversSeeOrderedChanges(t *testing.T) {
	s, clock, _ := newTestScheduler(circuitOf(2, 1))
	var kinds []ChangeKind
	var versions []uint64
	unsubscribe := s.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
		versions = append(versions, c.State.Version)
	})

	s.Start()
	clock.ticks(1)
	s.Pause()
	s.Resume()
	clock.ticks(2)

	want := []ChangeKind{ChangeStarted, ChangeTicked, ChangePaused, ChangeResumed, ChangeAdvanced, ChangeFinished}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("version %d after %d", versions[i], versions[i-1])
		}
	}

	unsubscribe()
	s.Stop()
	if len(kinds) != len(want) {
		t.Errorf("observer called after unsubscribe")
	}
}

func TestSystemClockTicks(t *testing.T) {
	s := New(circuitOf(2), WithInterval(5*time.Millisecond))
	done := make(chan struct{})
	s.Subscribe(func(c Change) {
		if c.Kind == ChangeFinished {
			close(done)
		}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish on the system clock")
	}
	s.Close()
	assertState(t, s, 1, 0, models.PhaseFinished)
}
