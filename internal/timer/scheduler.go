// Package timer drives one circuit through its tasks, one logical tick per
// second, and notifies observers of every state change.
package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/circuits/internal/models"
)

var (
	ErrNoTasks      = errors.New("circuit has no tasks")
	ErrInvalidState = errors.New("invalid run state")
	ErrClosed       = errors.New("scheduler closed")
)

// countdownWindow is the number of final seconds of a step that beep.
const countdownWindow = 5

// Alerter receives countdown and step-completion events. Calls happen on the
// tick path and must return quickly.
type Alerter interface {
	Countdown(sound, vibrate bool)
	Finish(action models.FinishAction)
}

// AlertSettings are the user's alert toggles. They may change mid-run.
type AlertSettings struct {
	CountdownSound     bool
	CountdownVibration bool
	FinishAction       models.FinishAction
}

func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		CountdownSound: true,
		FinishAction:   models.FinishSound,
	}
}

type ChangeKind int

const (
	ChangeHydrated ChangeKind = iota
	ChangeStarted
	ChangeTicked
	ChangeAdvanced
	ChangePaused
	ChangeResumed
	ChangeStopped
	ChangeFinished
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeHydrated:
		return "hydrated"
	case ChangeStarted:
		return "started"
	case ChangeTicked:
		return "ticked"
	case ChangeAdvanced:
		return "advanced"
	case ChangePaused:
		return "paused"
	case ChangeResumed:
		return "resumed"
	case ChangeStopped:
		return "stopped"
	case ChangeFinished:
		return "finished"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// Change is delivered to observers after every mutation.
type Change struct {
	Kind  ChangeKind
	State models.RunState
	// Step is the index of the task that just completed (ChangeAdvanced and
	// ChangeFinished only).
	Step int
}

// Observer is called synchronously and in order. It must not block and
// must not call back into the Scheduler.
type Observer func(Change)

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithAlerter(a Alerter) Option { return func(s *Scheduler) { s.alerts = a } }

func WithAlertSettings(a AlertSettings) Option { return func(s *Scheduler) { s.settings = a } }

// WithInterval sets the wall-clock length of one logical tick.
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

type Scheduler struct {
	mu       sync.Mutex
	circuit  models.Circuit
	state    models.RunState
	settings AlertSettings
	clock    Clock
	alerts   Alerter
	interval time.Duration

	pending Timer
	gen     uint64 // bumped on every cancel; stale callbacks compare against it
	started bool
	closed  bool

	observers map[int]Observer
	order     []int
	nextObs   int
}

// New returns an Idle scheduler positioned at task 0. A circuit without
// tasks yields an inert Finished scheduler that refuses to start.
func New(circuit models.Circuit, opts ...Option) *Scheduler {
	s := &Scheduler{
		circuit:   circuit.Clone(),
		settings:  DefaultAlertSettings(),
		clock:     SystemClock(),
		interval:  time.Second,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerts == nil {
		s.alerts = nopAlerter{}
	}
	s.state = models.RunState{CircuitID: circuit.ID}
	s.resetLocked()
	s.state.UpdatedAt = s.clock.Now()
	return s
}

func (s *Scheduler) Circuit() models.Circuit { return s.circuit.Clone() }

// State returns a snapshot of the live run state.
func (s *Scheduler) State() models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Alerts() AlertSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Scheduler) SetAlerts(a AlertSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = a
}

// Subscribe registers fn and returns a function that removes it.
func (s *Scheduler) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// Hydrate replaces the initial state with a persisted position. It is only
// accepted before the first Start, and the run comes back Paused. The
// persisted version is carried forward so later writes stay newer.
func (s *Scheduler) Hydrate(state models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started || s.state.Phase != models.PhaseIdle {
		return fmt.Errorf("%w: hydrate after start", ErrInvalidState)
	}
	n := len(s.circuit.Tasks)
	if state.StepIndex < 0 || state.StepIndex >= n {
		return fmt.Errorf("%w: step %d out of range for %d tasks", ErrInvalidState, state.StepIndex, n)
	}
	limit := s.circuit.Tasks[state.StepIndex].Duration
	if state.RemainingSeconds < 1 || state.RemainingSeconds > limit {
		return fmt.Errorf("%w: %d seconds remaining outside step duration %d", ErrInvalidState, state.RemainingSeconds, limit)
	}

	s.state.StepIndex = state.StepIndex
	s.state.RemainingSeconds = state.RemainingSeconds
	s.state.StartedAt = state.StartedAt
	if state.Version > s.state.Version {
		s.state.Version = state.Version
	}
	s.state.Phase = models.PhasePaused
	s.started = true
	s.emitLocked(ChangeHydrated, 0)
	return nil
}

// Start begins the run from Idle, or restarts it from Finished. It is a
// no-op while Running or Paused.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(s.circuit.Tasks) == 0 {
		return ErrNoTasks
	}
	switch s.state.Phase {
	case models.PhaseRunning, models.PhasePaused:
		return nil
	case models.PhaseFinished:
		s.resetLocked()
	}

	s.started = true
	s.state.Phase = models.PhaseRunning
	s.state.StartedAt = s.clock.Now()
	s.scheduleLocked()
	s.emitLocked(ChangeStarted, 0)
	return nil
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.state.Phase == models.PhaseRunning {
		s.pauseLocked()
	}
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.state.Phase == models.PhasePaused {
		s.resumeLocked()
	}
}

// TogglePause flips Running and Paused. Any other phase is left alone.
func (s *Scheduler) TogglePause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch s.state.Phase {
	case models.PhaseRunning:
		s.pauseLocked()
	case models.PhasePaused:
		s.resumeLocked()
	}
}

func (s *Scheduler) pauseLocked() {
	s.cancelLocked()
	s.state.Phase = models.PhasePaused
	s.emitLocked(ChangePaused, 0)
}

func (s *Scheduler) resumeLocked() {
	s.state.Phase = models.PhaseRunning
	s.scheduleLocked()
	s.emitLocked(ChangeResumed, 0)
}

// Stop cancels the pending tick and returns to Idle at task 0.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked()
	if len(s.circuit.Tasks) == 0 {
		return
	}
	s.started = false
	s.resetLocked()
	s.state.StartedAt = time.Time{}
	s.emitLocked(ChangeStopped, 0)
}

// Close cancels the pending tick and rejects any further command. The
// current state is left as is so that a persisted session stays resumable.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cancelLocked()
	s.closed = true
}

func (s *Scheduler) resetLocked() {
	s.state.StepIndex = 0
	if len(s.circuit.Tasks) == 0 {
		s.state.RemainingSeconds = 0
		s.state.Phase = models.PhaseFinished
		return
	}
	s.state.RemainingSeconds = s.circuit.Tasks[0].Duration
	s.state.Phase = models.PhaseIdle
}

func (s *Scheduler) scheduleLocked() {
	if s.pending != nil {
		return
	}
	gen := s.gen
	s.pending = s.clock.AfterFunc(s.interval, func() { s.fire(gen) })
}

func (s *Scheduler) cancelLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}
	s.pending = nil
	s.tickLocked()
	if s.state.Phase == models.PhaseRunning {
		s.scheduleLocked()
	}
}

func (s *Scheduler) tickLocked() {
	if s.state.Phase != models.PhaseRunning {
		return
	}

	s.state.RemainingSeconds--
	remaining := s.state.RemainingSeconds

	if remaining > 0 {
		if remaining <= countdownWindow && (s.settings.CountdownSound || s.settings.CountdownVibration) {
			s.alerts.Countdown(s.settings.CountdownSound, s.settings.CountdownVibration)
		}
		s.emitLocked(ChangeTicked, 0)
		return
	}

	s.alerts.Finish(s.settings.FinishAction)
	done := s.state.StepIndex
	s.state.StepIndex++
	if s.state.StepIndex >= len(s.circuit.Tasks) {
		s.state.StepIndex = len(s.circuit.Tasks)
		s.state.RemainingSeconds = 0
		s.state.Phase = models.PhaseFinished
		s.cancelLocked()
		s.emitLocked(ChangeFinished, done)
		return
	}
	s.state.RemainingSeconds = s.circuit.Tasks[s.state.StepIndex].Duration
	s.emitLocked(ChangeAdvanced, done)
}

func (s *Scheduler) emitLocked(kind ChangeKind, step int) {
	s.state.Version++
	s.state.UpdatedAt = s.clock.Now()
	c := Change{Kind: kind, State: s.state, Step: step}
	for _, id := range s.order {
		s.observers[id](c)
	}
}

type nopAlerter struct{}

func (nopAlerter) Countdown(bool, bool) {}

func (nopAlerter) Finish(models.FinishAction) {}
