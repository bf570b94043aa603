package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/circuits/internal/api"
	"github.com/mpataki/circuits/internal/log"
	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/session"
	"github.com/mpataki/circuits/internal/spec"
	"github.com/mpataki/circuits/internal/storage"
	"github.com/mpataki/circuits/internal/timer"
)

type Orchestrator struct {
	store   api.Store
	logger  *log.Logger
	alerter timer.Alerter
	clock   timer.Clock
	timeout time.Duration
}

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithAlerter(a timer.Alerter) Option { return func(o *Orchestrator) { o.alerter = a } }

func WithClock(c timer.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithSyncTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }

func New(store api.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		timeout: session.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run is one opened circuit: its scheduler plus the sync and logging
// attached to it.
type Run struct {
	Circuit   models.Circuit
	Scheduler *timer.Scheduler
	// Resumed is true when a stored session was restored.
	Resumed bool

	reconciler *session.Reconciler
	logger     *log.Logger
	detach     []func()

	mu       sync.Mutex
	warnings []func(error)
	closed   bool
}

// Open loads the circuit, restores any stored session into a new scheduler
// and starts mirroring its changes to the backend. warn receives sync
// failures from the background writer and may be nil.
func (o *Orchestrator) Open(ctx context.Context, circuitID int64, settings timer.AlertSettings, warn func(error)) (*Run, error) {
	c, err := o.store.GetCircuit(ctx, circuitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit %d: %w", circuitID, err)
	}

	opts := []timer.Option{timer.WithAlertSettings(settings)}
	if o.alerter != nil {
		opts = append(opts, timer.WithAlerter(o.alerter))
	}
	if o.clock != nil {
		opts = append(opts, timer.WithClock(o.clock))
	}

	run := &Run{
		Circuit:   *c,
		Scheduler: timer.New(*c, opts...),
		logger:    o.logger,
	}
	if warn != nil {
		run.warnings = append(run.warnings, warn)
	}
	run.reconciler = session.New(o.store, *c,
		session.WithLogger(o.logger),
		session.WithTimeout(o.timeout),
		session.WithWarnings(run.warn),
	)

	run.Resumed = run.reconciler.Hydrate(ctx, run.Scheduler)
	run.detach = append(run.detach,
		run.reconciler.Attach(run.Scheduler),
		run.Scheduler.Subscribe(run.logChange),
	)

	o.logger.Append(log.LogEvent{
		Event:     log.EventRunOpened,
		CircuitID: c.ID,
		Data:      map[string]any{"resumed": run.Resumed, "tasks": len(c.Tasks)},
	})
	return run, nil
}

// OnWarning adds a receiver for sync failures.
func (r *Run) OnWarning(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, fn)
}

func (r *Run) warn(err error) {
	r.mu.Lock()
	fns := append(([]func(error))(nil), r.warnings...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Close stops the scheduler, then waits for pending session writes until
// ctx is done. The stored session is left in place so the run can resume.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.Scheduler.Close()
	for _, fn := range r.detach {
		fn()
	}
	return r.reconciler.Close(ctx)
}

func (r *Run) logChange(c timer.Change) {
	event := log.LogEvent{
		CircuitID: r.Circuit.ID,
		Step:      c.State.StepIndex,
		Remaining: c.State.RemainingSeconds,
	}
	if c.State.StepIndex < len(r.Circuit.Tasks) {
		event.Task = r.Circuit.Tasks[c.State.StepIndex].Name
	}

	switch c.Kind {
	case timer.ChangeStarted:
		event.Event = log.EventRunStarted
	case timer.ChangePaused:
		event.Event = log.EventRunPaused
	case timer.ChangeResumed:
		event.Event = log.EventRunResumed
	case timer.ChangeStopped:
		event.Event = log.EventRunStopped
	case timer.ChangeAdvanced, timer.ChangeFinished:
		r.logger.Append(log.LogEvent{
			Event:     log.EventStepCompleted,
			CircuitID: r.Circuit.ID,
			Step:      c.Step,
			Task:      r.Circuit.Tasks[c.Step].Name,
		})
		if c.Kind == timer.ChangeAdvanced {
			return
		}
		event.Event = log.EventRunFinished
		event.Task = ""
		event.Data = map[string]any{
			"total_seconds": r.Circuit.TotalSeconds(),
			"elapsed":       c.State.UpdatedAt.Sub(c.State.StartedAt).Seconds(),
		}
	default:
		return
	}
	r.logger.Append(event)
}

// Read methods for the TUI and CLI

func (o *Orchestrator) ListCircuits(ctx context.Context) ([]*models.Circuit, error) {
	return o.store.ListCircuits(ctx)
}

func (o *Orchestrator) GetCircuit(ctx context.Context, id int64) (*models.Circuit, error) {
	return o.store.GetCircuit(ctx, id)
}

func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	return o.store.ListRuns(ctx, limit)
}

// Status returns the stored session of a circuit, or nil when there is none.
func (o *Orchestrator) Status(ctx context.Context, circuitID int64) (*models.Circuit, *models.RunSession, error) {
	c, err := o.store.GetCircuit(ctx, circuitID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load circuit %d: %w", circuitID, err)
	}
	rs, err := o.store.GetSession(ctx, circuitID)
	if errors.Is(err, storage.ErrNotFound) {
		return c, nil, nil
	}
	if err != nil {
		return c, nil, fmt.Errorf("failed to load session: %w", err)
	}
	return c, rs, nil
}

// ResetSession discards the stored session so the next open starts fresh.
func (o *Orchestrator) ResetSession(ctx context.Context, circuitID int64) error {
	if err := o.store.DeleteSession(ctx, circuitID); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// Import parses a definition file and stores the circuit. Messages the
// script logged are returned on the definition and written to the event log.
func (o *Orchestrator) Import(ctx context.Context, path string) (*spec.Definition, error) {
	def, err := spec.Load(path)
	if def != nil {
		o.logDefinition(def)
	}
	if err != nil {
		return def, err
	}
	if _, err := o.create(ctx, def); err != nil {
		return def, err
	}
	return def, nil
}

// ImportReport lists what ImportDirs stored and what it left alone.
type ImportReport struct {
	Imported []*spec.Definition
	// Skipped holds definitions whose name is already taken, either by a
	// stored circuit or by an earlier file in the same import.
	Skipped []*spec.Definition
}

// ImportDirs stores every definition found in dirs, in path order. A name
// that already exists is skipped, so importing twice adds nothing.
func (o *Orchestrator) ImportDirs(ctx context.Context, dirs []string) (*ImportReport, error) {
	defs, err := spec.LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	existing, err := o.store.ListCircuits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuits: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, c := range existing {
		taken[c.Name] = true
	}

	report := &ImportReport{}
	for _, def := range defs {
		o.logDefinition(def)
		if taken[def.Circuit.Name] {
			report.Skipped = append(report.Skipped, def)
			continue
		}
		if _, err := o.create(ctx, def); err != nil {
			return report, err
		}
		taken[def.Circuit.Name] = true
		report.Imported = append(report.Imported, def)
	}
	return report, nil
}

func (o *Orchestrator) logDefinition(def *spec.Definition) {
	for _, msg := range def.Logs {
		o.logger.Append(log.LogEvent{
			Event:  log.EventDefinitionLog,
			Reason: msg,
			Data:   map[string]any{"path": def.Path},
		})
	}
}

func (o *Orchestrator) create(ctx context.Context, def *spec.Definition) (*models.Circuit, error) {
	c := def.Circuit
	if err := spec.Validate(c); err != nil {
		return nil, err
	}
	id, err := o.store.CreateCircuit(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit: %w", err)
	}
	c.ID = id
	o.logger.Append(log.LogEvent{
		Event:     log.EventCircuitImported,
		CircuitID: id,
		Data:      map[string]any{"path": def.Path, "tasks": len(c.Tasks)},
	})
	return c, nil
}

// UpdateCircuit replaces the definition stored under id with the one in
// path. A stored session that no longer fits is discarded.
func (o *Orchestrator) UpdateCircuit(ctx context.Context, id int64, path string) (*spec.Definition, error) {
	def, err := spec.Load(path)
	if def != nil {
		o.logDefinition(def)
	}
	if err != nil {
		return def, err
	}
	def.Circuit.ID = id
	if err := o.store.UpdateCircuit(ctx, def.Circuit); err != nil {
		return def, fmt.Errorf("failed to update circuit %d: %w", id, err)
	}
	return def, nil
}

// Export encodes the definition of circuit id in format ("json" or "yaml").
func (o *Orchestrator) Export(ctx context.Context, id int64, format string) ([]byte, error) {
	c, err := o.store.GetCircuit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load circuit %d: %w", id, err)
	}
	return spec.Marshal(c, format)
}

// Events reads the event log.
func (o *Orchestrator) Events(f log.Filter) ([]log.LogEvent, error) {
	return o.logger.Query(f)
}

func (o *Orchestrator) DeleteCircuit(ctx context.Context, id int64) error {
	return o.store.DeleteCircuit(ctx, id)
}
