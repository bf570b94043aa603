// Package session mirrors a scheduler's run state to a backend without ever
// holding up the tick path, and restores an interrupted run on open.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/circuits/internal/log"
	"github.com/mpataki/circuits/internal/models"
	"github.com/mpataki/circuits/internal/storage"
	"github.com/mpataki/circuits/internal/timer"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 5 * time.Second

// Backend holds the live session of each circuit. GetSession returns an
// error matching storage.ErrNotFound when there is none.
type Backend interface {
	GetSession(ctx context.Context, circuitID int64) (*models.RunSession, error)
	PutSession(ctx context.Context, circuitID int64, rs models.RunSession) (*models.RunSession, error)
	DeleteSession(ctx context.Context, circuitID int64) error
	FinishSession(ctx context.Context, circuitID int64, done models.Completion) (*models.RunRecord, error)
}

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opFinish
)

func (k opKind) String() string {
	switch k {
	case opUpsert:
		return "upsert"
	case opDelete:
		return "delete"
	case opFinish:
		return "finish"
	}
	return "unknown"
}

type op struct {
	kind    opKind
	session models.RunSession
	done    models.Completion
}

type Option func(*Reconciler)

func WithLogger(l *log.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithWarnings sets the callback for sync failures. It is called from the
// worker goroutine.
func WithWarnings(fn func(error)) Option { return func(r *Reconciler) { r.warn = fn } }

func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Reconciler owns the persisted mirror of one circuit's run.
type Reconciler struct {
	backend Backend
	circuit models.Circuit
	logger  *log.Logger
	warn    func(error)
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []op
	closed bool
	live   bool // a session may exist on the backend
}

// New starts the sync worker for circuit.
func New(backend Backend, circuit models.Circuit, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend: backend,
		circuit: circuit.Clone(),
		timeout: DefaultTimeout,
		done:    make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.base, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Hydrate loads the stored session and, when it is usable for the current
// circuit, restores it into s as Paused. It reports whether a session was
// resumed. Every failure falls back to a fresh run at task 0.
func (r *Reconciler) Hydrate(ctx context.Context, s *timer.Scheduler) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rs, err := r.backend.GetSession(ctx, r.circuit.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		r.failed("load", err)
		return false
	}

	r.mu.Lock()
	r.live = true
	r.mu.Unlock()

	if rs.Phase == models.PhaseFinished {
		r.discard(rs, "session already finished")
		return false
	}
	err = s.Hydrate(models.RunState{
		CircuitID:        r.circuit.ID,
		StepIndex:        rs.StepIndex,
		RemainingSeconds: rs.RemainingSeconds,
		Phase:            rs.Phase,
		StartedAt:        rs.StartedAt,
		Version:          rs.Version,
	})
	if err != nil {
		r.discard(rs, err.Error())
		return false
	}

	step := rs.StepIndex
	r.logger.Append(log.LogEvent{
		Event:     log.EventSessionResumed,
		CircuitID: r.circuit.ID,
		Step:      step,
		Task:      r.circuit.Tasks[step].Name,
		Remaining: rs.RemainingSeconds,
	})
	return true
}

func (r *Reconciler) discard(rs *models.RunSession, reason string) {
	r.logger.Append(log.LogEvent{
		Event:     log.EventSessionDiscarded,
		CircuitID: r.circuit.ID,
		Step:      rs.StepIndex,
		Remaining: rs.RemainingSeconds,
		Reason:    reason,
	})
}

// Attach subscribes the reconciler to s and returns the detach function.
func (r *Reconciler) Attach(s *timer.Scheduler) func() {
	return s.Subscribe(r.Observe)
}

// Observe queues the backend write for a scheduler change. It never blocks
// on the backend.
func (r *Reconciler) Observe(c timer.Change) {
	switch c.Kind {
	case timer.ChangeStarted, timer.ChangeTicked, timer.ChangeAdvanced,
		timer.ChangePaused, timer.ChangeResumed:
		r.enqueue(op{kind: opUpsert, session: models.SessionFromState(c.State)})
	case timer.ChangeStopped:
		r.enqueue(op{kind: opDelete})
	case timer.ChangeFinished:
		r.enqueue(op{kind: opFinish, done: models.Completion{
			StartedAt:    c.State.StartedAt,
			FinishedAt:   c.State.UpdatedAt,
			TotalSeconds: r.circuit.TotalSeconds(),
		}})
	}
}

func (r *Reconciler) enqueue(o op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch o.kind {
	case opUpsert:
		r.live = true
		if n := len(r.queue); n > 0 && r.queue[n-1].kind == opUpsert {
			r.queue[n-1] = o
			return
		}
	case opDelete, opFinish:
		if o.kind == opDelete && !r.live {
			return
		}
		r.live = false
		kept := r.queue[:0]
		for _, q := range r.queue {
			if q.kind != opUpsert {
				kept = append(kept, q)
			}
		}
		r.queue = kept
	}
	r.queue = append(r.queue, o)
	r.cond.Signal()
}

// pending returns the number of queued writes not yet started.
func (r *Reconciler) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting changes and waits for queued writes to finish. When
// ctx expires first, the remaining queue is dropped, the in-flight request
// is cancelled and ctx's error is returned.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.queue = nil
		r.mu.Unlock()
		r.cancel()
		return ctx.Err()
	}
}

func (r *Reconciler) run() {
	defer close(r.done)
	for {
		o, ok := r.next()
		if !ok {
			return
		}
		if err := r.apply(o); err != nil {
			r.failed(o.kind.String(), err)
		}
	}
}

func (r *Reconciler) next() (op, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 {
		if r.closed {
			return op{}, false
		}
		r.cond.Wait()
	}
	o := r.queue[0]
	r.queue = r.queue[1:]
	return o, true
}

func (r *Reconciler) apply(o op) error {
	ctx, cancel := context.WithTimeout(r.base, r.timeout)
	defer cancel()

	id := r.circuit.ID
	switch o.kind {
	case opUpsert:
		_, err := r.backend.PutSession(ctx, id, o.session)
		if errors.Is(err, storage.ErrStaleWrite) {
			// A newer write already landed.
			return nil
		}
		return err
	case opDelete:
		return r.backend.DeleteSession(ctx, id)
	case opFinish:
		_, err := r.backend.FinishSession(ctx, id, o.done)
		return err
	}
	return fmt.Errorf("unknown sync op %d", o.kind)
}

func (r *Reconciler) failed(opName string, err error) {
	r.logger.Append(log.LogEvent{
		Event:     log.EventSyncFailed,
		CircuitID: r.circuit.ID,
		Op:        opName,
		Error:     err.Error(),
	})
	if r.warn != nil {
		r.warn(fmt.Errorf("session %s failed: %w", opName, err))
	}
}
