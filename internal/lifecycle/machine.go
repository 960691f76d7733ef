// Package lifecycle owns the authoritative state of tracked jobs. It applies
// inbound protocol messages through the job reducer, one job at a time,
// persists the result, resolves waiters on terminal transitions and emits
// lifecycle events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omotes/internal/apperrors"
	"omotes/internal/correlation"
	"omotes/pkg/job"
	"omotes/pkg/jobstore"
	"omotes/pkg/protocol"
)

var (
	// ErrOrphan is returned for a message about a job that is not tracked.
	ErrOrphan = fmt.Errorf("lifecycle: orphan message: %w", apperrors.ErrNotFound)
	// ErrUnhandled is returned for a message type the state machine does not consume.
	ErrUnhandled = errors.New("lifecycle: unhandled message type")
)

// Discard reasons reported to MetricsRecorder.
const (
	ReasonOrphan      = "orphan"
	ReasonTerminal    = "terminal"
	ReasonStale       = "stale"
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
)

// Event describes one change to a tracked job.
type Event struct {
	Job      job.Job
	Previous job.Status
	Kind     job.EventKind
	Decision job.Decision
}

// Emitter receives lifecycle events while the job's lock is held. It must
// not block.
type Emitter func(Event)

// MetricsRecorder is an optional interface for recording lifecycle metrics.
type MetricsRecorder interface {
	RecordTransition(ctx context.Context, workflowType string, status job.Status)
	RecordDiscarded(ctx context.Context, reason string)
	RecordDecodeError(ctx context.Context)
}

// Option configures a Machine.
type Option func(*Machine)

// WithEmitter sets the receiver of lifecycle events.
func WithEmitter(fn Emitter) Option {
	return func(m *Machine) { m.emit = fn }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(m *Machine) { m.metrics = rec }
}

// WithClock overrides the time source used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// Machine is the job lifecycle state machine. Transitions of one job are
// serialized; different jobs never wait on each other.
type Machine struct {
	store    jobstore.Store
	registry *correlation.Registry[job.Outcome]
	locks    *keyMutex
	emit     Emitter
	metrics  MetricsRecorder
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a state machine over store that resolves terminal outcomes in registry.
func New(store jobstore.Store, registry *correlation.Registry[job.Outcome], opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		registry: registry,
		locks:    newKeyMutex(),
		now:      time.Now,
		logger:   slog.With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register starts tracking a new job in the Registered state.
func (m *Machine) Register(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	if j.Status != job.StatusRegistered {
		return apperrors.Validation("status", "new jobs must be registered")
	}
	unlock := m.locks.Lock(j.ID)
	defer unlock()
	return m.store.Create(ctx, j)
}

// Submit registers j, calls publish and records the Submitted transition,
// all under the job's lock so no inbound update for j is applied before it
// is Submitted. If publish fails the job is removed and the error returned.
func (m *Machine) Submit(ctx context.Context, j *job.Job, publish func(context.Context) error) (*job.Job, error) {
	if j.ID == "" {
		return nil, apperrors.Validation("id", "job id is required")
	}
	if j.Status != job.StatusRegistered {
		return nil, apperrors.Validation("status", "new jobs must be registered")
	}
	unlock := m.locks.Lock(j.ID)
	defer unlock()

	if err := m.store.Create(ctx, j); err != nil {
		return nil, err
	}
	if err := publish(ctx); err != nil {
		if delErr := m.store.Delete(ctx, j.ID); delErr != nil {
			m.logger.Warn("Removing unpublished job failed", "jobId", j.ID, "error", delErr)
		}
		return nil, err
	}

	next, _ := job.Apply(j, job.Submitted(m.now()), m.now())
	if err := m.store.Update(ctx, next); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordTransition(ctx, next.WorkflowType, next.Status)
	}
	if m.emit != nil {
		m.emit(Event{Job: *next.Clone(), Previous: j.Status, Kind: job.EventSubmitted, Decision: job.Applied})
	}
	return next, nil
}

// Track starts tracking a job submitted elsewhere, such as by an earlier
// process. An already tracked job is returned unchanged.
func (m *Machine) Track(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j.ID == "" {
		return nil, apperrors.Validation("id", "job id is required")
	}
	unlock := m.locks.Lock(j.ID)
	defer unlock()

	err := m.store.Create(ctx, j)
	if errors.Is(err, apperrors.ErrConflict) {
		return m.store.Get(ctx, j.ID)
	}
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		m.registry.Resolve(j.ID, j.Outcome())
	}
	return j.Clone(), nil
}

// Apply feeds ev for job id through the reducer and persists the result.
// A job that is not tracked yields ErrOrphan.
func (m *Machine) Apply(ctx context.Context, id string, ev job.Event) (*job.Job, job.Decision, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		m.discarded(ctx, ReasonOrphan)
		m.logger.Info("Orphan message dropped", "jobId", id, "event", ev.Kind)
		return nil, job.Ignored, ErrOrphan
	}
	if err != nil {
		return nil, job.Ignored, err
	}

	next, decision := job.Apply(cur, ev, m.now())
	switch decision {
	case job.Discarded:
		m.discarded(ctx, ReasonTerminal)
		m.logger.Info("Message for terminal job discarded", "jobId", id, "status", cur.Status, "event", ev.Kind)
		return cur, decision, nil
	case job.Ignored:
		m.discarded(ctx, ReasonStale)
		m.logger.Debug("Stale message ignored", "jobId", id, "status", cur.Status, "attempt", cur.Attempt,
			"event", ev.Kind, "eventAttempt", ev.Attempt)
		return cur, decision, nil
	}

	if err := m.store.Update(ctx, next); err != nil {
		return cur, job.Ignored, err
	}

	if decision == job.Applied {
		if m.metrics != nil {
			m.metrics.RecordTransition(ctx, next.WorkflowType, next.Status)
		}
		if next.Status != cur.Status {
			m.logger.Debug("Job transitioned", "jobId", id, "from", cur.Status, "to", next.Status, "attempt", next.Attempt)
		}
		if next.Status.Terminal() {
			m.registry.Resolve(id, next.Outcome())
		}
	}
	if m.emit != nil {
		m.emit(Event{Job: *next.Clone(), Previous: cur.Status, Kind: ev.Kind, Decision: decision})
	}
	return next, decision, nil
}

// Handle applies a decoded status, progress or result message.
func (m *Machine) Handle(ctx context.Context, body protocol.Body) (job.Decision, error) {
	var ev job.Event
	switch b := body.(type) {
	case *protocol.JobStatusUpdate:
		ev = job.FromStatusUpdate(b)
	case *protocol.JobProgressUpdate:
		ev = job.FromProgressUpdate(b)
	case *protocol.JobResult:
		ev = job.FromResult(b)
	default:
		return job.Ignored, fmt.Errorf("%w: %s", ErrUnhandled, body.MessageType())
	}
	_, decision, err := m.Apply(ctx, body.Correlation(), ev)
	return decision, err
}

// Get returns a copy of the tracked job.
func (m *Machine) Get(ctx context.Context, id string) (*job.Job, error) {
	return m.store.Get(ctx, id)
}

// List returns copies of all tracked jobs.
func (m *Machine) List(ctx context.Context) ([]*job.Job, error) {
	return m.store.List(ctx)
}

// Forget stops tracking a terminal job.
func (m *Machine) Forget(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.Terminal() {
		return apperrors.Conflict("job", id, "cannot forget a job in status "+cur.Status.String())
	}
	return m.store.Delete(ctx, id)
}

// Remove stops tracking a job regardless of its state. It is used when a
// submission could not be published.
func (m *Machine) Remove(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.store.Delete(ctx, id)
}

func (m *Machine) discarded(ctx context.Context, reason string) {
	if m.metrics != nil {
		m.metrics.RecordDiscarded(ctx, reason)
	}
}
