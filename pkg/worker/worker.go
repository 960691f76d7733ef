// Package worker implements the worker side of the dispatch protocol. A
// Worker advertises its workflow types through heartbeats, runs the jobs the
// orchestrator assigns to it and reports status, progress and results on the
// worker events destination.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"omotes/internal/apperrors"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
)

// Error codes reported in failed results.
const (
	CodeFailed        = "failed"
	CodeInvalidParams = "invalid_params"
	CodeUnknownType   = "unknown_workflow"
)

// TaskFunc executes one job. Returning an error after the job was cancelled
// reports it as Cancelled. A job interrupted by Stop reports no result and is
// requeued by the orchestrator.
type TaskFunc func(ctx context.Context, task *Task) (*Result, error)

// Result is the output of a successful job.
type Result struct {
	Output   []byte
	Logs     string
	Messages []protocol.EsdlMessage
}

// TaskError fails a job with a specific error code.
type TaskError struct {
	Code    string
	Message string
	Logs    string
}

func (e *TaskError) Error() string {
	return e.Code + ": " + e.Message
}

// Task is one assigned job.
type Task struct {
	JobID        string
	WorkflowType string
	Payload      []byte
	Params       map[string]any
	Attempt      uint32

	w *Worker
}

// Progress reports the fraction done (0..1) and a short message.
func (t *Task) Progress(ctx context.Context, fraction float64, message string) error {
	return t.w.publishEvent(ctx, &protocol.JobProgressUpdate{
		JobID:     t.JobID,
		Attempt:   t.Attempt,
		Progress:  fraction,
		Message:   message,
		Timestamp: time.Now(),
	})
}

type running struct {
	attempt uint32
	cancel  context.CancelFunc
	// requested is set when a JobCancellation stopped the run.
	requested bool
}

// Worker runs jobs for the workflow types registered on it.
type Worker struct {
	transport transport.Transport
	cfg       Config
	codec     *protocol.Codec
	logger    *slog.Logger

	mu       sync.Mutex
	tasks    map[string]TaskFunc
	active   map[string]*running
	sub      transport.Subscription
	started  bool
	draining bool
	stopHB   context.CancelFunc
	hbDone   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithCodec sets the body encoding of outgoing messages (default: MessagePack).
func WithCodec(c *protocol.Codec) Option {
	return func(w *Worker) { w.codec = c }
}

// New creates a worker on t.
func New(t transport.Transport, cfg Config, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	w := &Worker{
		transport: t,
		cfg:       cfg,
		codec:     protocol.DefaultCodec(),
		logger:    slog.With("component", "worker", "workerId", cfg.ID),
		tasks:     make(map[string]TaskFunc),
		active:    make(map[string]*running),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.ID }

// Register adds fn as the handler of workflowType. It must be called before Start.
func (w *Worker) Register(workflowType string, fn TaskFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[workflowType] = fn
}

// WorkflowTypes returns the registered workflow types, sorted.
func (w *Worker) WorkflowTypes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.tasks))
}

// ActiveJobs returns the number of running jobs.
func (w *Worker) ActiveJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Start subscribes to the worker's job queue and begins heartbeating.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if len(w.tasks) == 0 {
		w.mu.Unlock()
		return apperrors.Validation("workflowTypes", "worker has no registered workflow types")
	}
	w.started = true
	w.mu.Unlock()

	for _, dest := range []string{protocol.HeartbeatsDestination, protocol.WorkerEventsDestination} {
		if err := w.transport.Declare(ctx, dest); err != nil {
			return err
		}
	}
	sub, err := w.transport.Subscribe(ctx, protocol.WorkerJobsDestination(w.cfg.ID), w.handleDelivery,
		transport.WithQueueArguments(transport.QueueArguments{Expires: w.cfg.QueueExpiry}))
	if err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.sub = sub
	w.stopHB = cancel
	w.hbDone = make(chan struct{})
	w.mu.Unlock()

	go w.heartbeatLoop(hbCtx)
	w.logger.Info("Worker started", "workflowTypes", w.WorkflowTypes(), "capacity", w.cfg.Capacity)
	return nil
}

// Stop stops taking jobs, lets running jobs finish within the shutdown grace
// period or until ctx is done, then interrupts the rest and sends a final
// draining heartbeat. Interrupted jobs report no result; the orchestrator
// requeues them once the worker is gone.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started || w.draining {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	sub, stopHB, hbDone := w.sub, w.stopHB, w.hbDone
	w.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		w.logger.Warn("Unsubscribe failed", "error", err)
	}
	stopHB()
	<-hbDone

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(w.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		w.interruptAll()
		<-done
	case <-ctx.Done():
		w.interruptAll()
		<-done
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sendHeartbeat(finalCtx); err != nil {
		w.logger.Warn("Final heartbeat failed", "error", err)
	}
	w.logger.Info("Worker stopped")
	return nil
}

// interruptAll stops every running job without cancelling it.
func (w *Worker) interruptAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, r := range w.active {
		w.logger.Warn("Job interrupted by shutdown", "jobId", id, "attempt", r.attempt)
		r.cancel()
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer close(w.hbDone)
	if err := w.sendHeartbeat(ctx); err != nil {
		w.logger.Warn("Heartbeat failed", "error", err)
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sendHeartbeat(ctx); err != nil {
				w.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) error {
	w.mu.Lock()
	hb := &protocol.WorkerHeartbeat{
		WorkerID:      w.cfg.ID,
		Hostname:      w.cfg.Hostname,
		WorkflowTypes: slices.Sorted(maps.Keys(w.tasks)),
		Capacity:      w.cfg.Capacity,
		ActiveJobs:    slices.Sorted(maps.Keys(w.active)),
		IntervalMs:    w.cfg.HeartbeatInterval.Milliseconds(),
		Draining:      w.draining,
		Timestamp:     time.Now(),
	}
	w.mu.Unlock()

	data, err := w.codec.Encode(hb)
	if err != nil {
		return err
	}
	return w.transport.Publish(ctx, protocol.HeartbeatsDestination, data)
}

func (w *Worker) handleDelivery(ctx context.Context, d *transport.Delivery) {
	_, body, err := protocol.DecodeAll(d.Body)
	if err != nil {
		w.logger.Warn("Undecodable assignment dropped", "error", err)
		if err := d.Reject(false); err != nil {
			w.logger.Debug("Reject failed", "error", err)
		}
		return
	}
	switch b := body.(type) {
	case *protocol.JobSubmission:
		w.assign(b)
	case *protocol.JobCancellation:
		w.cancelJob(b)
	default:
		w.logger.Warn("Unexpected message on job queue", "type", body.MessageType())
	}
	if err := d.Ack(); err != nil {
		w.logger.Debug("Ack failed", "error", err)
	}
}

func (w *Worker) assign(sub *protocol.JobSubmission) {
	w.mu.Lock()
	if r, ok := w.active[sub.JobID]; ok {
		if r.attempt >= sub.Attempt {
			w.mu.Unlock()
			w.logger.Debug("Duplicate assignment ignored", "jobId", sub.JobID, "attempt", sub.Attempt)
			return
		}
		// The older attempt was given up by the orchestrator.
		r.cancel()
		delete(w.active, sub.JobID)
		w.logger.Info("Job superseded by a newer attempt", "jobId", sub.JobID, "attempt", r.attempt, "newAttempt", sub.Attempt)
	}
	fn := w.tasks[sub.WorkflowType]
	if len(w.active) >= w.cfg.Capacity {
		w.logger.Warn("Assignment beyond capacity", "jobId", sub.JobID, "active", len(w.active))
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{attempt: sub.Attempt, cancel: cancel}
	w.active[sub.JobID] = r
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(ctx, r, sub, fn)
}

func (w *Worker) cancelJob(c *protocol.JobCancellation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.active[c.JobID]
	if !ok {
		w.logger.Debug("Cancellation for job not running here", "jobId", c.JobID)
		return
	}
	r.requested = true
	r.cancel()
	w.logger.Info("Job cancellation received", "jobId", c.JobID, "reason", c.Reason)
}

func (w *Worker) run(ctx context.Context, r *running, sub *protocol.JobSubmission, fn TaskFunc) {
	defer w.wg.Done()
	defer r.cancel()
	logger := w.logger.With("jobId", sub.JobID, "workflowType", sub.WorkflowType, "attempt", sub.Attempt)

	res := &protocol.JobResult{JobID: sub.JobID, Attempt: sub.Attempt, WorkerID: w.cfg.ID}
	if fn == nil {
		res.ResultType = protocol.ResultFailed
		res.Error = &protocol.ErrorDetail{Code: CodeUnknownType, Message: fmt.Sprintf("workflow type %q is not handled by this worker", sub.WorkflowType)}
	} else {
		if err := w.publishEvent(ctx, &protocol.JobStatusUpdate{
			JobID: sub.JobID, Status: protocol.JobStateRunning, Attempt: sub.Attempt,
			WorkerID: w.cfg.ID, Timestamp: time.Now(),
		}); err != nil {
			logger.Warn("Running status not sent", "error", err)
		}
		logger.Info("Job started")
		task := &Task{JobID: sub.JobID, WorkflowType: sub.WorkflowType, Payload: sub.Payload, Params: sub.Params, Attempt: sub.Attempt, w: w}
		out, err := w.execute(ctx, fn, task)

		w.mu.Lock()
		requested := r.requested
		w.mu.Unlock()
		if ctx.Err() != nil && !requested && err != nil {
			w.release(sub.JobID, r)
			logger.Info("Job interrupted, result withheld")
			return
		}
		w.fillResult(requested && ctx.Err() != nil, res, out, err)
	}

	w.release(sub.JobID, r)

	res.Timestamp = time.Now()
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer pubCancel()
	if err := w.publishEvent(pubCtx, res); err != nil {
		logger.Error("Result not sent", "result", res.ResultType, "error", err)
		return
	}
	logger.Info("Job finished", "result", res.ResultType)
}

// release removes r from the active set unless a newer attempt replaced it.
func (w *Worker) release(jobID string, r *running) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.active[jobID]; ok && cur == r {
		delete(w.active, jobID)
	}
}

func (w *Worker) execute(ctx context.Context, fn TaskFunc, task *Task) (out *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx, task)
}

func (w *Worker) fillResult(cancelled bool, res *protocol.JobResult, out *Result, err error) {
	if out != nil {
		res.Output = out.Output
		res.Logs = out.Logs
		res.Messages = out.Messages
	}
	var taskErr *TaskError
	switch {
	case cancelled:
		res.ResultType = protocol.ResultCancelled
		res.Output = nil
	case err == nil:
		res.ResultType = protocol.ResultSucceeded
	case errors.As(err, &taskErr):
		res.ResultType = protocol.ResultFailed
		res.Error = &protocol.ErrorDetail{Code: taskErr.Code, Message: taskErr.Message}
		if taskErr.Logs != "" {
			res.Logs = taskErr.Logs
		}
	case errors.Is(err, apperrors.ErrValidation):
		res.ResultType = protocol.ResultFailed
		res.Error = &protocol.ErrorDetail{Code: CodeInvalidParams, Message: err.Error()}
	default:
		res.ResultType = protocol.ResultFailed
		res.Error = &protocol.ErrorDetail{Code: CodeFailed, Message: err.Error()}
	}
}

func (w *Worker) publishEvent(ctx context.Context, body protocol.Body) error {
	data, err := w.codec.Encode(body)
	if err != nil {
		return err
	}
	return w.transport.Publish(ctx, protocol.WorkerEventsDestination, data)
}
