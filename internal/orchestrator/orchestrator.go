// Package orchestrator implements the peer that sits between submitters and
// workers. It takes submissions per workflow type, assigns them to live
// workers, relays worker events to each submitter's reply destinations,
// requeues the jobs of dead workers and enforces per-job timeouts and
// cancellations.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"omotes/internal/apperrors"
	"omotes/internal/correlation"
	"omotes/pkg/job"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
	"omotes/pkg/workflow"
)

// ErrNotStarted is returned by operations that need a running orchestrator.
var ErrNotStarted = errors.New("orchestrator not started")

// MetricsRecorder records orchestrator metrics.
type MetricsRecorder interface {
	RecordLiveWorkers(ctx context.Context, n int)
	RecordAssignment(ctx context.Context, workflowType string)
	RecordRequeue(ctx context.Context, workflowType string)
	RecordJobTimeout(ctx context.Context, workflowType string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCodec sets the body encoding of outgoing messages (default: MessagePack).
func WithCodec(c *protocol.Codec) Option {
	return func(o *Orchestrator) { o.codec = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// outbound is a message published after the orchestrator lock is released.
// onFail runs without any lock held when the publish fails.
type outbound struct {
	destination string
	body        protocol.Body
	onFail      func()
}

// Orchestrator dispatches jobs to workers.
type Orchestrator struct {
	transport transport.Transport
	workflows *workflow.Manager
	cfg       Config
	codec     *protocol.Codec
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
	acks      *correlation.Registry[job.Outcome]

	mu        sync.Mutex
	jobs      *jobTable
	workers   *workerRegistry
	cancelled map[string]time.Time
	subs      []transport.Subscription
	started   bool
	stop      context.CancelFunc
	wg        sync.WaitGroup

	// pubMu orders publishes: it is taken before mu is released so that
	// messages leave in the order their state changes were made.
	pubMu sync.Mutex
}

// New creates an orchestrator serving the workflow types of workflows.
func New(t transport.Transport, workflows *workflow.Manager, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		transport: t,
		workflows: workflows,
		cfg:       cfg,
		codec:     protocol.DefaultCodec(),
		logger:    slog.With("component", "orchestrator"),
		now:       time.Now,
		acks:      correlation.New[job.Outcome](),
		jobs:      newJobTable(),
		workers:   newWorkerRegistry(cfg.LivenessIntervals),
		cancelled: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start declares the protocol destinations, subscribes to them and starts
// the sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.transport.Start(ctx); err != nil {
		return err
	}
	o.transport.OnConnectionChange(func(ev transport.ConnectionEvent) {
		o.logger.Info("Broker connection changed", "state", ev.State.String(), "error", ev.Err)
	})

	var subs []transport.Subscription
	subscribe := func(dest string, h transport.Handler) error {
		sub, err := o.transport.Subscribe(ctx, dest, h)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}
	for _, name := range o.workflows.Names() {
		if err := subscribe(protocol.SubmissionsDestination(name), o.submissionHandler(name)); err != nil {
			o.unsubscribe(subs)
			return err
		}
	}
	for dest, h := range map[string]transport.Handler{
		protocol.CancellationsDestination: o.handleCancellation,
		protocol.HeartbeatsDestination:    o.handleHeartbeat,
		protocol.WorkerEventsDestination:  o.handleWorkerEvent,
	} {
		if err := subscribe(dest, h); err != nil {
			o.unsubscribe(subs)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.subs = subs
	o.stop = cancel
	o.mu.Unlock()

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.acks.Run(runCtx, o.cfg.SweepInterval)
	}()
	go func() {
		defer o.wg.Done()
		o.sweepLoop(runCtx)
	}()

	o.logger.Info("Orchestrator started", "workflowTypes", o.workflows.Names())
	return nil
}

// Stop unsubscribes and stops the sweeper. Job state is kept in memory.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stop == nil {
		o.mu.Unlock()
		return nil
	}
	subs, stop := o.subs, o.stop
	o.subs, o.stop = nil, nil
	o.mu.Unlock()

	o.unsubscribe(subs)
	stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.logger.Info("Orchestrator stopped")
	return nil
}

// Ready reports whether the orchestrator is running on a reachable broker.
func (o *Orchestrator) Ready(ctx context.Context) error {
	o.mu.Lock()
	running := o.stop != nil
	o.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	return o.transport.Ready(ctx)
}

func (o *Orchestrator) unsubscribe(subs []transport.Subscription) {
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			o.logger.Warn("Unsubscribe failed", "destination", s.Destination(), "error", err)
		}
	}
}

// Workers returns a snapshot of the registered workers.
func (o *Orchestrator) Workers() []WorkerInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers.snapshot(o.now())
}

// Jobs returns a snapshot of the known jobs, oldest first.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs.snapshot()
}

// Job returns a snapshot of one job.
func (o *Orchestrator) Job(id string) (JobInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs.get(id)
	if !ok {
		return JobInfo{}, apperrors.NotFound("job", id)
	}
	return rec.info(o.jobs.isPending(id)), nil
}

// Cancel cancels a job as if a cancellation had arrived from its submitter.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	o.mu.Lock()
	rec, ok := o.jobs.get(id)
	if !ok {
		o.mu.Unlock()
		return apperrors.NotFound("job", id)
	}
	if rec.job.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}
	out := o.cancelLocked(rec, reason)
	o.commitLocked(ctx, out)
	return nil
}

// commitLocked releases mu, which the caller holds, and publishes out in order.
func (o *Orchestrator) commitLocked(ctx context.Context, out []outbound) {
	if len(out) == 0 {
		o.mu.Unlock()
		return
	}
	o.pubMu.Lock()
	o.mu.Unlock()

	var failed []func()
	for _, m := range out {
		if err := o.publish(ctx, m.destination, m.body); err != nil {
			o.logger.Warn("Publish failed", "destination", m.destination, "type", m.body.MessageType().String(), "jobId", m.body.Correlation(), "error", err)
			if m.onFail != nil {
				failed = append(failed, m.onFail)
			}
		}
	}
	o.pubMu.Unlock()

	for _, f := range failed {
		f()
	}
}

func (o *Orchestrator) publish(ctx context.Context, dest string, body protocol.Body) error {
	data, err := o.codec.Encode(body)
	if err != nil {
		return err
	}
	return o.transport.Publish(ctx, dest, data)
}

// relay addresses body to the reply destination of rec's submitter.
func relay(rec *jobRecord, body protocol.Body) []outbound {
	replyTo := rec.job.ReplyTo
	if replyTo == "" {
		return nil
	}
	var dest string
	switch body.(type) {
	case *protocol.JobStatusUpdate:
		dest = protocol.StatusDestination(replyTo)
	case *protocol.JobProgressUpdate:
		dest = protocol.ProgressDestination(replyTo)
	case *protocol.JobResult:
		dest = protocol.ResultDestination(replyTo)
	default:
		return nil
	}
	return []outbound{{destination: dest, body: body}}
}

func (o *Orchestrator) apply(rec *jobRecord, ev job.Event) job.Decision {
	next, dec := job.Apply(rec.job, ev, o.now())
	if dec.Changed() {
		rec.job = next
	}
	return dec
}

// accept records a new submission and queues it for assignment.
func (o *Orchestrator) accept(ctx context.Context, sub *protocol.JobSubmission) {
	now := o.now()
	created := sub.SubmittedAt
	if created.IsZero() {
		created = now
	}
	j := &job.Job{
		ID:            sub.JobID,
		WorkflowType:  sub.WorkflowType,
		Payload:       sub.Payload,
		Params:        sub.Params,
		ReplyTo:       sub.ReplyTo,
		Timeout:       sub.Timeout(),
		Status:        job.StatusSubmitted,
		Attempt:       sub.Attempt,
		CreatedAt:     created,
		LastUpdatedAt: now,
	}
	logger := o.logger.With("jobId", j.ID, "workflowType", j.WorkflowType)

	o.mu.Lock()
	rec, err := o.jobs.reserve(j)
	if err != nil {
		o.mu.Unlock()
		logger.Debug("Duplicate submission ignored")
		return
	}

	var out []outbound
	if _, ok := o.cancelled[j.ID]; ok {
		delete(o.cancelled, j.ID)
		logger.Info("Submission cancelled before acceptance")
		out = o.finishLocked(rec, &protocol.JobResult{JobID: j.ID, ResultType: protocol.ResultCancelled, Attempt: j.Attempt, Timestamp: now})
	} else {
		out = o.queueLocked(rec, j.Attempt, false)
		out = append(out, o.dispatchLocked(ctx)...)
		logger.Info("Job accepted")
	}
	o.commitLocked(ctx, out)
}

// queueLocked moves rec to Queued for attempt and reports it to the submitter.
func (o *Orchestrator) queueLocked(rec *jobRecord, attempt uint32, front bool) []outbound {
	status := &protocol.JobStatusUpdate{JobID: rec.job.ID, Status: protocol.JobStateQueued, Attempt: attempt, Timestamp: o.now()}
	if o.apply(rec, job.FromStatusUpdate(status)) != job.Applied {
		return nil
	}
	rec.workerID = ""
	rec.deadline = time.Time{}
	if front {
		o.jobs.requeue(rec.job.ID)
	} else {
		o.jobs.enqueue(rec.job.ID)
	}
	return relay(rec, status)
}

// requeueLocked takes rec away from its worker and puts it at the front of
// the queue under the next attempt.
func (o *Orchestrator) requeueLocked(ctx context.Context, rec *jobRecord) []outbound {
	id, workerID := rec.job.ID, rec.workerID
	if w, ok := o.workers.get(workerID); ok {
		delete(w.jobs, id)
	}
	out := o.queueLocked(rec, rec.job.Attempt+1, true)
	if o.metrics != nil {
		o.metrics.RecordRequeue(ctx, rec.job.WorkflowType)
	}
	o.logger.Info("Job requeued", "jobId", id, "workerId", workerID, "attempt", rec.job.Attempt)
	return out
}

// dispatchLocked assigns pending jobs to free workers in FIFO order.
func (o *Orchestrator) dispatchLocked(ctx context.Context) []outbound {
	now := o.now()
	var out []outbound
	for _, id := range append([]string(nil), o.jobs.pending...) {
		rec, ok := o.jobs.get(id)
		if !ok || rec.job.Status.Terminal() {
			o.jobs.dequeue(id)
			continue
		}
		w := o.workers.pick(rec.job.WorkflowType, now)
		if w == nil {
			continue
		}
		o.jobs.dequeue(id)
		rec.workerID = w.id
		if rec.job.Timeout > 0 {
			rec.deadline = now.Add(rec.job.Timeout)
		}
		w.jobs[id] = struct{}{}
		w.lastAssigned = now

		sub := rec.job.Submission()
		workerID, attempt := w.id, rec.job.Attempt
		out = append(out, outbound{
			destination: protocol.WorkerJobsDestination(w.id),
			body:        sub,
			onFail:      func() { o.unassign(ctx, id, workerID, attempt) },
		})
		if o.metrics != nil {
			o.metrics.RecordAssignment(ctx, rec.job.WorkflowType)
		}
		o.logger.Info("Job assigned", "jobId", id, "workerId", w.id, "attempt", attempt)
	}
	return out
}

// unassign returns a job whose assignment could not be published to the
// front of the queue.
func (o *Orchestrator) unassign(ctx context.Context, id, workerID string, attempt uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs.get(id)
	if !ok || rec.workerID != workerID || rec.job.Attempt != attempt || rec.job.Status.Terminal() {
		return
	}
	if w, ok := o.workers.get(workerID); ok {
		delete(w.jobs, id)
	}
	rec.workerID = ""
	rec.deadline = time.Time{}
	o.jobs.requeue(id)
}

// finishLocked applies a terminal result, relays it and frees the worker slot.
func (o *Orchestrator) finishLocked(rec *jobRecord, res *protocol.JobResult) []outbound {
	if o.apply(rec, job.FromResult(res)) != job.Applied {
		return nil
	}
	id := rec.job.ID
	if w, ok := o.workers.get(rec.workerID); ok {
		delete(w.jobs, id)
	}
	o.jobs.dequeue(id)
	rec.finishedAt = o.now()
	rec.deadline = time.Time{}
	o.acks.Resolve(id, rec.job.Outcome())
	o.logger.Info("Job finished", "jobId", id, "status", rec.job.Status.String(), "attempt", rec.job.Attempt)
	return relay(rec, res)
}

// cancelLocked cancels rec directly when it is not assigned, or forwards the
// cancellation to its worker and waits for the worker's acknowledgment.
func (o *Orchestrator) cancelLocked(rec *jobRecord, reason string) []outbound {
	id := rec.job.ID
	now := o.now()
	if rec.workerID == "" {
		return o.finishLocked(rec, &protocol.JobResult{JobID: id, ResultType: protocol.ResultCancelled, Attempt: rec.job.Attempt, Timestamp: now})
	}
	if rec.cancelling {
		return nil
	}
	rec.cancelling = true
	attempt := rec.job.Attempt
	o.acks.RegisterFunc(id, now.Add(o.cfg.CancelAckTimeout), func(_ job.Outcome, err error) {
		if err != nil {
			o.cancelAckExpired(id, attempt)
		}
	})
	o.logger.Info("Cancellation forwarded", "jobId", id, "workerId", rec.workerID)
	return []outbound{{
		destination: protocol.WorkerJobsDestination(rec.workerID),
		body:        &protocol.JobCancellation{JobID: id, Reason: reason, RequestedAt: now},
	}}
}

// cancelAckExpired cancels a job whose worker did not acknowledge in time.
func (o *Orchestrator) cancelAckExpired(id string, attempt uint32) {
	o.mu.Lock()
	rec, ok := o.jobs.get(id)
	if !ok || rec.job.Status.Terminal() || rec.job.Attempt != attempt {
		o.mu.Unlock()
		return
	}
	o.logger.Warn("Cancellation not acknowledged by worker", "jobId", id, "workerId", rec.workerID)
	out := o.finishLocked(rec, &protocol.JobResult{JobID: id, ResultType: protocol.ResultCancelled, Attempt: attempt, WorkerID: rec.workerID, Timestamp: o.now()})
	o.commitLocked(context.Background(), out)
}
