// Package omotes is the client side of the OMOTES job protocol. A Client
// submits jobs to the orchestrator over a broker transport, tracks their
// lifecycle from the status, progress and result messages addressed to it,
// and lets callers wait for or cancel them.
package omotes

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omotes/internal/apperrors"
	"omotes/internal/correlation"
	"omotes/internal/dispatcher"
	"omotes/internal/lifecycle"
	"omotes/pkg/job"
	"omotes/pkg/jobstore"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
	"omotes/pkg/workflow"
)

type (
	// Job is a copy of a tracked job.
	Job = job.Job
	// Status is a job lifecycle state.
	Status = job.Status
	// Outcome is the terminal result of a job.
	Outcome = job.Outcome
	// Event describes one change to a tracked job.
	Event = lifecycle.Event
)

// Job states.
const (
	StatusRegistered = job.StatusRegistered
	StatusSubmitted  = job.StatusSubmitted
	StatusQueued     = job.StatusQueued
	StatusRunning    = job.StatusRunning
	StatusSucceeded  = job.StatusSucceeded
	StatusFailed     = job.StatusFailed
	StatusCancelled  = job.StatusCancelled
)

// MetricsRecorder is an optional interface for recording client metrics.
// If it also implements dispatcher.MetricsRecorder, event delivery is recorded too.
type MetricsRecorder interface {
	lifecycle.MetricsRecorder
	RecordJobSubmitted(ctx context.Context, workflowType string)
	RecordAwaitTimeout(ctx context.Context)
}

type callbacks struct {
	onStatus   func(Job)
	onProgress func(Job)
	onFinished func(Outcome)
}

// Client submits and tracks jobs. Clients are independent of each other,
// including several in one process sharing a transport.
type Client struct {
	transport transport.Transport
	cfg       Config
	codec     *protocol.Codec
	store     jobstore.Store
	workflows *workflow.Manager
	metrics   MetricsRecorder
	logger    *slog.Logger

	registry *correlation.Registry[job.Outcome]
	machine  *lifecycle.Machine
	events   *dispatcher.MemoryDispatcher[lifecycle.Event]

	mu       sync.Mutex
	started  bool
	stopped  bool
	subs     []transport.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	declared map[string]bool

	cbMu       sync.Mutex
	callbacks  map[string]*callbacks
	listeners  map[int]func(Event)
	nextListen int
	forgotten  map[string]time.Time
}

// New creates a client on t. The client does not own t; Stop leaves it open.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		cfg:       LoadConfigFromEnv(),
		codec:     protocol.DefaultCodec(),
		logger:    slog.With("component", "omotes.client"),
		registry:  correlation.New[job.Outcome](),
		declared:  make(map[string]bool),
		callbacks: make(map[string]*callbacks),
		listeners: make(map[int]func(Event)),
		forgotten: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.cfg.ReplyTo == "" {
		c.cfg.ReplyTo = uuid.NewString()
	}
	if c.store == nil {
		c.store = jobstore.NewMemory()
	}

	var dm dispatcher.MetricsRecorder
	if m, ok := c.metrics.(dispatcher.MetricsRecorder); ok {
		dm = m
	}
	c.events = dispatcher.NewMemory(c.cfg.Dispatcher, c.deliverEvent, dm)

	machineOpts := []lifecycle.Option{lifecycle.WithEmitter(c.emit)}
	if c.metrics != nil {
		machineOpts = append(machineOpts, lifecycle.WithMetrics(c.metrics))
	}
	c.machine = lifecycle.New(c.store, c.registry, machineOpts...)
	return c
}

// ReplyTo returns the id naming this client's reply destinations.
func (c *Client) ReplyTo() string {
	return c.cfg.ReplyTo
}

// Start connects the transport and subscribes to the reply destinations.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}

	if err := c.transport.Start(ctx); err != nil {
		return err
	}
	c.transport.OnConnectionChange(func(ev transport.ConnectionEvent) {
		c.logger.Info("Broker connection changed", "state", ev.State, "error", ev.Err)
	})

	replyDests := []string{
		protocol.StatusDestination(c.cfg.ReplyTo),
		protocol.ProgressDestination(c.cfg.ReplyTo),
		protocol.ResultDestination(c.cfg.ReplyTo),
	}
	for _, dest := range replyDests {
		sub, err := c.transport.Subscribe(ctx, dest, c.machine.HandleDelivery, transport.WithQueueArguments(c.cfg.ReplyQueue))
		if err != nil {
			c.unsubscribeLocked()
			return err
		}
		c.subs = append(c.subs, sub)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.registry.Run(sweepCtx, c.cfg.SweepInterval)
	}()

	c.started = true
	c.logger.Info("Client started", "replyTo", c.cfg.ReplyTo)
	return nil
}

// Stop unsubscribes and delivers queued lifecycle events until ctx is done.
// Pending AwaitCompletion calls keep waiting until their deadline.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.unsubscribeLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.events.Close(ctx)
}

func (c *Client) unsubscribeLocked() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "destination", sub.Destination(), "error", err)
		}
	}
	c.subs = nil
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return ErrStopped
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// Submit publishes a new job for workflowType and returns its id without
// waiting for the orchestrator. The job is not tracked if publishing fails.
func (c *Client) Submit(ctx context.Context, workflowType string, payload []byte, opts ...SubmitOption) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if workflowType == "" {
		return "", apperrors.Validation("workflowType", "workflow type is required")
	}
	if c.workflows != nil {
		if err := c.workflows.Validate(workflowType); err != nil {
			return "", err
		}
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < 0 {
		return "", apperrors.Validation("timeout", "timeout must not be negative")
	}
	id := o.jobID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	j := &job.Job{
		ID:            id,
		WorkflowType:  workflowType,
		Payload:       payload,
		Params:        o.params,
		ReplyTo:       c.cfg.ReplyTo,
		Timeout:       o.timeout,
		Status:        job.StatusRegistered,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	data, err := c.codec.Encode(j.Submission())
	if err != nil {
		return "", apperrors.Internal("encode submission", err)
	}

	dest := protocol.SubmissionsDestination(workflowType)
	installed := false
	_, err = c.machine.Submit(ctx, j, func(ctx context.Context) error {
		// The job is reserved and locked here, so no update can arrive
		// before its callbacks are in place.
		c.setCallbacks(id, o)
		installed = true
		if err := c.declare(ctx, dest); err != nil {
			return err
		}
		return c.transport.Publish(ctx, dest, data)
	})
	if err != nil {
		if installed {
			c.dropCallbacks(id)
		}
		if errors.Is(err, apperrors.ErrConflict) {
			return "", err
		}
		if !errors.Is(err, apperrors.ErrTransport) {
			err = apperrors.Transport("publish "+dest, err)
		}
		c.logger.Warn("Job submission failed", "jobId", id, "workflowType", workflowType, "error", err)
		return "", err
	}

	if c.metrics != nil {
		c.metrics.RecordJobSubmitted(ctx, workflowType)
	}
	c.logger.Info("Job submitted", "jobId", id, "workflowType", workflowType)
	return id, nil
}

// declare makes sure dest exists before the first publish to it, so messages
// are kept even when the orchestrator has not subscribed yet.
func (c *Client) declare(ctx context.Context, dest string) error {
	c.mu.Lock()
	done := c.declared[dest]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.transport.Declare(ctx, dest); err != nil {
		return err
	}
	c.mu.Lock()
	c.declared[dest] = true
	c.mu.Unlock()
	return nil
}

// GetStatus returns the last known status of a job without touching the network.
func (c *Client) GetStatus(ctx context.Context, jobID string) (Status, error) {
	j, err := c.machine.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return j.Status, nil
}

// Job returns a copy of the last known state of a job.
func (c *Client) Job(ctx context.Context, jobID string) (*Job, error) {
	return c.machine.Get(ctx, jobID)
}

// List returns copies of all tracked jobs.
func (c *Client) List(ctx context.Context) ([]*Job, error) {
	return c.machine.List(ctx)
}

// AwaitCompletion blocks until the job is terminal, timeout elapses
// (ErrTimeout) or ctx is done. A timeout of zero uses the configured default.
// The job stays tracked after a timeout.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = c.cfg.AwaitTimeout
	}
	// Register before reading so a transition between the two is not missed.
	h := c.registry.Register(jobID, time.Now().Add(timeout))
	j, err := c.machine.Get(ctx, jobID)
	if err != nil {
		c.registry.Release(h)
		return Outcome{}, err
	}
	if j.Status.Terminal() {
		c.registry.Release(h)
		return j.Outcome(), nil
	}

	out, err := c.registry.Await(ctx, h)
	if errors.Is(err, apperrors.ErrTimeout) && c.metrics != nil {
		c.metrics.RecordAwaitTimeout(ctx)
	}
	return out, err
}

// Cancel asks the orchestrator to cancel a job. The job becomes Cancelled
// only when the cancellation is acknowledged. Cancelling a terminal job is a
// no-op; cancelling a job forgotten within ForgetRetention returns ErrCancel.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	j, err := c.machine.Get(ctx, jobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		if c.wasForgotten(jobID) {
			return apperrors.Cancel(jobID, "job was forgotten")
		}
		return err
	}
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		c.logger.Debug("Cancel of terminal job ignored", "jobId", jobID, "status", j.Status)
		return nil
	}

	data, err := c.codec.Encode(&protocol.JobCancellation{JobID: jobID, RequestedAt: time.Now()})
	if err != nil {
		return apperrors.Internal("encode cancellation", err)
	}
	if err := c.declare(ctx, protocol.CancellationsDestination); err != nil {
		return asTransport(protocol.CancellationsDestination, err)
	}
	if err := c.transport.Publish(ctx, protocol.CancellationsDestination, data); err != nil {
		return asTransport(protocol.CancellationsDestination, err)
	}
	c.logger.Info("Job cancellation requested", "jobId", jobID)
	return nil
}

func asTransport(dest string, err error) error {
	if errors.Is(err, apperrors.ErrTransport) {
		return err
	}
	return apperrors.Transport("publish "+dest, err)
}

// Forget stops tracking a terminal job.
func (c *Client) Forget(ctx context.Context, jobID string) error {
	if err := c.machine.Forget(ctx, jobID); err != nil {
		return err
	}
	now := time.Now()
	cutoff := now.Add(-c.cfg.ForgetRetention)
	c.cbMu.Lock()
	for id, at := range c.forgotten {
		if at.Before(cutoff) {
			delete(c.forgotten, id)
		}
	}
	c.forgotten[jobID] = now
	delete(c.callbacks, jobID)
	c.cbMu.Unlock()
	return nil
}

// Track resumes tracking a job submitted by an earlier process with the same
// reply-to id. The job starts as Submitted until the next update arrives.
func (c *Client) Track(ctx context.Context, jobID, workflowType string, opts ...SubmitOption) (*Job, error) {
	if jobID == "" {
		return nil, apperrors.Validation("jobId", "job id is required")
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := time.Now()
	c.setCallbacks(jobID, o)
	j, err := c.machine.Track(ctx, &job.Job{
		ID:            jobID,
		WorkflowType:  workflowType,
		ReplyTo:       c.cfg.ReplyTo,
		Status:        job.StatusSubmitted,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		c.dropCallbacks(jobID)
		return nil, err
	}
	c.cbMu.Lock()
	delete(c.forgotten, jobID)
	c.cbMu.Unlock()
	return j, nil
}

// Subscribe registers fn for every lifecycle event of every job. Events of
// one job arrive in order. The returned function removes fn.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.cbMu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	c.cbMu.Unlock()
	return func() {
		c.cbMu.Lock()
		delete(c.listeners, id)
		c.cbMu.Unlock()
	}
}

func (c *Client) setCallbacks(id string, o submitOptions) {
	if o.onStatus == nil && o.onProgress == nil && o.onFinished == nil {
		return
	}
	c.cbMu.Lock()
	c.callbacks[id] = &callbacks{onStatus: o.onStatus, onProgress: o.onProgress, onFinished: o.onFinished}
	c.cbMu.Unlock()
}

func (c *Client) dropCallbacks(id string) {
	c.cbMu.Lock()
	delete(c.callbacks, id)
	c.cbMu.Unlock()
}

func (c *Client) wasForgotten(id string) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	_, ok := c.forgotten[id]
	return ok
}

// emit runs under the job's lock and only queues the event.
func (c *Client) emit(ev lifecycle.Event) {
	if err := c.events.Dispatch(ev.Job.ID, ev); err != nil {
		c.logger.Warn("Lifecycle event not delivered", "jobId", ev.Job.ID, "error", err)
	}
}

func (c *Client) deliverEvent(_ context.Context, jobID string, ev lifecycle.Event) error {
	c.cbMu.Lock()
	cb := c.callbacks[jobID]
	if ev.Job.Status.Terminal() && ev.Decision == job.Applied {
		delete(c.callbacks, jobID)
	}
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.cbMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
	if cb == nil {
		return nil
	}
	switch {
	case ev.Kind == job.EventProgress:
		if cb.onProgress != nil {
			cb.onProgress(ev.Job)
		}
	case ev.Decision == job.Applied && ev.Job.Status != ev.Previous:
		if cb.onStatus != nil {
			cb.onStatus(ev.Job)
		}
		if ev.Job.Status.Terminal() && cb.onFinished != nil {
			cb.onFinished(ev.Job.Outcome())
		}
	}
	return nil
}
