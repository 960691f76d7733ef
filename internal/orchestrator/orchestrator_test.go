package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"omotes/internal/apperrors"
	"omotes/internal/testutil"
	"omotes/pkg/job"
	"omotes/pkg/omotes"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
	"omotes/pkg/worker"
	"omotes/pkg/workflow"
)

const waitTimeout = 3 * time.Second

func newBroker(t *testing.T) *transport.Memory {
	t.Helper()
	tr := transport.NewMemory()
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

type fakeMetrics struct {
	mu          sync.Mutex
	assignments int
	requeues    int
	timeouts    int
	live        int
}

func (m *fakeMetrics) RecordLiveWorkers(_ context.Context, n int) {
	m.mu.Lock()
	m.live = n
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordAssignment(context.Context, string) {
	m.mu.Lock()
	m.assignments++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordRequeue(context.Context, string) {
	m.mu.Lock()
	m.requeues++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordJobTimeout(context.Context, string) {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *fakeMetrics) counts() (assignments, requeues, timeouts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignments, m.requeues, m.timeouts
}

func newOrchestrator(t *testing.T, tr transport.Transport, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	wf, err := workflow.NewManager(workflow.Type{Name: "simulate"}, workflow.Type{Name: "optimize"})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Millisecond
	}
	if cfg.LivenessIntervals == 0 {
		// Test heartbeats come every 20ms; allow for scheduling jitter.
		cfg.LivenessIntervals = 10
	}
	o := New(tr, wf, cfg, opts...)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func newClient(t *testing.T, tr transport.Transport) *omotes.Client {
	t.Helper()
	c := omotes.New(tr)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("client Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func newWorker(t *testing.T, tr transport.Transport, id string, fn worker.TaskFunc) *worker.Worker {
	t.Helper()
	w := worker.New(tr, worker.Config{ID: id, HeartbeatInterval: 20 * time.Millisecond, ShutdownGrace: time.Second})
	w.Register("simulate", fn)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("worker Start() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	return w
}

// fakeWorker heartbeats on its own and records what the orchestrator sends it.
type fakeWorker struct {
	id    string
	tr    transport.Transport
	inbox *testutil.Recorder[protocol.Body]
	stop  chan struct{}
	once  sync.Once
}

func startFakeWorker(t *testing.T, tr transport.Transport, id string, capacity int) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{id: id, tr: tr, inbox: &testutil.Recorder[protocol.Body]{}, stop: make(chan struct{})}
	_, err := tr.Subscribe(context.Background(), protocol.WorkerJobsDestination(id), func(_ context.Context, d *transport.Delivery) {
		_, body, err := protocol.DecodeAll(d.Body)
		if err != nil {
			t.Errorf("worker %s got undecodable message: %v", id, err)
		}
		fw.inbox.Record(body)
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	hb, err := protocol.DefaultCodec().Encode(&protocol.WorkerHeartbeat{
		WorkerID: id, WorkflowTypes: []string{"simulate"}, Capacity: capacity, IntervalMs: 20,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			_ = tr.Publish(context.Background(), protocol.HeartbeatsDestination, hb)
			select {
			case <-fw.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	t.Cleanup(fw.die)
	return fw
}

// die stops heartbeating.
func (fw *fakeWorker) die() {
	fw.once.Do(func() { close(fw.stop) })
}

func (fw *fakeWorker) submissions() []*protocol.JobSubmission {
	var out []*protocol.JobSubmission
	for _, b := range fw.inbox.Values() {
		if s, ok := b.(*protocol.JobSubmission); ok {
			out = append(out, s)
		}
	}
	return out
}

func (fw *fakeWorker) cancellations() []*protocol.JobCancellation {
	var out []*protocol.JobCancellation
	for _, b := range fw.inbox.Values() {
		if c, ok := b.(*protocol.JobCancellation); ok {
			out = append(out, c)
		}
	}
	return out
}

func (fw *fakeWorker) send(t *testing.T, body protocol.Body) {
	t.Helper()
	send(t, fw.tr, protocol.WorkerEventsDestination, body)
}

func send(t *testing.T, tr transport.Transport, dest string, body protocol.Body) {
	t.Helper()
	data, err := protocol.DefaultCodec().Encode(body)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := tr.Publish(context.Background(), dest, data); err != nil {
		t.Fatalf("Publish(%s) error = %v", dest, err)
	}
}

func waitWorkers(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		alive := 0
		for _, w := range o.Workers() {
			if w.Alive {
				alive++
			}
		}
		return alive == n
	}, waitTimeout, "workers to register")
}

func await(t *testing.T, c *omotes.Client, id string) omotes.Outcome {
	t.Helper()
	out, err := c.AwaitCompletion(context.Background(), id, waitTimeout)
	if err != nil {
		t.Fatalf("AwaitCompletion(%s) error = %v", id, err)
	}
	return out
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	metrics := &fakeMetrics{}
	o := newOrchestrator(t, tr, Config{}, WithMetrics(metrics))
	newWorker(t, tr, "w1", func(ctx context.Context, task *worker.Task) (*worker.Result, error) {
		scale, err := worker.ParseParam(task.Params, "scale", 1)
		if err != nil {
			return nil, err
		}
		if err := task.Progress(ctx, 0.5, "halfway"); err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(task.Payload)*scale)
		for range scale {
			out = append(out, task.Payload...)
		}
		return &worker.Result{Output: out, Logs: "ok"}, nil
	})
	waitWorkers(t, o, 1)
	c := newClient(t, tr)

	statuses := &testutil.Recorder[omotes.Status]{}
	id, err := c.Submit(context.Background(), "simulate", []byte("ab"),
		omotes.WithParams(map[string]any{"scale": 2}),
		omotes.OnStatus(func(j omotes.Job) { statuses.Record(j.Status) }))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	out := await(t, c, id)
	if out.Status != omotes.StatusSucceeded {
		t.Fatalf("Status = %v, want succeeded (error %v)", out.Status, out.Error)
	}
	if string(out.Result) != "abab" || out.Logs != "ok" {
		t.Errorf("outcome = %+v", out)
	}

	j, err := c.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if j.WorkerID != "w1" {
		t.Errorf("WorkerID = %q, want w1", j.WorkerID)
	}
	testutil.MustWaitFor(t, func() bool {
		v := statuses.Values()
		return len(v) > 0 && v[len(v)-1] == omotes.StatusSucceeded
	}, waitTimeout, "succeeded callback")
	if v := statuses.Values(); v[0] != omotes.StatusSubmitted {
		t.Errorf("first status callback = %v, want submitted", v[0])
	}

	info, err := o.Job(id)
	if err != nil {
		t.Fatalf("orchestrator Job() error = %v", err)
	}
	if info.Job.Status != job.StatusSucceeded || info.Pending {
		t.Errorf("orchestrator view = %+v", info)
	}
	if a, _, _ := metrics.counts(); a != 1 {
		t.Errorf("assignments = %d, want 1", a)
	}
	testutil.MustWaitFor(t, func() bool {
		return len(o.Workers()) == 1 && len(o.Workers()[0].Assigned) == 0
	}, waitTimeout, "worker slot to be freed")
}

func TestOrchestrator_QueuesUntilWorkerAvailable(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		s, err := c.GetStatus(context.Background(), id)
		return err == nil && s == omotes.StatusQueued
	}, waitTimeout, "queued status")
	if info, err := o.Job(id); err != nil || !info.Pending {
		t.Fatalf("Job() = %+v, %v, want pending", info, err)
	}

	fw := startFakeWorker(t, tr, "late", 1)
	testutil.MustWaitFor(t, func() bool { return len(fw.submissions()) == 1 }, waitTimeout, "assignment")
	if sub := fw.submissions()[0]; sub.JobID != id || sub.WorkflowType != "simulate" {
		t.Errorf("assignment = %+v", sub)
	}
}

func TestOrchestrator_HeartbeatLossRequeues(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	metrics := &fakeMetrics{}
	o := newOrchestrator(t, tr, Config{}, WithMetrics(metrics))
	a := startFakeWorker(t, tr, "a", 1)
	b := startFakeWorker(t, tr, "b", 1)
	waitWorkers(t, o, 2)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", []byte("esdl"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return len(a.submissions()) == 1 }, waitTimeout, "assignment to a")
	a.send(t, &protocol.JobStatusUpdate{JobID: id, Status: protocol.JobStateRunning, WorkerID: "a", Timestamp: time.Now()})
	testutil.MustWaitFor(t, func() bool {
		s, err := c.GetStatus(context.Background(), id)
		return err == nil && s == omotes.StatusRunning
	}, waitTimeout, "running on a")

	a.die()
	testutil.MustWaitFor(t, func() bool { return len(b.submissions()) == 1 }, waitTimeout, "reassignment to b")
	if sub := b.submissions()[0]; sub.JobID != id || sub.Attempt != 1 {
		t.Fatalf("reassignment = %+v, want attempt 1", sub)
	}
	testutil.MustWaitFor(t, func() bool {
		j, err := c.Job(context.Background(), id)
		return err == nil && j.Status == omotes.StatusQueued && j.Attempt == 1
	}, waitTimeout, "client to see the requeue")
	if _, requeues, _ := metrics.counts(); requeues != 1 {
		t.Errorf("requeues = %d, want 1", requeues)
	}

	// The lost worker's late result belongs to the old attempt.
	a.send(t, &protocol.JobResult{JobID: id, ResultType: protocol.ResultFailed, WorkerID: "a", Timestamp: time.Now()})
	b.send(t, &protocol.JobResult{JobID: id, ResultType: protocol.ResultSucceeded, Attempt: 1, WorkerID: "b", Output: []byte("ok"), Timestamp: time.Now()})

	out := await(t, c, id)
	if out.Status != omotes.StatusSucceeded || string(out.Result) != "ok" {
		t.Fatalf("outcome = %+v, want succeeded from b", out)
	}
	if _, ok := func() (WorkerInfo, bool) {
		for _, w := range o.Workers() {
			if w.ID == "a" {
				return w, true
			}
		}
		return WorkerInfo{}, false
	}(); ok {
		t.Error("lost worker still registered")
	}
}

func TestOrchestrator_UnrequestedCancelledResultRequeues(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	metrics := &fakeMetrics{}
	o := newOrchestrator(t, tr, Config{}, WithMetrics(metrics))
	a := startFakeWorker(t, tr, "a", 1)
	b := startFakeWorker(t, tr, "b", 1)
	waitWorkers(t, o, 2)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return len(a.submissions()) == 1 }, waitTimeout, "assignment to a")
	a.send(t, &protocol.JobResult{JobID: id, ResultType: protocol.ResultCancelled, WorkerID: "a", Timestamp: time.Now()})

	testutil.MustWaitFor(t, func() bool { return len(b.submissions()) == 1 }, waitTimeout, "reassignment to b")
	if sub := b.submissions()[0]; sub.JobID != id || sub.Attempt != 1 {
		t.Fatalf("reassignment = %+v, want attempt 1", sub)
	}
	info, err := o.Job(id)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if info.Job.Status.Terminal() {
		t.Errorf("Status = %v, want the job to stay open", info.Job.Status)
	}
	if _, requeues, _ := metrics.counts(); requeues != 1 {
		t.Errorf("requeues = %d, want 1", requeues)
	}
}

func TestOrchestrator_WorkerShutdownRequeues(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	task := func(ctx context.Context, task *worker.Task) (*worker.Result, error) {
		if task.Attempt == 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &worker.Result{Output: []byte("rerun")}, nil
	}
	first := worker.New(tr, worker.Config{ID: "w1", HeartbeatInterval: 20 * time.Millisecond, ShutdownGrace: 50 * time.Millisecond})
	first.Register("simulate", task)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("worker Start() error = %v", err)
	}
	newWorker(t, tr, "w2", task)
	waitWorkers(t, o, 2)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		j, err := c.Job(context.Background(), id)
		return err == nil && j.Status == omotes.StatusRunning && j.WorkerID == "w1"
	}, waitTimeout, "running on w1")

	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("worker Stop() error = %v", err)
	}

	out := await(t, c, id)
	if out.Status != omotes.StatusSucceeded || string(out.Result) != "rerun" {
		t.Fatalf("outcome = %+v, want succeeded on the rerun", out)
	}
	j, err := c.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if j.Attempt != 1 || j.WorkerID != "w2" {
		t.Errorf("job = attempt %d on %q, want attempt 1 on w2", j.Attempt, j.WorkerID)
	}
}

func TestOrchestrator_CancelUnassigned(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		info, err := o.Job(id)
		return err == nil && info.Pending
	}, waitTimeout, "job to be pending")

	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if out := await(t, c, id); out.Status != omotes.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", out.Status)
	}
	if info, _ := o.Job(id); info.Pending {
		t.Error("cancelled job still pending")
	}

	// A worker arriving later gets nothing.
	fw := startFakeWorker(t, tr, "late", 1)
	waitWorkers(t, o, 1)
	time.Sleep(50 * time.Millisecond)
	if n := len(fw.submissions()); n != 0 {
		t.Errorf("cancelled job assigned %d times", n)
	}
}

func TestOrchestrator_CancelAssigned(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	started := make(chan struct{})
	stopped := make(chan struct{})
	newWorker(t, tr, "w1", func(ctx context.Context, _ *worker.Task) (*worker.Result, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})
	waitWorkers(t, o, 1)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustReceive(t, started, waitTimeout)
	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	testutil.MustReceive(t, stopped, waitTimeout)
	if out := await(t, c, id); out.Status != omotes.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", out.Status)
	}
}

func TestOrchestrator_CancelAckTimeout(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{CancelAckTimeout: 50 * time.Millisecond})
	fw := startFakeWorker(t, tr, "deaf", 1)
	waitWorkers(t, o, 1)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return len(fw.submissions()) == 1 }, waitTimeout, "assignment")
	if err := c.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if out := await(t, c, id); out.Status != omotes.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", out.Status)
	}
	if n := len(fw.cancellations()); n != 1 {
		t.Errorf("worker cancellations = %d, want 1", n)
	}
}

func TestOrchestrator_JobTimeout(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	metrics := &fakeMetrics{}
	o := newOrchestrator(t, tr, Config{}, WithMetrics(metrics))
	stopped := make(chan struct{})
	newWorker(t, tr, "w1", func(ctx context.Context, _ *worker.Task) (*worker.Result, error) {
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})
	waitWorkers(t, o, 1)
	c := newClient(t, tr)

	id, err := c.Submit(context.Background(), "simulate", nil, omotes.WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	out := await(t, c, id)
	if out.Status != omotes.StatusFailed || out.Error == nil || out.Error.Code != job.CodeTimeout {
		t.Fatalf("outcome = %+v, want failed with timeout", out)
	}
	testutil.MustReceive(t, stopped, waitTimeout)
	if _, _, timeouts := metrics.counts(); timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", timeouts)
	}
}

func TestOrchestrator_SubmissionFiltering(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	fw := startFakeWorker(t, tr, "w", 4)
	waitWorkers(t, o, 1)

	results := &testutil.Recorder[protocol.Body]{}
	if _, err := tr.Subscribe(context.Background(), protocol.ResultDestination("me"), func(_ context.Context, d *transport.Delivery) {
		_, body, _ := protocol.DecodeAll(d.Body)
		results.Record(body)
		_ = d.Ack()
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	dest := protocol.SubmissionsDestination("simulate")
	sub := &protocol.JobSubmission{JobID: "dup", WorkflowType: "simulate", ReplyTo: "me"}
	send(t, tr, dest, sub)
	send(t, tr, dest, sub)
	send(t, tr, dest, &protocol.JobSubmission{JobID: "wrong", WorkflowType: "optimize", ReplyTo: "me"})
	send(t, tr, protocol.CancellationsDestination, &protocol.JobCancellation{JobID: "early"})
	testutil.MustWaitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		_, ok := o.cancelled["early"]
		return ok
	}, waitTimeout, "early cancellation to be remembered")
	send(t, tr, dest, &protocol.JobSubmission{JobID: "early", WorkflowType: "simulate", ReplyTo: "me"})
	if err := tr.Publish(context.Background(), dest, []byte("garbage")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	send(t, tr, dest, &protocol.JobSubmission{JobID: "last", WorkflowType: "simulate", ReplyTo: "me"})

	testutil.MustWaitFor(t, func() bool { return len(fw.submissions()) == 2 }, waitTimeout, "two assignments")
	time.Sleep(50 * time.Millisecond)
	ids := map[string]int{}
	for _, s := range fw.submissions() {
		ids[s.JobID]++
	}
	if ids["dup"] != 1 || ids["last"] != 1 || len(ids) != 2 {
		t.Errorf("assignments = %v, want dup and last once each", ids)
	}
	if _, err := o.Job("wrong"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("wrong-queue submission recorded: %v", err)
	}

	testutil.MustWaitFor(t, func() bool { return results.Len() == 1 }, waitTimeout, "early cancellation ack")
	if res, ok := results.Values()[0].(*protocol.JobResult); !ok || res.JobID != "early" || res.ResultType != protocol.ResultCancelled {
		t.Errorf("result = %#v, want cancelled ack for early", results.Values()[0])
	}
}

func TestOrchestrator_AdminCancel(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	o := newOrchestrator(t, tr, Config{})
	ctx := context.Background()

	if err := o.Cancel(ctx, "missing", "admin"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Cancel(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := o.Job("missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("Job(missing) error = %v, want ErrNotFound", err)
	}

	send(t, tr, protocol.SubmissionsDestination("simulate"), &protocol.JobSubmission{JobID: "j1", WorkflowType: "simulate"})
	testutil.MustWaitFor(t, func() bool { _, err := o.Job("j1"); return err == nil }, waitTimeout, "job to be accepted")
	if err := o.Cancel(ctx, "j1", "admin"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	info, err := o.Job("j1")
	if err != nil || info.Job.Status != job.StatusCancelled {
		t.Fatalf("Job() = %+v, %v, want cancelled", info, err)
	}
	if err := o.Cancel(ctx, "j1", "admin"); err != nil {
		t.Errorf("second Cancel() error = %v, want nil", err)
	}
	if jobs := o.Jobs(); len(jobs) != 1 || jobs[0].Job.ID != "j1" {
		t.Errorf("Jobs() = %+v", jobs)
	}
}

func TestOrchestrator_ReadyAndStop(t *testing.T) {
	t.Parallel()
	tr := newBroker(t)
	wf, _ := workflow.NewManager(workflow.Type{Name: "simulate"})
	o := New(tr, wf, Config{})
	if err := o.Ready(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Ready() before Start = %v, want ErrNotStarted", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := o.Ready(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Ready() after Stop = %v, want ErrNotStarted", err)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Config{SweepInterval: 5 * time.Second}.withDefaults()
	want := DefaultConfig()
	want.SweepInterval = 5 * time.Second
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}
