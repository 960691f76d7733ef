package orchestrator

import (
	"context"
	"errors"
	"time"

	"omotes/pkg/job"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
)

// decode returns the body of d. Undecodable messages are settled here:
// unknown types are acked, everything else is rejected without requeue.
func (o *Orchestrator) decode(d *transport.Delivery) (protocol.Body, bool) {
	_, body, err := protocol.DecodeAll(d.Body)
	if err == nil {
		return body, true
	}
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		o.logger.Debug("Message of unknown type dropped", "destination", d.Destination, "error", err)
		o.ack(d)
		return nil, false
	}
	o.logger.Warn("Malformed message rejected", "destination", d.Destination, "error", err)
	o.reject(d)
	return nil, false
}

func (o *Orchestrator) ack(d *transport.Delivery) {
	if err := d.Ack(); err != nil {
		o.logger.Debug("Ack failed", "destination", d.Destination, "error", err)
	}
}

func (o *Orchestrator) reject(d *transport.Delivery) {
	if err := d.Reject(false); err != nil {
		o.logger.Debug("Reject failed", "destination", d.Destination, "error", err)
	}
}

func (o *Orchestrator) submissionHandler(workflowType string) transport.Handler {
	return func(ctx context.Context, d *transport.Delivery) {
		body, ok := o.decode(d)
		if !ok {
			return
		}
		defer o.ack(d)
		sub, isSub := body.(*protocol.JobSubmission)
		if !isSub {
			o.logger.Warn("Unexpected message on submission queue", "destination", d.Destination, "type", body.MessageType().String())
			return
		}
		if sub.WorkflowType != workflowType || sub.JobID == "" {
			o.logger.Warn("Submission dropped", "destination", d.Destination, "jobId", sub.JobID, "workflowType", sub.WorkflowType)
			return
		}
		o.accept(ctx, sub)
	}
}

func (o *Orchestrator) handleCancellation(ctx context.Context, d *transport.Delivery) {
	body, ok := o.decode(d)
	if !ok {
		return
	}
	defer o.ack(d)
	c, isCancel := body.(*protocol.JobCancellation)
	if !isCancel {
		o.logger.Warn("Unexpected message on cancellation queue", "type", body.MessageType().String())
		return
	}

	o.mu.Lock()
	rec, known := o.jobs.get(c.JobID)
	switch {
	case !known:
		// The submission may still be in flight on its own queue.
		o.cancelled[c.JobID] = o.now()
		o.mu.Unlock()
		o.logger.Info("Cancellation for unknown job remembered", "jobId", c.JobID)
	case rec.job.Status.Terminal():
		o.mu.Unlock()
		o.logger.Debug("Cancellation for finished job ignored", "jobId", c.JobID)
	default:
		o.commitLocked(ctx, o.cancelLocked(rec, c.Reason))
	}
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, d *transport.Delivery) {
	body, ok := o.decode(d)
	if !ok {
		return
	}
	defer o.ack(d)
	hb, isHB := body.(*protocol.WorkerHeartbeat)
	if !isHB || hb.WorkerID == "" {
		o.logger.Warn("Unexpected message on heartbeat queue", "type", body.MessageType().String())
		return
	}

	o.mu.Lock()
	w, isNew := o.workers.observe(hb, o.now())
	if isNew {
		o.logger.Info("Worker registered", "workerId", w.id, "hostname", w.hostname, "workflowTypes", w.workflowTypes, "capacity", w.capacity)
	}
	if hb.Draining {
		o.logger.Info("Worker draining", "workerId", w.id)
	}
	o.commitLocked(ctx, o.dispatchLocked(ctx))
}

func (o *Orchestrator) handleWorkerEvent(ctx context.Context, d *transport.Delivery) {
	body, ok := o.decode(d)
	if !ok {
		return
	}
	defer o.ack(d)

	var ev job.Event
	switch b := body.(type) {
	case *protocol.JobStatusUpdate:
		ev = job.FromStatusUpdate(b)
	case *protocol.JobProgressUpdate:
		ev = job.FromProgressUpdate(b)
	case *protocol.JobResult:
		ev = job.FromResult(b)
	default:
		o.logger.Warn("Unexpected message on worker events queue", "type", body.MessageType().String())
		return
	}

	o.mu.Lock()
	rec, known := o.jobs.get(body.Correlation())
	if !known {
		o.mu.Unlock()
		o.logger.Debug("Worker event for unknown job dropped", "jobId", body.Correlation())
		return
	}
	if ev.WorkerID != "" && rec.workerID != "" && ev.WorkerID != rec.workerID {
		o.mu.Unlock()
		o.logger.Debug("Worker event from unassigned worker dropped", "jobId", rec.job.ID, "workerId", ev.WorkerID)
		return
	}

	var out []outbound
	if res, isResult := body.(*protocol.JobResult); isResult {
		if res.ResultType == protocol.ResultCancelled && !rec.cancelling {
			// Nobody asked for this job to stop, so it goes back to the queue.
			if res.Attempt == rec.job.Attempt && !rec.job.Status.Terminal() {
				out = o.requeueLocked(ctx, rec)
			}
		} else {
			out = o.finishLocked(rec, res)
		}
		out = append(out, o.dispatchLocked(ctx)...)
	} else if dec := o.apply(rec, ev); dec.Changed() {
		out = relay(rec, body)
	}
	o.commitLocked(ctx, out)
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep removes dead workers and requeues their jobs, fails jobs past their
// timeout, retries pending assignments and prunes old finished jobs.
func (o *Orchestrator) sweep(ctx context.Context) {
	o.mu.Lock()
	now := o.now()
	var out []outbound

	for _, w := range o.workers.reap(now) {
		o.logger.Warn("Worker lost", "workerId", w.id, "lastSeen", w.lastSeen, "jobs", len(w.jobs))
		for id := range w.jobs {
			rec, ok := o.jobs.get(id)
			if !ok || rec.job.Status.Terminal() {
				continue
			}
			if rec.cancelling {
				out = append(out, o.finishLocked(rec, &protocol.JobResult{JobID: id, ResultType: protocol.ResultCancelled, Attempt: rec.job.Attempt, Timestamp: now})...)
				continue
			}
			out = append(out, o.requeueLocked(ctx, rec)...)
		}
	}

	for id, rec := range o.jobs.jobs {
		if rec.deadline.IsZero() || now.Before(rec.deadline) || rec.job.Status.Terminal() {
			continue
		}
		workerID := rec.workerID
		o.logger.Warn("Job timed out", "jobId", id, "workerId", workerID, "timeout", rec.job.Timeout)
		out = append(out, o.finishLocked(rec, &protocol.JobResult{
			JobID:      id,
			ResultType: protocol.ResultTimeout,
			Attempt:    rec.job.Attempt,
			WorkerID:   workerID,
			Error:      &protocol.ErrorDetail{Code: job.CodeTimeout, Message: "job exceeded its timeout of " + rec.job.Timeout.String()},
			Timestamp:  now,
		})...)
		if workerID != "" {
			out = append(out, outbound{
				destination: protocol.WorkerJobsDestination(workerID),
				body:        &protocol.JobCancellation{JobID: id, Reason: "timeout", RequestedAt: now},
			})
		}
		if o.metrics != nil {
			o.metrics.RecordJobTimeout(ctx, rec.job.WorkflowType)
		}
	}

	out = append(out, o.dispatchLocked(ctx)...)

	cutoff := now.Add(-o.cfg.JobRetention)
	if n := o.jobs.prune(cutoff); n > 0 {
		o.logger.Debug("Finished jobs pruned", "count", n)
	}
	for id, at := range o.cancelled {
		if at.Before(cutoff) {
			delete(o.cancelled, id)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordLiveWorkers(ctx, o.workers.live(now))
	}
	o.commitLocked(ctx, out)
}
