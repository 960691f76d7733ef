package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"omotes/pkg/worker"
)

// stepTask sleeps "steps" times for "step_ms" milliseconds, reporting
// progress after each step, and returns the payload as output. A "fail"
// parameter fails the job with that message.
func stepTask(ctx context.Context, task *worker.Task) (*worker.Result, error) {
	steps, err := worker.ParseParam(task.Params, "steps", 5)
	if err != nil {
		return nil, err
	}
	stepMs, err := worker.ParseParam(task.Params, "step_ms", 1000)
	if err != nil {
		return nil, err
	}
	if steps < 1 {
		return nil, &worker.TaskError{Code: worker.CodeInvalidParams, Message: "steps must be positive"}
	}
	if msg, err := worker.ParseParam(task.Params, "fail", ""); err != nil {
		return nil, err
	} else if msg != "" {
		return nil, &worker.TaskError{Code: "requested", Message: msg}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for i := 1; i <= steps; i++ {
		timer.Reset(time.Duration(stepMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if err := task.Progress(ctx, float64(i)/float64(steps), fmt.Sprintf("step %d of %d", i, steps)); err != nil {
			slog.Warn("Progress update failed", "jobId", task.JobID, "error", err)
		}
	}
	return &worker.Result{
		Output: task.Payload,
		Logs:   fmt.Sprintf("completed %d steps on attempt %d", steps, task.Attempt),
	}, nil
}
