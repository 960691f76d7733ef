package job

import (
	"fmt"
	"math"
	"time"

	"omotes/pkg/protocol"
)

// Decision tells the caller what Apply did with an event.
type Decision uint8

const (
	// Applied means the status or the terminal fields changed.
	Applied Decision = iota + 1
	// Refreshed means only timestamps or progress changed.
	Refreshed
	// Ignored means the event was stale, duplicate or out of order.
	Ignored
	// Discarded means the job was already terminal.
	Discarded
)

func (d Decision) String() string {
	switch d {
	case Applied:
		return "applied"
	case Refreshed:
		return "refreshed"
	case Ignored:
		return "ignored"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// Changed reports whether the job record must be persisted.
func (d Decision) Changed() bool {
	return d == Applied || d == Refreshed
}

// EventKind identifies the source of an Event.
type EventKind uint8

const (
	EventSubmitted EventKind = iota + 1
	EventStatus
	EventProgress
	EventResult
)

func (k EventKind) String() string {
	switch k {
	case EventSubmitted:
		return "submitted"
	case EventStatus:
		return "status"
	case EventProgress:
		return "progress"
	case EventResult:
		return "result"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is one input to the reducer.
type Event struct {
	Kind     EventKind
	Attempt  uint32
	At       time.Time
	WorkerID string

	// EventStatus
	State protocol.JobState

	// EventProgress
	Progress float64
	Message  string

	// EventResult
	Result *protocol.JobResult
}

// Submitted is the event produced by a successful publish of the submission.
func Submitted(at time.Time) Event {
	return Event{Kind: EventSubmitted, At: at}
}

// FromStatusUpdate converts a status update message into an event.
func FromStatusUpdate(m *protocol.JobStatusUpdate) Event {
	return Event{Kind: EventStatus, Attempt: m.Attempt, At: m.Timestamp, WorkerID: m.WorkerID, State: m.Status}
}

// FromProgressUpdate converts a progress message into an event.
func FromProgressUpdate(m *protocol.JobProgressUpdate) Event {
	return Event{Kind: EventProgress, Attempt: m.Attempt, At: m.Timestamp, Progress: m.Progress, Message: m.Message}
}

// FromResult converts a result message into an event.
func FromResult(m *protocol.JobResult) Event {
	return Event{Kind: EventResult, Attempt: m.Attempt, At: m.Timestamp, WorkerID: m.WorkerID, Result: m}
}

// Apply computes the next state of cur for ev. It never mutates cur. now is
// used when the event carries no timestamp.
//
// Within one attempt the status only moves forward; skipping states is
// allowed because status updates and results travel on different
// destinations. A queued update with a higher attempt is a requeue and is the
// only backwards move. Nothing leaves a terminal state.
func Apply(cur *Job, ev Event, now time.Time) (*Job, Decision) {
	if cur.Status.Terminal() {
		return cur, Discarded
	}
	at := ev.At
	if at.IsZero() {
		at = now
	}

	switch ev.Kind {
	case EventSubmitted:
		if cur.Status != StatusRegistered {
			return cur, Ignored
		}
		next := cur.Clone()
		next.Status = StatusSubmitted
		touch(next, at)
		return next, Applied

	case EventStatus:
		return applyStatus(cur, ev, at)

	case EventProgress:
		if cur.Status < StatusSubmitted || ev.Attempt < cur.Attempt {
			return cur, Ignored
		}
		next := cur.Clone()
		next.Progress = clampProgress(ev.Progress)
		next.ProgressMessage = ev.Message
		touch(next, at)
		return next, Refreshed

	case EventResult:
		return applyResult(cur, ev, at)
	}
	return cur, Ignored
}

func applyStatus(cur *Job, ev Event, at time.Time) (*Job, Decision) {
	var target Status
	switch ev.State {
	case protocol.JobStateQueued:
		target = StatusQueued
	case protocol.JobStateRunning:
		target = StatusRunning
	default:
		return cur, Ignored
	}
	if cur.Status < StatusSubmitted || ev.Attempt < cur.Attempt {
		return cur, Ignored
	}

	next := cur.Clone()
	switch {
	case ev.Attempt > cur.Attempt:
		// Requeue, or the first message of a newer attempt overtook its queued update.
		next.Attempt = ev.Attempt
		next.Status = target
		next.Progress = 0
		next.ProgressMessage = ""
		next.WorkerID = ev.WorkerID
	case target > cur.Status:
		next.Status = target
		if ev.WorkerID != "" {
			next.WorkerID = ev.WorkerID
		}
	case target == StatusRunning && cur.Status == StatusRunning:
		touch(next, at)
		return next, Refreshed
	default:
		return cur, Ignored
	}
	touch(next, at)
	return next, Applied
}

func applyResult(cur *Job, ev Event, at time.Time) (*Job, Decision) {
	res := ev.Result
	if res == nil || cur.Status < StatusSubmitted || ev.Attempt < cur.Attempt {
		return cur, Ignored
	}

	next := cur.Clone()
	switch res.ResultType {
	case protocol.ResultSucceeded:
		next.Status = StatusSucceeded
		next.Result = res.Output
	case protocol.ResultFailed:
		next.Status = StatusFailed
		next.Error = &Error{Code: CodeFailed}
		if res.Error != nil {
			next.Error = &Error{Code: res.Error.Code, Message: res.Error.Message}
			if next.Error.Code == "" {
				next.Error.Code = CodeFailed
			}
		}
	case protocol.ResultTimeout:
		next.Status = StatusFailed
		next.Error = &Error{Code: CodeTimeout, Message: "job exceeded its timeout"}
		if res.Error != nil && res.Error.Message != "" {
			next.Error.Message = res.Error.Message
		}
	case protocol.ResultCancelled:
		next.Status = StatusCancelled
	default:
		return cur, Ignored
	}
	next.Attempt = ev.Attempt
	if ev.WorkerID != "" {
		next.WorkerID = ev.WorkerID
	}
	next.Logs = res.Logs
	next.Messages = res.Messages
	if next.Status == StatusSucceeded {
		next.Progress = 1
	}
	touch(next, at)
	return next, Applied
}

// touch advances LastUpdatedAt without ever moving it backwards, so
// redelivered messages leave the record unchanged.
func touch(j *Job, at time.Time) {
	if at.After(j.LastUpdatedAt) {
		j.LastUpdatedAt = at
	}
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
