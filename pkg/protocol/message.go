// Package protocol defines the messages exchanged between SDK clients, the
// orchestrator and workers, and the versioned binary wire format that carries
// them over the broker.
package protocol

import (
	"fmt"
	"time"
)

// CurrentSchemaVersion is the highest envelope version this package can decode.
const CurrentSchemaVersion uint8 = 1

// MessageType identifies the body carried by an envelope.
type MessageType uint8

const (
	TypeJobSubmission     MessageType = 1
	TypeJobStatusUpdate   MessageType = 2
	TypeJobResult         MessageType = 3
	TypeJobCancellation   MessageType = 4
	TypeWorkerHeartbeat   MessageType = 5
	TypeJobProgressUpdate MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeJobSubmission:
		return "job_submission"
	case TypeJobStatusUpdate:
		return "job_status_update"
	case TypeJobResult:
		return "job_result"
	case TypeJobCancellation:
		return "job_cancellation"
	case TypeWorkerHeartbeat:
		return "worker_heartbeat"
	case TypeJobProgressUpdate:
		return "job_progress_update"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Known reports whether t is a message type this version understands.
func (t MessageType) Known() bool {
	return t >= TypeJobSubmission && t <= TypeJobProgressUpdate
}

// Message is the envelope for every message on the wire.
type Message struct {
	SchemaVersion uint8
	Type          MessageType
	Format        Format
	CorrelationID string
	Payload       []byte
}

// Body is implemented by every typed message body.
type Body interface {
	MessageType() MessageType
	Correlation() string
}

// JobSubmission asks the orchestrator (or, when relayed, a worker) to run a job.
type JobSubmission struct {
	JobID        string         `json:"job_id"`
	WorkflowType string         `json:"workflow_type"`
	Payload      []byte         `json:"payload"`
	ReplyTo      string         `json:"reply_to"`
	TimeoutMs    int64          `json:"timeout_ms,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Attempt      uint32         `json:"attempt,omitempty"`
	SubmittedAt  time.Time      `json:"submitted_at"`
}

func (m *JobSubmission) MessageType() MessageType { return TypeJobSubmission }
func (m *JobSubmission) Correlation() string      { return m.JobID }

// Timeout returns the requested execution timeout, zero when unbounded.
func (m *JobSubmission) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// JobState is the status reported by a JobStatusUpdate.
type JobState uint8

const (
	JobStateQueued  JobState = 1
	JobStateRunning JobState = 2
)

func (s JobState) String() string {
	switch s {
	case JobStateQueued:
		return "queued"
	case JobStateRunning:
		return "running"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// JobStatusUpdate reports a non-terminal status change. Attempt is the
// dispatch generation; a queued update with a higher attempt is a requeue.
type JobStatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    JobState  `json:"status"`
	Attempt   uint32    `json:"attempt,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *JobStatusUpdate) MessageType() MessageType { return TypeJobStatusUpdate }
func (m *JobStatusUpdate) Correlation() string      { return m.JobID }

// JobProgressUpdate reports intermediate progress of a running job.
type JobProgressUpdate struct {
	JobID     string    `json:"job_id"`
	Attempt   uint32    `json:"attempt,omitempty"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *JobProgressUpdate) MessageType() MessageType { return TypeJobProgressUpdate }
func (m *JobProgressUpdate) Correlation() string      { return m.JobID }

// ResultType is the outcome carried by a JobResult.
type ResultType uint8

const (
	ResultSucceeded ResultType = 1
	ResultFailed    ResultType = 2
	ResultTimeout   ResultType = 3
	ResultCancelled ResultType = 4
)

func (r ResultType) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultTimeout:
		return "timeout"
	case ResultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ErrorDetail is the structured failure reason of a failed job.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Severity grades an EsdlMessage.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// EsdlMessage is feedback about the energy system, optionally tied to one
// asset. An empty EsdlObjectID means the message concerns the whole system.
type EsdlMessage struct {
	TechnicalMessage string   `json:"technical_message"`
	Severity         Severity `json:"severity"`
	EsdlObjectID     string   `json:"esdl_object_id,omitempty"`
}

// JobResult is the terminal message for a job. A Cancelled result is the
// acknowledgment of a JobCancellation.
type JobResult struct {
	JobID      string        `json:"job_id"`
	ResultType ResultType    `json:"result_type"`
	Attempt    uint32        `json:"attempt,omitempty"`
	WorkerID   string        `json:"worker_id,omitempty"`
	Output     []byte        `json:"output,omitempty"`
	Logs       string        `json:"logs,omitempty"`
	Error      *ErrorDetail  `json:"error,omitempty"`
	Messages   []EsdlMessage `json:"messages,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (m *JobResult) MessageType() MessageType { return TypeJobResult }
func (m *JobResult) Correlation() string      { return m.JobID }

// JobCancellation requests that a job stops.
type JobCancellation struct {
	JobID       string    `json:"job_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (m *JobCancellation) MessageType() MessageType { return TypeJobCancellation }
func (m *JobCancellation) Correlation() string      { return m.JobID }

// WorkerHeartbeat advertises a live worker and its capabilities.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	Hostname      string    `json:"hostname,omitempty"`
	WorkflowTypes []string  `json:"workflow_types"`
	Capacity      int       `json:"capacity"`
	ActiveJobs    []string  `json:"active_jobs,omitempty"`
	IntervalMs    int64     `json:"interval_ms"`
	Draining      bool      `json:"draining,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (m *WorkerHeartbeat) MessageType() MessageType { return TypeWorkerHeartbeat }
func (m *WorkerHeartbeat) Correlation() string      { return m.WorkerID }

// Interval returns the advertised heartbeat interval.
func (m *WorkerHeartbeat) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// newBody returns an empty body for t, or nil when t is unknown.
func newBody(t MessageType) Body {
	switch t {
	case TypeJobSubmission:
		return &JobSubmission{}
	case TypeJobStatusUpdate:
		return &JobStatusUpdate{}
	case TypeJobResult:
		return &JobResult{}
	case TypeJobCancellation:
		return &JobCancellation{}
	case TypeWorkerHeartbeat:
		return &WorkerHeartbeat{}
	case TypeJobProgressUpdate:
		return &JobProgressUpdate{}
	default:
		return nil
	}
}
