// Package job holds the job data model and the pure transition reducer that
// every component applies to inbound lifecycle messages.
package job

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"omotes/pkg/protocol"
)

// Status is the lifecycle state of a job. The numeric order of the constants
// is the state ordering.
type Status uint8

const (
	StatusRegistered Status = iota + 1
	StatusSubmitted
	StatusQueued
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusRegistered: "registered",
	StatusSubmitted:  "submitted",
	StatusQueued:     "queued",
	StatusRunning:    "running",
	StatusSucceeded:  "succeeded",
	StatusFailed:     "failed",
	StatusCancelled:  "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Error is the structured failure of a Failed job.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Error codes set by the reducer when a result carries none.
const (
	CodeFailed  = "failed"
	CodeTimeout = "timeout"
)

// Job is the client-side record of one submitted job.
type Job struct {
	ID              string                 `json:"id"`
	WorkflowType    string                 `json:"workflowType"`
	Payload         []byte                 `json:"payload,omitempty"`
	Params          map[string]any         `json:"params,omitempty"`
	ReplyTo         string                 `json:"replyTo,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty"`
	Status          Status                 `json:"status"`
	Attempt         uint32                 `json:"attempt"`
	WorkerID        string                 `json:"workerId,omitempty"`
	Progress        float64                `json:"progress"`
	ProgressMessage string                 `json:"progressMessage,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastUpdatedAt   time.Time              `json:"lastUpdatedAt"`
	Result          []byte                 `json:"result,omitempty"`
	Logs            string                 `json:"logs,omitempty"`
	Error           *Error                 `json:"error,omitempty"`
	Messages        []protocol.EsdlMessage `json:"messages,omitempty"`
}

// Clone returns a copy that shares no mutable memory with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Params = maps.Clone(j.Params)
	c.Result = slices.Clone(j.Result)
	c.Messages = slices.Clone(j.Messages)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Outcome is the terminal view of a job handed to waiters.
type Outcome struct {
	JobID    string
	Status   Status
	Result   []byte
	Logs     string
	Error    *Error
	Messages []protocol.EsdlMessage
}

// Outcome returns the terminal view of j.
func (j *Job) Outcome() Outcome {
	c := j.Clone()
	return Outcome{
		JobID:    c.ID,
		Status:   c.Status,
		Result:   c.Result,
		Logs:     c.Logs,
		Error:    c.Error,
		Messages: c.Messages,
	}
}

// Submission builds the wire message that submits j.
func (j *Job) Submission() *protocol.JobSubmission {
	return &protocol.JobSubmission{
		JobID:        j.ID,
		WorkflowType: j.WorkflowType,
		Payload:      j.Payload,
		ReplyTo:      j.ReplyTo,
		TimeoutMs:    j.Timeout.Milliseconds(),
		Params:       j.Params,
		Attempt:      j.Attempt,
		SubmittedAt:  j.CreatedAt,
	}
}
