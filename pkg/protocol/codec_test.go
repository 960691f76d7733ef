package protocol

import (
	"bytes"
	"errors"
	"omotes/internal/apperrors"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var ts = time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	bodies := []Body{
		&JobSubmission{
			JobID:        "job-1",
			WorkflowType: "grow_optimizer_default",
			Payload:      []byte("<esdl/>"),
			ReplyTo:      "client-a",
			TimeoutMs:    30_000,
			Params:       map[string]any{"name": "x", "enabled": true},
			SubmittedAt:  ts,
		},
		&JobStatusUpdate{JobID: "job-1", Status: JobStateRunning, Attempt: 2, WorkerID: "w1", Timestamp: ts},
		&JobProgressUpdate{JobID: "job-1", Progress: 0.5, Message: "halfway", Timestamp: ts},
		&JobResult{
			JobID:      "job-1",
			ResultType: ResultFailed,
			Error:      &ErrorDetail{Code: "boom", Message: "it broke"},
			Logs:       "line1\nline2",
			Messages: []EsdlMessage{
				{TechnicalMessage: "pipe too small", Severity: SeverityWarning, EsdlObjectID: "pipe-7"},
			},
			Timestamp: ts,
		},
		&JobCancellation{JobID: "job-1", Reason: "user", RequestedAt: ts},
		&WorkerHeartbeat{
			WorkerID:      "w1",
			WorkflowTypes: []string{"simulator"},
			Capacity:      2,
			ActiveJobs:    []string{"job-1"},
			IntervalMs:    5000,
			Timestamp:     ts,
		},
	}

	for _, format := range []Format{FormatMsgpack, FormatCBOR} {
		codec, err := NewCodec(format)
		if err != nil {
			t.Fatalf("NewCodec(%v) error = %v", format, err)
		}
		for _, body := range bodies {
			t.Run(format.String()+"/"+body.MessageType().String(), func(t *testing.T) {
				t.Parallel()

				data, err := codec.Encode(body)
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				msg, got, err := DecodeAll(data)
				if err != nil {
					t.Fatalf("DecodeAll() error = %v", err)
				}
				if msg.Type != body.MessageType() {
					t.Errorf("Type = %v, want %v", msg.Type, body.MessageType())
				}
				if msg.Format != format {
					t.Errorf("Format = %v, want %v", msg.Format, format)
				}
				if msg.CorrelationID != body.Correlation() {
					t.Errorf("CorrelationID = %q, want %q", msg.CorrelationID, body.Correlation())
				}
				if got.Correlation() != body.Correlation() {
					t.Errorf("body correlation = %q, want %q", got.Correlation(), body.Correlation())
				}
			})
		}
	}
}

func TestCodecPreservesFields(t *testing.T) {
	t.Parallel()

	in := &JobResult{
		JobID:      "job-9",
		ResultType: ResultSucceeded,
		Attempt:    3,
		Output:     []byte{0x01, 0x02},
		Messages:   []EsdlMessage{{TechnicalMessage: "ok", Severity: SeverityInfo}},
		Timestamp:  ts,
	}
	for _, format := range []Format{FormatMsgpack, FormatCBOR} {
		codec, _ := NewCodec(format)
		data, err := codec.Encode(in)
		if err != nil {
			t.Fatalf("%v: Encode() error = %v", format, err)
		}
		_, body, err := DecodeAll(data)
		if err != nil {
			t.Fatalf("%v: DecodeAll() error = %v", format, err)
		}
		out, ok := body.(*JobResult)
		if !ok {
			t.Fatalf("%v: body type = %T, want *JobResult", format, body)
		}
		if out.ResultType != ResultSucceeded || out.Attempt != 3 {
			t.Errorf("%v: got result %v attempt %d", format, out.ResultType, out.Attempt)
		}
		if !bytes.Equal(out.Output, in.Output) {
			t.Errorf("%v: Output = %v, want %v", format, out.Output, in.Output)
		}
		if !out.Timestamp.Equal(ts) {
			t.Errorf("%v: Timestamp = %v, want %v", format, out.Timestamp, ts)
		}
		if out.Error != nil {
			t.Errorf("%v: Error = %+v, want nil", format, out.Error)
		}
		if !reflect.DeepEqual(out.Messages, in.Messages) {
			t.Errorf("%v: Messages = %+v, want %+v", format, out.Messages, in.Messages)
		}
	}
}

func TestCodecDeterministic(t *testing.T) {
	t.Parallel()

	params := map[string]any{}
	for _, k := range []string{"z", "a", "m", "b", "y", "c"} {
		params[k] = k
	}
	body := &JobSubmission{JobID: "j", WorkflowType: "w", ReplyTo: "r", Params: params, SubmittedAt: ts}

	for _, format := range []Format{FormatMsgpack, FormatCBOR} {
		codec, _ := NewCodec(format)
		first, err := codec.Encode(body)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		for range 20 {
			next, err := codec.Encode(body)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(first, next) {
				t.Fatalf("%v: encoding is not deterministic", format)
			}
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	t.Parallel()

	valid, err := DefaultCodec().Encode(&JobCancellation{JobID: "job-1", RequestedAt: ts})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	future := bytes.Clone(valid)
	future[0] = CurrentSchemaVersion + 1
	zero := bytes.Clone(valid)
	zero[0] = 0
	badFormat := bytes.Clone(valid)
	badFormat[2] = 9

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"version zero", zero, ErrMalformed},
		{"future version", future, ErrUnsupportedVersion},
		{"truncated header", valid[:3], ErrMalformed},
		{"truncated body", valid[:len(valid)-1], ErrMalformed},
		{"trailing bytes", append(bytes.Clone(valid), 0x00), ErrMalformed},
		{"unknown format", badFormat, ErrUnknownFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, apperrors.ErrDecode) {
				t.Errorf("Decode() error should match apperrors.ErrDecode")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Decode() error type = %T, want *DecodeError", err)
			}
		})
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	t.Parallel()

	data, err := EncodeMessage(&Message{
		SchemaVersion: CurrentSchemaVersion,
		Type:          MessageType(42),
		Format:        FormatMsgpack,
		CorrelationID: "job-x",
		Payload:       []byte{0x80},
	})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	msg, err := Decode(data)
	var ute *UnknownMessageTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("Decode() error = %v, want *UnknownMessageTypeError", err)
	}
	if ute.Type != 42 || ute.CorrelationID != "job-x" {
		t.Errorf("error = %+v", ute)
	}
	if msg == nil || msg.CorrelationID != "job-x" {
		t.Errorf("Decode() should still return the envelope, got %+v", msg)
	}
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("error should match ErrUnknownMessageType")
	}
}

func TestDecodeBodyIgnoresUnknownAndMissingFields(t *testing.T) {
	t.Parallel()

	// A body written by an older peer without attempt, and by a newer peer
	// with a field this version does not know.
	payload, err := msgpack.Marshal(map[string]any{
		"job_id":     "job-1",
		"status":     uint8(JobStateQueued),
		"priority":   "high",
		"extensions": map[string]any{"a": 1},
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}
	data, err := EncodeMessage(&Message{
		SchemaVersion: CurrentSchemaVersion,
		Type:          TypeJobStatusUpdate,
		Format:        FormatMsgpack,
		CorrelationID: "job-1",
		Payload:       payload,
	})
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}

	_, body, err := DecodeAll(data)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	update := body.(*JobStatusUpdate)
	if update.JobID != "job-1" || update.Status != JobStateQueued {
		t.Errorf("update = %+v", update)
	}
	if update.Attempt != 0 || !update.Timestamp.IsZero() {
		t.Errorf("missing fields should decode to zero values, got attempt %d timestamp %v", update.Attempt, update.Timestamp)
	}
}

func TestDecodeBodyMalformed(t *testing.T) {
	t.Parallel()

	data, _ := EncodeMessage(&Message{
		SchemaVersion: CurrentSchemaVersion,
		Type:          TypeJobResult,
		Format:        FormatCBOR,
		CorrelationID: "job-1",
		Payload:       []byte{0xff, 0x00, 0x13},
	})
	_, _, err := DecodeAll(data)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeAll() error = %v, want ErrMalformed", err)
	}
}

func TestParamsSurviveBothFormats(t *testing.T) {
	t.Parallel()

	in := &JobSubmission{
		JobID:        "job-1",
		WorkflowType: "simulator",
		ReplyTo:      "c",
		Params: map[string]any{
			"timestep": 3600,
			"ratio":    0.25,
			"nested":   map[string]any{"k": "v"},
		},
		SubmittedAt: ts,
	}
	for _, format := range []Format{FormatMsgpack, FormatCBOR} {
		codec, _ := NewCodec(format)
		data, _ := codec.Encode(in)
		_, body, err := DecodeAll(data)
		if err != nil {
			t.Fatalf("%v: DecodeAll() error = %v", format, err)
		}
		params := body.(*JobSubmission).Params
		if _, ok := params["nested"].(map[string]any); !ok {
			t.Errorf("%v: nested = %T, want map[string]any", format, params["nested"])
		}
		if params["ratio"] != 0.25 {
			t.Errorf("%v: ratio = %v", format, params["ratio"])
		}
		switch v := params["timestep"].(type) {
		case int64:
			if v != 3600 {
				t.Errorf("%v: timestep = %d", format, v)
			}
		case uint64:
			if v != 3600 {
				t.Errorf("%v: timestep = %d", format, v)
			}
		default:
			t.Errorf("%v: timestep type = %T", format, v)
		}
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatMsgpack, false},
		{"msgpack", FormatMsgpack, false},
		{"CBOR", FormatCBOR, false},
		{"json", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDestinations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{SubmissionsDestination("simulator"), "job_submissions.simulator"},
		{StatusDestination("c1"), "jobs.c1.status"},
		{ResultDestination("c1"), "jobs.c1.result"},
		{ProgressDestination("c1"), "jobs.c1.progress"},
		{WorkerJobsDestination("w1"), "workers.w1.jobs"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("destination = %q, want %q", tt.got, tt.want)
		}
	}
}
