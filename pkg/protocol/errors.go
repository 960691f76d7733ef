package protocol

import (
	"errors"
	"fmt"

	"omotes/internal/apperrors"
)

// Decode failure classes. All of them match apperrors.ErrDecode as well.
var (
	ErrMalformed          = errors.New("malformed message")
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrUnknownFormat      = errors.New("unknown body format")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// DecodeError describes why bytes could not be turned into a Message.
type DecodeError struct {
	Kind   error
	Detail string
	Cause  error
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	errs := []error{e.Kind, apperrors.ErrDecode}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: ErrMalformed, Detail: fmt.Sprintf(format, args...)}
}

// UnknownMessageTypeError is returned for envelopes whose type this version
// does not understand. The envelope itself decoded fine, so callers can still
// log the correlation id and decide whether to ignore the message.
type UnknownMessageTypeError struct {
	Type          MessageType
	CorrelationID string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %d (correlation %q)", uint8(e.Type), e.CorrelationID)
}

func (e *UnknownMessageTypeError) Unwrap() []error {
	return []error{ErrUnknownMessageType, apperrors.ErrDecode}
}
