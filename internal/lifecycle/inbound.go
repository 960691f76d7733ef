package lifecycle

import (
	"context"
	"errors"

	"omotes/internal/apperrors"
	"omotes/pkg/protocol"
	"omotes/pkg/transport"
)

// HandleDelivery is a transport.Handler for the status, progress and result
// destinations. A failure local to one message never stops the subscription:
// orphans, stale messages and unknown types are acked, undecodable messages
// are rejected without requeue and only store failures are requeued.
func (m *Machine) HandleDelivery(ctx context.Context, d *transport.Delivery) {
	msg, body, err := protocol.DecodeAll(d.Body)
	if err != nil {
		var unknown *protocol.UnknownMessageTypeError
		if errors.As(err, &unknown) {
			m.discarded(ctx, ReasonUnknownType)
			m.logger.Warn("Message of unknown type dropped", "destination", d.Destination,
				"type", uint8(unknown.Type), "jobId", unknown.CorrelationID)
			m.settle(d, d.Ack)
			return
		}
		if m.metrics != nil {
			m.metrics.RecordDecodeError(ctx)
		}
		m.logger.Warn("Undecodable message dropped", "destination", d.Destination, "error", err)
		m.settle(d, func() error { return d.Reject(false) })
		return
	}

	if body.Correlation() != msg.CorrelationID {
		m.discarded(ctx, ReasonMalformed)
		m.logger.Warn("Message correlation mismatch dropped", "destination", d.Destination,
			"envelope", msg.CorrelationID, "body", body.Correlation())
		m.settle(d, func() error { return d.Reject(false) })
		return
	}

	_, err = m.Handle(ctx, body)
	switch {
	case err == nil, errors.Is(err, ErrOrphan):
		m.settle(d, d.Ack)
	case errors.Is(err, ErrUnhandled):
		m.discarded(ctx, ReasonUnknownType)
		m.logger.Warn("Unexpected message type dropped", "destination", d.Destination, "type", msg.Type)
		m.settle(d, d.Ack)
	case errors.Is(err, apperrors.ErrValidation):
		m.settle(d, func() error { return d.Reject(false) })
	default:
		m.logger.Error("Applying message failed, requeueing", "destination", d.Destination,
			"jobId", msg.CorrelationID, "error", err)
		m.settle(d, func() error { return d.Reject(true) })
	}
}

func (m *Machine) settle(d *transport.Delivery, fn func() error) {
	if err := fn(); err != nil {
		m.logger.Debug("Settling delivery failed", "destination", d.Destination, "error", err)
	}
}
