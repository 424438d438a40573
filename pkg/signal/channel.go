package signal

import (
	"context"
	"errors"
)

const (
	DefaultRoom  = "refasta-ai-call-room"
	DefaultTable = "webrtc_signals"

	FieldRoom      = "room"
	FieldSignal    = "signal"
	FieldCreatedAt = "created_at"
)

var (
	ErrClosed           = errors.New("signal channel closed")
	ErrSubscriptionLost = errors.New("signal subscription lost")
)

// Handler receives decoded envelopes. Calls for one subscription are
// sequential and follow persistence order.
type Handler func(Envelope)

// Channel persists envelopes for a room and fans them out to every
// subscriber of that room, including the sender.
type Channel interface {
	Send(ctx context.Context, room string, envelope Envelope) error
	Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error)
}

type Subscription interface {
	// Err yields at most one terminal error. A closed subscription yields nothing.
	Err() <-chan error
	Close() error
}
