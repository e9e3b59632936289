package transport

import (
	"context"
	"errors"

	"cardboardhrv/internal/protocol"
)

var (
	ErrClosed      = errors.New("channel closed")
	ErrQueueFull   = errors.New("send queue full")
	ErrNoCandidate = errors.New("no transport channel available")
)

// Handler receives envelopes delivered by a channel. Handlers are called from
// the channel's delivery goroutine and must not block for long.
type Handler func(env protocol.Envelope)

// Unsubscribe detaches a handler. It is safe to call more than once.
type Unsubscribe func()

// Channel is one way of moving envelopes between the devices of a session.
type Channel interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Subscribe(h Handler) (Unsubscribe, error)
	Close() error
}

// DirectoryReader is implemented by channels that can read the full device
// directory of the session.
type DirectoryReader interface {
	Devices(ctx context.Context) ([]protocol.DeviceRecord, error)
}

// Target identifies the session and device a channel is opened for.
type Target struct {
	SessionID string
	DeviceID  string
	Role      protocol.Role
}

// Factory opens channels of one kind.
type Factory interface {
	Name() string
	Open(ctx context.Context, t Target) (Channel, error)
}
