package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned from Send/Receive on a ChanLink after Close.
var ErrClosed = errors.New("bus: link closed")

// ChanLink is a buffered in-process channel pair — the default Link
// implementation when no external broker is configured. It is the literal
// reading of "typed in-process message queues": the stratifier or generator
// runs as a goroutine in the same process and is wired directly to a
// ChanLink's Receive/Send pair.
type ChanLink struct {
	out    chan json.RawMessage
	in     chan json.RawMessage
	closed chan struct{}
}

// NewChanLink creates a ChanLink with the given per-direction buffer depth.
func NewChanLink(buffer int) *ChanLink {
	return &ChanLink{
		out:    make(chan json.RawMessage, buffer),
		in:     make(chan json.RawMessage, buffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg for the peer to read via Outbound().
func (l *ChanLink) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	}
}

// Receive blocks until the peer sends a message via Inbound().
func (l *ChanLink) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-l.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	}
}

// Outbound returns the channel the in-process peer reads from (what this
// side Send()s).
func (l *ChanLink) Outbound() <-chan json.RawMessage { return l.out }

// Inbound returns the channel the in-process peer writes to (what Receive()
// returns).
func (l *ChanLink) Inbound() chan<- json.RawMessage { return l.in }

// Close unblocks any pending Send/Receive calls.
func (l *ChanLink) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}
