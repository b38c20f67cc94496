package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Pipe operations after Close.
var ErrChannelClosed = errors.New("channel closed")

// Pipe is an in-memory Channel. NewPipe returns two connected ends: a Push
// on one end is observed by a Pull on the other. Used by the built-in
// simulator and by tests; real deployments supply their own Channel.
type Pipe struct {
	recv      <-chan []byte
	send      chan<- []byte
	done      chan struct{}
	closeOnce *sync.Once
}

var _ Channel = (*Pipe)(nil)

// NewPipe creates a connected channel pair with the given buffer depth per
// direction. A buffer of 0 makes every exchange a rendezvous.
func NewPipe(buffer int) (*Pipe, *Pipe) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Pipe{recv: ba, send: ab, done: done, closeOnce: once}
	b := &Pipe{recv: ab, send: ba, done: done, closeOnce: once}
	return a, b
}

// Pull blocks until the peer pushes a payload, ctx is cancelled, or the
// pipe is closed.
func (p *Pipe) Pull(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrChannelClosed
	case payload := <-p.recv:
		return payload, nil
	}
}

// Push blocks until the peer can accept the payload, ctx is cancelled, or
// the pipe is closed.
func (p *Pipe) Push(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrChannelClosed
	case p.send <- payload:
		return nil
	}
}

// Close tears down both ends. Pending and future Pull/Push calls on either
// end return ErrChannelClosed.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
