package transport

import (
	"context"
	"sync"

	"ingestor/internal/protocol"
)

// Pipe returns two connected in-memory Conns. Messages are fully encoded and
// decoded on the way through, so codec errors surface as they would on a socket.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once, name: "pipe-a"},
		&pipeEnd{in: ab, out: ba, done: done, once: once, name: "pipe-b"}
}

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
	name string
}

func (p *pipeEnd) Send(ctx context.Context, m *protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*protocol.Message, error) {
	// Frames sent before a close are still delivered.
	select {
	case frame := <-p.in:
		return protocol.Decode(frame, 0)
	default:
	}
	select {
	case frame := <-p.in:
		return protocol.Decode(frame, 0)
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string { return p.name }
