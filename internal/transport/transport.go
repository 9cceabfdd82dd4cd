// Package transport carries protocol messages between coordinator and workers.
// One transport message holds exactly one protocol frame.
package transport

import (
	"context"
	"errors"

	"ingestor/internal/protocol"
)

// ErrClosed is returned after the connection has been closed by either side.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional, message-oriented connection. Send is safe for
// concurrent use; Recv must be called from a single goroutine.
type Conn interface {
	Send(ctx context.Context, m *protocol.Message) error
	Recv(ctx context.Context) (*protocol.Message, error)
	Close() error
	RemoteAddr() string
}
